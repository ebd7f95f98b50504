package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"code.sanakey.org/golang/internal/algos"
	"code.sanakey.org/golang/internal/observability"
	"code.sanakey.org/golang/pkg/envelope"
	"code.sanakey.org/golang/pkg/idp"
	"code.sanakey.org/golang/pkg/idp/boltdb"
	"code.sanakey.org/golang/pkg/truststore"
	"code.sanakey.org/golang/pkg/vau"
)

const usageFmt = `
Command Usage: %s [Flags]
  Authenticate a profile against the identity provider federation and
  optionally probe the trusted execution channel.

Flags:
------
`

type Cmd struct {
	Discovery   string
	ClientId    string
	RedirectURI string
	CertListURL string
	OcspURL     string
	VauBase     string
	Profile     string
	DbPath      string
	Anchor      *x509.Certificate
	Card        idp.Card
	Timeout     time.Duration
}

func parseFlags(progname string, args []string) *Cmd {
	cmd := Cmd{}

	flags := flag.NewFlagSet(progname, flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, usageFmt, path.Base(progname))
		flags.PrintDefaults()
	}

	flags.StringVar(&cmd.Discovery, "disc", "", `identity provider discovery document URL`)
	flags.StringVar(&cmd.ClientId, "client-id", "sanakey-cli", `registered client identifier`)
	flags.StringVar(&cmd.RedirectURI, "redirect", "https://sanakey.org/cb", `registered redirect URI`)
	flags.StringVar(&cmd.CertListURL, "certs", "", `backend certificate list URL`)
	flags.StringVar(&cmd.OcspURL, "ocsp", "", `backend OCSP response list URL`)
	flags.StringVar(&cmd.VauBase, "vau", "", `trusted execution channel base URL, probed when set`)
	flags.StringVar(&cmd.Profile, "profile", "default", `profile to authenticate`)
	flags.StringVar(&cmd.DbPath, "db", "sanakey.db", `path of the local database`)
	flags.DurationVar(&cmd.Timeout, "timeout", 30*time.Second, `overall operation timeout`)

	var anchorPath, keyPath, certPath string
	flags.StringVar(&anchorPath, "anchor", "", `path of the pinned root certificate (PEM)`)
	flags.StringVar(&keyPath, "key", "", `path of the card private key (PEM, brainpoolP256r1)`)
	flags.StringVar(&certPath, "cert", "", `path of the card authentication certificate (PEM)`)

	flags.Parse(args)

	for name, value := range map[string]string{
		"disc": cmd.Discovery, "certs": cmd.CertListURL, "ocsp": cmd.OcspURL,
		"anchor": anchorPath, "key": keyPath, "cert": certPath,
	} {
		if "" == value {
			log.Fatalf("Missing required flag -%s", name)
		}
	}

	cmd.Anchor = loadCertificate(anchorPath)
	cardCert := loadCertificate(certPath)
	cmd.Card = idp.Card{
		Certificate: cardCert.Raw,
		Signer:      envelope.SoftSigner{Key: loadKey(keyPath), Rnd: rand.Reader},
	}

	return &cmd
}

func main() {
	cmd := parseFlags(os.Args[0], os.Args[1:])

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := observability.SetObservability(context.Background(), &observability.Observability{Logger: logger})
	ctx, cancel := context.WithTimeout(ctx, cmd.Timeout)
	defer cancel()

	store, err := boltdb.New(cmd.DbPath)
	if nil != err {
		log.Fatalf("Failed opening local database, got error %v", err)
	}

	trust, err := truststore.NewValidator(
		truststore.Config{Anchor: cmd.Anchor},
		truststore.HTTPSource{CertListURL: cmd.CertListURL, OcspURL: cmd.OcspURL},
	)
	if nil != err {
		log.Fatalf("Failed creating trust validator, got error %v", err)
	}

	uc, err := idp.NewUseCase(idp.UseCaseConfig{
		Client: idp.ClientConfig{
			DiscoveryURL: cmd.Discovery,
			ClientId:     cmd.ClientId,
			RedirectURI:  cmd.RedirectURI,
		},
		Store: store,
		Cache: store,
		Trust: trust,
	})
	if nil != err {
		log.Fatalf("Failed creating authenticator, got error %v", err)
	}

	access, err := uc.LoadAccessToken(ctx, cmd.Profile, idp.ScopeDefault)
	if nil != err {
		if !idp.NeedsReauthentication(err) {
			log.Fatalf("Failed token refresh, got error %v", err)
		}
		logger.Info("no usable session, authenticating with the card")
		access, err = uc.LoginWithHealthCard(ctx, cmd.Profile, cmd.Card, idp.ScopeDefault)
		if nil != err {
			log.Fatalf("Failed card authentication, got error %v", err)
		}
	}
	logger.Info("authenticated", "profile", cmd.Profile, "expires", access.ExpiresOn)

	if "" != cmd.VauBase {
		probeChannel(ctx, cmd, trust, access, logger)
	}
}

// probeChannel sends one authenticated request through the trusted execution
// channel and reports the inner status.
func probeChannel(ctx context.Context, cmd *Cmd, trust *truststore.Validator, access idp.AccessToken, logger *slog.Logger) {
	base := cmd.VauBase
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	channel, err := vau.NewChannel(vau.Config{BaseURL: base}, trust)
	if nil != err {
		log.Fatalf("Failed creating channel, got error %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"Health", nil)
	if nil != err {
		log.Fatalf("Failed building probe request, got error %v", err)
	}
	resp, err := channel.Do(ctx, req, access.Token)
	if nil != err {
		log.Fatalf("Failed channel probe, got error %v", err)
	}
	defer resp.Body.Close()

	logger.Info("channel probe done", "status", resp.StatusCode, "pseudonym", channel.UserPseudonym())
}

func loadCertificate(pempath string) *x509.Certificate {
	block := loadPem(pempath, "CERTIFICATE")
	cert, err := x509.ParseCertificate(block.Bytes)
	if nil != err {
		log.Fatalf("Failed parsing certificate %s, got error %v", pempath, err)
	}
	return cert
}

func loadKey(pempath string) *ecdsa.PrivateKey {
	block := loadPem(pempath, "EC PRIVATE KEY")
	key, err := algos.ParseECPrivateKey(block.Bytes)
	if nil != err {
		log.Fatalf("Failed parsing key %s, got error %v", pempath, err)
	}
	return key
}

func loadPem(pempath, blocktype string) *pem.Block {
	data, err := os.ReadFile(pempath)
	if nil != err {
		log.Fatalf("Failed reading %s, got error %v", pempath, err)
	}
	block, _ := pem.Decode(data)
	if nil == block || blocktype != block.Type {
		log.Fatalf("File %s holds no %s PEM block", pempath, blocktype)
	}
	return block
}
