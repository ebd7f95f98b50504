// Package vau implements the client half of the trusted execution channel.
//
// Every API call is serialized as raw HTTP/1.1, bound to a one time request
// id and a one time AES-256 response key, hybrid encrypted for the backend
// trusted execution environment and posted over the outer transport. The
// backend addresses the client with an opaque user pseudonym that rotates
// through a response header.
package vau

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"sync"

	"code.sanakey.org/golang/internal/observability"
	"code.sanakey.org/golang/pkg/ecies"
)

const (
	protocolVersion = "1"

	requestIdSize    = 16
	responseKeySize  = 32
	defaultPseudonym = "0"

	pseudonymHeader = "Userpseudonym"
)

// KeySource provides the validated public key of the trusted execution
// environment. *truststore.Validator implements it.
type KeySource interface {
	EePublicKey(ctx context.Context) (*ecdsa.PublicKey, error)
}

// Config holds the Channel settings.
type Config struct {
	// BaseURL is the API base, it must end with a / .
	BaseURL string

	// HTTPClient is the outer transport. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Rnd is the randomness source. Defaults to crypto/rand.Reader.
	Rnd io.Reader
}

// Check returns an error if the Config is invalid.
func (self Config) Check() error {
	if !strings.HasSuffix(self.BaseURL, "/") {
		return newError("BaseURL must end with a /")
	}
	if !strings.HasPrefix(self.BaseURL, "https://") && !strings.HasPrefix(self.BaseURL, "http://") {
		return newError("BaseURL must be an http(s) url")
	}
	return nil
}

// Channel wraps API calls into the trusted execution channel.
// It is safe for concurrent use.
type Channel struct {
	cfg  Config
	keys KeySource

	mut       sync.Mutex
	pseudonym string
}

// NewChannel returns a Channel posting to cfg.BaseURL.
func NewChannel(cfg Config, keys KeySource) (*Channel, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid Config")
	}
	if nil == keys {
		return nil, newError("nil KeySource")
	}
	if nil == cfg.HTTPClient {
		cfg.HTTPClient = http.DefaultClient
	}
	if nil == cfg.Rnd {
		cfg.Rnd = rand.Reader
	}

	return &Channel{cfg: cfg, keys: keys, pseudonym: defaultPseudonym}, nil
}

// UserPseudonym returns the pseudonym the next exchange will be addressed with.
func (self *Channel) UserPseudonym() string {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.pseudonym
}

// Reset drops the rotating pseudonym, the next exchange starts anonymous.
func (self *Channel) Reset() {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.pseudonym = defaultPseudonym
}

// Do sends req through the channel and returns the inner response.
//
// The inner request is serialized, prefixed with the bearer token, a fresh
// request id and a fresh response key, encrypted for the trusted execution
// environment and posted to <base>VAU/<pseudonym>. The response body is
// decrypted with the response key and checked against the request id echo.
func (self *Channel) Do(ctx context.Context, req *http.Request, bearer string) (*http.Response, error) {
	log := observability.GetObservability(ctx).Log()

	inner, err := composeInnerRequest(req, self.cfg.BaseURL)
	if nil != err {
		return nil, err
	}

	requestId := make([]byte, requestIdSize)
	_, err = io.ReadFull(self.cfg.Rnd, requestId)
	if nil != err {
		return nil, wrapError(err, "failed generating request id")
	}
	responseKey := make([]byte, responseKeySize)
	_, err = io.ReadFull(self.cfg.Rnd, responseKey)
	if nil != err {
		return nil, wrapError(err, "failed generating response key")
	}

	var payload strings.Builder
	payload.WriteString(protocolVersion)
	payload.WriteString(" ")
	payload.WriteString(bearer)
	payload.WriteString(" ")
	payload.WriteString(hex.EncodeToString(requestId))
	payload.WriteString(" ")
	payload.WriteString(hex.EncodeToString(responseKey))
	payload.WriteString(" ")
	payload.Write(inner)

	pub, err := self.keys.EePublicKey(ctx)
	if nil != err {
		return nil, wrapError(err, "failed resolving channel public key")
	}

	sealed, err := ecies.Encrypt(self.cfg.Rnd, pub, []byte(payload.String()))
	if nil != err {
		return nil, wrapError(err, "failed sealing channel request")
	}

	outer, err := http.NewRequestWithContext(ctx, "POST", self.outerURL(), strings.NewReader(string(sealed)))
	if nil != err {
		return nil, wrapError(err, "failed building outer request")
	}
	outer.Header.Set("Content-Type", "application/octet-stream")

	resp, err := self.cfg.HTTPClient.Do(outer)
	if nil != err {
		return nil, wrapError(err, "failed outer exchange")
	}
	defer resp.Body.Close()

	if http.StatusOK != resp.StatusCode {
		return nil, wrapError(ErrProtocol, "outer exchange returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if nil != err {
		return nil, wrapError(err, "failed reading outer response")
	}

	plain, err := ecies.OpenGCM(responseKey, nil, body)
	if nil != err {
		return nil, wrapError(err, "failed opening channel response")
	}

	innerResp, err := self.decodeInnerResponse(plain, requestId)
	if nil != err {
		return nil, err
	}

	if next := resp.Header.Get(pseudonymHeader); "" != next {
		self.mut.Lock()
		self.pseudonym = next
		self.mut.Unlock()
	}

	log.Debug("completed channel exchange", "method", req.Method, "status", innerResp.StatusCode)

	return innerResp, nil
}

func (self *Channel) outerURL() string {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.cfg.BaseURL + "VAU/" + self.pseudonym
}

// decodeInnerResponse checks the "1 <requestIdHex> " prefix of the decrypted
// payload and parses the raw inner response that follows.
func (self *Channel) decodeInnerResponse(plain, requestId []byte) (*http.Response, error) {
	minSize := len(protocolVersion) + 1 + 2*requestIdSize + 1
	if len(plain) < minSize {
		return nil, wrapError(ErrProtocol, "channel response too short")
	}
	if protocolVersion != string(plain[:1]) || ' ' != plain[1] {
		return nil, wrapError(ErrProtocol, "unsupported channel response version")
	}

	echo := string(plain[2 : 2+2*requestIdSize])
	if hex.EncodeToString(requestId) != echo {
		return nil, wrapError(ErrProtocol, "request id echo mismatch")
	}
	if ' ' != plain[2+2*requestIdSize] {
		return nil, wrapError(ErrProtocol, "malformed channel response prefix")
	}

	return parseInnerResponse(plain[minSize:])
}
