package ecies

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
)

const (
	// 64 characters, so that a random byte masked to 6 bits maps without bias.
	urlSafeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

	verifierEntropy = 60
)

// urlEncoding is a base64.URLEncoding configured without padding.
var urlEncoding = base64.URLEncoding.WithPadding(base64.NoPadding)

// RandomBytes returns size bytes read from crypto/rand.
func RandomBytes(size int) ([]byte, error) {
	rv := make([]byte, size)
	_, err := io.ReadFull(rand.Reader, rv)
	return rv, wrapError(err, "failed reading random bytes")
}

// RandomURLSafe returns a random string of exactly size characters taken from
// the urlsafe base64 alphabet.
func RandomURLSafe(size int) (string, error) {
	raw, err := RandomBytes(size)
	if nil != err {
		return "", err
	}
	for pos, b := range raw {
		raw[pos] = urlSafeAlphabet[b&0x3f]
	}
	return string(raw), nil
}

// PKCEPair is a proof key code exchange verifier & the challenge that commits to it.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// NewPKCEPair generates a fresh PKCEPair.
//
// The verifier encodes 60 random bytes with urlsafe base64, the challenge is the
// urlsafe base64 encoding of the SHA-256 digest of the verifier (method S256).
func NewPKCEPair() (PKCEPair, error) {
	var rv PKCEPair

	raw, err := RandomBytes(verifierEntropy)
	if nil != err {
		return rv, err
	}
	rv.Verifier = urlEncoding.EncodeToString(raw)

	digest := sha256.Sum256([]byte(rv.Verifier))
	rv.Challenge = urlEncoding.EncodeToString(digest[:])

	return rv, nil
}
