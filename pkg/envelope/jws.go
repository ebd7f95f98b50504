package envelope

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"io"
	"time"

	"code.sanakey.org/golang/internal/algos"
)

// Signer produces a raw r || s ECDSA signature over a SHA-256 digest.
//
// Implementations wrap the signing capability of a health card or of a
// platform secure element, neither of which releases its private key.
type Signer interface {
	SignHash(digest []byte) ([]byte, error)
}

// SoftSigner is a Signer backed by an in memory private key.
type SoftSigner struct {
	Key *ecdsa.PrivateKey
	Rnd io.Reader
}

// SignHash implements Signer.
func (self SoftSigner) SignHash(digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(self.Rnd, self.Key, digest)
	if nil != err {
		return nil, wrapError(err, "failed ECDSA signature")
	}

	name := self.Key.Curve.Params().Name
	if "brainpoolP256r1" == name {
		name = algos.CURVE_BP256
	}
	curve, err := algos.GetCurve(name)
	if nil != err {
		return nil, wrapError(err, "unsupported signing curve %s", name)
	}

	return algos.RawSignature(curve, r, s), nil
}

// Sign returns the compact signed envelope of payload under hdr.
// hdr.Alg selects the signature curve, the digest is always SHA-256.
func Sign(payload []byte, hdr Header, signer Signer) (string, error) {
	_, err := curveOfAlg(hdr.Alg)
	if nil != err {
		return "", err
	}
	if nil == signer {
		return "", newError("nil signer")
	}

	srzhdr, err := encodeHeader(hdr)
	if nil != err {
		return "", err
	}
	signingInput := srzhdr + "." + rawEncoding.EncodeToString(payload)

	digest := sha256.Sum256([]byte(signingInput))
	sig, err := signer.SignHash(digest[:])
	if nil != err {
		return "", wrapError(err, "failed signing")
	}

	return signingInput + "." + rawEncoding.EncodeToString(sig), nil
}

// Verify checks the compact signed envelope against pub and returns the
// decoded payload and header. It errors with ErrSignature when the signature
// does not verify and with ErrExpired when the header exp has passed.
func Verify(compact string, pub *ecdsa.PublicKey) ([]byte, Header, error) {
	segments, err := splitCompact(compact, 3)
	if nil != err {
		return nil, Header{}, err
	}

	hdr, err := decodeHeader(segments[0])
	if nil != err {
		return nil, hdr, err
	}
	curve, err := curveOfAlg(hdr.Alg)
	if nil != err {
		return nil, hdr, err
	}
	if pub.Curve != curve.Curve {
		return nil, hdr, wrapError(ErrSignature, "key curve does not match alg %s", hdr.Alg)
	}

	sig, err := rawEncoding.DecodeString(segments[2])
	if nil != err {
		return nil, hdr, wrapError(err, "failed signature base64 decoding")
	}
	r, s, err := algos.ParseRawSignature(curve, sig)
	if nil != err {
		return nil, hdr, wrapError(ErrSignature, "malformed signature")
	}

	digest := sha256.Sum256([]byte(segments[0] + "." + segments[1]))
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return nil, hdr, wrapError(ErrSignature, "signature does not verify")
	}

	err = hdr.checkExp(time.Now())
	if nil != err {
		return nil, hdr, err
	}

	payload, err := rawEncoding.DecodeString(segments[1])
	if nil != err {
		return nil, hdr, wrapError(err, "failed payload base64 decoding")
	}

	return payload, hdr, nil
}

// Peek decodes the header and payload of a compact signed envelope without
// any signature verification. Callers must not trust the returned data.
func Peek(compact string) ([]byte, Header, error) {
	segments, err := splitCompact(compact, 3)
	if nil != err {
		return nil, Header{}, err
	}

	hdr, err := decodeHeader(segments[0])
	if nil != err {
		return nil, hdr, err
	}

	payload, err := rawEncoding.DecodeString(segments[1])
	if nil != err {
		return nil, hdr, wrapError(err, "failed payload base64 decoding")
	}

	return payload, hdr, nil
}
