// Package envelope implements the compact serialization of the signed and
// encrypted envelopes exchanged with the identity provider.
//
// Signed envelopes carry an ECDSA signature over the brainpoolP256r1 curve
// (alg BP256R1) or the P-256 curve (alg ES256). Encrypted envelopes use an
// ephemeral ECDH-ES key agreement or a directly shared AES-256 key, with
// A256GCM content encryption in both cases.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"code.sanakey.org/golang/internal/algos"
)

const (
	ALG_BP256R1 = "BP256R1"
	ALG_ES256   = "ES256"
	ALG_ECDH_ES = "ECDH-ES"
	ALG_DIR     = "dir"

	ENC_A256GCM = "A256GCM"
)

// rawEncoding is the urlsafe base64 encoding without padding mandated for
// compact envelope segments.
var rawEncoding = base64.RawURLEncoding

// Header is the protected header of a compact envelope.
type Header struct {
	Alg string        `json:"alg"`
	Enc string        `json:"enc,omitempty"`
	Typ string        `json:"typ,omitempty"`
	Cty string        `json:"cty,omitempty"`
	Exp int64         `json:"exp,omitempty"`
	X5c []string      `json:"x5c,omitempty"`
	Epk *EphemeralKey `json:"epk,omitempty"`
}

// EphemeralKey is the JWK encoding of an ephemeral EC public key.
type EphemeralKey struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// checkExp errors if the header carries an exp instant in the past.
func (self Header) checkExp(now time.Time) error {
	if self.Exp > 0 && now.Unix() >= self.Exp {
		return wrapError(ErrExpired, "envelope expired at %d", self.Exp)
	}
	return nil
}

// curveOfAlg maps a signature alg to the Curve it operates on.
func curveOfAlg(alg string) (algos.Curve, error) {
	var name string
	switch alg {
	case ALG_BP256R1:
		name = algos.CURVE_BP256
	case ALG_ES256:
		name = algos.CURVE_P256
	default:
		return algos.Curve{}, newError("unsupported signature alg %s", alg)
	}
	return algos.GetCurve(name)
}

// nested is the JSON wrapper used when an envelope transports another envelope.
type nested struct {
	Njwt string `json:"njwt"`
}

// Nest wraps the compact token in the nested transport JSON form.
func Nest(token string) []byte {
	rv, _ := json.Marshal(nested{Njwt: token})
	return rv
}

// Unnest extracts a compact token from its nested transport JSON form.
func Unnest(payload []byte) (string, error) {
	dst := nested{}
	err := json.Unmarshal(payload, &dst)
	if nil != err {
		return "", wrapError(err, "failed decoding nested envelope")
	}
	if "" == dst.Njwt {
		return "", newError("empty nested envelope")
	}
	return dst.Njwt, nil
}

func splitCompact(compact string, numSegments int) ([]string, error) {
	segments := strings.Split(compact, ".")
	if len(segments) != numSegments {
		return nil, newError("invalid compact form, %d segments != %d", len(segments), numSegments)
	}
	return segments, nil
}

func decodeHeader(segment string) (Header, error) {
	var hdr Header
	raw, err := rawEncoding.DecodeString(segment)
	if nil != err {
		return hdr, wrapError(err, "failed header base64 decoding")
	}
	err = json.Unmarshal(raw, &hdr)
	if nil != err {
		return hdr, wrapError(err, "failed header JSON decoding")
	}
	return hdr, nil
}

func encodeHeader(hdr Header) (string, error) {
	raw, err := json.Marshal(hdr)
	if nil != err {
		return "", wrapError(err, "failed header JSON encoding")
	}
	return rawEncoding.EncodeToString(raw), nil
}
