package algos

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"math/big"
)

// oidBrainpoolP256r1 identifies the curve in SEC1 key encodings, RFC 5639.
var oidBrainpoolP256r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 7}

// sec1PrivateKey mirrors the SEC1 ECPrivateKey ASN.1 structure.
type sec1PrivateKey struct {
	Version       int
	PrivateKey    []byte
	NamedCurveOID asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

// ParseECPrivateKey parses a SEC1 DER encoded EC private key. Unlike the
// x509 parser it also accepts brainpoolP256r1 keys.
func ParseECPrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	key, err := x509.ParseECPrivateKey(der)
	if nil == err {
		return key, nil
	}

	var sec1 sec1PrivateKey
	_, perr := asn1.Unmarshal(der, &sec1)
	if nil != perr {
		return nil, wrapError(perr, "invalid SEC1 key encoding")
	}
	if !sec1.NamedCurveOID.Equal(oidBrainpoolP256r1) {
		return nil, wrapError(err, "unsupported key curve %v", sec1.NamedCurveOID)
	}

	curve, err := GetCurve(CURVE_BP256)
	if nil != err {
		return nil, err
	}
	d := new(big.Int).SetBytes(sec1.PrivateKey)
	if 0 == d.Sign() || d.Cmp(curve.Params().N) >= 0 {
		return nil, newError("key scalar out of range")
	}

	rv := &ecdsa.PrivateKey{D: d}
	rv.Curve = curve.Curve
	rv.X, rv.Y = curve.ScalarBaseMult(d.Bytes())

	return rv, nil
}
