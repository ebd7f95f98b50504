package algos

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"io"
	"math/big"

	"code.sanakey.org/golang/internal/utils"
)

const (
	// Curve names follow the JOSE crv register.
	CURVE_BP256 = "BP-256"
	CURVE_P256  = "P-256"
)

// Curve embeds elliptic.Curve and adds methods that simplify usage.
type Curve struct {
	elliptic.Curve
	name    string
	byteLen int
}

// Name returns Name of Curve
func (self Curve) Name() string {
	return self.name
}

// ByteLen returns the byte length of a Curve field element.
func (self Curve) ByteLen() int {
	return self.byteLen
}

// PointLen returns the byte length of the uncompressed form of a Curve point.
func (self Curve) PointLen() int {
	return 1 + 2*self.byteLen
}

// GenerateKey returns a new Curve key pair.
func (self Curve) GenerateKey(rnd io.Reader) (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(self.Curve, rnd)
	return key, wrapError(err, "failed generating %s key", self.name)
}

// MarshalPoint returns the uncompressed encoding of the (x, y) point.
func (self Curve) MarshalPoint(x, y *big.Int) []byte {
	return elliptic.Marshal(self.Curve, x, y)
}

// UnmarshalPoint decodes an uncompressed point encoding.
// It errors if data does not encode a point of the Curve.
func (self Curve) UnmarshalPoint(data []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(self.Curve, data)
	if nil == x {
		return nil, newError("invalid %s point encoding", self.name)
	}
	return &ecdsa.PublicKey{Curve: self.Curve, X: x, Y: y}, nil
}

// FieldBytes returns the fixed size big endian encoding of the v field element.
func (self Curve) FieldBytes(v *big.Int) []byte {
	rv := make([]byte, self.byteLen)
	v.FillBytes(rv)
	return rv
}

func (self *Curve) init() error {
	if nil == self || nil == self.Curve {
		return newError("can not initialize nil curve")
	}
	self.byteLen = (self.Params().BitSize + 7) / 8

	return nil
}

// ECDH returns the shared secret between priv and pub, the big endian encoding
// of the x coordinate of priv.D * pub.
// It errors if pub is not a point of the priv Curve.
func ECDH(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	if priv.Curve != pub.Curve {
		return nil, newError("curve mismatch between private & public keys")
	}
	if !priv.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, newError("public key is not on curve")
	}

	x, _ := priv.Curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if nil == x || 0 == x.Sign() {
		return nil, newError("degenerate shared secret")
	}

	byteLen := (priv.Curve.Params().BitSize + 7) / 8
	rv := make([]byte, byteLen)
	x.FillBytes(rv)

	return rv, nil
}

// RawSignature encodes the (r, s) ECDSA signature as the fixed size r || s concatenation.
func RawSignature(curve Curve, r, s *big.Int) []byte {
	rv := make([]byte, 2*curve.byteLen)
	r.FillBytes(rv[:curve.byteLen])
	s.FillBytes(rv[curve.byteLen:])
	return rv
}

// ParseRawSignature decodes a fixed size r || s signature concatenation.
func ParseRawSignature(curve Curve, sig []byte) (r, s *big.Int, err error) {
	if len(sig) != 2*curve.byteLen {
		return nil, nil, newError("invalid signature size %d != %d", len(sig), 2*curve.byteLen)
	}
	r = new(big.Int).SetBytes(sig[:curve.byteLen])
	s = new(big.Int).SetBytes(sig[curve.byteLen:])
	return r, s, nil
}

var curveRegistry *utils.Registry[string, Curve]

// MustRegisterCurve adds curve to the Curve registry. It panics if name is already in use or curve is invalid.
func MustRegisterCurve(name string, curve elliptic.Curve) {
	err := RegisterCurve(name, curve)
	if nil != err {
		panic(err)
	}
}

// RegisterCurve adds curve to the Curve registry. It errors if name is already in use or curve is invalid.
func RegisterCurve(name string, curve elliptic.Curve) error {
	regcurve := Curve{Curve: curve, name: name}
	err := regcurve.init()
	if nil != err {
		return wrapError(err, "failed initializing Curve %s", name)
	}
	return wrapError(
		utils.RegistrySet(curveRegistry, name, regcurve),
		"failed registering Curve algorithm, %s",
		name,
	)
}

// GetCurve loads Curve implementation from the registry. It errors if no curve was registered with name.
func GetCurve(name string) (Curve, error) {
	curve, found := utils.RegistryGet(curveRegistry, name)
	if !found {
		return curve, newError("unsupported Curve algorithm, %s", name)
	}
	return curve, nil
}

// ListCurves returns a slice containing the names of the registered elliptic curves.
func ListCurves() []string {
	curveIdx := utils.RegistryEntries(curveRegistry)
	rv := make([]string, 0, len(curveIdx))
	for name := range curveIdx {
		rv = append(rv, name)
	}
	return rv
}

func init() {
	curveRegistry = utils.NewRegistry[string, Curve]()
	MustRegisterCurve(CURVE_BP256, BrainpoolP256r1())
	MustRegisterCurve(CURVE_P256, elliptic.P256())
}
