package algos

import (
	"crypto/elliptic"
	"math/big"
	"sync"
)

// brainpoolP256r1 is implemented on top of its twisted form brainpoolP256t1.
//
// crypto/elliptic generic arithmetic is only correct for curves with a = -3.
// brainpoolP256t1 satisfies that constraint while brainpoolP256r1 does not,
// so r1 points are mapped to t1 through the RFC 5639 isomorphism
// (x, y) -> (z^2 * x, z^3 * y), operated on t1 and mapped back.

var (
	initBrainpoolOnce sync.Once

	p256t1 *elliptic.CurveParams
	p256r1 *rcurve
)

func initBrainpool() {
	p256t1 = &elliptic.CurveParams{Name: "brainpoolP256t1", BitSize: 256}
	p256t1.P, _ = new(big.Int).SetString("A9FB57DBA1EEA9BC3E660A909D838D726E3BF623D52620282013481D1F6E5377", 16)
	p256t1.N, _ = new(big.Int).SetString("A9FB57DBA1EEA9BC3E660A909D838D718C397AA3B561A6F7901E0E82974856A7", 16)
	p256t1.B, _ = new(big.Int).SetString("662C61C430D84EA4FE66A7733D0B76B7BF93EBC4AF2F49256AE58101FEE92B04", 16)
	p256t1.Gx, _ = new(big.Int).SetString("A3E8EB3CC1CFE7B7732213B23A656149AFA142C47AAFBC2B79A191562E1305F4", 16)
	p256t1.Gy, _ = new(big.Int).SetString("2D996C823439C56D7F7B22E14644417E69BCB6DE39D027001DABE8F35B25C9BE", 16)

	r1params := &elliptic.CurveParams{Name: "brainpoolP256r1", BitSize: 256}
	r1params.P = p256t1.P
	r1params.N = p256t1.N
	r1params.B, _ = new(big.Int).SetString("26DC5C6CE94A4B44F330B5D9BBD77CBF958416295CF7E1CE6BCCDC18FF8C07B6", 16)
	r1params.Gx, _ = new(big.Int).SetString("8BD2AEB9CB7E57CB2C4B482FFC81B7AFB9DE27E1E3BD23C23A4453BD9ACE3262", 16)
	r1params.Gy, _ = new(big.Int).SetString("547EF835C3DAC4FD97F8461A14611DC9C27745132DED8E545C1D54C72F046997", 16)

	z, _ := new(big.Int).SetString("3E2D4BD9597B58639AE7AA669CAB9837CF5CF20A2C852D10F655668DFC150EF0", 16)

	p256r1 = newRCurve(p256t1, r1params, z)
}

// BrainpoolP256r1 returns the brainpoolP256r1 curve.
func BrainpoolP256r1() elliptic.Curve {
	initBrainpoolOnce.Do(initBrainpool)
	return p256r1
}

// BrainpoolP256t1 returns the brainpoolP256t1 curve.
func BrainpoolP256t1() elliptic.Curve {
	initBrainpoolOnce.Do(initBrainpool)
	return p256t1
}

// rcurve exposes a curve through its twisted a = -3 counterpart.
type rcurve struct {
	twisted elliptic.Curve
	params  *elliptic.CurveParams
	z2      *big.Int
	z3      *big.Int
	zinv2   *big.Int
	zinv3   *big.Int
}

func newRCurve(twisted elliptic.Curve, params *elliptic.CurveParams, z *big.Int) *rcurve {
	p := params.P
	zinv := new(big.Int).ModInverse(z, p)

	rv := &rcurve{twisted: twisted, params: params}
	rv.z2 = new(big.Int).Mul(z, z)
	rv.z2.Mod(rv.z2, p)
	rv.z3 = new(big.Int).Mul(rv.z2, z)
	rv.z3.Mod(rv.z3, p)
	rv.zinv2 = new(big.Int).Mul(zinv, zinv)
	rv.zinv2.Mod(rv.zinv2, p)
	rv.zinv3 = new(big.Int).Mul(rv.zinv2, zinv)
	rv.zinv3.Mod(rv.zinv3, p)

	return rv
}

func (self *rcurve) toTwisted(x, y *big.Int) (*big.Int, *big.Int) {
	p := self.params.P
	tx := new(big.Int).Mul(x, self.z2)
	tx.Mod(tx, p)
	ty := new(big.Int).Mul(y, self.z3)
	ty.Mod(ty, p)
	return tx, ty
}

func (self *rcurve) fromTwisted(tx, ty *big.Int) (*big.Int, *big.Int) {
	p := self.params.P
	x := new(big.Int).Mul(tx, self.zinv2)
	x.Mod(x, p)
	y := new(big.Int).Mul(ty, self.zinv3)
	y.Mod(y, p)
	return x, y
}

func (self *rcurve) Params() *elliptic.CurveParams {
	return self.params
}

func (self *rcurve) IsOnCurve(x, y *big.Int) bool {
	return self.twisted.IsOnCurve(self.toTwisted(x, y))
}

func (self *rcurve) Add(x1, y1, x2, y2 *big.Int) (*big.Int, *big.Int) {
	tx1, ty1 := self.toTwisted(x1, y1)
	tx2, ty2 := self.toTwisted(x2, y2)
	return self.fromTwisted(self.twisted.Add(tx1, ty1, tx2, ty2))
}

func (self *rcurve) Double(x, y *big.Int) (*big.Int, *big.Int) {
	return self.fromTwisted(self.twisted.Double(self.toTwisted(x, y)))
}

func (self *rcurve) ScalarMult(x, y *big.Int, scalar []byte) (*big.Int, *big.Int) {
	tx, ty := self.toTwisted(x, y)
	return self.fromTwisted(self.twisted.ScalarMult(tx, ty, scalar))
}

func (self *rcurve) ScalarBaseMult(scalar []byte) (*big.Int, *big.Int) {
	return self.fromTwisted(self.twisted.ScalarBaseMult(scalar))
}

var _ elliptic.Curve = &rcurve{}
