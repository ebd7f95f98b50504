package algos

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"testing"
)

func TestBrainpoolP256r1Arithmetic(t *testing.T) {
	curve := BrainpoolP256r1()
	params := curve.Params()

	// generator belongs to the curve
	if !curve.IsOnCurve(params.Gx, params.Gy) {
		t.Fatal("[0]: generator not on curve")
	}

	// n * G is the point at infinity, (n-1) * G is not
	x, _ := curve.ScalarBaseMult(params.N.Bytes())
	if 0 != x.Sign() {
		t.Error("[1]: n * G is not the point at infinity")
	}

	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if nil != err {
		t.Fatalf("[2]: Failed GenerateKey, got error %v", err)
	}
	if !curve.IsOnCurve(key.X, key.Y) {
		t.Error("[3]: generated public key not on curve")
	}

	// scalar base mult & scalar mult of G agree
	x1, y1 := curve.ScalarBaseMult(key.D.Bytes())
	x2, y2 := curve.ScalarMult(params.Gx, params.Gy, key.D.Bytes())
	if 0 != x1.Cmp(x2) || 0 != y1.Cmp(y2) {
		t.Error("[4]: ScalarBaseMult disagrees with ScalarMult")
	}
}

func TestBrainpoolECDSA(t *testing.T) {
	curve := BrainpoolP256r1()

	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if nil != err {
		t.Fatalf("[0]: Failed GenerateKey, got error %v", err)
	}

	digest := sha256.Sum256([]byte("to be signed"))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if nil != err {
		t.Fatalf("[1]: Failed Sign, got error %v", err)
	}

	if !ecdsa.Verify(&key.PublicKey, digest[:], r, s) {
		t.Error("[2]: Failed Verify on valid signature")
	}

	digest[0] ^= 0x01
	if ecdsa.Verify(&key.PublicKey, digest[:], r, s) {
		t.Error("[3]: Verify accepted signature over a modified digest")
	}
}

func TestPointCodec(t *testing.T) {
	for _, name := range []string{CURVE_BP256, CURVE_P256} {
		curve, err := GetCurve(name)
		if nil != err {
			t.Fatalf("[%s/0]: Failed GetCurve, got error %v", name, err)
		}

		key, err := curve.GenerateKey(rand.Reader)
		if nil != err {
			t.Fatalf("[%s/1]: Failed GenerateKey, got error %v", name, err)
		}

		data := curve.MarshalPoint(key.X, key.Y)
		if len(data) != curve.PointLen() {
			t.Errorf("[%s/2]: point encoding size %d != %d", name, len(data), curve.PointLen())
		}

		pub, err := curve.UnmarshalPoint(data)
		if nil != err {
			t.Fatalf("[%s/3]: Failed UnmarshalPoint, got error %v", name, err)
		}
		if 0 != pub.X.Cmp(key.X) || 0 != pub.Y.Cmp(key.Y) {
			t.Errorf("[%s/4]: decoded point differs from original", name)
		}

		// corrupt the encoding
		data[0] = 0x05
		_, err = curve.UnmarshalPoint(data)
		if nil == err {
			t.Errorf("[%s/5]: UnmarshalPoint accepted corrupted encoding", name)
		}
	}
}

func TestECDHAgreement(t *testing.T) {
	curve, err := GetCurve(CURVE_BP256)
	if nil != err {
		t.Fatalf("[0]: Failed GetCurve, got error %v", err)
	}

	k1, err := curve.GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("[1]: Failed GenerateKey, got error %v", err)
	}
	k2, err := curve.GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("[2]: Failed GenerateKey, got error %v", err)
	}

	s1, err := ECDH(k1, &k2.PublicKey)
	if nil != err {
		t.Fatalf("[3]: Failed ECDH, got error %v", err)
	}
	s2, err := ECDH(k2, &k1.PublicKey)
	if nil != err {
		t.Fatalf("[4]: Failed ECDH, got error %v", err)
	}

	if !bytes.Equal(s1, s2) {
		t.Error("[5]: shared secrets differ")
	}
	if len(s1) != curve.ByteLen() {
		t.Errorf("[6]: shared secret size %d != %d", len(s1), curve.ByteLen())
	}
}

func TestRawSignatureCodec(t *testing.T) {
	curve, err := GetCurve(CURVE_P256)
	if nil != err {
		t.Fatalf("[0]: Failed GetCurve, got error %v", err)
	}

	key, err := curve.GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("[1]: Failed GenerateKey, got error %v", err)
	}
	digest := sha256.Sum256([]byte("raw signature"))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if nil != err {
		t.Fatalf("[2]: Failed Sign, got error %v", err)
	}

	sig := RawSignature(curve, r, s)
	if len(sig) != 2*curve.ByteLen() {
		t.Errorf("[3]: signature size %d != %d", len(sig), 2*curve.ByteLen())
	}

	r2, s2, err := ParseRawSignature(curve, sig)
	if nil != err {
		t.Fatalf("[4]: Failed ParseRawSignature, got error %v", err)
	}
	if 0 != r.Cmp(r2) || 0 != s.Cmp(s2) {
		t.Error("[5]: decoded signature differs from original")
	}

	_, _, err = ParseRawSignature(curve, sig[:len(sig)-1])
	if nil == err {
		t.Error("[6]: ParseRawSignature accepted truncated signature")
	}
}
