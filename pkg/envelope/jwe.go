package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"io"
	"time"

	"code.sanakey.org/golang/internal/algos"
)

const (
	contentKeySize = 32
	gcmIvSize      = 12
)

// Encrypt returns the compact encrypted envelope of payload for the holder of
// the pub private key.
//
// The content key is agreed with a fresh ephemeral ECDH-ES exchange and the
// concat KDF, the ephemeral public key travels in the epk header. hdr.Alg and
// hdr.Enc are forced to ECDH-ES / A256GCM.
func Encrypt(rnd io.Reader, payload []byte, hdr Header, pub *ecdsa.PublicKey) (string, error) {
	curve, err := curveOfKey(pub)
	if nil != err {
		return "", err
	}

	eph, err := curve.GenerateKey(rnd)
	if nil != err {
		return "", wrapError(err, "failed generating ephemeral key")
	}

	z, err := algos.ECDH(eph, pub)
	if nil != err {
		return "", wrapError(err, "failed ECDH")
	}
	cek := concatKDF(z, ENC_A256GCM, nil, nil, contentKeySize)

	hdr.Alg = ALG_ECDH_ES
	hdr.Enc = ENC_A256GCM
	hdr.Epk = &EphemeralKey{
		Kty: "EC",
		Crv: curve.Name(),
		X:   rawEncoding.EncodeToString(curve.FieldBytes(eph.X)),
		Y:   rawEncoding.EncodeToString(curve.FieldBytes(eph.Y)),
	}

	return seal(rnd, payload, hdr, cek)
}

// EncryptDirect returns the compact encrypted envelope of payload under a
// directly shared AES-256 content key (alg dir).
func EncryptDirect(rnd io.Reader, payload []byte, hdr Header, key []byte) (string, error) {
	if contentKeySize != len(key) {
		return "", newError("invalid key size %d != %d", len(key), contentKeySize)
	}

	hdr.Alg = ALG_DIR
	hdr.Enc = ENC_A256GCM
	hdr.Epk = nil

	return seal(rnd, payload, hdr, key)
}

// DecryptDirect opens a compact encrypted envelope sealed under a directly
// shared AES-256 content key.
func DecryptDirect(compact string, key []byte) ([]byte, Header, error) {
	segments, hdr, err := parseEncrypted(compact)
	if nil != err {
		return nil, hdr, err
	}
	if ALG_DIR != hdr.Alg {
		return nil, hdr, wrapError(ErrCrypto, "unexpected alg %s != dir", hdr.Alg)
	}
	if contentKeySize != len(key) {
		return nil, hdr, newError("invalid key size %d != %d", len(key), contentKeySize)
	}

	payload, err := open(segments, hdr, key)
	return payload, hdr, err
}

// DecryptECDHES opens a compact encrypted envelope sealed with Encrypt,
// using the recipient private key.
func DecryptECDHES(compact string, priv *ecdsa.PrivateKey) ([]byte, Header, error) {
	segments, hdr, err := parseEncrypted(compact)
	if nil != err {
		return nil, hdr, err
	}
	if ALG_ECDH_ES != hdr.Alg {
		return nil, hdr, wrapError(ErrCrypto, "unexpected alg %s != ECDH-ES", hdr.Alg)
	}
	if nil == hdr.Epk {
		return nil, hdr, wrapError(ErrCrypto, "missing epk header")
	}

	curve, err := curveOfKey(&priv.PublicKey)
	if nil != err {
		return nil, hdr, err
	}
	if curve.Name() != hdr.Epk.Crv {
		return nil, hdr, wrapError(ErrCrypto, "epk curve %s does not match key", hdr.Epk.Crv)
	}

	ephPub, err := decodeEphemeralKey(curve, hdr.Epk)
	if nil != err {
		return nil, hdr, err
	}

	z, err := algos.ECDH(priv, ephPub)
	if nil != err {
		return nil, hdr, wrapError(ErrCrypto, "failed ECDH")
	}
	cek := concatKDF(z, ENC_A256GCM, nil, nil, contentKeySize)

	payload, err := open(segments, hdr, cek)
	return payload, hdr, err
}

func seal(rnd io.Reader, payload []byte, hdr Header, cek []byte) (string, error) {
	if ENC_A256GCM != hdr.Enc {
		return "", newError("unsupported enc %s", hdr.Enc)
	}

	srzhdr, err := encodeHeader(hdr)
	if nil != err {
		return "", err
	}

	aead, err := newA256GCM(cek)
	if nil != err {
		return "", err
	}

	iv := make([]byte, gcmIvSize)
	_, err = io.ReadFull(rnd, iv)
	if nil != err {
		return "", wrapError(err, "failed generating IV")
	}

	// the protected header is the additional authenticated data
	sealed := aead.Seal(nil, iv, payload, []byte(srzhdr))
	tagOffset := len(sealed) - aead.Overhead()

	compact := srzhdr +
		"." + // empty encrypted key segment, both dir & ECDH-ES agree the cek directly
		"." + rawEncoding.EncodeToString(iv) +
		"." + rawEncoding.EncodeToString(sealed[:tagOffset]) +
		"." + rawEncoding.EncodeToString(sealed[tagOffset:])

	return compact, nil
}

func parseEncrypted(compact string) ([]string, Header, error) {
	segments, err := splitCompact(compact, 5)
	if nil != err {
		return nil, Header{}, err
	}
	hdr, err := decodeHeader(segments[0])
	if nil != err {
		return nil, hdr, err
	}
	if "" != segments[1] {
		return nil, hdr, wrapError(ErrCrypto, "unexpected encrypted key segment")
	}
	return segments, hdr, nil
}

func open(segments []string, hdr Header, cek []byte) ([]byte, error) {
	if ENC_A256GCM != hdr.Enc {
		return nil, wrapError(ErrCrypto, "unsupported enc %s", hdr.Enc)
	}

	iv, err := rawEncoding.DecodeString(segments[2])
	if nil != err || gcmIvSize != len(iv) {
		return nil, wrapError(ErrCrypto, "invalid IV segment")
	}
	ciphertext, err := rawEncoding.DecodeString(segments[3])
	if nil != err {
		return nil, wrapError(ErrCrypto, "invalid ciphertext segment")
	}
	tag, err := rawEncoding.DecodeString(segments[4])
	if nil != err {
		return nil, wrapError(ErrCrypto, "invalid tag segment")
	}

	aead, err := newA256GCM(cek)
	if nil != err {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	payload, err := aead.Open(nil, iv, sealed, []byte(segments[0]))
	if nil != err {
		return nil, wrapError(ErrCrypto, "failed authenticated decryption")
	}

	err = hdr.checkExp(time.Now())
	if nil != err {
		return nil, err
	}

	return payload, nil
}

func newA256GCM(key []byte) (cipher.AEAD, error) {
	if contentKeySize != len(key) {
		return nil, newError("invalid content key size %d != %d", len(key), contentKeySize)
	}
	block, err := aes.NewCipher(key)
	if nil != err {
		return nil, wrapError(err, "failed AES cipher creation")
	}
	aead, err := cipher.NewGCM(block)
	return aead, wrapError(err, "failed GCM creation")
}

func curveOfKey(pub *ecdsa.PublicKey) (algos.Curve, error) {
	name := pub.Curve.Params().Name
	if "brainpoolP256r1" == name {
		name = algos.CURVE_BP256
	}
	curve, err := algos.GetCurve(name)
	return curve, wrapError(err, "unsupported curve %s", name)
}

func decodeEphemeralKey(curve algos.Curve, epk *EphemeralKey) (*ecdsa.PublicKey, error) {
	x, err := rawEncoding.DecodeString(epk.X)
	if nil != err {
		return nil, wrapError(ErrCrypto, "invalid epk.x encoding")
	}
	y, err := rawEncoding.DecodeString(epk.Y)
	if nil != err {
		return nil, wrapError(ErrCrypto, "invalid epk.y encoding")
	}
	if len(x) != curve.ByteLen() || len(y) != curve.ByteLen() {
		return nil, wrapError(ErrCrypto, "invalid epk coordinate size")
	}

	point := make([]byte, 0, curve.PointLen())
	point = append(point, 0x04)
	point = append(point, x...)
	point = append(point, y...)

	pub, err := curve.UnmarshalPoint(point)
	if nil != err {
		return nil, wrapError(ErrCrypto, "epk is not on curve")
	}

	return pub, nil
}
