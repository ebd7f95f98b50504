// Package ecies implements the hybrid public key encryption scheme used to
// seal payloads for the trusted execution environment of the backend.
//
// Encryption combines an ephemeral ECDH key agreement, HKDF-SHA256 key
// derivation and AES-256-GCM. The envelope layout is
//
//	0x01 || X || Y || IV || ciphertext || tag
//
// where X & Y are the fixed size coordinates of the ephemeral public key.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"code.sanakey.org/golang/internal/algos"
)

const (
	versionTag = 0x01
	keySize    = 32
	ivSize     = 12
	tagSize    = 16

	kdfInfo = "ecies-vau-transport"
)

// Encrypt seals plaintext for the holder of the pub private key.
//
// A fresh ephemeral key pair is generated for each call, the AES key is
// derived from the ECDH shared secret and never reused.
func Encrypt(rnd io.Reader, pub *ecdsa.PublicKey, plaintext []byte) ([]byte, error) {
	curve, err := curveOf(pub)
	if nil != err {
		return nil, err
	}

	eph, err := curve.GenerateKey(rnd)
	if nil != err {
		return nil, wrapError(err, "failed generating ephemeral key")
	}

	dhsec, err := algos.ECDH(eph, pub)
	if nil != err {
		return nil, wrapError(err, "failed ECDH")
	}

	key, err := deriveKey(dhsec)
	if nil != err {
		return nil, err
	}

	aead, err := newGCM(key)
	if nil != err {
		return nil, err
	}

	iv := make([]byte, ivSize)
	_, err = io.ReadFull(rnd, iv)
	if nil != err {
		return nil, wrapError(err, "failed generating IV")
	}

	fsz := curve.ByteLen()
	rv := make([]byte, 0, 1+2*fsz+ivSize+len(plaintext)+tagSize)
	rv = append(rv, versionTag)
	rv = append(rv, curve.FieldBytes(eph.X)...)
	rv = append(rv, curve.FieldBytes(eph.Y)...)
	rv = append(rv, iv...)
	rv = aead.Seal(rv, iv, plaintext, nil)

	return rv, nil
}

// Decrypt opens an envelope produced by Encrypt using the priv private key.
// It errors with ErrCrypto on any malformed or non authentic envelope.
func Decrypt(priv *ecdsa.PrivateKey, envelope []byte) ([]byte, error) {
	curve, err := curveOf(&priv.PublicKey)
	if nil != err {
		return nil, err
	}

	fsz := curve.ByteLen()
	minSize := 1 + 2*fsz + ivSize + tagSize
	if len(envelope) < minSize {
		return nil, wrapError(ErrCrypto, "envelope too short, %d < %d", len(envelope), minSize)
	}
	if versionTag != envelope[0] {
		return nil, wrapError(ErrCrypto, "unsupported envelope version 0x%02x", envelope[0])
	}

	point := make([]byte, 0, 1+2*fsz)
	point = append(point, 0x04)
	point = append(point, envelope[1:1+2*fsz]...)
	ephPub, err := curve.UnmarshalPoint(point)
	if nil != err {
		return nil, wrapError(ErrCrypto, "invalid ephemeral public key")
	}

	dhsec, err := algos.ECDH(priv, ephPub)
	if nil != err {
		return nil, wrapError(ErrCrypto, "failed ECDH")
	}

	key, err := deriveKey(dhsec)
	if nil != err {
		return nil, err
	}

	aead, err := newGCM(key)
	if nil != err {
		return nil, err
	}

	iv := envelope[1+2*fsz : 1+2*fsz+ivSize]
	plaintext, err := aead.Open(nil, iv, envelope[1+2*fsz+ivSize:], nil)
	if nil != err {
		return nil, wrapError(ErrCrypto, "failed authenticated decryption")
	}

	return plaintext, nil
}

// SealGCM encrypts plaintext with key using AES-GCM and a fresh random IV.
// The returned data is IV || ciphertext || tag.
func SealGCM(rnd io.Reader, key, aad, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if nil != err {
		return nil, err
	}

	rv := make([]byte, ivSize, ivSize+len(plaintext)+tagSize)
	_, err = io.ReadFull(rnd, rv)
	if nil != err {
		return nil, wrapError(err, "failed generating IV")
	}

	return aead.Seal(rv, rv[:ivSize], plaintext, aad), nil
}

// OpenGCM decrypts an IV || ciphertext || tag sealed with SealGCM.
// It errors with ErrCrypto on any malformed or non authentic input.
func OpenGCM(key, aad, data []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if nil != err {
		return nil, err
	}

	if len(data) < ivSize+tagSize {
		return nil, wrapError(ErrCrypto, "data too short, %d < %d", len(data), ivSize+tagSize)
	}

	plaintext, err := aead.Open(nil, data[:ivSize], data[ivSize:], aad)
	if nil != err {
		return nil, wrapError(ErrCrypto, "failed authenticated decryption")
	}

	return plaintext, nil
}

func deriveKey(dhsec []byte) ([]byte, error) {
	key := make([]byte, keySize)
	_, err := io.ReadFull(hkdf.New(sha256.New, dhsec, nil, []byte(kdfInfo)), key)
	return key, wrapError(err, "failed HKDF key derivation")
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if keySize != len(key) {
		return nil, newError("invalid key size %d != %d", len(key), keySize)
	}
	block, err := aes.NewCipher(key)
	if nil != err {
		return nil, wrapError(err, "failed AES cipher creation")
	}
	aead, err := cipher.NewGCM(block)
	return aead, wrapError(err, "failed GCM creation")
}

func curveOf(pub *ecdsa.PublicKey) (algos.Curve, error) {
	switch pub.Curve {
	case algos.BrainpoolP256r1():
		return algos.GetCurve(algos.CURVE_BP256)
	}

	name := pub.Curve.Params().Name
	curve, err := algos.GetCurve(name)
	return curve, wrapError(err, "unsupported curve %s", name)
}
