package ecies

import (
	"bytes"
	"crypto/rand"
	"testing"

	"code.sanakey.org/golang/internal/algos"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	curve, err := algos.GetCurve(algos.CURVE_BP256)
	if nil != err {
		t.Fatalf("[0]: Failed GetCurve, got error %v", err)
	}
	key, err := curve.GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("[1]: Failed GenerateKey, got error %v", err)
	}

	plaintext := []byte("inner request bytes")
	envelope, err := Encrypt(rand.Reader, &key.PublicKey, plaintext)
	if nil != err {
		t.Fatalf("[2]: Failed Encrypt, got error %v", err)
	}
	if 0x01 != envelope[0] {
		t.Errorf("[3]: envelope version 0x%02x != 0x01", envelope[0])
	}

	decrypted, err := Decrypt(key, envelope)
	if nil != err {
		t.Fatalf("[4]: Failed Decrypt, got error %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Error("[5]: decrypted plaintext differs from original")
	}

	// each Encrypt call uses a fresh ephemeral key
	envelope2, err := Encrypt(rand.Reader, &key.PublicKey, plaintext)
	if nil != err {
		t.Fatalf("[6]: Failed Encrypt, got error %v", err)
	}
	if bytes.Equal(envelope, envelope2) {
		t.Error("[7]: two envelopes of the same plaintext are equal")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	curve, err := algos.GetCurve(algos.CURVE_BP256)
	if nil != err {
		t.Fatalf("[0]: Failed GetCurve, got error %v", err)
	}
	key, err := curve.GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("[1]: Failed GenerateKey, got error %v", err)
	}

	envelope, err := Encrypt(rand.Reader, &key.PublicKey, []byte("payload"))
	if nil != err {
		t.Fatalf("[2]: Failed Encrypt, got error %v", err)
	}

	// flipped ciphertext byte
	tampered := bytes.Clone(envelope)
	tampered[len(tampered)-1] ^= 0x01
	_, err = Decrypt(key, tampered)
	if nil == err {
		t.Error("[3]: Decrypt accepted tampered envelope")
	}

	// wrong version byte
	tampered = bytes.Clone(envelope)
	tampered[0] = 0x02
	_, err = Decrypt(key, tampered)
	if nil == err {
		t.Error("[4]: Decrypt accepted unknown version")
	}

	// truncated envelope
	_, err = Decrypt(key, envelope[:16])
	if nil == err {
		t.Error("[5]: Decrypt accepted truncated envelope")
	}
}

func TestSealOpenGCM(t *testing.T) {
	key, err := RandomBytes(32)
	if nil != err {
		t.Fatalf("[0]: Failed RandomBytes, got error %v", err)
	}

	sealed, err := SealGCM(rand.Reader, key, nil, []byte("response bytes"))
	if nil != err {
		t.Fatalf("[1]: Failed SealGCM, got error %v", err)
	}

	opened, err := OpenGCM(key, nil, sealed)
	if nil != err {
		t.Fatalf("[2]: Failed OpenGCM, got error %v", err)
	}
	if "response bytes" != string(opened) {
		t.Errorf("[3]: opened %q != %q", opened, "response bytes")
	}

	sealed[13] ^= 0x80
	_, err = OpenGCM(key, nil, sealed)
	if nil == err {
		t.Error("[4]: OpenGCM accepted tampered data")
	}

	// key of invalid size
	_, err = SealGCM(rand.Reader, key[:16], nil, []byte("x"))
	if nil == err {
		t.Error("[5]: SealGCM accepted 16 bytes key")
	}
}
