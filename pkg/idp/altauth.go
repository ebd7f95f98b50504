package idp

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"

	"code.sanakey.org/golang/internal/utils"
	"code.sanakey.org/golang/pkg/envelope"
)

// amrValues declares how an alternate authentication was performed.
var amrValues = []string{"mfa", "hwk", "generic-biometric"}

// SecureElement abstracts the platform keystore holding the device bound
// authentication key.
type SecureElement interface {
	// Generate creates a fresh P-256 key pair and returns its alias and
	// public half. The private half never leaves the element.
	Generate() (alias []byte, pub *ecdsa.PublicKey, err error)

	// Signer returns a signing handle for alias. found is false when the
	// key vanished from the element, e.g. after a biometry reset.
	Signer(alias []byte) (signer envelope.Signer, found bool, err error)

	// Delete removes the alias key. Missing keys are not an error.
	Delete(alias []byte) error
}

// DeviceType describes the hardware & OS of the pairing device.
type DeviceType struct {
	Product      string `json:"product"`
	Model        string `json:"model"`
	OS           string `json:"os"`
	OSVersion    string `json:"os_version"`
	Manufacturer string `json:"manufacturer"`
}

// DeviceInformation is the user visible identity of the pairing device.
type DeviceInformation struct {
	Name       string     `json:"name"`
	DeviceType DeviceType `json:"device_type"`
}

// pairingData binds the secure element key to the health card identity. It is
// signed with the health card so the provider can trust the binding.
// The key identifier travels as lowercase hex text.
type pairingData struct {
	SeSubjectPublicKeyInfo       string          `json:"se_subject_public_key_info"`
	KeyIdentifier                utils.HexBinary `json:"key_identifier"`
	Product                      string          `json:"product"`
	SerialNumber                 string          `json:"serialnumber"`
	Issuer                       string          `json:"issuer"`
	NotAfter                     int64           `json:"not_after"`
	AuthCertSubjectPublicKeyInfo string          `json:"auth_cert_subject_public_key_info"`
}

// registrationData is the pairing upload, sealed for the provider.
type registrationData struct {
	SignedPairingData string            `json:"signed_pairing_data"`
	AuthCert          string            `json:"auth_cert"`
	DeviceInformation DeviceInformation `json:"device_information"`
}

// authenticationData is signed with the secure element key on every
// alternate authentication.
type authenticationData struct {
	Challenge         string            `json:"challenge_token"`
	AuthCert          string            `json:"auth_cert"`
	KeyIdentifier     utils.HexBinary   `json:"key_identifier"`
	DeviceInformation DeviceInformation `json:"device_information"`
	Amr               []string          `json:"amr"`
}

// PairedDevice is one entry of the registered device list.
type PairedDevice struct {
	Name          string `json:"name"`
	KeyIdentifier string `json:"key_identifier"`
	CreatedAt     int64  `json:"creation_time"`
}

// buildRegistration assembles & seals the registration of sePub under alias.
// The pairing data is signed with the health card, proving possession of the
// card identity the secure element key will stand in for.
func (self flowEnv) buildRegistration(
	cardCert *x509.Certificate, cardSigner envelope.Signer,
	alias []byte, sePub *ecdsa.PublicKey, device DeviceInformation,
) (string, error) {

	seSpki, err := x509.MarshalPKIXPublicKey(sePub)
	if nil != err {
		return "", wrapError(err, "failed secure element key encoding")
	}
	cardSpki, err := x509.MarshalPKIXPublicKey(cardCert.PublicKey)
	if nil != err {
		return "", wrapError(err, "failed card key encoding")
	}

	pairing, err := json.Marshal(pairingData{
		SeSubjectPublicKeyInfo:       base64.RawURLEncoding.EncodeToString(seSpki),
		KeyIdentifier:                utils.HexBinary(alias),
		Product:                      device.DeviceType.Product,
		SerialNumber:                 cardCert.SerialNumber.String(),
		Issuer:                       cardCert.Issuer.String(),
		NotAfter:                     cardCert.NotAfter.Unix(),
		AuthCertSubjectPublicKeyInfo: base64.RawURLEncoding.EncodeToString(cardSpki),
	})
	if nil != err {
		return "", wrapError(err, "failed pairing data encoding")
	}

	signedPairing, err := envelope.Sign(pairing, envelope.Header{
		Alg: envelope.ALG_BP256R1,
		Typ: "JWT",
	}, cardSigner)
	if nil != err {
		return "", wrapError(err, "failed pairing data signing")
	}

	registration, err := json.Marshal(registrationData{
		SignedPairingData: signedPairing,
		AuthCert:          base64.RawURLEncoding.EncodeToString(cardCert.Raw),
		DeviceInformation: device,
	})
	if nil != err {
		return "", wrapError(err, "failed registration encoding")
	}

	sealed, err := envelope.Encrypt(self.rnd, registration, envelope.Header{
		Typ: "JWT",
		Cty: "JSON",
	}, self.pukEnc)
	return sealed, wrapError(err, "failed registration encryption")
}

// buildAlternateAuth signs the challenge with the secure element key and
// seals the result for the provider, expiring with the challenge.
func (self flowEnv) buildAlternateAuth(
	challenge string, expiresAt int64,
	cardCert []byte, alias []byte, device DeviceInformation,
	seSigner envelope.Signer,
) (string, error) {

	auth, err := json.Marshal(authenticationData{
		Challenge:         challenge,
		AuthCert:          base64.RawURLEncoding.EncodeToString(cardCert),
		KeyIdentifier:     utils.HexBinary(alias),
		DeviceInformation: device,
		Amr:               amrValues,
	})
	if nil != err {
		return "", wrapError(err, "failed authentication data encoding")
	}

	signed, err := envelope.Sign(auth, envelope.Header{
		Alg: envelope.ALG_ES256,
		Typ: "JWT",
		Cty: "JSON",
	}, seSigner)
	if nil != err {
		return "", wrapError(err, "failed authentication data signing")
	}

	sealed, err := envelope.Encrypt(self.rnd, envelope.Nest(signed), envelope.Header{
		Typ: "JWT",
		Cty: "NJWT",
		Exp: expiresAt,
	}, self.pukEnc)
	return sealed, wrapError(err, "failed authentication data encryption")
}

// decodePairedDevices decodes the device list answer.
func decodePairedDevices(body []byte) ([]PairedDevice, error) {
	var answer struct {
		Entries []PairedDevice `json:"pairing_entries"`
	}
	err := json.Unmarshal(body, &answer)
	if nil != err {
		return nil, wrapError(err, "failed device list decoding")
	}
	return answer.Entries, nil
}
