package trust

import (
	"errors"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

var (
	ErrMalformedCertificate = errors.New("malformed certificate")
	ErrUntrustedIssuer      = errors.New("certificate issuer is not trusted")
	ErrBadSignature         = errors.New("certificate signature mismatch")
)

// Certificate binds an identifier to a Kyber768 public key, signed by a Dilithium3 issuer.
type Certificate struct {
	Identifier   string `cbor:"1,keyasint"`
	KEMPublicKey []byte `cbor:"2,keyasint"`
	IssuerKey    []byte `cbor:"3,keyasint"`
	Signature    []byte `cbor:"4,keyasint,omitempty"`
}

// signed part of a certificate
type certificateBody struct {
	Identifier   string `cbor:"1,keyasint"`
	KEMPublicKey []byte `cbor:"2,keyasint"`
	IssuerKey    []byte `cbor:"3,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

func (c *Certificate) Marshal() ([]byte, error) {
	return encMode.Marshal(c)
}

func (c *Certificate) body() ([]byte, error) {
	return encMode.Marshal(certificateBody{
		Identifier:   c.Identifier,
		KEMPublicKey: c.KEMPublicKey,
		IssuerKey:    c.IssuerKey,
	})
}

func ParseCertificate(raw []byte) (*Certificate, error) {
	if len(raw) == 0 {
		return nil, ErrMalformedCertificate
	}
	result := new(Certificate)
	if err := cbor.Unmarshal(raw, result); err != nil {
		return nil, errors.Join(ErrMalformedCertificate, err)
	}
	if result.Identifier == "" ||
		strings.ContainsRune(result.Identifier, '\n') ||
		len(result.KEMPublicKey) == 0 ||
		len(result.IssuerKey) == 0 ||
		len(result.Signature) == 0 {
		return nil, ErrMalformedCertificate
	}
	return result, nil
}

// Fingerprint of an encoded certificate or key: "C" followed by base58 sha3-256.
func Fingerprint(raw []byte) string {
	digest := sha3.Sum256(raw)
	return "C" + base58.Encode(digest[:])
}
