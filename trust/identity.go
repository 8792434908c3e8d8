package trust

import (
	"bytes"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	privateKeyBlock = "DILITHIUM PRIVATE KEY"
	publicKeyBlock  = "DILITHIUM PUBLIC KEY"

	SessionKeySize = 32
)

// Identity is everything a node presents and holds during the handshake.
type Identity struct {
	Identifier  string
	Certificate []byte
	KEM         *KEMKeyPair
}

// NewIdentity generates a KEM key pair and has signingKey certify it for identifier.
func NewIdentity(authority *Authority, identifier string, signingKey *mode3.PrivateKey) (*Identity, error) {
	kem, err := GenerateKEMKeyPair()
	if err != nil {
		return nil, err
	}
	cert, err := authority.CreateCertificate(identifier, kem.PublicKey(), signingKey)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Identifier:  identifier,
		Certificate: cert,
		KEM:         kem,
	}, nil
}

func GenerateIssuerKey(rand io.Reader) (*mode3.PublicKey, *mode3.PrivateKey, error) {
	return mode3.GenerateKey(rand)
}

func SaveIssuerKey(path string, key *mode3.PrivateKey) error {
	packed, err := key.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: privateKeyBlock, Bytes: packed}), 0600)
}

func LoadIssuerKey(path string) (*mode3.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read issuer key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != privateKeyBlock {
		return nil, errors.New("invalid PEM format")
	}

	var key mode3.PrivateKey
	if err := key.UnmarshalBinary(block.Bytes); err != nil {
		return nil, fmt.Errorf("could not parse issuer key: %w", err)
	}
	return &key, nil
}

func SavePublicKey(path string, key *mode3.PublicKey) error {
	packed, err := key.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: publicKeyBlock, Bytes: packed}), 0644)
}

func LoadPublicKey(path string) (*mode3.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != publicKeyBlock {
		return nil, errors.New("invalid PEM format")
	}

	var key mode3.PublicKey
	if err := key.UnmarshalBinary(block.Bytes); err != nil {
		return nil, fmt.Errorf("could not parse public key: %w", err)
	}
	return &key, nil
}

// DeriveSessionKey expands a KEM shared secret into a symmetric key bound to both peers.
// The result does not depend on the order of a and b.
func DeriveSessionKey(secret []byte, a string, b string) ([]byte, error) {
	peers := []string{a, b}
	sort.Strings(peers)

	info := bytes.Join([][]byte{[]byte("hivecom session"), []byte(peers[0]), []byte(peers[1])}, []byte{'\n'})
	result := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(hkdf.New(func() hash.Hash { return sha3.New256() }, secret, nil, info), result); err != nil {
		return nil, err
	}
	return result, nil
}
