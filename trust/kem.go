package trust

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
)

var kemScheme = kyber768.Scheme()

// KEMKeyPair is a node's Kyber768 key pair. Its public half travels in the node certificate.
type KEMKeyPair struct {
	public  kem.PublicKey
	private kem.PrivateKey
	packed  []byte
}

func GenerateKEMKeyPair() (*KEMKeyPair, error) {
	public, private, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	packed, err := public.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &KEMKeyPair{
		public:  public,
		private: private,
		packed:  packed,
	}, nil
}

func (k *KEMKeyPair) PublicKey() []byte {
	return k.packed
}

// Encapsulate produces a ciphertext only the owner of peerCertificate can open,
// together with the shared secret it carries.
func (k *KEMKeyPair) Encapsulate(peerCertificate []byte) (ciphertext []byte, secret []byte, err error) {
	cert, err := ParseCertificate(peerCertificate)
	if err != nil {
		return nil, nil, err
	}
	public, err := kemScheme.UnmarshalBinaryPublicKey(cert.KEMPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("peer KEM key: %w", err)
	}
	return kemScheme.Encapsulate(public)
}

func (k *KEMKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != kemScheme.CiphertextSize() {
		return nil, fmt.Errorf("ciphertext size %d, expected %d", len(ciphertext), kemScheme.CiphertextSize())
	}
	return kemScheme.Decapsulate(k.private, ciphertext)
}
