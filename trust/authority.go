package trust

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/phuslu/log"
)

const verifyCacheSize = 1024

// Authority verifies certificates against a set of trusted Dilithium3 issuer keys.
// It is shared by every node of a process and safe for concurrent use.
type Authority struct {
	issuers  map[string]*mode3.PublicKey // fingerprint of the packed key -> key
	verified *lru.Cache[string, bool]

	mtx *sync.Mutex
}

func NewAuthority() *Authority {
	verified, err := lru.New[string, bool](verifyCacheSize)
	if err != nil {
		panic(err) // only on non-positive size
	}
	return &Authority{
		issuers:  make(map[string]*mode3.PublicKey),
		verified: verified,
		mtx:      new(sync.Mutex),
	}
}

func (a *Authority) AddTrustedPublicKey(key *mode3.PublicKey) error {
	packed, err := key.MarshalBinary()
	if err != nil {
		return err
	}
	a.mtx.Lock()
	a.issuers[Fingerprint(packed)] = key
	a.mtx.Unlock()

	// earlier negative results may now verify
	a.verified.Purge()
	return nil
}

// CreateCertificate issues an encoded certificate for identifier.
// The issuer key of signingKey does not need to be trusted by a itself.
func (a *Authority) CreateCertificate(identifier string, kemPublicKey []byte, signingKey *mode3.PrivateKey) ([]byte, error) {
	if identifier == "" || strings.ContainsRune(identifier, '\n') {
		return nil, fmt.Errorf("invalid identifier %q", identifier)
	}
	if len(kemPublicKey) == 0 {
		return nil, errors.New("missing KEM public key")
	}
	issuer, err := signingKey.Public().(*mode3.PublicKey).MarshalBinary()
	if err != nil {
		return nil, err
	}

	cert := &Certificate{
		Identifier:   identifier,
		KEMPublicKey: kemPublicKey,
		IssuerKey:    issuer,
	}
	body, err := cert.body()
	if err != nil {
		return nil, err
	}
	cert.Signature = make([]byte, mode3.SignatureSize)
	mode3.SignTo(signingKey, body, cert.Signature)
	return cert.Marshal()
}

// Identify extracts the identifier claimed by a certificate without checking it.
func (a *Authority) Identify(raw []byte) (string, error) {
	cert, err := ParseCertificate(raw)
	if err != nil {
		return "", err
	}
	return cert.Identifier, nil
}

func (a *Authority) Verify(raw []byte) bool {
	fingerprint := Fingerprint(raw)
	if ok, cached := a.verified.Get(fingerprint); cached {
		return ok
	}

	err := a.check(raw)
	if err != nil {
		log.Debug().Str("certificate", fingerprint).Err(err).Msg("certificate rejected")
	}
	a.verified.Add(fingerprint, err == nil)
	return err == nil
}

func (a *Authority) check(raw []byte) error {
	cert, err := ParseCertificate(raw)
	if err != nil {
		return err
	}

	a.mtx.Lock()
	issuer, ok := a.issuers[Fingerprint(cert.IssuerKey)]
	a.mtx.Unlock()
	if !ok {
		return ErrUntrustedIssuer
	}

	body, err := cert.body()
	if err != nil {
		return err
	}
	if !mode3.Verify(issuer, body, cert.Signature) {
		return ErrBadSignature
	}
	return nil
}
