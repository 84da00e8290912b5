package identity

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// GenerateKey creates a new secp256k1 private key.
func GenerateKey() (atcrypto.PrivateKeyExportable, error) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return priv, nil
}

// ParseKey loads a private key from its multibase-encoded string.
func ParseKey(multibase string) (atcrypto.PrivateKeyExportable, error) {
	priv, err := atcrypto.ParsePrivateMultibase(multibase)
	if err != nil {
		return nil, fmt.Errorf("identity: parse key: %w", err)
	}
	return priv, nil
}

// Sealer encrypts private keys at rest with XChaCha20-Poly1305. The DID
// is bound as additional data, so a sealed key only opens for the
// identity it was sealed for.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from secret with HKDF-SHA256.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("identity: empty key secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("primal-coop signing key v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("identity: derive sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("identity: sealer: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns nonce || ciphertext of the key's multibase encoding.
func (s *Sealer) Seal(did string, priv atcrypto.PrivateKeyExportable) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(priv.Multibase())+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("identity: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(priv.Multibase()), []byte(did)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(did string, sealed []byte) (atcrypto.PrivateKeyExportable, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("identity: sealed key for %s is truncated", did)
	}
	nonce, ct := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, []byte(did))
	if err != nil {
		return nil, fmt.Errorf("identity: open key for %s: %w", did, err)
	}
	return ParseKey(string(plain))
}
