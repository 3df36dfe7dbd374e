package dataprotection

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// kekInfo binds the key derived from a configured key-encryption-key to
// this one use (protecting Software backend key files at rest), so the
// same raw secret produces a different derived key if it is ever reused
// for an unrelated purpose.
var kekInfo = []byte("effective-security/signer software-backend kek v1")

// envelopeVersion is the leading byte of a protected blob, so a future
// change to the nonce/ciphertext layout can be detected instead of
// silently misparsed.
const envelopeVersion byte = 1

// kekProvider is a dataprotection.Provider backed by an operator-supplied
// key-encryption-key, AES-256-GCM with a key derived via HKDF-SHA256.
type kekProvider struct {
	gcm       cipher.AEAD
	nonceSize int
}

// NewKEKProvider derives an AES-256-GCM key from kek via HKDF-SHA256 and
// returns a Provider that seals/opens data under it. kek is the raw
// key-encryption-key configured for a Software signer
// (software.encryption_key, resolved from a file: reference if present).
func NewKEKProvider(kek []byte) (Provider, error) {
	derive := hkdf.New(sha256.New, kek, nil, kekInfo)

	key := make([]byte, 32)
	if _, err := io.ReadFull(derive, key); err != nil {
		return nil, errors.WithMessage(err, "derive key-encryption key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &kekProvider{gcm: gcm, nonceSize: gcm.NonceSize()}, nil
}

// Protect seals data behind a random nonce, prefixed with the envelope
// version and the nonce itself.
func (p *kekProvider) Protect(_ context.Context, data []byte) ([]byte, error) {
	nonce := make([]byte, p.nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.WithStack(err)
	}
	ciphertext := p.gcm.Seal(nil, nonce, data, nil)

	protected := make([]byte, 1+len(nonce)+len(ciphertext))
	protected[0] = envelopeVersion
	copy(protected[1:], nonce)
	copy(protected[1+p.nonceSize:], ciphertext)
	return protected, nil
}

// Unprotect reverses Protect, rejecting a blob whose envelope version it
// does not recognize.
func (p *kekProvider) Unprotect(_ context.Context, protected []byte) ([]byte, error) {
	if len(protected) < 1+p.nonceSize {
		return nil, errors.New("protected blob too short")
	}
	if protected[0] != envelopeVersion {
		return nil, errors.Errorf("unsupported envelope version: %d", protected[0])
	}
	body := protected[1:]
	nonce, ciphertext := body[:p.nonceSize], body[p.nonceSize:]

	plaintext, err := p.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "decrypt key material")
	}
	return plaintext, nil
}

// IsReady always returns true: a kekProvider is only ever constructed
// once a key-encryption-key has been supplied.
func (p *kekProvider) IsReady() bool {
	return true
}
