package kmip

import (
	"context"
	"crypto"
	"crypto/rsa"
	"io"

	"github.com/pkg/errors"
)

// PrivateKey is a crypto.Signer backed by a KMIP server-held private key
// object. Signing round-trips to the server; the private value never
// leaves it.
type PrivateKey struct {
	backend *Backend
	privUID string
	pubUID  string
	label   string
	pub     *rsa.PublicKey
}

// Public returns the public half of the key pair, fetching it from the
// server on first use if GenerateRSAKey did not already populate it.
func (k *PrivateKey) Public() crypto.PublicKey {
	if k.pub != nil {
		return k.pub
	}
	pub, err := k.backend.fetchPublicKey(k.privUID, 0)
	if err != nil {
		return nil
	}
	k.pub = pub
	return k.pub
}

// Sign sends digest to the server's Sign operation and returns the
// signature bytes it returns. opts is unused beyond validating the hash is
// one this backend supports; KMIP servers hash-agnostically sign whatever
// data is sent, so no DigestInfo prefixing is needed here (unlike the
// PKCS#11 backend's raw CKM_RSA_PKCS mechanism).
func (k *PrivateKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	switch opts.HashFunc() {
	case crypto.SHA256, crypto.SHA384, crypto.SHA512:
	default:
		return nil, errors.Errorf("unsupported hash algorithm: %v", opts.HashFunc())
	}

	var sig []byte
	err := k.backend.retry.Do(context.Background(), isTransient, func() error {
		s, err := k.backend.cl.sign(context.Background(), k.privUID, digest)
		if err != nil {
			return err
		}
		sig = s
		return nil
	})
	return sig, err
}
