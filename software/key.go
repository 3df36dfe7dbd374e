package software

import (
	"crypto"
	"io"
)

// PrivateKey wraps a decoded crypto.Signer with the backend locator and
// label it was created under, so IdentifyKey can recover them later. It
// also keeps the PEM bytes the key was decoded from; ExportKey does not use
// them and reads the key file again instead.
type PrivateKey struct {
	inner crypto.Signer
	keyID string
	label string
	pem   []byte
}

// Public returns the public half of the key pair.
func (k *PrivateKey) Public() crypto.PublicKey { return k.inner.Public() }

// Sign delegates to the decoded key.
func (k *PrivateKey) Sign(rnd io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.inner.Sign(rnd, digest, opts)
}
