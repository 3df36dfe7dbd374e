package pkcs11prov

import (
	"crypto"
	"crypto/rsa"
	"io"

	"github.com/effective-security/signer/x/guid"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
)

// PrivateKey is a crypto.Signer backed by a private key object that never
// leaves the token. Signing marshals to a PKCS#11 C_Sign call; there is no
// path that ever reads the private value out.
type PrivateKey struct {
	p11lib *PKCS11Lib
	handle pkcs11.ObjectHandle
	keyID  string
	label  string
	pub    *rsa.PublicKey
}

// Public returns the public half of the key pair.
func (k *PrivateKey) Public() crypto.PublicKey { return k.pub }

// Sign implements crypto.Signer for PKCS#1 v1.5 signatures over a digest
// already computed by the caller. CKM_RSA_PKCS signs raw data without
// hashing, so the digest is first wrapped in its DigestInfo ASN.1 prefix,
// the same construction crypto/rsa.SignPKCS1v15 uses internally.
func (k *PrivateKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	prefix, ok := digestInfoPrefixes[opts.HashFunc()]
	if !ok {
		return nil, errors.Errorf("unsupported hash algorithm: %v", opts.HashFunc())
	}
	data := append(append([]byte{}, prefix...), digest...)

	var sig []byte
	err := k.p11lib.withSession(backgroundCtx, func(sh pkcs11.SessionHandle) error {
		if err := k.p11lib.Ctx.SignInit(sh, []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}, k.handle); err != nil {
			return errors.WithStack(err)
		}
		s, err := k.p11lib.Ctx.Sign(sh, data)
		if err != nil {
			return errors.WithStack(err)
		}
		sig = s
		return nil
	})
	return sig, err
}

// digestInfoPrefixes are the DER-encoded DigestInfo prefixes for each hash
// algorithm this backend supports, per RFC 8017 section 9.2, note 1.
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// GenerateRSAKey generates an RSA key pair on the token with the given
// label, returning a *PrivateKey implementing crypto.Signer. purpose
// distinguishes a durable signer key (Signing) from a one-off key (OneOff);
// both are generated identically, but callers use purpose to decide whether
// to record the new key in the binding store.
func (p11lib *PKCS11Lib) GenerateRSAKey(label string, bits int, purpose int) (crypto.PrivateKey, error) {
	if label == "" {
		label = guid.MustCreate()
	}
	id := []byte(guid.MustCreate())

	pubTmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, bits),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{1, 0, 1}),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	}
	privTmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, id),
	}

	var key *PrivateKey
	err := p11lib.withSession(backgroundCtx, func(sh pkcs11.SessionHandle) error {
		pubHandle, privHandle, err := p11lib.Ctx.GenerateKeyPair(sh,
			[]*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)},
			pubTmpl, privTmpl)
		if err != nil {
			return errors.WithMessage(err, "GenerateKeyPair")
		}

		pub, err := p11lib.exportRSAPublicKey(sh, pubHandle)
		if err != nil {
			return err
		}

		key = &PrivateKey{
			p11lib: p11lib,
			handle: privHandle,
			keyID:  string(id),
			label:  label,
			pub:    pub,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.KV(xlog.INFO, "reason", "GenerateRSAKey", "label", label, "id", key.keyID, "bits", bits, "purpose", purpose)
	return key, nil
}

// IdentifyKey returns the backend locator and label for a key previously
// returned by GenerateRSAKey or GetKey.
func (p11lib *PKCS11Lib) IdentifyKey(priv crypto.PrivateKey) (keyID, label string, err error) {
	k, ok := priv.(*PrivateKey)
	if !ok {
		return "", "", errors.Errorf("not a pkcs11 key: %T", priv)
	}
	return k.keyID, k.label, nil
}

// GetKey resolves a backend key id to a usable crypto.Signer.
func (p11lib *PKCS11Lib) GetKey(keyID string) (crypto.PrivateKey, error) {
	return p11lib.FindKeyPairOnSlot(p11lib.Slot.id, keyID, "")
}

// ExportKey is never permitted on a token-backed key: PKCS#11 private key
// objects are marked non-extractable at generation time.
func (p11lib *PKCS11Lib) ExportKey(keyID string) (string, []byte, error) {
	return "", nil, errors.Errorf("key %q is not exportable from a PKCS#11 token", keyID)
}
