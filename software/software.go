package software

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sort"
	"strings"

	"github.com/effective-security/signer/certutil"
	"github.com/effective-security/signer/cryptoprov"
	"github.com/effective-security/signer/dataprotection"
	"github.com/effective-security/signer/x/fileutil"
	"github.com/effective-security/signer/x/guid"
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/signer", "software")

func init() {
	_ = cryptoprov.Register(cryptoprov.KindSoftware, func(cfg cryptoprov.SignerConfig) (cryptoprov.Provider, error) {
		return New(cfg)
	})
}

// Backend is the Software Provider: a directory of key files plus a
// decoded-key LRU in front of it.
type Backend struct {
	name     string
	keysPath string
	dp       dataprotection.Provider
	cache    *keyCache
}

var _ cryptoprov.Provider = (*Backend)(nil)
var _ cryptoprov.KeyManager = (*Backend)(nil)

// New constructs a Software Backend from a signer config entry.
func New(cfg cryptoprov.SignerConfig) (*Backend, error) {
	if cfg.KeysPath == "" {
		return nil, errors.Errorf("signer %q: keys_path is required for Software backend", cfg.Name)
	}
	if err := fileutil.Vfs.MkdirAll(cfg.KeysPath, 0o700); err != nil {
		return nil, errors.WithMessagef(err, "create keys directory: %s", cfg.KeysPath)
	}

	var dp dataprotection.Provider
	if cfg.EncryptionKey != "" {
		var err error
		dp, err = dataprotection.NewKEKProvider([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, errors.WithMessage(err, "construct encryption provider")
		}
	}

	cache, err := newKeyCache(256)
	if err != nil {
		return nil, err
	}

	return &Backend{
		name:     cfg.Name,
		keysPath: cfg.KeysPath,
		dp:       dp,
		cache:    cache,
	}, nil
}

// Manufacturer identifies this backend kind.
func (b *Backend) Manufacturer() string { return "Software" }

// Model is the keys directory this instance serves.
func (b *Backend) Model() string { return b.keysPath }

// CurrentSlotID is always 0: the Software backend has no slot concept.
func (b *Backend) CurrentSlotID() uint { return 0 }

// GenerateRSAKey generates a new RSA key pair, writes it to a new key file
// and caches its decoded form.
func (b *Backend) GenerateRSAKey(label string, bits int, purpose int) (crypto.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.WithMessage(err, "generate RSA key")
	}
	pemBytes, err := certutil.EncodePrivateKeyToPEM(priv)
	if err != nil {
		return nil, err
	}

	keyID := guid.MustCreate()
	if label == "" {
		label = keyID
	}

	if err := writeKeyFile(context.Background(), b.keysPath, keyID, label, pemBytes, b.dp); err != nil {
		return nil, err
	}

	signer, err := b.cache.put(keyID, label, pemBytes)
	if err != nil {
		return nil, err
	}

	logger.KV(xlog.INFO, "reason", "GenerateRSAKey", "signer", b.name, "id", keyID, "bits", bits, "purpose", purpose)
	return &PrivateKey{inner: signer, keyID: keyID, label: label, pem: pemBytes}, nil
}

// IdentifyKey returns the backend locator and label for a key previously
// returned by GenerateRSAKey or GetKey.
func (b *Backend) IdentifyKey(priv crypto.PrivateKey) (keyID, label string, err error) {
	k, ok := priv.(*PrivateKey)
	if !ok {
		return "", "", errors.Errorf("not a software key: %T", priv)
	}
	return k.keyID, k.label, nil
}

// GetKey resolves a key file to a usable crypto.PrivateKey, consulting the
// decoded-key cache first.
func (b *Backend) GetKey(keyID string) (crypto.PrivateKey, error) {
	if signer, label, ok := b.cache.get(keyID); ok {
		return &PrivateKey{inner: signer, keyID: keyID, label: label}, nil
	}

	pemBytes, label, err := readKeyFile(context.Background(), b.keysPath, keyID, b.dp)
	if err != nil {
		return nil, err
	}

	signer, err := b.cache.put(keyID, label, pemBytes)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{inner: signer, keyID: keyID, label: label, pem: pemBytes}, nil
}

// DestroyKeyPairOnSlot removes the key file and any cached decoded form.
// slotID is ignored; the Software backend has no slot concept. Idempotent:
// destroying an already-absent key is not an error.
func (b *Backend) DestroyKeyPairOnSlot(_ uint, keyID string) error {
	b.cache.remove(keyID)
	if err := removeKeyFile(b.keysPath, keyID); err != nil {
		return err
	}
	logger.KV(xlog.INFO, "reason", "DestroyKeyPairOnSlot", "signer", b.name, "id", keyID)
	return nil
}

// KeyInfo returns metadata about a key, optionally including its PEM
// encoded public half.
func (b *Backend) KeyInfo(_ uint, keyID string, includePublic bool) (*cryptoprov.KeyInfo, error) {
	priv, err := b.GetKey(keyID)
	if err != nil {
		return nil, err
	}
	k := priv.(*PrivateKey)

	info := &cryptoprov.KeyInfo{
		ID:    k.keyID,
		Label: k.label,
		Type:  "RSA",
		Class: "private",
	}
	if includePublic {
		pubPEM, err := certutil.EncodePublicKeyToPEM(k.Public())
		if err != nil {
			return nil, err
		}
		info.PublicKey = string(pubPEM)
	}
	return info, nil
}

// ExportKey returns a software: locator plus the decrypted PEM bytes for
// keyID. Unlike the PKCS#11 and KMIP backends, Software keys are already
// file-resident, so export is a read rather than a policy violation.
func (b *Backend) ExportKey(keyID string) (string, []byte, error) {
	pemBytes, _, err := readKeyFile(context.Background(), b.keysPath, keyID, b.dp)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("software:%s/%s.key", b.keysPath, keyID), pemBytes, nil
}

// Random implements cryptoprov.RandomSource using the host's CSPRNG
// directly: there is no hardware RNG to route to for this backend, so
// crypto/rand is the correct, not a fallback, implementation.
func (b *Backend) Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf, nil
}

// EnumTokens returns a single synthetic token describing this backend's
// key directory.
func (b *Backend) EnumTokens(_ bool) ([]cryptoprov.TokenInfo, error) {
	return []cryptoprov.TokenInfo{
		{
			SlotID:       0,
			Description:  "Software keys",
			Label:        b.name,
			Manufacturer: "Software",
			Model:        b.keysPath,
		},
	}, nil
}

// EnumKeys lists key files under the keys directory whose label has the
// given prefix (or every key, when prefix is empty). Used by the probe
// engine to locate a previously created identity key by its fixed label
// across process restarts.
func (b *Backend) EnumKeys(_ uint, prefix string) ([]cryptoprov.KeyInfo, error) {
	entries, err := fileutil.Vfs.Open(b.keysPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer entries.Close()

	names, err := entries.Readdirnames(-1)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var out []cryptoprov.KeyInfo
	for _, name := range names {
		if !strings.HasSuffix(name, ".key") {
			continue
		}
		keyID := strings.TrimSuffix(name, ".key")

		_, label, err := readKeyFile(context.Background(), b.keysPath, keyID, b.dp)
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "skip_unreadable_key_file", "id", keyID, "err", err.Error())
			continue
		}
		if prefix != "" && !strings.HasPrefix(label, prefix) {
			continue
		}
		out = append(out, cryptoprov.KeyInfo{ID: keyID, Label: label, Type: "RSA", Class: "private"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close invalidates the decoded-key cache, destroying its locked buffers.
func (b *Backend) Close() error {
	b.cache.invalidate()
	return nil
}
