package kmip

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"

	"github.com/effective-security/signer/certutil"
	"github.com/effective-security/signer/cryptoprov"
	"github.com/effective-security/signer/retry"
	"github.com/effective-security/signer/x/guid"
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/signer", "kmip")

func init() {
	_ = cryptoprov.Register(cryptoprov.KindKMIP, func(cfg cryptoprov.SignerConfig) (cryptoprov.Provider, error) {
		return Init(cfg)
	})
}

// Backend is the KMIP Provider: a pooled TLS client plus the capability
// override the config's force flag grants.
type Backend struct {
	name  string
	cfg   cryptoprov.SignerConfig
	pool  *pool
	cl    *client
	retry retry.Policy
}

var _ cryptoprov.Provider = (*Backend)(nil)
var _ cryptoprov.AttributeModifier = (*Backend)(nil)
var _ cryptoprov.KeyManager = (*Backend)(nil)

// Init constructs a KMIP Backend and its connection pool from a signer
// config entry. Connections are established lazily at first use, not here.
func Init(cfg cryptoprov.SignerConfig) (*Backend, error) {
	if cfg.Host == "" {
		return nil, errors.Errorf("signer %q: host is required for KMIP backend", cfg.Name)
	}

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	p := newPool(cfg, tlsCfg)
	cl := newClient(p, cfg)

	return &Backend{
		name:  cfg.Name,
		cfg:   cfg,
		pool:  p,
		cl:    cl,
		retry: retry.New(cfg.RetrySeconds, cfg.BackoffMultiplier, cfg.MaxRetrySeconds),
	}, nil
}

func buildTLSConfig(cfg cryptoprov.SignerConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.Insecure} //nolint:gosec // operator opt-in, per spec's documented test-only escape hatch

	if cfg.ServerCACertPath != "" {
		chain, err := certutil.LoadChainFromPEM(cfg.ServerCACertPath)
		if err != nil {
			return nil, errors.WithMessage(err, "load server CA cert")
		}
		pool := x509.NewCertPool()
		for _, c := range chain {
			pool.AddCert(c)
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.ClientCertPath != "" && cfg.ClientCertPrivateKeyPath != "" {
		cert, err := cryptoprov.LoadTLSKeyPair(cfg.ClientCertPath, cfg.ClientCertPrivateKeyPath)
		if err != nil {
			return nil, errors.WithMessage(err, "load client cert")
		}
		tlsCfg.Certificates = []tls.Certificate{*cert}
	}

	return tlsCfg, nil
}

func isTransient(err error) bool {
	if errors.Is(err, ErrResponseTooLarge) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Manufacturer identifies this backend kind.
func (b *Backend) Manufacturer() string { return "KMIP" }

// Model is the host:port this instance connects to.
func (b *Backend) Model() string {
	return net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port))
}

// CurrentSlotID is always 0: KMIP has no slot concept.
func (b *Backend) CurrentSlotID() uint { return 0 }

// ErrCapabilityMissing is returned when the server's advertised capability
// set does not include an operation this backend needs, and force was not
// set to override that check.
var ErrCapabilityMissing = errors.New("capability missing")

// GenerateRSAKey creates a new RSA key pair on the KMIP server.
func (b *Backend) GenerateRSAKey(label string, bits int, purpose int) (crypto.PrivateKey, error) {
	if !b.cfg.Force {
		caps, err := b.cl.query(context.Background())
		if err == nil && !caps.supports(OpCreateKeyPair) {
			return nil, errors.WithMessagef(ErrCapabilityMissing, "signer %q: server does not advertise CreateKeyPair support", b.name)
		}
	}

	if label == "" {
		label = guid.MustCreate()
	}

	var privUID, pubUID string
	err := b.retry.Do(context.Background(), isTransient, func() error {
		var err error
		privUID, pubUID, err = b.cl.createKeyPair(context.Background(), bits, label)
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "CreateKeyPair")
	}

	pub, err := b.fetchPublicKey(pubUID, bits)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "public_key_unavailable", "signer", b.name, "uid", pubUID, "err", err.Error())
	}

	logger.KV(xlog.INFO, "reason", "GenerateRSAKey", "signer", b.name, "id", privUID, "bits", bits, "purpose", purpose)
	return &PrivateKey{backend: b, privUID: privUID, pubUID: pubUID, label: label, pub: pub}, nil
}

// fetchPublicKey asks the server for the "x-PublicKeyDER" custom attribute
// set on the public key object, a convention this backend relies on since
// KMIP's standard GetAttributes call does not return key material (that is
// the Get operation, outside this backend's supported operation set). A
// server without that custom attribute leaves the returned key without a
// cached public half; Public() then asks for the attribute again on demand.
func (b *Backend) fetchPublicKey(pubUID string, bits int) (*rsa.PublicKey, error) {
	attrs, err := b.cl.getAttributes(context.Background(), pubUID, "x-PublicKeyDER")
	if err != nil {
		return nil, err
	}
	v, ok := attrs["x-PublicKeyDER"]
	if !ok {
		return nil, errors.Errorf("server did not return x-PublicKeyDER for %s (bits=%d)", pubUID, bits)
	}
	der, ok := v.Value.([]byte)
	if !ok {
		return nil, errors.New("x-PublicKeyDER attribute was not a byte string")
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.WithMessage(err, "parse x-PublicKeyDER")
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("x-PublicKeyDER is not an RSA public key")
	}
	return rsaPub, nil
}

// IdentifyKey returns the backend locator and label for a key previously
// returned by GenerateRSAKey or GetKey.
func (b *Backend) IdentifyKey(priv crypto.PrivateKey) (keyID, label string, err error) {
	k, ok := priv.(*PrivateKey)
	if !ok {
		return "", "", errors.Errorf("not a kmip key: %T", priv)
	}
	return k.privUID, k.label, nil
}

// GetKey resolves a backend unique identifier to a usable crypto.Signer.
func (b *Backend) GetKey(keyID string) (crypto.PrivateKey, error) {
	return &PrivateKey{backend: b, privUID: keyID}, nil
}

// DestroyKeyPairOnSlot issues a Destroy for the object keyID names (the
// private key's unique identifier). slotID is ignored. The public key object
// is not destroyed, and every server error, "item not found" included, is
// returned to the caller.
func (b *Backend) DestroyKeyPairOnSlot(_ uint, keyID string) error {
	err := b.retry.Do(context.Background(), isTransient, func() error {
		return b.cl.destroy(context.Background(), keyID)
	})
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "destroy_failed", "signer", b.name, "id", keyID, "err", err.Error())
		return err
	}
	logger.KV(xlog.INFO, "reason", "DestroyKeyPairOnSlot", "signer", b.name, "id", keyID)
	return nil
}

// KeyInfo returns metadata about a key.
func (b *Backend) KeyInfo(_ uint, keyID string, includePublic bool) (*cryptoprov.KeyInfo, error) {
	info := &cryptoprov.KeyInfo{ID: keyID, Type: "RSA", Class: "private"}
	if includePublic {
		pub, err := b.fetchPublicKey(keyID, 0)
		if err == nil {
			pemBytes, err := certutil.EncodePublicKeyToPEM(pub)
			if err == nil {
				info.PublicKey = string(pemBytes)
			}
		}
	}
	return info, nil
}

// ExportKey is never permitted against a KMIP server: private key
// material never leaves it by design.
func (b *Backend) ExportKey(keyID string) (string, []byte, error) {
	return "", nil, errors.Errorf("key %q is not exportable from a KMIP server", keyID)
}

// ModifyAttribute implements cryptoprov.AttributeModifier by issuing a
// KMIP ModifyAttribute request for a custom attribute on keyID. Servers
// that under-report ModifyAttribute support in their Query response can
// still be reached here when the signer config sets force=true.
func (b *Backend) ModifyAttribute(keyID, attribute string, value []byte) error {
	if !b.cfg.Force {
		caps, err := b.cl.query(context.Background())
		if err == nil && !caps.supports(OpModifyAttribute) {
			return errors.Errorf("signer %q: server does not advertise ModifyAttribute support (set force=true to override)", b.name)
		}
	}

	err := b.retry.Do(context.Background(), isTransient, func() error {
		return b.cl.modifyAttribute(context.Background(), keyID, attribute, value)
	})
	if err != nil {
		return errors.WithMessagef(err, "ModifyAttribute %q on %s", attribute, keyID)
	}
	logger.KV(xlog.INFO, "reason", "ModifyAttribute", "signer", b.name, "id", keyID, "attribute", attribute)
	return nil
}

// EnumKeys locates a single key object by exact Name match using the
// server's Locate operation. prefix must be the full name, not a true
// prefix: this backend's Name attribute is an exact-match index, unlike
// the Software and PKCS#11 backends' filesystem/label scans. Used by the
// probe engine to rediscover an identity key across restarts.
func (b *Backend) EnumKeys(_ uint, prefix string) ([]cryptoprov.KeyInfo, error) {
	if prefix == "" {
		return nil, errors.New("kmip EnumKeys requires an exact name, prefix scanning is not supported")
	}
	uid, found, err := b.cl.locate(context.Background(), prefix)
	if err != nil {
		return nil, errors.WithMessage(err, "Locate")
	}
	if !found {
		return nil, nil
	}
	return []cryptoprov.KeyInfo{{ID: uid, Label: prefix, Type: "RSA", Class: "private"}}, nil
}

// EnumTokens returns a single synthetic token describing this server
// connection; KMIP has no slot concept of its own.
func (b *Backend) EnumTokens(_ bool) ([]cryptoprov.TokenInfo, error) {
	return []cryptoprov.TokenInfo{
		{SlotID: 0, Description: "KMIP server", Label: b.name, Manufacturer: "KMIP", Model: b.cfg.Host},
	}, nil
}

// Close closes every pooled connection.
func (b *Backend) Close() error {
	b.pool.closeAll()
	return nil
}
