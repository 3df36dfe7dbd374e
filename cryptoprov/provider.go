package cryptoprov

import (
	"crypto"
	"sync"
	"time"

	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/signer", "cryptoprov")

// Key purposes passed to Provider.GenerateRSAKey: durable signer keys are
// never evictable from a backend's key store, one-off keys are expected to
// be destroyed immediately after use.
const (
	KeyPurposeSigning = iota + 1
	KeyPurposeOneOff
)

// Provider is implemented by every signing backend (Software, PKCS#11,
// KMIP). It is the seam the rest of the signer core is built against: the
// Router, Probe Engine and Binding Store never know which concrete backend
// they are talking to.
type Provider interface {
	// Manufacturer identifies the backend kind: "Software", "PKCS11" or "KMIP".
	Manufacturer() string
	// Model is a backend-specific descriptor (signer name, host:port, keys_path).
	Model() string
	// CurrentSlotID returns the slot in use, or 0 for backends without slots.
	CurrentSlotID() uint

	// GenerateRSAKey creates a new RSA key pair on the backend and returns a
	// crypto.Signer (and crypto.Decrypter where applicable) for it. purpose
	// distinguishes durable keys (1) from one-off keys (2); backends that
	// don't care may ignore it.
	GenerateRSAKey(label string, bits int, purpose int) (crypto.PrivateKey, error)

	// IdentifyKey returns the backend locator and label for a key previously
	// returned by GenerateRSAKey or GetKey.
	IdentifyKey(priv crypto.PrivateKey) (keyID, label string, err error)

	// GetKey resolves a backend locator to a usable crypto.PrivateKey.
	GetKey(keyID string) (crypto.PrivateKey, error)

	// DestroyKeyPairOnSlot removes both halves of a key pair. Idempotent:
	// destroying an already-absent key is not an error.
	DestroyKeyPairOnSlot(slotID uint, keyID string) error

	// KeyInfo returns metadata about a key, optionally including its PEM
	// encoded public half.
	KeyInfo(slotID uint, keyID string, includePublic bool) (*KeyInfo, error)

	// ExportKey returns a durable URI for the key and, for backends that
	// permit it, the raw key bytes. Backends that never allow export return
	// an error here; this is never used on the hot signing path.
	ExportKey(keyID string) (string, []byte, error)

	// Close releases any process-wide resources (driver handles, connection
	// pools) held by this provider instance.
	Close() error
}

// RandomSource is an optional capability: backends that can supply
// cryptographically strong random bytes implement it. Its absence is how
// the Router decides to fall back to the Software backend for random().
type RandomSource interface {
	Random(n int) ([]byte, error)
}

// AttributeModifier is an optional capability exposed by backends that
// support modifying an existing key object's attributes after creation
// (KMIP ModifyAttribute; most PKCS#11 drivers do not).
type AttributeModifier interface {
	ModifyAttribute(keyID, attribute string, value []byte) error
}

// KeyManager is implemented by backends that can enumerate their own key
// material and slots, used by operator tooling and by the Probe Engine's
// identity-based rebinding search.
type KeyManager interface {
	EnumKeys(slotID uint, prefix string) ([]KeyInfo, error)
	EnumTokens(currentSlotOnly bool) ([]TokenInfo, error)
}

// KeyInfo describes a key object within a backend.
type KeyInfo struct {
	ID           string
	Label        string
	Type         string
	Class        string
	PublicKey    string
	Meta         map[string]string
	CreationTime *time.Time
}

// TokenInfo describes a slot/token (PKCS#11) or an equivalent addressable
// unit for backends without a slot concept.
type TokenInfo struct {
	SlotID       uint
	Description  string
	Label        string
	Manufacturer string
	Model        string
	Serial       string
}

// Crypto is a registry of live Provider instances addressed by
// (Manufacturer, Model). It is a thin utility layer beneath the
// identity-based Signer Router: the Router binds logical keys to signer
// *names*, while Crypto is only used to look a provider up generically,
// e.g. by operator tooling inspecting "the PKCS11 provider at slot X".
type Crypto struct {
	mu        sync.RWMutex
	providers []Provider
	byKey     map[string]Provider
	def       Provider
}

func providerKey(manufacturer, model string) string {
	return manufacturer + "/" + model
}

// New returns a Crypto registry seeded with def as the default provider and
// others as additional providers.
func New(def Provider, others []Provider) (*Crypto, error) {
	c := &Crypto{
		byKey: make(map[string]Provider),
		def:   def,
	}
	if def != nil {
		if err := c.Add(def); err != nil {
			return nil, err
		}
	}
	for _, p := range others {
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers a provider. Adding the same (Manufacturer, Model) pair
// twice is not an error: the second registration is ignored, matching the
// teacher's tolerant re-Add semantics for idempotent startup sequences.
func (c *Crypto) Add(p Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := providerKey(p.Manufacturer(), p.Model())
	if _, exists := c.byKey[key]; exists {
		return nil
	}
	c.byKey[key] = p
	c.providers = append(c.providers, p)
	if c.def == nil {
		c.def = p
	}
	return nil
}

// Default returns the default provider.
func (c *Crypto) Default() Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.def
}

// ByManufacturer looks up a provider by (manufacturer, model).
func (c *Crypto) ByManufacturer(manufacturer, model string) (Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.byKey[providerKey(manufacturer, model)]; ok {
		return p, nil
	}
	return nil, errors.Errorf("provider for %q and model %q not found", manufacturer, model)
}

// All returns every registered provider, in registration order.
func (c *Crypto) All() []Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

// Close closes every registered provider, collecting (not stopping on) errors.
func (c *Crypto) Close() error {
	c.mu.RLock()
	providers := append([]Provider{}, c.providers...)
	c.mu.RUnlock()

	var firstErr error
	for _, p := range providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
