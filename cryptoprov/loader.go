package cryptoprov

import (
	"sync"

	"github.com/pkg/errors"
)

// Builder constructs a Provider from a SignerConfig entry of its registered
// Kind. Each backend package registers its own Builder from an init func,
// so the router never imports pkcs11prov/kmip/software directly.
type Builder func(cfg SignerConfig) (Provider, error)

var (
	lockBuilders sync.RWMutex
	builders     = make(map[Kind]Builder)
)

// Register associates a Builder with a Kind. Registering the same Kind
// twice is an error, consistent with registering a duplicate driver.
func Register(kind Kind, builder Builder) error {
	lockBuilders.Lock()
	defer lockBuilders.Unlock()

	if _, ok := builders[kind]; ok {
		return errors.Errorf("already registered: %s", kind)
	}
	builders[kind] = builder
	return nil
}

// Unregister removes a previously registered Builder.
func Unregister(kind Kind) (Builder, error) {
	lockBuilders.Lock()
	defer lockBuilders.Unlock()

	if builder, ok := builders[kind]; ok {
		delete(builders, kind)
		return builder, nil
	}
	return nil, errors.Errorf("not registered: %s", kind)
}

// Registered returns the set of Kinds with a registered Builder.
func Registered() []Kind {
	lockBuilders.RLock()
	defer lockBuilders.RUnlock()

	list := make([]Kind, 0, len(builders))
	for k := range builders {
		list = append(list, k)
	}
	return list
}

// Build constructs the Provider for a single signer entry using its
// registered Kind Builder.
func Build(cfg SignerConfig) (Provider, error) {
	lockBuilders.RLock()
	builder, ok := builders[cfg.Kind]
	lockBuilders.RUnlock()
	if !ok {
		return nil, errors.Errorf("signer %q: no provider registered for type %q", cfg.Name, cfg.Kind)
	}
	return builder(cfg)
}

// Load builds a Provider for every entry in a RootConfig, keyed by signer
// name. Individual build failures are not fatal here: a signer that fails
// to construct is reported in failed rather than aborting the whole load,
// since the Probe Engine, not Load, owns marking a signer Unusable versus
// refusing to start the process entirely.
func Load(cfg *RootConfig) (providers map[string]Provider, failed map[string]error) {
	providers = make(map[string]Provider, len(cfg.Signers))
	failed = make(map[string]error)

	for _, sc := range cfg.Signers {
		p, err := Build(sc)
		if err != nil {
			failed[sc.Name] = err
			continue
		}
		providers[sc.Name] = p
	}
	return providers, failed
}
