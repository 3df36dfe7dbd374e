// Package signerrouter implements the signer registry and the routing
// decisions that pick a signer instance for a given signing operation:
// the default signer for new long-term keys, a per-call one-off signer for
// ephemeral keys, and the owning signer (looked up through the Binding
// Store) for operations against an existing key.
package signerrouter

import (
	"context"
	"time"

	"github.com/effective-security/signer/binding"
	"github.com/effective-security/signer/cryptoprov"
	"github.com/effective-security/signer/probe"
	"github.com/effective-security/signer/software"
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/signer", "signerrouter")

// oneOffKeysDir is the keys_path a synthesized one-off Software signer uses
// when the operator did not configure a dedicated one-off signer.
const oneOffKeysDir = "keys/one-off"

// softwareFallbackKeysDir is the keys_path a synthesized Software fallback
// signer uses when the one-off signer is configured to a non-Software
// backend, so Random still has a Software backend to fall back to per
// spec's random(n) contract, independent of one_off_signer's kind.
const softwareFallbackKeysDir = "keys/software-fallback"

// ErrSignerNotReady is returned when a routing target's most recent probe
// did not reach probe.Ready.
var ErrSignerNotReady = errors.New("signer not ready")

// Router owns the set of configured signer instances, the probe Engine
// tracking their readiness, and the Binding Store mapping logical keys to
// their owning signer.
type Router struct {
	providers map[string]cryptoprov.Provider
	engine    *probe.Engine
	bindings  *binding.Store

	defaultSigner    string
	oneOffSigner     string
	softwareFallback string
}

// New validates a RootConfig's signer topology (exactly one default signer,
// an optional one-off signer synthesized with a Software backend when
// absent) and returns a Router ready to have its probe Engine started.
func New(cfg *cryptoprov.RootConfig, datadir string, bindings *binding.Store) (*Router, error) {
	if cfg.DefaultSigner == "" {
		return nil, errors.New("default_signer is required")
	}

	for i := range cfg.Signers {
		cfg.Signers[i].ApplyDefaults(datadir)
		if err := cfg.Signers[i].Validate(); err != nil {
			return nil, err
		}
	}

	providers, failed := cryptoprov.Load(cfg)
	for name, err := range failed {
		logger.KV(xlog.ERROR, "reason", "signer_build_failed", "signer", name, "err", err.Error())
	}

	if _, ok := providers[cfg.DefaultSigner]; !ok {
		return nil, errors.Errorf("default_signer %q was not successfully configured", cfg.DefaultSigner)
	}

	oneOffSigner := cfg.OneOffSigner
	if oneOffSigner == "" {
		oneOffSigner = "__one-off"
		backend, err := software.New(cryptoprov.SignerConfig{
			Name:     oneOffSigner,
			Kind:     cryptoprov.KindSoftware,
			KeysPath: defaultOneOffPath(datadir),
		})
		if err != nil {
			return nil, errors.WithMessage(err, "synthesize one-off signer")
		}
		providers[oneOffSigner] = backend
		logger.KV(xlog.INFO, "reason", "one_off_signer_synthesized", "keys_path", backend.Model())
	} else if _, ok := providers[oneOffSigner]; !ok {
		return nil, errors.Errorf("one_off_signer %q was not successfully configured", oneOffSigner)
	}

	// Random falls back to "the Software backend" specifically, not to
	// whatever one_off_signer happens to be configured as. Reuse the
	// one-off signer when it already is a Software backend; otherwise
	// synthesize a dedicated Software instance for this purpose only.
	softwareFallback := oneOffSigner
	if _, ok := providers[oneOffSigner].(*software.Backend); !ok {
		softwareFallback = "__software-fallback"
		backend, err := software.New(cryptoprov.SignerConfig{
			Name:     softwareFallback,
			Kind:     cryptoprov.KindSoftware,
			KeysPath: defaultSoftwareFallbackPath(datadir),
		})
		if err != nil {
			return nil, errors.WithMessage(err, "synthesize software fallback signer")
		}
		providers[softwareFallback] = backend
		logger.KV(xlog.INFO, "reason", "software_fallback_signer_synthesized", "keys_path", backend.Model())
	}

	retryInterval := cfg.SignerProbeRetrySeconds
	if retryInterval <= 0 {
		retryInterval = 30
	}

	engine := probe.NewEngine(providers, time.Duration(retryInterval)*time.Second, bindings)

	return &Router{
		providers:        providers,
		engine:           engine,
		bindings:         bindings,
		defaultSigner:    cfg.DefaultSigner,
		oneOffSigner:     oneOffSigner,
		softwareFallback: softwareFallback,
	}, nil
}

func defaultOneOffPath(datadir string) string {
	if datadir == "" {
		return oneOffKeysDir
	}
	return datadir + "/" + oneOffKeysDir
}

func defaultSoftwareFallbackPath(datadir string) string {
	if datadir == "" {
		return softwareFallbackKeysDir
	}
	return datadir + "/" + softwareFallbackKeysDir
}

// Start begins the probe Engine's initial probe and background re-probe
// loops for every configured signer.
func (r *Router) Start(ctx context.Context) {
	r.engine.Start(ctx)
}

// Stop shuts down the probe Engine's background loops.
func (r *Router) Stop() {
	r.engine.Stop()
}

// DefaultSignerName returns the configured name of the default signer.
func (r *Router) DefaultSignerName() string { return r.defaultSigner }

// OneOffSignerName returns the configured (or synthesized) name of the
// one-off signer.
func (r *Router) OneOffSignerName() string { return r.oneOffSigner }

// DefaultSigner resolves and returns the default signer's Provider and
// current readiness, for new-long-term-key operations.
func (r *Router) DefaultSigner(ctx context.Context) (cryptoprov.Provider, probe.Status, error) {
	return r.ready(ctx, r.defaultSigner)
}

// OneOffSigner resolves and returns the one-off signer's Provider and
// current readiness, for ephemeral generate/sign/destroy sequences.
func (r *Router) OneOffSigner(ctx context.Context) (cryptoprov.Provider, probe.Status, error) {
	return r.ready(ctx, r.oneOffSigner)
}

// SoftwareFallbackSigner resolves and returns the Software backend Random
// falls back to when the default signer cannot supply randomness itself.
// This is the one-off signer when it is already Software-backed, or a
// dedicated synthesized Software instance otherwise.
func (r *Router) SoftwareFallbackSigner(ctx context.Context) (cryptoprov.Provider, probe.Status, error) {
	return r.ready(ctx, r.softwareFallback)
}

// Owner resolves the signer that owns logicalKeyID by consulting the
// Binding Store, then returns that signer's Provider. There is no
// fallback: a bound key is signed or destroyed by its owning signer only.
func (r *Router) Owner(ctx context.Context, logicalKeyID string) (cryptoprov.Provider, binding.Record, error) {
	rec, err := r.bindings.Lookup(logicalKeyID)
	if err != nil {
		return nil, binding.Record{}, err
	}

	name, ok := r.signerForIdentity(ctx, rec.OwningIdentityKeyID)
	if !ok {
		return nil, binding.Record{}, errors.Errorf("logical key %q is bound to identity %q, which does not match any configured signer", logicalKeyID, rec.OwningIdentityKeyID)
	}

	p, _, err := r.ready(ctx, name)
	if err != nil {
		return nil, binding.Record{}, err
	}
	return p, rec, nil
}

// signerForIdentity finds the configured signer name whose probed identity
// key matches identityKeyID, so ownership follows the signer's identity
// rather than its possibly-renamed configuration name. Signers with no
// matching status yet are probed on demand before giving up.
func (r *Router) signerForIdentity(ctx context.Context, identityKeyID string) (string, bool) {
	for _, name := range r.engine.Instances() {
		if st, ok := r.engine.Status(name); ok && st.IdentityKeyID == identityKeyID {
			return name, true
		}
	}
	for _, name := range r.engine.Instances() {
		if st, err := r.engine.EnsureProbed(ctx, name); err == nil && st.IdentityKeyID == identityKeyID {
			return name, true
		}
	}
	return "", false
}

func (r *Router) ready(ctx context.Context, name string) (cryptoprov.Provider, probe.Status, error) {
	st, err := r.engine.EnsureProbed(ctx, name)
	if err != nil {
		return nil, probe.Status{}, err
	}
	if st.State != probe.Ready {
		return nil, st, errors.WithMessagef(ErrSignerNotReady, "signer %q: %s", name, st.Reason)
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, st, errors.Errorf("signer %q has no registered provider", name)
	}
	return p, st, nil
}

// Bind records that logicalKeyID is owned by the given signer's current
// identity key, under the backend locator the signer returned for it.
func (r *Router) Bind(signerName, logicalKeyID, backendLocator string) error {
	st, ok := r.engine.Status(signerName)
	if !ok || st.State != probe.Ready {
		return errors.WithMessagef(ErrSignerNotReady, "signer %q", signerName)
	}
	return r.bindings.Bind(logicalKeyID, st.IdentityKeyID, backendLocator)
}

// Unbind removes logicalKeyID's binding record.
func (r *Router) Unbind(logicalKeyID string) (binding.Record, error) {
	return r.bindings.Unbind(logicalKeyID)
}
