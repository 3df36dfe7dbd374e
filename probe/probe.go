// Package probe implements the signer capability probe: on first use of a
// configured signer, verify it can generate, sign and verify, then adopt
// or create a persistent identity key so the signer can be recognized
// across restarts regardless of its configured name.
package probe

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/effective-security/signer/binding"
	"github.com/effective-security/signer/cryptoprov"
	"github.com/effective-security/signer/metricskey"
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/signer", "probe")

// testPayload is the fixed, well-known payload every probe signs and
// verifies against, per spec §4.5 step 3.
var testPayload = []byte("signer-capability-probe-v1")

const identityKeyLabel = "signer-identity-key"

// State is a signer instance's lifecycle state.
type State int

// States a signer instance can be in.
const (
	Probing State = iota
	Unusable
	Ready
)

func (s State) String() string {
	switch s {
	case Probing:
		return "Probing"
	case Unusable:
		return "Unusable"
	case Ready:
		return "Ready"
	default:
		return "unknown"
	}
}

// Capabilities is the opaque-to-callers capability set for a Ready signer.
type Capabilities struct {
	CanGenerateRSA2048      bool
	CanSignSHA256RSA        bool
	CanDestroyKey           bool
	SupportsRandom          bool
	SupportsModifyAttribute bool
	MaxRSABits              int
}

// Status is the outcome of the most recent probe of a signer instance.
type Status struct {
	State         State
	Reason        string
	IdentityKeyID string
	Capabilities  Capabilities
}

// Instance tracks the probe state of a single configured signer.
type Instance struct {
	Name     string
	Provider cryptoprov.Provider

	retryInterval time.Duration
	bindingStore  *binding.Store

	mu        sync.RWMutex
	status    Status
	lastProbe time.Time

	stopCh chan struct{}
}

func newInstance(name string, p cryptoprov.Provider, retryInterval time.Duration, store *binding.Store) *Instance {
	return &Instance{
		Name:          name,
		Provider:      p,
		retryInterval: retryInterval,
		bindingStore:  store,
		status:        Status{State: Probing},
		stopCh:        make(chan struct{}),
	}
}

// Status returns the most recently recorded probe outcome.
func (in *Instance) Status() Status {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.status
}

func (in *Instance) setStatus(s Status) {
	in.mu.Lock()
	in.status = s
	in.lastProbe = time.Now()
	in.mu.Unlock()
}

func (in *Instance) dueForProbe() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.status.State == Ready {
		return false
	}
	return time.Since(in.lastProbe) >= in.retryInterval
}

// probeOnce runs the generate/sign/verify/identify sequence once and
// records the resulting Status.
func (in *Instance) probeOnce(ctx context.Context) Status {
	start := time.Now()
	status := in.run(ctx)
	in.setStatus(status)
	metricskey.PerfSignerProbe.MeasureSince(start, in.Name, status.State.String())
	if status.State == Unusable {
		logger.KV(xlog.WARNING, "reason", "probe_failed", "signer", in.Name, "cause", status.Reason)
	} else {
		logger.KV(xlog.INFO, "reason", "probe_ready", "signer", in.Name, "identity", status.IdentityKeyID)
	}
	return status
}

func (in *Instance) run(ctx context.Context) Status {
	testPriv, err := in.Provider.GenerateRSAKey("", 2048, cryptoprov.KeyPurposeOneOff)
	if err != nil {
		return Status{State: Unusable, Reason: errors.WithMessage(err, "generate test key").Error()}
	}
	testKeyID, _, err := in.Provider.IdentifyKey(testPriv)
	if err != nil {
		return Status{State: Unusable, Reason: errors.WithMessage(err, "identify test key").Error()}
	}
	defer func() {
		if err := in.Provider.DestroyKeyPairOnSlot(0, testKeyID); err != nil {
			logger.KV(xlog.WARNING, "reason", "test_key_cleanup_failed", "signer", in.Name, "id", testKeyID, "err", err.Error())
		}
	}()

	signer, ok := testPriv.(crypto.Signer)
	if !ok {
		return Status{State: Unusable, Reason: "backend key does not implement crypto.Signer"}
	}

	digest := sha256.Sum256(testPayload)
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return Status{State: Unusable, Reason: errors.WithMessage(err, "sign test payload").Error()}
	}

	pub, ok := signer.Public().(*rsa.PublicKey)
	if !ok {
		return Status{State: Unusable, Reason: "backend did not return an RSA public key"}
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return Status{State: Unusable, Reason: errors.WithMessage(err, "verify test signature").Error()}
	}

	identityKeyID, err := in.ensureIdentityKey(ctx)
	if err != nil {
		return Status{State: Unusable, Reason: errors.WithMessage(err, "ensure identity key").Error()}
	}

	caps := in.queryCapabilities(pub)
	return Status{State: Ready, IdentityKeyID: identityKeyID, Capabilities: caps}
}

// ensureIdentityKey locates this instance's identity key by its fixed
// label if the backend can enumerate keys, generating one the first time.
// Because the identity key's label (not the configured signer name) is the
// lookup key, a renamed signer recognizes its own identity key on restart.
func (in *Instance) ensureIdentityKey(_ context.Context) (string, error) {
	if km, ok := in.Provider.(cryptoprov.KeyManager); ok {
		existing, err := km.EnumKeys(in.Provider.CurrentSlotID(), identityKeyLabel)
		if err == nil && len(existing) > 0 {
			id := existing[0].ID
			if owners := in.bindingStore.ByOwner(id); len(owners) > 0 {
				logger.KV(xlog.INFO, "reason", "identity_adopted_bindings", "signer", in.Name, "identity", id, "bindings", len(owners))
			}
			return id, nil
		}
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "identity_key_search_failed", "signer", in.Name, "err", err.Error())
		}
	}

	priv, err := in.Provider.GenerateRSAKey(identityKeyLabel, 2048, cryptoprov.KeyPurposeSigning)
	if err != nil {
		return "", err
	}
	id, _, err := in.Provider.IdentifyKey(priv)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (in *Instance) queryCapabilities(pub *rsa.PublicKey) Capabilities {
	_, supportsRandom := in.Provider.(cryptoprov.RandomSource)
	_, supportsModify := in.Provider.(cryptoprov.AttributeModifier)
	return Capabilities{
		CanGenerateRSA2048:      true,
		CanSignSHA256RSA:        true,
		CanDestroyKey:           true,
		SupportsRandom:          supportsRandom,
		SupportsModifyAttribute: supportsModify,
		MaxRSABits:              pub.N.BitLen(),
	}
}

// stop signals the instance's background re-probe loop, if running, to exit.
func (in *Instance) stop() {
	close(in.stopCh)
}

// Engine owns the probe state of every configured signer instance and the
// background re-probe loops that keep Unusable signers retried no more
// often than their configured interval.
type Engine struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	sf        singleflight.Group
	wg        sync.WaitGroup
}

// NewEngine constructs an Engine for the given providers, keyed by signer
// name, with retryInterval applied to every instance.
func NewEngine(providers map[string]cryptoprov.Provider, retryInterval time.Duration, store *binding.Store) *Engine {
	e := &Engine{instances: make(map[string]*Instance, len(providers))}
	for name, p := range providers {
		e.instances[name] = newInstance(name, p, retryInterval, store)
	}
	return e
}

// Start kicks off the initial probe of every instance and a background
// re-probe ticker loop for each, mirroring the teacher's per-resource
// healthCheckLoop(interval) shape.
func (e *Engine) Start(ctx context.Context) {
	e.mu.RLock()
	instances := make([]*Instance, 0, len(e.instances))
	for _, in := range e.instances {
		instances = append(instances, in)
	}
	e.mu.RUnlock()

	for _, in := range instances {
		in := in
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reprobeLoop(ctx, in)
		}()
	}
}

func (e *Engine) reprobeLoop(ctx context.Context, in *Instance) {
	in.probeOnce(ctx)

	ticker := time.NewTicker(in.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.stopCh:
			return
		case <-ticker.C:
			if in.dueForProbe() {
				_, _, _ = e.sf.Do(in.Name, func() (interface{}, error) {
					in.probeOnce(ctx)
					return nil, nil
				})
			}
		}
	}
}

// Stop signals every instance's re-probe loop to exit and waits for them
// to return.
func (e *Engine) Stop() {
	e.mu.RLock()
	for _, in := range e.instances {
		in.stop()
	}
	e.mu.RUnlock()
	e.wg.Wait()
}

// Status returns the current probe status of a named signer.
func (e *Engine) Status(name string) (Status, bool) {
	e.mu.RLock()
	in, ok := e.instances[name]
	e.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return in.Status(), true
}

// EnsureProbed blocks until name's first probe has completed, deduplicating
// concurrent callers racing a not-yet-probed signer via singleflight so
// only one probe attempt runs at a time per signer.
func (e *Engine) EnsureProbed(ctx context.Context, name string) (Status, error) {
	e.mu.RLock()
	in, ok := e.instances[name]
	e.mu.RUnlock()
	if !ok {
		return Status{}, errors.Errorf("unknown signer: %s", name)
	}

	if st := in.Status(); st.State != Probing {
		return st, nil
	}

	v, err, _ := e.sf.Do(name, func() (interface{}, error) {
		if st := in.Status(); st.State != Probing {
			return st, nil
		}
		return in.probeOnce(ctx), nil
	})
	if err != nil {
		return Status{}, err
	}
	return v.(Status), nil
}

// Instances returns every tracked signer name.
func (e *Engine) Instances() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.instances))
	for name := range e.instances {
		names = append(names, name)
	}
	return names
}
