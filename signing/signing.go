// Package signing implements the Public Signing API: the single surface
// the CA calls to create, use and destroy signing keys without knowing
// which backend or signer instance actually holds them.
package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"time"

	"github.com/effective-security/signer/binding"
	"github.com/effective-security/signer/certutil"
	"github.com/effective-security/signer/cryptoprov"
	"github.com/effective-security/signer/kmip"
	"github.com/effective-security/signer/metricskey"
	"github.com/effective-security/signer/pkcs11prov"
	"github.com/effective-security/signer/signerrouter"
	"github.com/effective-security/signer/software"
	"github.com/effective-security/signer/x/guid"
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

func newLogicalKeyID() string { return guid.MustCreate() }

var logger = xlog.NewPackageLogger("github.com/effective-security/signer", "signing")

// Algorithm names accepted by Sign and SignOneOff. RSA-SHA256 is the only
// algorithm the Public Signing API supports.
const AlgoRSASHA256 = "rsa-sha256"

const rsaKeyBits = 2048

// PublicKeyInfo is the public half of a one-off key, returned alongside
// its signature since no binding record exists to look it up later.
type PublicKeyInfo struct {
	PEM string
}

// API is the Public Signing API surface, backed by a signerrouter.Router.
type API struct {
	router *signerrouter.Router
}

// New constructs a Public Signing API on top of an already-started Router.
func New(router *signerrouter.Router) *API {
	return &API{router: router}
}

func classify(signer string, err error) *Error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, binding.ErrNotBound):
		return newError(KindNotBound, signer, err)
	case errors.Is(err, binding.ErrAlreadyBound):
		return newError(KindAlreadyBound, signer, err)
	case errors.Is(err, signerrouter.ErrSignerNotReady):
		return newError(KindSignerNotReady, signer, err)
	case errors.Is(err, software.ErrKeyNotFound):
		return newError(KindKeyNotFound, signer, err)
	case errors.Is(err, software.ErrKeyCorrupt):
		return newError(KindKeyCorrupt, signer, err)
	case errors.Is(err, pkcs11prov.ErrAuthFailed):
		return newError(KindAuthFailed, signer, err)
	case errors.Is(err, kmip.ErrAuthFailed):
		return newError(KindAuthFailed, signer, err)
	case errors.Is(err, kmip.ErrCapabilityMissing):
		return newError(KindCapabilityMissing, signer, err)
	case errors.Is(err, kmip.ErrResponseTooLarge):
		return newError(KindProtocolError, signer, err)
	case errors.Is(err, context.Canceled):
		return newError(KindCancelled, signer, err)
	default:
		return newError(KindSignerUnavailable, signer, err)
	}
}

func measure(signer, operation string) func() {
	start := time.Now()
	return func() {
		metricskey.PerfSignerOperation.MeasureSince(start, signer, operation)
	}
}

// CreateKey generates a 2048-bit RSA key on the default signer, binds it
// and returns its logical_key_id.
func (a *API) CreateKey(ctx context.Context) (string, error) {
	defer measure("default", "create_key")()

	p, st, err := a.router.DefaultSigner(ctx)
	if err != nil {
		return "", classify("default", err)
	}

	priv, err := p.GenerateRSAKey("", rsaKeyBits, cryptoprov.KeyPurposeSigning)
	if err != nil {
		return "", classify(st.IdentityKeyID, errors.WithMessage(err, "generate key"))
	}
	locator, _, err := p.IdentifyKey(priv)
	if err != nil {
		return "", classify(st.IdentityKeyID, err)
	}

	logicalKeyID := newLogicalKeyID()
	if err := a.router.Bind(a.router.DefaultSignerName(), logicalKeyID, locator); err != nil {
		// Bind resolves identity from signer status internally; a Bind
		// failure here cannot be retried against another signer.
		return "", classify(st.IdentityKeyID, err)
	}

	logger.KV(xlog.INFO, "reason", "create_key", "id", logicalKeyID, "locator", locator)
	return logicalKeyID, nil
}

// Sign signs data with the owning signer of logicalKeyID. algo must be
// AlgoRSASHA256.
func (a *API) Sign(ctx context.Context, logicalKeyID string, data []byte, algo string) ([]byte, error) {
	defer measure(logicalKeyID, "sign")()

	if algo != "" && algo != AlgoRSASHA256 {
		return nil, newError(KindConfigInvalid, "", errors.Errorf("unsupported algorithm: %s", algo))
	}

	p, rec, err := a.router.Owner(ctx, logicalKeyID)
	if err != nil {
		return nil, classify(rec.OwningIdentityKeyID, err)
	}

	priv, err := p.GetKey(rec.BackendLocator)
	if err != nil {
		return nil, classify(rec.OwningIdentityKeyID, errors.WithMessage(err, "resolve key"))
	}

	sig, err := signDigest(priv, data)
	if err != nil {
		return nil, classify(rec.OwningIdentityKeyID, err)
	}
	return sig, nil
}

// DestroyKey removes logicalKeyID from its owning signer and from the
// Binding Store. Idempotent: destroying an already-gone key succeeds.
func (a *API) DestroyKey(ctx context.Context, logicalKeyID string) error {
	defer measure(logicalKeyID, "destroy_key")()

	p, rec, err := a.router.Owner(ctx, logicalKeyID)
	if err != nil {
		if errors.Is(err, binding.ErrNotBound) {
			return nil
		}
		return classify(rec.OwningIdentityKeyID, err)
	}

	if err := p.DestroyKeyPairOnSlot(p.CurrentSlotID(), rec.BackendLocator); err != nil {
		return classify(rec.OwningIdentityKeyID, errors.WithMessage(err, "destroy key"))
	}
	if _, err := a.router.Unbind(logicalKeyID); err != nil && !errors.Is(err, binding.ErrNotBound) {
		return classify(rec.OwningIdentityKeyID, err)
	}

	logger.KV(xlog.INFO, "reason", "destroy_key", "id", logicalKeyID)
	return nil
}

// SignOneOff generates an ephemeral key on the one-off signer, signs data,
// and destroys the key before returning. No binding record is ever
// created. A destroy failure is logged as a warning, not returned as an
// error, per the one-off contract's partial-success exception.
func (a *API) SignOneOff(ctx context.Context, data []byte, algo string) ([]byte, PublicKeyInfo, error) {
	defer measure("one-off", "sign_one_off")()

	if algo != "" && algo != AlgoRSASHA256 {
		return nil, PublicKeyInfo{}, newError(KindConfigInvalid, "", errors.Errorf("unsupported algorithm: %s", algo))
	}

	p, st, err := a.router.OneOffSigner(ctx)
	if err != nil {
		return nil, PublicKeyInfo{}, classify("one-off", err)
	}

	priv, err := p.GenerateRSAKey("", rsaKeyBits, cryptoprov.KeyPurposeOneOff)
	if err != nil {
		return nil, PublicKeyInfo{}, classify(st.IdentityKeyID, errors.WithMessage(err, "generate one-off key"))
	}
	locator, _, err := p.IdentifyKey(priv)
	if err != nil {
		return nil, PublicKeyInfo{}, classify(st.IdentityKeyID, err)
	}

	destroy := func() {
		if err := p.DestroyKeyPairOnSlot(p.CurrentSlotID(), locator); err != nil {
			logger.KV(xlog.WARNING, "reason", "one_off_destroy_failed", "locator", locator, "err", err.Error())
		}
	}

	if err := ctx.Err(); err != nil {
		destroy()
		return nil, PublicKeyInfo{}, newError(KindCancelled, st.IdentityKeyID, err)
	}

	sig, err := signDigest(priv, data)
	if err != nil {
		destroy()
		return nil, PublicKeyInfo{}, classify(st.IdentityKeyID, err)
	}

	pemBytes, err := certutil.EncodePublicKeyToPEM(priv.(crypto.Signer).Public())
	if err != nil {
		destroy()
		return nil, PublicKeyInfo{}, classify(st.IdentityKeyID, err)
	}

	destroy()
	return sig, PublicKeyInfo{PEM: string(pemBytes)}, nil
}

// Random returns n cryptographically strong random bytes, from the
// default signer's backend if it exposes randomness, else from the
// Software backend.
func (a *API) Random(ctx context.Context, n int) ([]byte, error) {
	defer measure("default", "random")()
	p, st, err := a.router.DefaultSigner(ctx)
	if err != nil {
		return nil, classify("default", err)
	}
	if rs, ok := p.(cryptoprov.RandomSource); ok {
		b, err := rs.Random(n)
		if err != nil {
			return nil, classify(st.IdentityKeyID, err)
		}
		return b, nil
	}

	sw, swSt, err := a.router.SoftwareFallbackSigner(ctx)
	if err != nil {
		return nil, classify("software-fallback", err)
	}
	rs, ok := sw.(cryptoprov.RandomSource)
	if !ok {
		return nil, newError(KindCapabilityMissing, swSt.IdentityKeyID, errors.New("software fallback signer does not expose randomness"))
	}
	b, err := rs.Random(n)
	if err != nil {
		return nil, classify(swSt.IdentityKeyID, err)
	}
	return b, nil
}

func signDigest(priv crypto.PrivateKey, data []byte) ([]byte, error) {
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, errors.Errorf("key does not implement crypto.Signer: %T", priv)
	}
	digest := sha256.Sum256(data)
	return signer.Sign(rand.Reader, digest[:], crypto.SHA256)
}
