// Package pkcs11prov talks to a PKCS#11 cryptographic token (an HSM or a
// smart card) through github.com/miekg/pkcs11. It implements
// cryptoprov.Provider so the signer router can treat a PKCS#11-backed
// signer identically to a software or KMIP one.
package pkcs11prov

import (
	"context"
	"crypto"
	"crypto/rsa"
	"strconv"
	"sync"

	"github.com/effective-security/signer/cryptoprov"
	"github.com/effective-security/signer/retry"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/signer", "pkcs11prov")

var backgroundCtx = context.Background()

// ErrAuthFailed is returned when the device rejects the configured PIN.
var ErrAuthFailed = errors.New("pkcs11 login rejected")

// Key purpose, passed to GenerateRSAKey. A durable signer key is generated
// once and kept for the life of the token; a one-off key is generated,
// used for a single signature and destroyed.
const (
	Signing = iota + 1
	OneOff
)

func init() {
	_ = cryptoprov.Register(cryptoprov.KindPKCS11, func(cfg cryptoprov.SignerConfig) (cryptoprov.Provider, error) {
		return Init(cfg)
	})
}

// SlotTokenInfo describes a single PKCS#11 slot/token pair.
type SlotTokenInfo struct {
	id           uint
	description  string
	label        string
	manufacturer string
	model        string
	serial       string
	flags        uint
}

// PKCS11Lib is a cryptoprov.Provider backed by a single PKCS#11 module
// loaded into the process and logged into on one slot.
type PKCS11Lib struct {
	Ctx  *pkcs11.Ctx
	Slot SlotTokenInfo

	name    string
	libPath string

	login   bool
	pin     string
	retry   retry.Policy

	mu       sync.Mutex
	sessions chan pkcs11.SessionHandle
	maxSess  int
	closed   bool
}

// driverInit is guarded per shared library path: loading the same .so twice
// into the process via C.Initialize is undefined behaviour in most modules.
var (
	driverMu   sync.Mutex
	driverInit = map[string]*pkcs11.Ctx{}
)

func loadModule(libPath string) (*pkcs11.Ctx, error) {
	driverMu.Lock()
	defer driverMu.Unlock()

	if ctx, ok := driverInit[libPath]; ok {
		return ctx, nil
	}

	ctx := pkcs11.New(libPath)
	if ctx == nil {
		return nil, errors.Errorf("unable to load PKCS#11 module: %s", libPath)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, errors.WithMessagef(err, "initialize PKCS#11 module: %s", libPath)
	}
	driverInit[libPath] = ctx
	return ctx, nil
}

// Init constructs a PKCS11Lib from a SignerConfig entry of Kind PKCS11: it
// loads the module (once per process per lib_path), resolves the configured
// slot, and opens a pool of sessions sized by max_sessions (default 4),
// logging each one in unless login is explicitly disabled.
func Init(cfg cryptoprov.SignerConfig) (*PKCS11Lib, error) {
	if cfg.LibPath == "" {
		return nil, errors.New("lib_path is required")
	}

	ctx, err := loadModule(cfg.LibPath)
	if err != nil {
		return nil, err
	}

	slotID, err := resolveSlot(ctx, cfg.Slot)
	if err != nil {
		return nil, err
	}

	si, err := ctx.GetSlotInfo(slotID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetSlotInfo: %d", slotID)
	}
	ti, err := ctx.GetTokenInfo(slotID)
	if err != nil {
		return nil, errors.WithMessagef(err, "GetTokenInfo: %d", slotID)
	}

	maxSess := cfg.MaxSessions
	if maxSess <= 0 {
		maxSess = 4
	}

	p11lib := &PKCS11Lib{
		Ctx: ctx,
		Slot: SlotTokenInfo{
			id:           slotID,
			description:  si.SlotDescription,
			label:        ti.Label,
			manufacturer: ti.ManufacturerID,
			model:        ti.Model,
			serial:       ti.SerialNumber,
			flags:        ti.Flags,
		},
		name:    cfg.Name,
		libPath: cfg.LibPath,
		login:   cfg.LoginEnabled(),
		pin:     cfg.UserPin,
		retry:   retry.New(cfg.RetrySeconds, cfg.BackoffMultiplier, cfg.MaxRetrySeconds),
		maxSess: maxSess,
	}

	p11lib.sessions = make(chan pkcs11.SessionHandle, maxSess)
	for i := 0; i < maxSess; i++ {
		sh, err := p11lib.openSession()
		if err != nil {
			p11lib.Close()
			return nil, err
		}
		p11lib.sessions <- sh
	}

	return p11lib, nil
}

func resolveSlot(ctx *pkcs11.Ctx, slot string) (uint, error) {
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if len(slots) == 0 {
		return 0, errors.New("no PKCS#11 slots with a token present")
	}

	if n, err := strconv.ParseUint(slot, 10, 32); err == nil {
		for _, s := range slots {
			if s == uint(n) {
				return s, nil
			}
		}
		return 0, errors.Errorf("slot %s not present", slot)
	}

	for _, s := range slots {
		ti, err := ctx.GetTokenInfo(s)
		if err == nil && (ti.Label == slot || ti.SerialNumber == slot) {
			return s, nil
		}
	}
	return 0, errors.Errorf("slot/token %q not found", slot)
}

// isLoginRejected reports whether err is a Cryptoki credential-rejection
// code rather than a transport/device fault.
func isLoginRejected(err error) bool {
	perr, ok := err.(pkcs11.Error)
	if !ok {
		return false
	}
	switch uint(perr) {
	case pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_PIN_INVALID, pkcs11.CKR_PIN_LOCKED,
		pkcs11.CKR_PIN_EXPIRED, pkcs11.CKR_USER_NOT_LOGGED_IN, pkcs11.CKR_USER_TYPE_INVALID,
		pkcs11.CKR_USER_PIN_NOT_INITIALIZED:
		return true
	default:
		return false
	}
}

func (p11lib *PKCS11Lib) openSession() (pkcs11.SessionHandle, error) {
	sh, err := p11lib.Ctx.OpenSession(p11lib.Slot.id, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return 0, errors.WithMessagef(err, "OpenSession on slot %d", p11lib.Slot.id)
	}
	if p11lib.login {
		if err := p11lib.Ctx.Login(sh, pkcs11.CKU_USER, p11lib.pin); err != nil {
			if perr, ok := err.(pkcs11.Error); !ok || uint(perr) != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
				p11lib.Ctx.CloseSession(sh)
				if isLoginRejected(err) {
					return 0, errors.WithMessagef(ErrAuthFailed, "Login on slot %d: %s", p11lib.Slot.id, err.Error())
				}
				return 0, errors.WithMessagef(err, "Login on slot %d", p11lib.Slot.id)
			}
		}
	}
	return sh, nil
}

// checkout blocks until a session is available.
func (p11lib *PKCS11Lib) checkout(ctx context.Context) (pkcs11.SessionHandle, error) {
	select {
	case sh := <-p11lib.sessions:
		return sh, nil
	case <-ctx.Done():
		return 0, errors.WithStack(ctx.Err())
	}
}

// checkin returns a session to the pool; once the PKCS11Lib is closed the
// session is dropped instead.
func (p11lib *PKCS11Lib) checkin(sh pkcs11.SessionHandle) {
	p11lib.mu.Lock()
	closed := p11lib.closed
	p11lib.mu.Unlock()
	if closed {
		return
	}
	p11lib.sessions <- sh
}

func isTransient(err error) bool {
	perr, ok := errors.Cause(err).(pkcs11.Error)
	if !ok {
		return false
	}
	switch uint(perr) {
	case pkcs11.CKR_SESSION_HANDLE_INVALID, pkcs11.CKR_DEVICE_ERROR,
		pkcs11.CKR_DEVICE_REMOVED, pkcs11.CKR_TOKEN_NOT_PRESENT,
		pkcs11.CKR_SESSION_CLOSED:
		return true
	}
	return false
}

// withSession runs fn against a checked-out session, retrying transient
// PKCS#11 failures per the signer's configured retry policy. A session the
// device reports as invalid or closed is replaced by a freshly opened and
// logged-in one before it goes back to the pool.
func (p11lib *PKCS11Lib) withSession(ctx context.Context, fn func(pkcs11.SessionHandle) error) error {
	return p11lib.retry.Do(ctx, isTransient, func() error {
		sh, err := p11lib.checkout(ctx)
		if err != nil {
			return err
		}
		err = fn(sh)
		if perr, ok := errors.Cause(err).(pkcs11.Error); ok &&
			(uint(perr) == pkcs11.CKR_SESSION_HANDLE_INVALID || uint(perr) == pkcs11.CKR_SESSION_CLOSED) {
			if fresh, oerr := p11lib.openSession(); oerr == nil {
				sh = fresh
			}
		}
		p11lib.checkin(sh)
		return err
	})
}

// Manufacturer identifies the backend kind.
func (p11lib *PKCS11Lib) Manufacturer() string { return "PKCS11" }

// Model returns the configured signer name, which is how operators
// distinguish between multiple PKCS#11 signers in the same process.
func (p11lib *PKCS11Lib) Model() string { return p11lib.name }

// CurrentSlotID returns the slot this provider is bound to.
func (p11lib *PKCS11Lib) CurrentSlotID() uint { return p11lib.Slot.id }

// Random implements cryptoprov.RandomSource using the token's own RNG.
func (p11lib *PKCS11Lib) Random(n int) ([]byte, error) {
	var out []byte
	err := p11lib.withSession(context.Background(), func(sh pkcs11.SessionHandle) error {
		b, err := p11lib.Ctx.GenerateRandom(sh, n)
		if err != nil {
			return errors.WithStack(err)
		}
		out = b
		return nil
	})
	return out, err
}

// Close logs out and closes every pooled session. The module itself is not
// finalized: it stays loaded and initialized for the rest of the process,
// and a later Init for the same lib_path reuses it.
func (p11lib *PKCS11Lib) Close() error {
	p11lib.mu.Lock()
	if p11lib.closed {
		p11lib.mu.Unlock()
		return nil
	}
	p11lib.closed = true
	p11lib.mu.Unlock()

	close(p11lib.sessions)
	for sh := range p11lib.sessions {
		if p11lib.login {
			_ = p11lib.Ctx.Logout(sh)
		}
		_ = p11lib.Ctx.CloseSession(sh)
	}
	return nil
}

// ensure RSA public keys satisfy crypto.PublicKey generically
var _ crypto.PublicKey = (*rsa.PublicKey)(nil)
