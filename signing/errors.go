package signing

import "fmt"

// Kind classifies a signing operation failure for callers that need to
// react differently to different failure classes (defer, fail fast, alert).
type Kind string

// Error kinds surfaced by the Public Signing API.
const (
	KindConfigInvalid      Kind = "ConfigInvalid"
	KindSignerNotReady     Kind = "SignerNotReady"
	KindSignerUnavailable  Kind = "SignerUnavailable"
	KindKeyNotFound        Kind = "KeyNotFound"
	KindKeyCorrupt         Kind = "KeyCorrupt"
	KindNotBound           Kind = "NotBound"
	KindAlreadyBound       Kind = "AlreadyBound"
	KindAuthFailed         Kind = "AuthFailed"
	KindCapabilityMissing  Kind = "CapabilityMissing"
	KindProtocolError      Kind = "ProtocolError"
	KindCancelled          Kind = "Cancelled"
)

// Error is a classified failure from the Public Signing API, attributable
// to the signer instance that produced it.
type Error struct {
	Kind   Kind
	Signer string
	Err    error
}

func (e *Error) Error() string {
	if e.Signer != "" {
		return fmt.Sprintf("%s: signer %q: %v", e.Kind, e.Signer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &Error{Kind: KindSignerNotReady}) to match any
// *Error of the same Kind regardless of Signer/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, signer string, err error) *Error {
	return &Error{Kind: kind, Signer: signer, Err: err}
}
