// Package software implements the on-host Software signing backend
// described by cryptoprov.Provider: RSA key generation, signing and random
// byte generation performed entirely in this process, with key material
// persisted one file per key and optionally encrypted at rest.
//
// It is also the implicit fallback backend: the router synthesizes a
// Software instance for the one-off signer when none is configured, and
// random() falls back to it when the default signer has no RandomSource
// capability of its own.
package software
