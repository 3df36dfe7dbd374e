// Package pkcs11prov implements cryptoprov.Provider against a PKCS#11
// token through github.com/miekg/pkcs11: RSA key generation, PKCS#1 v1.5
// signing, key destruction and enumeration, and a bounded session pool so
// concurrent signing requests share a handful of logged-in sessions rather
// than opening one per request.
//
// Keys are generated non-extractable; ExportKey always fails for this
// backend, by design of the token.
package pkcs11prov
