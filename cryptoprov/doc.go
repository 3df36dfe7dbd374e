// Package cryptoprov defines the Provider interface implemented by every
// signing backend (software, PKCS#11, KMIP) and the small registry used to
// build a Provider from a SignerConfig entry without the signer router
// importing each backend package directly.
//
// Backend packages register a Builder for their Kind from an init func;
// cryptoprov.Load turns a RootConfig's signer list into a name-keyed map of
// live providers, deferring readiness decisions to the probe engine.
package cryptoprov
