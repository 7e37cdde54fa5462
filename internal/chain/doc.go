// Package chain models an isolated execution context.
//
// A chain owns a private partition of state, runs its operations and
// inbound messages strictly one at a time, and talks to other chains only
// through asynchronous messages. A chain is identified by the address of its
// secp256k1 signing key, so any envelope it signs can be attributed to it
// without a separate key registry.
package chain
