package ssl

import (
	"sync/atomic"
	"time"
)

// Result is the engine's verdict on a single plaintext read or write.
type Result int

const (
	// ResultOK means the call made progress.
	ResultOK Result = iota
	// ResultWantRead means the engine needs inbound ciphertext before it can
	// continue.
	ResultWantRead
	// ResultWantWrite means the engine needs its outbound ciphertext drained
	// first.
	ResultWantWrite
	// ResultZeroReturn means the TLS session ended with a close record.
	ResultZeroReturn
	// ResultSyscall means a transport hook reported a condition; the context
	// holds the underlying status.
	ResultSyscall
	// ResultFailed means a TLS-level failure inside the engine.
	ResultFailed
)

// IOResult is what the transport hooks answer the engine with.
type IOResult int

const (
	// IOOK means bytes moved.
	IOOK IOResult = iota
	// IORetry means no bytes right now; the engine should surface a
	// want-read/want-write and be called again later.
	IORetry
	// IOError means the hook failed; the engine should surface ResultSyscall
	// so the caller consults the context's underlying status.
	IOError
)

// Transport carries ciphertext between the engine and the bucket layer. The
// context implements it; engines call it synchronously from inside
// WritePlaintext and ReadPlaintext.
type Transport interface {
	ReadCiphertext(p []byte) (int, IOResult)
	WriteCiphertext(p []byte) (int, IOResult)
}

// InfoKind classifies engine info events.
type InfoKind int

const (
	InfoStateChange InfoKind = iota
	InfoAlert
	InfoHandshakeDone
	// InfoRenegotiate reports that the peer asked to renegotiate the session
	// mid-connection.
	InfoRenegotiate
)

// InfoEvent is a handshake state change or alert observed by the engine.
type InfoEvent struct {
	Kind    InfoKind
	Message string
}

// Callbacks bundles the hooks a Context installs into the engine it builds.
type Callbacks struct {
	// Transport sources and sinks ciphertext.
	Transport Transport

	// VerifyPeer runs once per certificate frame during the handshake. The
	// ok argument is the engine's own verdict; returning false rejects the
	// handshake.
	VerifyPeer func(ok bool, cert *Certificate) bool

	// OCSPStatus runs when a stapled OCSP response arrives; returning false
	// rejects it.
	OCSPStatus func(resp *OCSPResponse) bool

	// NeedClientCert runs when the server requests a client certificate. A
	// nil result proceeds without one.
	NeedClientCert func() *ClientCert

	// Info observes handshake state changes and alerts.
	Info func(ev InfoEvent)
}

// Engine is the external TLS implementation a bucket pair drives. Plaintext
// moves through the two calls below; ciphertext moves through the Transport
// the engine was constructed around. WritePlaintext must consume all of p or
// answer a non-OK result so the caller can retry the same bytes.
type Engine interface {
	WritePlaintext(p []byte) (int, Result)
	ReadPlaintext(p []byte) (int, Result)

	// InHandshake reports whether the initial negotiation is still running;
	// it decides whether a failure is a setup or a communication error.
	InHandshake() bool

	// ReceivedShutdown reports whether the peer sent a close record.
	ReceivedShutdown() bool

	// SetHostname configures SNI and the reference identity for hostname
	// verification.
	SetHostname(name string) error

	// Free releases engine resources. Called once, by the last bucket
	// dropping the shared context.
	Free()
}

// Factory builds an engine wired to the given callbacks.
type Factory func(cb Callbacks) (Engine, error)

const (
	initUninitialized uint32 = iota
	initBusy
	initDone
)

var initState atomic.Uint32

// InitLibraries runs fn exactly once process-wide, typically the TLS
// library's global initialization. Concurrent callers that lose the race
// busy-wait in bounded sleeps until the winner finishes, so nobody proceeds
// against half-loaded libraries.
func InitLibraries(fn func()) {
	if initState.CompareAndSwap(initUninitialized, initBusy) {
		if fn != nil {
			fn()
		}
		initState.Store(initDone)
		return
	}

	for initState.Load() != initDone {
		time.Sleep(time.Millisecond)
	}
}
