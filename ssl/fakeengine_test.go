package ssl_test

import (
	"github.com/advdv/bpipe/ssl"
)

// The fake engine "encrypts" by XORing every byte with xorKey and performs a
// one-round-trip handshake: it sends clientHello as ciphertext and expects
// serverHello back before it moves any plaintext. A ciphertext EOT byte acts
// as the peer's close record.
const (
	xorKey      = 0x5A
	clientHello = "HELLO\n"
	serverHello = "OLLEH\n"
	closeRecord = "\x04"
)

func xorBytes(s string) string {
	out := []byte(s)
	for i := range out {
		out[i] ^= xorKey
	}
	return string(out)
}

const (
	hsSendHello = iota
	hsRecvHello
	hsReady
)

type fakeEngine struct {
	cb      ssl.Callbacks
	hsState int
	hsBuf   []byte

	// Scripted handshake behavior.
	peerCert  *ssl.Certificate
	verdictOK bool
	sendOCSP  bool
	ocsp      *ssl.OCSPResponse
	needCert  bool

	// writeZeroReturn makes WritePlaintext report a closed session.
	writeZeroReturn bool

	gotClientCert *ssl.ClientCert
	shutdown      bool
	failed        bool
	freed         bool
	hostname      string
}

// fakeEngineOpts scripts a fake engine before the factory builds it.
type fakeEngineOpts struct {
	peerCert        *ssl.Certificate
	verdictOK       bool
	sendOCSP        bool
	ocsp            *ssl.OCSPResponse
	needCert        bool
	noHandshake     bool
	writeZeroReturn bool
}

// newFakeFactory returns a factory plus a pointer cell through which the test
// reaches the engine it built.
func newFakeFactory(opts fakeEngineOpts) (ssl.Factory, **fakeEngine) {
	cell := new(*fakeEngine)
	factory := func(cb ssl.Callbacks) (ssl.Engine, error) {
		eng := &fakeEngine{
			cb:              cb,
			peerCert:        opts.peerCert,
			verdictOK:       opts.verdictOK,
			sendOCSP:        opts.sendOCSP,
			ocsp:            opts.ocsp,
			needCert:        opts.needCert,
			writeZeroReturn: opts.writeZeroReturn,
		}
		if opts.noHandshake {
			eng.hsState = hsReady
		}
		*cell = eng
		return eng, nil
	}

	return factory, cell
}

func (e *fakeEngine) handshake() (ssl.Result, bool) {
	for {
		switch e.hsState {
		case hsSendHello:
			if _, res := e.cb.Transport.WriteCiphertext([]byte(clientHello)); res != ssl.IOOK {
				return ssl.ResultSyscall, false
			}
			e.hsState = hsRecvHello

		case hsRecvHello:
			tmp := make([]byte, len(serverHello)-len(e.hsBuf))
			n, res := e.cb.Transport.ReadCiphertext(tmp)
			switch res {
			case ssl.IORetry:
				return ssl.ResultWantRead, false
			case ssl.IOError:
				return ssl.ResultSyscall, false
			case ssl.IOOK:
			}

			e.hsBuf = append(e.hsBuf, tmp[:n]...)
			if len(e.hsBuf) < len(serverHello) {
				continue
			}
			if string(e.hsBuf) != serverHello {
				e.failed = true
				return ssl.ResultFailed, false
			}

			if e.needCert && e.cb.NeedClientCert != nil {
				e.gotClientCert = e.cb.NeedClientCert()
				if e.gotClientCert == nil {
					e.failed = true
					return ssl.ResultFailed, false
				}
			}
			if e.sendOCSP && e.cb.OCSPStatus != nil && !e.cb.OCSPStatus(e.ocsp) {
				e.failed = true
				return ssl.ResultFailed, false
			}
			if e.peerCert != nil && e.cb.VerifyPeer != nil &&
				!e.cb.VerifyPeer(e.verdictOK, e.peerCert) {
				e.failed = true
				return ssl.ResultFailed, false
			}

			e.hsState = hsReady
			if e.cb.Info != nil {
				e.cb.Info(ssl.InfoEvent{Kind: ssl.InfoHandshakeDone, Message: "handshake complete"})
			}

		default:
			return ssl.ResultOK, true
		}
	}
}

func (e *fakeEngine) WritePlaintext(p []byte) (int, ssl.Result) {
	if e.failed {
		return 0, ssl.ResultFailed
	}
	if res, ok := e.handshake(); !ok {
		return 0, res
	}
	if e.writeZeroReturn {
		e.shutdown = true
		return 0, ssl.ResultZeroReturn
	}

	enc := []byte(xorBytes(string(p)))
	if _, res := e.cb.Transport.WriteCiphertext(enc); res != ssl.IOOK {
		return 0, ssl.ResultSyscall
	}

	return len(p), ssl.ResultOK
}

func (e *fakeEngine) ReadPlaintext(p []byte) (int, ssl.Result) {
	if e.failed {
		return 0, ssl.ResultFailed
	}
	if res, ok := e.handshake(); !ok {
		return 0, res
	}

	tmp := make([]byte, len(p))
	n, res := e.cb.Transport.ReadCiphertext(tmp)
	switch res {
	case ssl.IORetry:
		return 0, ssl.ResultWantRead
	case ssl.IOError:
		return 0, ssl.ResultSyscall
	case ssl.IOOK:
	}

	if n > 0 && tmp[0] == closeRecord[0] {
		e.shutdown = true
		return 0, ssl.ResultZeroReturn
	}

	for i := 0; i < n; i++ {
		p[i] = tmp[i] ^ xorKey
	}

	return n, ssl.ResultOK
}

func (e *fakeEngine) InHandshake() bool      { return e.hsState != hsReady }
func (e *fakeEngine) ReceivedShutdown() bool { return e.shutdown }

func (e *fakeEngine) SetHostname(name string) error {
	e.hostname = name
	return nil
}

func (e *fakeEngine) Free() { e.freed = true }

// fireRenegotiate simulates the peer asking for a mid-connection
// renegotiation.
func (e *fakeEngine) fireRenegotiate() {
	if e.cb.Info != nil {
		e.cb.Info(ssl.InfoEvent{Kind: ssl.InfoRenegotiate, Message: "renegotiate"})
	}
}

// mapCache is an in-memory Cache.
type mapCache map[string]string

func (m mapCache) Get(key string) (string, bool) { v, ok := m[key]; return v, ok }
func (m mapCache) Set(key, value string)         { m[key] = value }
