package ssl

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/advdv/bpipe"
)

// Context is the TLS state shared by one decrypt bucket and the encrypt
// buckets of a connection (further encrypt buckets queue their streams). Every
// bucket references it; the last one dropped frees the engine.
type Context struct {
	refcount int
	alloc    *bpipe.Allocator
	engine   Engine

	// encryptDatabuf and decryptDatabuf expose each side's crypted result
	// through the bucket read protocol.
	encryptDatabuf bpipe.DataBuf
	decryptDatabuf bpipe.DataBuf

	// decryptStream is the ciphertext source, usually the socket.
	decryptStream bpipe.Bucket

	// encryptStream is the active encrypt source, always an aggregate so
	// rejected plaintext can be prepended for retry. encryptOrigin is the
	// raw request stream the aggregate was built around, used to match a
	// bucket to the active stream on destroy.
	encryptStream *bpipe.AggregateBucket
	encryptOrigin bpipe.Bucket
	// encryptNext queues additional logical request streams, FIFO.
	encryptNext []bpipe.Bucket
	// encryptPending holds ciphertext the engine produced but the caller has
	// not yet drained.
	encryptPending *bpipe.AggregateBucket

	// cryptStatus is the status of the last thing a transport hook read or
	// wrote; the engine's return codes cannot carry it.
	cryptStatus bpipe.Status
	// wantRead is set when the engine needs inbound bytes before it can
	// produce more outbound bytes.
	wantRead bool
	// pendingErr carries a verification verdict out of an engine callback.
	pendingErr bpipe.Status
	// fatalErr latches permanent failure; every subsequent read returns it.
	fatalErr bpipe.Status

	renegotiation       bool
	detectRenegotiation bool
	hostname            string
	cfg                 *bpipe.Config

	// Client certificate callback chain and caches.
	certPathCB     func() (string, error)
	certPWCB       func(path string) (string, error)
	certCache      Cache
	certPWCache    Cache
	certPathRetry  string
	certPWRetry    string
	cachedCert     *ClientCert
	loadClientCert func(path, password string) (*ClientCert, error)

	// Server certificate callback.
	serverCertCB func(failures VerifyFailure, cert *Certificate) error
}

// NewContext builds the shared TLS state and its engine.
func NewContext(factory Factory, alloc *bpipe.Allocator) (*Context, error) {
	ctx := &Context{alloc: alloc}
	ctx.encryptPending = bpipe.NewAggregate(alloc)
	ctx.encryptDatabuf.Init(ctx.encryptFill)
	ctx.decryptDatabuf.Init(ctx.decryptFill)

	engine, err := factory(Callbacks{
		Transport:      ctx,
		VerifyPeer:     ctx.verifyPeer,
		OCSPStatus:     ctx.ocspStatus,
		NeedClientCert: ctx.needClientCert,
		Info:           ctx.info,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build tls engine")
	}
	ctx.engine = engine

	return ctx, nil
}

func (c *Context) logger() bpipe.Logger { return c.cfg.Logger() }

// SetHostname configures SNI and the identity the peer certificate must
// match.
func (c *Context) SetHostname(name string) error {
	c.hostname = name
	return c.engine.SetHostname(name)
}

// info receives handshake observations from the engine.
func (c *Context) info(ev InfoEvent) {
	switch ev.Kind {
	case InfoAlert:
		c.logger().Warnf("ssl", "alert: %s", ev.Message)
	case InfoRenegotiate:
		if c.detectRenegotiation {
			// Renegotiation would reorder pipelined requests; kill the
			// session before the engine gets anywhere with it.
			c.renegotiation = true
			c.fatalErr = bpipe.StatusSSLNegotiateInProgress
		}
		c.logger().Warnf("ssl", "peer requested renegotiation")
	default:
		c.logger().Debugf("ssl", "%s", ev.Message)
	}
}

// ReadCiphertext implements Transport. The engine calls it from inside its
// plaintext operations to pull ciphertext off the decrypt source.
func (c *Context) ReadCiphertext(p []byte) (int, IOResult) {
	if c.renegotiation {
		return 0, IOError
	}
	if c.decryptStream == nil {
		c.cryptStatus = bpipe.StatusEOF
		return 0, IOError
	}

	data, st := c.decryptStream.Read(len(p))
	c.cryptStatus = st
	c.wantRead = false

	if st.IsError() {
		return 0, IOError
	}

	n := copy(p, data)
	if n == 0 {
		if st == bpipe.StatusAgain || st == bpipe.StatusWaitConn {
			return 0, IORetry
		}
		// EOF, or a zero-length success: nothing to hand the engine. The
		// caller reads cryptStatus to learn why.
		return 0, IOError
	}

	return n, IOOK
}

// WriteCiphertext implements Transport; produced ciphertext queues on the
// encrypt-pending aggregate until the caller drains it.
func (c *Context) WriteCiphertext(p []byte) (int, IOResult) {
	if c.renegotiation {
		return 0, IOError
	}

	c.cryptStatus = bpipe.StatusOK
	c.encryptPending.Append(bpipe.NewSimpleCopy(p, c.alloc))

	return len(p), IOOK
}

// decryptFill reads the encrypted stream and produces the decrypted stream.
// It backs the decrypt bucket's databuf.
func (c *Context) decryptFill(p []byte) (int, bpipe.Status) {
	if c.fatalErr != bpipe.StatusOK {
		return 0, c.fatalErr
	}

	c.wantRead = false
	c.cryptStatus = bpipe.StatusOK

	n, res := c.engine.ReadPlaintext(p)
	switch res {
	case ResultOK:
		if n > 0 {
			return n, c.cryptStatus
		}
		c.fatalErr = bpipe.StatusSSLCommFailed
		return 0, c.fatalErr

	case ResultSyscall:
		// A transport hook failed to deliver; surface whatever it saw.
		return 0, c.cryptStatus

	case ResultWantRead, ResultWantWrite:
		return 0, bpipe.StatusAgain

	case ResultZeroReturn:
		if c.engine.ReceivedShutdown() {
			// The peer closed the TLS session cleanly.
			return 0, bpipe.StatusEOF
		}
		c.fatalErr = bpipe.StatusSSLCommFailed
		c.logger().Errorf("ssl", "decrypt: connection closed without shutdown")
		return 0, c.fatalErr

	case ResultFailed:
		if c.pendingErr != bpipe.StatusOK {
			st := c.pendingErr
			c.pendingErr = bpipe.StatusOK
			return 0, st
		}
		if c.engine.InHandshake() {
			c.fatalErr = bpipe.StatusSSLSetupFailed
		} else {
			c.fatalErr = bpipe.StatusSSLCommFailed
		}
		c.logger().Errorf("ssl", "decrypt: engine failure during %s",
			lo.Ternary(c.engine.InHandshake(), "handshake", "transfer"))
		return 0, c.fatalErr

	default:
		c.fatalErr = bpipe.StatusSSLCommFailed
		return 0, c.fatalErr
	}
}

// encryptFill reads the plaintext request stream and produces ciphertext. It
// backs the encrypt bucket's databuf.
func (c *Context) encryptFill(p []byte) (int, bpipe.Status) {
	if c.fatalErr != bpipe.StatusOK {
		return 0, c.fatalErr
	}

	// Ciphertext the engine already produced goes out first.
	data, st := c.encryptPending.Read(len(p))
	if st.IsError() {
		return 0, st
	}
	if len(data) > 0 {
		n := copy(p, data)
		if st == bpipe.StatusEOF {
			st = bpipe.StatusOK
		}
		return n, st
	}

	remaining := len(p)
	var status bpipe.Status
	for {
		if c.wantRead {
			// The engine refuses plaintext until it has read; the caller
			// must service the other direction.
			status = c.cryptStatus
			if status == bpipe.StatusOK {
				status = bpipe.StatusAgain
			}
		} else {
			status = c.feedEngine(remaining, &remaining)
		}

		if status != bpipe.StatusOK || remaining == 0 {
			break
		}
	}

	if status.IsError() {
		return 0, status
	}

	// Drain whatever ciphertext the engine produced into the caller.
	vecs, aggSt := c.encryptPending.ReadIovec(len(p), 64)
	var n int
	for _, v := range vecs {
		n += copy(p[n:], v)
	}
	if aggSt == bpipe.StatusOK {
		status = bpipe.StatusOK
	}

	return n, status
}

// feedEngine pulls plaintext from the encrypt source and hands it to the
// engine, remembering how much of the window remains.
func (c *Context) feedEngine(window int, remaining *int) bpipe.Status {
	vecs, status := c.encryptStream.ReadIovec(window, 64)
	if status.IsError() || len(vecs) == 0 {
		if status == bpipe.StatusOK {
			status = bpipe.StatusAgain
		}
		return status
	}

	total := lo.SumBy(vecs, func(v []byte) int { return len(v) })
	buf := c.alloc.Alloc(total)
	cur := 0
	for _, v := range vecs {
		cur += copy(buf[cur:], v)
	}
	*remaining -= total

	c.cryptStatus = bpipe.StatusOK
	if _, res := c.engine.WritePlaintext(buf); res != ResultOK {
		// The engine rejected the write; put the plaintext back so the next
		// attempt retries the same bytes. The iovec ranges were borrowed, so
		// the flattened copy goes back instead.
		c.encryptStream.Prepend(bpipe.NewSimpleOwn(buf, c.alloc))

		switch res {
		case ResultSyscall:
			return c.cryptStatus
		case ResultWantRead:
			c.wantRead = true
			return bpipe.StatusWaitConn
		case ResultWantWrite:
			return bpipe.StatusWaitConn
		case ResultZeroReturn:
			// The TLS session ended; no more plaintext will be accepted.
			return bpipe.StatusEOF
		case ResultFailed:
			if c.pendingErr != bpipe.StatusOK {
				st := c.pendingErr
				c.pendingErr = bpipe.StatusOK
				return st
			}
			if c.engine.InHandshake() {
				c.fatalErr = bpipe.StatusSSLSetupFailed
			} else {
				c.fatalErr = bpipe.StatusSSLCommFailed
			}
			c.logger().Errorf("ssl", "encrypt: engine failure")
			return c.fatalErr
		default:
			c.fatalErr = bpipe.StatusSSLCommFailed
			return c.fatalErr
		}
	}

	c.alloc.Free(buf)

	return status
}

// setConfig distributes the shared config across both sides.
func (c *Context) setConfig(cfg *bpipe.Config) bpipe.Status {
	c.cfg = cfg

	st := bpipe.StatusOK
	if c.encryptStream != nil {
		if est := c.encryptStream.SetConfig(cfg); est != bpipe.StatusOK {
			st = est
		}
	}
	if c.decryptStream != nil {
		if dst := c.decryptStream.SetConfig(cfg); dst != bpipe.StatusOK {
			st = dst
		}
	}

	if cfg.Pipelined() {
		// Requests are pipelined; a mid-connection renegotiation would
		// scramble their ordering, so watch for it.
		c.detectRenegotiation = true
	}

	return st
}

func (c *Context) ref() { c.refcount++ }

func (c *Context) unref() {
	c.refcount--
	if c.refcount == 0 {
		if c.encryptPending != nil {
			c.encryptPending.Destroy()
		}
		c.engine.Free()
	}
}

// advanceEncryptStream installs the next queued request stream, with a fresh
// pending aggregate, after the active one was destroyed.
func (c *Context) advanceEncryptStream() {
	c.cryptStatus = bpipe.StatusOK
	c.encryptDatabuf.Reset()

	if len(c.encryptNext) == 0 {
		c.encryptStream = nil
		c.encryptOrigin = nil
		c.encryptPending = nil
		return
	}

	next := c.encryptNext[0]
	c.encryptNext = c.encryptNext[1:]

	agg := bpipe.NewAggregate(c.alloc)
	agg.Append(next)
	if c.cfg != nil {
		agg.SetConfig(c.cfg)
	}
	c.encryptStream = agg
	c.encryptOrigin = next
	c.encryptPending = bpipe.NewAggregate(c.alloc)
}
