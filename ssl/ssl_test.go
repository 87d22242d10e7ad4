package ssl_test

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"sync"
	"testing"
	"time"

	"github.com/advdv/bpipe"
	"github.com/advdv/bpipe/bpipetest"
	"github.com/advdv/bpipe/ssl"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

const request = "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"

const response = "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"

// TestSSLRoundTrip drives a full exchange: the encrypt bucket produces the
// client hello and the enciphered request, the decrypt bucket consumes the
// server hello and the enciphered response, and a response bucket on top
// parses the plaintext.
func TestSSLRoundTrip(t *testing.T) {
	alloc := bpipe.NewAllocator("ssl-test")
	factory, engine := newFakeFactory(fakeEngineOpts{})

	wire := bpipetest.NewMock(alloc,
		bpipetest.MockAction{Status: bpipe.StatusAgain},
		bpipetest.MockAction{Data: serverHello},
		bpipetest.MockAction{Data: xorBytes(response)},
	)

	decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
	require.NoError(t, err)
	encrypt, err := ssl.NewEncrypt(
		bpipe.NewSimpleString(request, alloc), decrypt.Context(), nil, alloc)
	require.NoError(t, err)

	// First write attempt: the handshake gets as far as sending the client
	// hello, then wants the server's answer before it accepts plaintext.
	data, st := encrypt.Read(bpipe.AllAvail)
	require.Equal(t, clientHello, string(data))
	require.Equal(t, bpipe.StatusOK, st)

	_, st = encrypt.Read(bpipe.AllAvail)
	require.Equal(t, bpipe.StatusAgain, st,
		"the engine refuses plaintext until it has read the server's answer")

	// The server hello arrives; servicing the read direction completes the
	// handshake and decrypts the response.
	wire.MoreDataArrived()

	resp := bpipe.NewResponse(decrypt, alloc)
	body, bst := bpipetest.ReadAll(resp, nil)
	require.Equal(t, bpipe.StatusEOF, bst)
	require.Equal(t, "hello", string(body))

	sl, sst := resp.GetStatus()
	require.Equal(t, bpipe.StatusOK, sst)
	require.Equal(t, 200, sl.Code)

	// Now the engine accepts the buffered request plaintext.
	cipher, cst := bpipetest.ReadAll(encrypt, nil)
	require.Equal(t, bpipe.StatusEOF, cst)
	require.Equal(t, xorBytes(request), string(cipher))

	resp.Destroy()
	encrypt.Destroy()
	require.True(t, (*engine).freed, "last bucket drop frees the engine")
}

func TestSSLCleanShutdown(t *testing.T) {
	alloc := bpipe.NewAllocator("ssl-test")
	factory, _ := newFakeFactory(fakeEngineOpts{})

	wire := bpipetest.NewMock(alloc,
		bpipetest.MockAction{Data: serverHello},
		bpipetest.MockAction{Data: xorBytes("plain")},
		bpipetest.MockAction{Data: closeRecord},
	)

	decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
	require.NoError(t, err)

	data, st := bpipetest.ReadAll(decrypt, nil)
	require.Equal(t, bpipe.StatusEOF, st, "a close record is a clean EOF")
	require.Equal(t, "plain", string(data))

	decrypt.Destroy()
}

func TestSSLEncryptZeroReturn(t *testing.T) {
	alloc := bpipe.NewAllocator("ssl-test")
	factory, _ := newFakeFactory(fakeEngineOpts{noHandshake: true, writeZeroReturn: true})

	encrypt, err := ssl.NewEncrypt(
		bpipe.NewSimpleString(request, alloc), nil, factory, alloc)
	require.NoError(t, err)

	// The engine reports a closed session for the write: that is an EOF on
	// the encrypt bucket, not a fatal error.
	data, st := encrypt.Read(bpipe.AllAvail)
	require.Equal(t, bpipe.StatusEOF, st)
	require.Empty(t, data)

	// EOF, not a latched failure: subsequent reads stay EOF instead of
	// turning into SSL_COMM_FAILED.
	_, st = encrypt.Read(bpipe.AllAvail)
	require.Equal(t, bpipe.StatusEOF, st)

	encrypt.Destroy()
}

func TestSSLRenegotiationLatch(t *testing.T) {
	alloc := bpipe.NewAllocator("ssl-test")
	factory, engine := newFakeFactory(fakeEngineOpts{noHandshake: true})

	wire := bpipetest.NewMock(alloc, bpipetest.MockAction{Data: xorBytes("x")})
	decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
	require.NoError(t, err)
	encrypt, err := ssl.NewEncrypt(
		bpipe.NewSimpleString(request, alloc), decrypt.Context(), nil, alloc)
	require.NoError(t, err)

	// Pipelined connections must refuse mid-connection renegotiation.
	cfg := &bpipe.Config{ConnPipelining: "Y", Logs: bpipe.NewTestLogger(t)}
	require.Equal(t, bpipe.StatusOK, encrypt.SetConfig(cfg))

	(*engine).fireRenegotiate()

	_, st := encrypt.Read(bpipe.AllAvail)
	require.Equal(t, bpipe.StatusSSLNegotiateInProgress, st)

	// The failure is latched; both sides keep returning it.
	_, st = decrypt.Read(bpipe.AllAvail)
	require.Equal(t, bpipe.StatusSSLNegotiateInProgress, st)
	_, st = encrypt.Read(bpipe.AllAvail)
	require.Equal(t, bpipe.StatusSSLNegotiateInProgress, st)
}

func TestSSLRenegotiationIgnoredWithoutPipelining(t *testing.T) {
	alloc := bpipe.NewAllocator("ssl-test")
	factory, engine := newFakeFactory(fakeEngineOpts{noHandshake: true})

	wire := bpipetest.NewMock(alloc, bpipetest.MockAction{Data: xorBytes("x")})
	decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
	require.NoError(t, err)

	(*engine).fireRenegotiate()

	data, st := decrypt.Read(bpipe.AllAvail)
	require.Equal(t, bpipe.StatusEOF, st, "the wire is exhausted after this read")
	require.Equal(t, "x", string(data))
}

func testCert(cn string, sans []string, notAfter time.Time) *x509.Certificate {
	return &x509.Certificate{
		Raw:       []byte("fake der bytes"),
		Subject:   pkix.Name{CommonName: cn, Organization: []string{"Test Org"}},
		Issuer:    pkix.Name{CommonName: "Test CA"},
		DNSNames:  sans,
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  notAfter,
	}
}

func TestSSLCertRejectedWithoutCallback(t *testing.T) {
	alloc := bpipe.NewAllocator("ssl-test")
	factory, _ := newFakeFactory(fakeEngineOpts{
		peerCert: &ssl.Certificate{
			Depth:    0,
			X:        testCert("example.com", []string{"example.com"}, time.Now().Add(-time.Minute)),
			Failures: ssl.FailExpired,
		},
		verdictOK: false,
	})

	wire := bpipetest.NewMock(alloc, bpipetest.MockAction{Data: serverHello})
	decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
	require.NoError(t, err)

	_, st := decrypt.Read(bpipe.AllAvail)
	require.Equal(t, bpipe.StatusSSLCertFailed, st)
}

func TestSSLCertCallbackDecides(t *testing.T) {
	alloc := bpipe.NewAllocator("ssl-test")

	t.Run("accept", func(t *testing.T) {
		factory, _ := newFakeFactory(fakeEngineOpts{
			peerCert: &ssl.Certificate{
				X:        testCert("example.com", []string{"example.com"}, time.Now().Add(-time.Minute)),
				Failures: ssl.FailExpired,
			},
			verdictOK: false,
		})

		wire := bpipetest.NewMock(alloc,
			bpipetest.MockAction{Data: serverHello},
			bpipetest.MockAction{Data: xorBytes("ok")},
		)
		decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
		require.NoError(t, err)

		var seen ssl.VerifyFailure
		decrypt.Context().ServerCertCallback(func(failures ssl.VerifyFailure, cert *ssl.Certificate) error {
			seen = failures
			require.NotNil(t, cert)
			require.Equal(t, "Test Org", cert.Subject()["O"])
			return nil // accept regardless
		})

		data, st := decrypt.Read(bpipe.AllAvail)
		require.Equal(t, bpipe.StatusEOF, st)
		require.Equal(t, "ok", string(data))
		require.NotZero(t, seen&ssl.FailExpired)
	})

	t.Run("reject elevates to cert failed", func(t *testing.T) {
		factory, _ := newFakeFactory(fakeEngineOpts{
			peerCert: &ssl.Certificate{
				X: testCert("example.com", []string{"example.com"}, time.Now().Add(time.Hour)),
			},
			verdictOK: true,
		})

		wire := bpipetest.NewMock(alloc, bpipetest.MockAction{Data: serverHello})
		decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
		require.NoError(t, err)

		decrypt.Context().ServerCertCallback(func(ssl.VerifyFailure, *ssl.Certificate) error {
			return errors.New("the application does not trust this host")
		})

		_, st := decrypt.Read(bpipe.AllAvail)
		require.Equal(t, bpipe.StatusSSLCertFailed, st)
	})
}

func TestSSLHostnameVerification(t *testing.T) {
	alloc := bpipe.NewAllocator("ssl-test")

	t.Run("mismatch flagged", func(t *testing.T) {
		factory, _ := newFakeFactory(fakeEngineOpts{
			peerCert: &ssl.Certificate{
				X: testCert("example.com", []string{"example.com"}, time.Now().Add(time.Hour)),
			},
			verdictOK: true,
		})

		wire := bpipetest.NewMock(alloc,
			bpipetest.MockAction{Data: serverHello},
			bpipetest.MockAction{Data: xorBytes("ok")},
		)
		decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
		require.NoError(t, err)
		require.NoError(t, decrypt.Context().SetHostname("other.example.net"))

		var seen ssl.VerifyFailure
		decrypt.Context().ServerCertCallback(func(failures ssl.VerifyFailure, _ *ssl.Certificate) error {
			seen = failures
			return nil
		})

		_, st := decrypt.Read(bpipe.AllAvail)
		require.Equal(t, bpipe.StatusEOF, st)
		require.NotZero(t, seen&ssl.FailInvalidHost)
	})

	t.Run("nul byte in common name", func(t *testing.T) {
		factory, _ := newFakeFactory(fakeEngineOpts{
			peerCert: &ssl.Certificate{
				X: testCert("example.com\x00evil.test", nil, time.Now().Add(time.Hour)),
			},
			verdictOK: true,
		})

		wire := bpipetest.NewMock(alloc, bpipetest.MockAction{Data: serverHello})
		decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
		require.NoError(t, err)

		var seen ssl.VerifyFailure
		decrypt.Context().ServerCertCallback(func(failures ssl.VerifyFailure, _ *ssl.Certificate) error {
			seen = failures
			return errors.New("rejected")
		})

		_, st := decrypt.Read(bpipe.AllAvail)
		require.Equal(t, bpipe.StatusSSLCertFailed, st)
		require.NotZero(t, seen&ssl.FailInvalidHost)
	})
}

func TestSSLOCSPStapling(t *testing.T) {
	alloc := bpipe.NewAllocator("ssl-test")

	t.Run("try later without callback", func(t *testing.T) {
		factory, _ := newFakeFactory(fakeEngineOpts{
			sendOCSP: true,
			ocsp:     &ssl.OCSPResponse{Status: ssl.OCSPTryLater},
		})

		wire := bpipetest.NewMock(alloc, bpipetest.MockAction{Data: serverHello})
		decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
		require.NoError(t, err)

		_, st := decrypt.Read(bpipe.AllAvail)
		require.Equal(t, bpipe.StatusOCSPResponderTryLater, st)
	})

	t.Run("successful response passes", func(t *testing.T) {
		factory, _ := newFakeFactory(fakeEngineOpts{
			sendOCSP: true,
			ocsp:     &ssl.OCSPResponse{Status: ssl.OCSPSuccessful},
		})

		wire := bpipetest.NewMock(alloc,
			bpipetest.MockAction{Data: serverHello},
			bpipetest.MockAction{Data: xorBytes("ok")},
		)
		decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
		require.NoError(t, err)

		data, st := decrypt.Read(bpipe.AllAvail)
		require.Equal(t, bpipe.StatusEOF, st)
		require.Equal(t, "ok", string(data))
	})

	t.Run("responder error consults callback", func(t *testing.T) {
		factory, _ := newFakeFactory(fakeEngineOpts{
			sendOCSP: true,
			ocsp:     &ssl.OCSPResponse{Status: ssl.OCSPInternalError},
		})

		wire := bpipetest.NewMock(alloc,
			bpipetest.MockAction{Data: serverHello},
			bpipetest.MockAction{Data: xorBytes("ok")},
		)
		decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
		require.NoError(t, err)

		var seen ssl.VerifyFailure
		decrypt.Context().ServerCertCallback(func(failures ssl.VerifyFailure, _ *ssl.Certificate) error {
			seen = failures
			return nil
		})

		_, st := decrypt.Read(bpipe.AllAvail)
		require.Equal(t, bpipe.StatusEOF, st)
		require.NotZero(t, seen&ssl.FailOCSPResponderError)
	})
}

func TestSSLClientCertChain(t *testing.T) {
	alloc := bpipe.NewAllocator("ssl-test")
	loader := func(path, password string) (*ssl.ClientCert, error) {
		if path != "/etc/certs/client.p12" {
			return nil, errors.New("no such file")
		}
		if password != "sekrit" {
			return nil, ssl.ErrBadPassword
		}
		return &ssl.ClientCert{}, nil
	}

	t.Run("path then password callbacks", func(t *testing.T) {
		factory, engine := newFakeFactory(fakeEngineOpts{needCert: true})
		wire := bpipetest.NewMock(alloc,
			bpipetest.MockAction{Data: serverHello},
			bpipetest.MockAction{Data: xorBytes("ok")},
		)
		decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
		require.NoError(t, err)

		certCache, pwCache := mapCache{}, mapCache{}
		var pathCalls, pwCalls int
		ctx := decrypt.Context()
		ctx.ClientCertLoader(loader)
		ctx.ClientCertProvider(func() (string, error) {
			pathCalls++
			return "/etc/certs/client.p12", nil
		}, certCache)
		ctx.ClientCertPasswordProvider(func(path string) (string, error) {
			pwCalls++
			require.Equal(t, "/etc/certs/client.p12", path)
			return "sekrit", nil
		}, pwCache)

		data, st := decrypt.Read(bpipe.AllAvail)
		require.Equal(t, bpipe.StatusEOF, st)
		require.Equal(t, "ok", string(data))
		require.NotNil(t, (*engine).gotClientCert)
		require.Equal(t, 1, pathCalls)
		require.Equal(t, 1, pwCalls)

		// The working pair went into the caches under the well-known keys.
		path, ok := certCache.Get(ssl.CertCacheKey)
		require.True(t, ok)
		require.Equal(t, "/etc/certs/client.p12", path)
		pw, ok := pwCache.Get(ssl.CertPWCacheKey)
		require.True(t, ok)
		require.Equal(t, "sekrit", pw)

		// A later session seeded from the same caches never re-prompts.
		factory2, engine2 := newFakeFactory(fakeEngineOpts{needCert: true})
		wire2 := bpipetest.NewMock(alloc,
			bpipetest.MockAction{Data: serverHello},
			bpipetest.MockAction{Data: xorBytes("again")},
		)
		decrypt2, err := ssl.NewDecrypt(wire2, nil, factory2, alloc)
		require.NoError(t, err)

		ctx2 := decrypt2.Context()
		ctx2.ClientCertLoader(loader)
		ctx2.ClientCertProvider(func() (string, error) {
			t.Error("path callback must not run when the cache has a path")
			return "", nil
		}, certCache)
		ctx2.ClientCertPasswordProvider(func(string) (string, error) {
			t.Error("password callback must not run when the cache has a password")
			return "", nil
		}, pwCache)

		data, st = decrypt2.Read(bpipe.AllAvail)
		require.Equal(t, bpipe.StatusEOF, st)
		require.Equal(t, "again", string(data))
		require.NotNil(t, (*engine2).gotClientCert)
	})

	t.Run("no loader means no certificate", func(t *testing.T) {
		factory, _ := newFakeFactory(fakeEngineOpts{needCert: true})
		wire := bpipetest.NewMock(alloc, bpipetest.MockAction{Data: serverHello})
		decrypt, err := ssl.NewDecrypt(wire, nil, factory, alloc)
		require.NoError(t, err)

		// The fake engine requires a client certificate, so the handshake
		// comes apart.
		_, st := decrypt.Read(bpipe.AllAvail)
		require.Equal(t, bpipe.StatusSSLSetupFailed, st)
	})
}

func TestSSLMultiplexedEncryptStreams(t *testing.T) {
	alloc := bpipe.NewAllocator("ssl-test")
	factory, _ := newFakeFactory(fakeEngineOpts{noHandshake: true})

	first, err := ssl.NewEncrypt(bpipe.NewSimpleString("request one ", alloc), nil, factory, alloc)
	require.NoError(t, err)
	second, err := ssl.NewEncrypt(
		bpipe.NewSimpleString("request two", alloc), first.Context(), nil, alloc)
	require.NoError(t, err)

	cipher, st := bpipetest.ReadAll(first, nil)
	require.Equal(t, bpipe.StatusEOF, st)
	require.Equal(t, xorBytes("request one "), string(cipher))

	// Destroying the active bucket promotes the queued stream with a fresh
	// pending aggregate.
	first.Destroy()

	cipher, st = bpipetest.ReadAll(second, nil)
	require.Equal(t, bpipe.StatusEOF, st)
	require.Equal(t, xorBytes("request two"), string(cipher))

	second.Destroy()
}

func TestInitLibrariesRunsOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
		wg    sync.WaitGroup
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ssl.InitLibraries(func() {
				mu.Lock()
				calls++
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, calls)
}

func TestCertificateIntrospection(t *testing.T) {
	cert := &ssl.Certificate{
		Depth: 0,
		X:     testCert("example.com\x00evil.test", []string{"example.com", "www.example.com"}, time.Now().Add(time.Hour)),
	}

	subject := cert.Subject()
	require.Equal(t, `example.com\00evil.test`, subject["CN"], "NUL bytes must be escaped")
	require.Equal(t, "Test Org", subject["O"])
	require.Equal(t, "Test CA", cert.Issuer()["CN"])
	require.Equal(t, []string{"example.com", "www.example.com"}, cert.SubjectAltNames())

	require.Regexp(t, `^([0-9A-F]{2}:){19}[0-9A-F]{2}$`, cert.Fingerprint())
	require.NotEmpty(t, cert.Export())
	require.False(t, cert.NotAfter().IsZero())
}
