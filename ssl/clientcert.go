package ssl

import (
	"crypto"
	"crypto/x509"

	"github.com/cockroachdb/errors"
)

// Cache stores the client certificate path and password that last worked, so
// later sessions skip re-prompting. Keys are well known and shared with the
// connection layer.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// Well-known cache keys.
const (
	CertCacheKey   = "serf:ssl:cert"
	CertPWCacheKey = "serf:ssl:certpw"
)

// ClientCert pairs a parsed client certificate with its private key.
type ClientCert struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
}

// ErrBadPassword is returned by a client certificate loader when the
// container's integrity check fails, i.e. the password is wrong or missing.
var ErrBadPassword = errors.New("client certificate password rejected")

// ClientCertProvider installs the callback asked for a certificate path when
// the server requests a client certificate. A non-nil cache seeds the first
// attempt with the path that worked last time.
func (c *Context) ClientCertProvider(cb func() (string, error), cache Cache) {
	c.certPathCB = cb
	c.certCache = cache
	if cache != nil {
		c.certPathRetry, _ = cache.Get(CertCacheKey)
	}
}

// ClientCertPasswordProvider installs the callback asked for the password of
// a protected certificate container.
func (c *Context) ClientCertPasswordProvider(cb func(path string) (string, error), cache Cache) {
	c.certPWCB = cb
	c.certPWCache = cache
	if cache != nil {
		c.certPWRetry, _ = cache.Get(CertPWCacheKey)
	}
}

// ClientCertLoader installs the collaborator that opens and parses a client
// certificate container from disk. It must return ErrBadPassword (possibly
// wrapped) when the password does not fit.
func (c *Context) ClientCertLoader(load func(path, password string) (*ClientCert, error)) {
	c.loadClientCert = load
}

// needClientCert implements the engine's client certificate hook. It drives
// the path callback, then the password callback, caching the first pair that
// works; cached values are tried before re-prompting, and a cache miss falls
// back to the callbacks.
func (c *Context) needClientCert() *ClientCert {
	if c.cachedCert != nil {
		return c.cachedCert
	}
	if c.loadClientCert == nil {
		return nil
	}

	for c.certPathCB != nil || c.certPathRetry != "" {
		var (
			path     string
			retrying bool
		)
		if c.certPathRetry != "" {
			path = c.certPathRetry
			c.certPathRetry = ""
			retrying = true
		} else {
			var err error
			path, err = c.certPathCB()
			if err != nil || path == "" {
				return nil
			}
		}

		cert, err := c.loadClientCert(path, "")
		if err == nil {
			c.remember(path, "", retrying, false)
			c.cachedCert = cert
			return cert
		}

		if !errors.Is(err, ErrBadPassword) {
			c.logger().Errorf("ssl", "failed to load client certificate %s: %s", path, err)
			continue
		}
		if c.certPWCB == nil {
			return nil
		}

		var (
			password   string
			retryingPW bool
		)
		if c.certPWRetry != "" {
			password = c.certPWRetry
			c.certPWRetry = ""
			retryingPW = true
		} else {
			password, err = c.certPWCB(path)
			if err != nil || password == "" {
				return nil
			}
		}

		cert, err = c.loadClientCert(path, password)
		if err != nil {
			c.logger().Errorf("ssl", "failed to open client certificate %s with password: %s", path, err)
			if retryingPW {
				// The cached password went stale; loop back and prompt.
				continue
			}
			return nil
		}

		c.remember(path, password, retrying, retryingPW)
		c.cachedCert = cert

		return cert
	}

	return nil
}

// remember stores a freshly confirmed path and password in the caches,
// skipping values that came out of the cache in the first place.
func (c *Context) remember(path, password string, pathFromCache, pwFromCache bool) {
	if !pathFromCache && c.certCache != nil {
		c.certCache.Set(CertCacheKey, path)
	}
	if password != "" && !pwFromCache && c.certPWCache != nil {
		c.certPWCache.Set(CertPWCacheKey, password)
	}
}
