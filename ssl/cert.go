package ssl

import (
	"crypto/sha1"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Subject returns the subject name fields of the certificate, keyed CN, E,
// OU, O, L, ST and C. NUL bytes smuggled into a field are escaped as \00 so
// the values are safe to display and compare.
func (c *Certificate) Subject() map[string]string {
	if c.X == nil {
		return map[string]string{}
	}

	m := nameToMap(c.X.Subject)
	if len(c.X.EmailAddresses) > 0 {
		m["E"] = escapeNulBytes(c.X.EmailAddresses[0])
	}

	return m
}

// Issuer returns the issuer name fields, keyed like Subject.
func (c *Certificate) Issuer() map[string]string {
	if c.X == nil {
		return map[string]string{}
	}

	return nameToMap(c.X.Issuer)
}

// SubjectAltNames lists the DNS subject alternative names, NUL-escaped.
func (c *Certificate) SubjectAltNames() []string {
	if c.X == nil {
		return nil
	}

	return lo.Map(c.X.DNSNames, func(san string, _ int) string {
		return escapeNulBytes(san)
	})
}

// Fingerprint is the SHA-1 digest of the DER encoding, rendered as
// colon-separated uppercase hex pairs.
func (c *Certificate) Fingerprint() string {
	if c.X == nil {
		return ""
	}

	sum := sha1.Sum(c.X.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}

	return strings.Join(parts, ":")
}

// NotBefore is the start of the certificate's validity window.
func (c *Certificate) NotBefore() time.Time {
	if c.X == nil {
		return time.Time{}
	}
	return c.X.NotBefore
}

// NotAfter is the end of the certificate's validity window.
func (c *Certificate) NotAfter() time.Time {
	if c.X == nil {
		return time.Time{}
	}
	return c.X.NotAfter
}

// Export renders the certificate as base64-encoded DER.
func (c *Certificate) Export() string {
	if c.X == nil || len(c.X.Raw) == 0 {
		return ""
	}

	return base64.StdEncoding.EncodeToString(c.X.Raw)
}

func nameToMap(name pkix.Name) map[string]string {
	m := make(map[string]string)

	set := func(key, value string) {
		if value != "" {
			m[key] = escapeNulBytes(value)
		}
	}
	set("CN", name.CommonName)
	set("OU", first(name.OrganizationalUnit))
	set("O", first(name.Organization))
	set("L", first(name.Locality))
	set("ST", first(name.Province))
	set("C", first(name.Country))

	return m
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// escapeNulBytes replaces NUL bytes with the three-character escape \00 so a
// hostile common name cannot truncate what the user gets shown.
func escapeNulBytes(s string) string {
	return strings.ReplaceAll(s, "\x00", `\00`)
}
