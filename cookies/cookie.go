// Package cookies implements a browser-grade cookie store: RFC 6265
// matching, public-suffix validation, __Secure-/__Host- prefixes, SameSite
// enforcement and Chromium's per-domain and global limits with tiered LRU
// eviction.
package cookies

import (
	"net/url"
	"strings"
	"time"
)

// SameSite is the cookie SameSite attribute.
type SameSite int

const (
	SameSiteUnspecified SameSite = iota
	SameSiteNone
	SameSiteLax
	SameSiteStrict
)

func (s SameSite) String() string {
	switch s {
	case SameSiteNone:
		return "None"
	case SameSiteLax:
		return "Lax"
	case SameSiteStrict:
		return "Strict"
	default:
		return "Unspecified"
	}
}

// Priority is the Chromium cookie priority used as an eviction tier.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// CanonicalCookie is a parsed, validated cookie as stored.
type CanonicalCookie struct {
	Name   string
	Value  string
	Domain string // lowercase, no leading dot
	Path   string

	Creation   time.Time
	Expires    time.Time // zero = session cookie
	LastAccess time.Time

	Secure   bool
	HttpOnly bool
	HostOnly bool

	SameSite SameSite
	Priority Priority
}

// IsExpired reports whether the cookie has expired at the given time.
// Session cookies never expire by time.
func (c *CanonicalCookie) IsExpired(now time.Time) bool {
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

// IsSession reports whether the cookie has no expiration.
func (c *CanonicalCookie) IsSession() bool {
	return c.Expires.IsZero()
}

// domainMatches implements RFC 6265 §5.1.3 against a request host.
func (c *CanonicalCookie) domainMatches(host string) bool {
	host = strings.ToLower(host)
	if c.HostOnly {
		return host == c.Domain
	}
	if host == c.Domain {
		return true
	}
	return strings.HasSuffix(host, "."+c.Domain)
}

// pathMatches implements RFC 6265 §5.1.4 against a request path.
func (c *CanonicalCookie) pathMatches(reqPath string) bool {
	if reqPath == "" {
		reqPath = "/"
	}
	if reqPath == c.Path {
		return true
	}
	if strings.HasPrefix(reqPath, c.Path) {
		if strings.HasSuffix(c.Path, "/") {
			return true
		}
		return reqPath[len(c.Path)] == '/'
	}
	return false
}

// shouldSend applies the secure and same-site checks for a request.
func (c *CanonicalCookie) shouldSend(u *url.URL, ctx SameSiteContext, laxByDefault bool) bool {
	if c.Secure && u.Scheme != "https" {
		return false
	}

	effective := c.SameSite
	if effective == SameSiteUnspecified {
		if laxByDefault {
			effective = SameSiteLax
		} else {
			effective = SameSiteNone
		}
	}

	switch effective {
	case SameSiteStrict:
		return ctx == ContextSameSite
	case SameSiteLax:
		return ctx == ContextSameSite || ctx == ContextLaxTopLevel
	default:
		return true
	}
}

// SameSiteContext describes how the request relates to the site-for-cookies.
type SameSiteContext int

const (
	// ContextCrossSite is a cross-site subresource request.
	ContextCrossSite SameSiteContext = iota
	// ContextLaxTopLevel is a top-level navigation with a safe method.
	ContextLaxTopLevel
	// ContextSameSite is a same-site request.
	ContextSameSite
)
