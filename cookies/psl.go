package cookies

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// isPublicSuffix reports whether the domain itself is a public suffix
// (e.g. "com", "co.uk", "github.io"). Cookies must never be set on one: a
// cookie for ".co.uk" would be a supercookie visible to every site under it.
func isPublicSuffix(domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	suffix, _ := publicsuffix.PublicSuffix(domain)
	return suffix == domain
}

// registrableDomain returns the eTLD+1 for a host, used as the store's
// bucketing key. Hosts without a registrable domain (IP literals,
// "localhost", bare suffixes) bucket under the host itself.
func registrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}

// validCookieDomain checks that a Domain attribute is acceptable for a
// cookie set by url host: it must not be a public suffix and must be a
// domain-suffix of the host.
func validCookieDomain(cookieDomain, host string) bool {
	cookieDomain = strings.ToLower(strings.TrimPrefix(cookieDomain, "."))
	host = strings.ToLower(host)

	if isPublicSuffix(cookieDomain) {
		return false
	}
	if host == cookieDomain {
		return true
	}
	return strings.HasSuffix(host, "."+cookieDomain)
}
