package cookies

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	errEmptyCookie   = errors.New("empty Set-Cookie value")
	errInvalidName   = errors.New("invalid cookie name")
	errInvalidValue  = errors.New("invalid cookie value")
	errInvalidDomain = errors.New("invalid cookie domain")
)

// expiresFormats are the date layouts accepted in an Expires attribute.
var expiresFormats = []string{
	time.RFC1123,
	"Mon, 02-Jan-2006 15:04:05 MST",
	time.ANSIC,
	"Mon, 02 Jan 2006 15:04:05 -0700",
}

// parseSetCookie parses a Set-Cookie header value into an unvalidated
// cookie. Domain and prefix validation against the request URL happen in
// Store.Set.
func parseSetCookie(line string, now time.Time) (*CanonicalCookie, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errEmptyCookie
	}

	parts := strings.Split(line, ";")
	name, value, ok := strings.Cut(strings.TrimSpace(parts[0]), "=")
	if !ok {
		return nil, errInvalidName
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if name == "" || !validCookieName(name) {
		return nil, errInvalidName
	}
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}
	if !validCookieValue(value) {
		return nil, errInvalidValue
	}

	c := &CanonicalCookie{
		Name:       name,
		Value:      value,
		Path:       "/",
		Creation:   now,
		LastAccess: now,
		HostOnly:   true,
		Priority:   PriorityMedium,
	}

	var maxAgeSet bool
	for _, part := range parts[1:] {
		attr, val, _ := strings.Cut(strings.TrimSpace(part), "=")
		attr = strings.ToLower(strings.TrimSpace(attr))
		val = strings.TrimSpace(val)

		switch attr {
		case "domain":
			if val == "" {
				continue
			}
			d := strings.ToLower(strings.TrimPrefix(val, "."))
			if d == "" || strings.ContainsAny(d, " /") {
				return nil, errInvalidDomain
			}
			c.Domain = d
			c.HostOnly = false
		case "path":
			if strings.HasPrefix(val, "/") {
				c.Path = val
			}
		case "expires":
			if maxAgeSet {
				continue // Max-Age wins
			}
			for _, layout := range expiresFormats {
				if t, err := time.Parse(layout, val); err == nil {
					c.Expires = t.UTC()
					break
				}
			}
		case "max-age":
			secs, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				continue
			}
			maxAgeSet = true
			if secs <= 0 {
				// Expire immediately; Set turns this into a deletion.
				c.Expires = now.Add(-time.Second)
			} else {
				c.Expires = now.Add(time.Duration(secs) * time.Second)
			}
		case "secure":
			c.Secure = true
		case "httponly":
			c.HttpOnly = true
		case "samesite":
			switch strings.ToLower(val) {
			case "none":
				c.SameSite = SameSiteNone
			case "lax":
				c.SameSite = SameSiteLax
			case "strict":
				c.SameSite = SameSiteStrict
			}
		case "priority":
			switch strings.ToLower(val) {
			case "low":
				c.Priority = PriorityLow
			case "high":
				c.Priority = PriorityHigh
			}
		}
	}

	return c, nil
}

// validCookieName checks the RFC 6265 token grammar.
func validCookieName(name string) bool {
	for i := 0; i < len(name); i++ {
		b := name[i]
		if b <= 0x20 || b >= 0x7f {
			return false
		}
		switch b {
		case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"', '/', '[', ']', '?', '=', '{', '}':
			return false
		}
	}
	return true
}

// validCookieValue checks the cookie-octet grammar.
func validCookieValue(value string) bool {
	for i := 0; i < len(value); i++ {
		b := value[i]
		if b < 0x20 || b == 0x7f || b == '"' || b == ';' || b == '\\' {
			return false
		}
	}
	return true
}
