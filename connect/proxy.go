package connect

import (
	"encoding/base64"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/veilhttp/veilhttp/neterror"
)

// ProxyKind selects the proxy protocol.
type ProxyKind int

const (
	ProxyNone ProxyKind = iota
	ProxyHTTP
	ProxyHTTPS
	ProxySOCKS5
)

func (k ProxyKind) String() string {
	switch k {
	case ProxyHTTP:
		return "http"
	case ProxyHTTPS:
		return "https"
	case ProxySOCKS5:
		return "socks5"
	default:
		return "none"
	}
}

// Proxy is a parsed proxy configuration.
type Proxy struct {
	Kind     ProxyKind
	Host     string
	Port     string
	Username string
	Password string
}

// Addr returns the proxy address as host:port.
func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.Host, p.Port)
}

// BasicAuth returns the Proxy-Authorization value for the configured
// credentials, or "".
func (p *Proxy) BasicAuth() string {
	if p.Username == "" {
		return ""
	}
	creds := p.Username + ":" + p.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

// Key returns a stable identity string for endpoint keying.
func (p *Proxy) Key() string {
	if p == nil || p.Kind == ProxyNone {
		return ""
	}
	return p.Kind.String() + "://" + p.Addr()
}

// ParseProxyURL parses a proxy URL of the form
// scheme://[user:pass@]host[:port]. A missing scheme defaults to http.
func ParseProxyURL(raw string) (*Proxy, error) {
	if raw == "" {
		return nil, neterror.New(neterror.KindInvalidURL, "parse_proxy")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, neterror.Wrap(neterror.KindInvalidURL, "parse_proxy", err)
	}

	p := &Proxy{Host: u.Hostname(), Port: u.Port()}
	switch u.Scheme {
	case "http":
		p.Kind = ProxyHTTP
	case "https":
		p.Kind = ProxyHTTPS
	case "socks5", "socks5h":
		p.Kind = ProxySOCKS5
	default:
		return nil, neterror.New(neterror.KindInvalidURL, "parse_proxy").WithURL(raw)
	}

	if p.Port == "" {
		switch p.Kind {
		case ProxyHTTP:
			p.Port = "80"
		case ProxyHTTPS:
			p.Port = "443"
		case ProxySOCKS5:
			p.Port = "1080"
		}
	}

	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

// ProxyFromEnvironment resolves the proxy for a target scheme and host from
// the conventional environment variables, following curl's rules:
// scheme-specific variables first, then ALL_PROXY, with NO_PROXY exempting
// hosts. Lowercase variables take precedence over uppercase.
func ProxyFromEnvironment(scheme, host string) *Proxy {
	if noProxyMatches(envAny("no_proxy", "NO_PROXY"), host) {
		return nil
	}

	var raw string
	switch scheme {
	case "https":
		raw = envAny("https_proxy", "HTTPS_PROXY")
	default:
		raw = envAny("http_proxy", "HTTP_PROXY")
	}
	if raw == "" {
		raw = envAny("all_proxy", "ALL_PROXY")
	}
	if raw == "" {
		return nil
	}

	p, err := ParseProxyURL(raw)
	if err != nil {
		return nil
	}
	return p
}

func envAny(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// noProxyMatches implements curl-compatible NO_PROXY matching: "*" disables
// proxying entirely; otherwise each comma-separated entry matches the host
// exactly or as a domain suffix, with an optional leading dot.
func noProxyMatches(noProxy, host string) bool {
	if noProxy == "" {
		return false
	}
	host = strings.ToLower(host)

	for _, entry := range strings.Split(noProxy, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		entry = strings.TrimPrefix(entry, ".")
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}
