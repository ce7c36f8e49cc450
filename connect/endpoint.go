// Package connect implements the connection pipeline: DNS resolution, Happy
// Eyeballs TCP racing, proxy handshakes (HTTP CONNECT, TLS-in-TLS HTTPS
// proxies, SOCKS5) and the target TLS handshake with SPKI pin validation.
package connect

import "strings"

// Endpoint identifies a pool group. Two requests share sockets only when
// every field matches: different TLS fingerprints or different proxies must
// never reuse each other's connections.
type Endpoint struct {
	Scheme      string
	Host        string
	Port        string
	Proxy       *Proxy
	ProfileHash string
}

// Key returns the group key string.
func (e Endpoint) Key() string {
	var b strings.Builder
	b.WriteString(e.Scheme)
	b.WriteString("://")
	b.WriteString(strings.ToLower(e.Host))
	b.WriteString(":")
	b.WriteString(e.Port)
	if pk := e.Proxy.Key(); pk != "" {
		b.WriteString("|proxy=")
		b.WriteString(pk)
	}
	if e.ProfileHash != "" {
		b.WriteString("|tls=")
		b.WriteString(e.ProfileHash)
	}
	return b.String()
}
