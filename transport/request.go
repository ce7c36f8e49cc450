// Package transport turns pooled sockets into protocol streams and runs the
// HTTP transaction state machine over them. HTTP/1.1 requests are written
// with exact header order; HTTP/2 sessions are cached per endpoint and
// multiplexed, with the SETTINGS frame and header order rewritten to match
// the active browser fingerprint.
package transport

import (
	"io"
	"net/url"

	"github.com/veilhttp/veilhttp/headers"
	"github.com/veilhttp/veilhttp/pins"
)

// Request is a fully prepared request handed to a protocol stream. Headers
// carry the final wire order.
type Request struct {
	Method  string
	URL     *url.URL
	Headers *headers.OrderedMap

	Body          io.Reader
	ContentLength int64 // -1 = unknown (chunked on HTTP/1.1)

	// GetBody re-creates the body for transparent retries. Requests with a
	// consumed body and no GetBody are not retried.
	GetBody func() (io.Reader, error)
}

// TLSInfo describes the negotiated TLS session of the connection a response
// arrived on.
type TLSInfo struct {
	Version         uint16
	CipherSuite     uint16
	ALPN            string
	PeerCertDigests []pins.SPKIHash
}

// Response is a protocol-level response. The body is a lazy, finite,
// non-restartable stream; closing it returns the connection to the pool.
type Response struct {
	StatusCode    int
	Proto         string // "h1" or "h2"
	Headers       *headers.OrderedMap
	Body          io.ReadCloser
	ContentLength int64 // -1 if unknown
	TLS           *TLSInfo
}

// SetCookies returns the Set-Cookie values in arrival order.
func (r *Response) SetCookies() []string {
	return r.Headers.Values("set-cookie")
}
