// Package neterror defines the closed taxonomy of network failure kinds
// used throughout the library, modeled on Chromium's net error list.
//
// Network and protocol failures are returned as an *Error carrying a Kind
// plus the host, port and URL it was talking to, so callers can classify
// failures without string matching. A few non-network conditions use
// package sentinels instead (for example pool.ErrPoolClosed).
package neterror

import (
	"errors"
	"fmt"
)

// Kind identifies a failure class. The set is closed: code that needs a new
// failure mode adds a constant here rather than inventing ad-hoc errors.
type Kind int

const (
	KindUnknown Kind = iota

	// Name / URL
	KindInvalidURL
	KindNameNotResolved

	// Transport
	KindConnectionRefused
	KindConnectionTimedOut
	KindConnectionReset
	KindConnectionClosed
	KindConnectionAborted
	KindAddressUnreachable

	// TLS
	KindTLSHandshakeFailed
	KindCertDateInvalid
	KindCertAuthorityInvalid
	KindPinnedKeyNotInChain
	KindECHNotNegotiated

	// Proxy
	KindProxyConnectionFailed
	KindProxyAuthRequested
	KindProxyTunnelFailed

	// HTTP framing
	KindEmptyResponse
	KindContentLengthMismatch
	KindInvalidHeader
	KindHTTP2ProtocolError
	KindHTTPRequestTimeout

	// Redirects
	KindTooManyRedirects
	KindRedirectCycleDetected
	KindUnsafeRedirect

	// Socket liveness
	KindSocketRemoteClosed
	KindDataReceivedUnexpectedly
	KindSocketNotConnected
)

var kindNames = map[Kind]string{
	KindUnknown:                  "unknown",
	KindInvalidURL:               "invalid URL",
	KindNameNotResolved:          "name not resolved",
	KindConnectionRefused:        "connection refused",
	KindConnectionTimedOut:       "connection timed out",
	KindConnectionReset:          "connection reset",
	KindConnectionClosed:         "connection closed",
	KindConnectionAborted:        "connection aborted",
	KindAddressUnreachable:       "address unreachable",
	KindTLSHandshakeFailed:       "TLS handshake failed",
	KindCertDateInvalid:          "certificate date invalid",
	KindCertAuthorityInvalid:     "certificate authority invalid",
	KindPinnedKeyNotInChain:      "pinned key not in certificate chain",
	KindECHNotNegotiated:         "ECH not negotiated",
	KindProxyConnectionFailed:    "proxy connection failed",
	KindProxyAuthRequested:       "proxy auth requested",
	KindProxyTunnelFailed:        "proxy tunnel failed",
	KindEmptyResponse:            "empty response",
	KindContentLengthMismatch:    "Content-Length mismatch",
	KindInvalidHeader:            "invalid header",
	KindHTTP2ProtocolError:       "HTTP/2 protocol error",
	KindHTTPRequestTimeout:       "HTTP request timeout",
	KindTooManyRedirects:         "too many redirects",
	KindRedirectCycleDetected:    "redirect cycle detected",
	KindUnsafeRedirect:           "unsafe redirect",
	KindSocketRemoteClosed:       "socket closed by remote",
	KindDataReceivedUnexpectedly: "data received unexpectedly on idle socket",
	KindSocketNotConnected:       "socket not connected",
}

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the structured error type surfaced by every layer of the stack.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "dial", "connect_tunnel"
	Host string
	Port string
	URL  string
	Err  error // underlying cause, if any
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Host != "" {
		addr := e.Host
		if e.Port != "" {
			addr += ":" + e.Port
		}
		msg += " (" + addr + ")"
	} else if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New creates an error with a kind and operation name.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap creates an error with a kind, operation and underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithHost attaches host:port context and returns the same error.
func (e *Error) WithHost(host, port string) *Error {
	e.Host = host
	e.Port = port
	return e
}

// WithURL attaches URL context and returns the same error.
func (e *Error) WithURL(url string) *Error {
	e.URL = url
	return e
}

// KindOf extracts the Kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
