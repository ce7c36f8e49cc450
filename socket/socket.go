// Package socket provides the polymorphic byte-stream abstraction the pool
// hands out: plain TCP, TLS over TCP, and TLS over TLS for HTTPS-proxy
// tunneling. Every variant supports a non-destructive liveness probe that
// reaches down to the raw TCP peer.
package socket

import (
	"net"
	"sync/atomic"

	tls "github.com/refraction-networking/utls"

	"github.com/veilhttp/veilhttp/neterror"
)

// Stream is a pooled connection. Implementations wrap a raw TCP connection,
// possibly under one or two TLS layers.
//
// Probe reports whether the stream is still usable without consuming bytes.
// For a stream that has served at least one transaction, usable means
// connected AND idle: a pending byte on an idle keep-alive connection means
// the peer sent something unexpected. For a never-used stream only
// connectedness matters.
type Stream interface {
	net.Conn

	// Probe returns nil if the stream is usable, or an error of kind
	// SocketRemoteClosed, DataReceivedUnexpectedly or SocketNotConnected.
	Probe() error

	// WasEverUsed reports whether the stream has served a transaction.
	WasEverUsed() bool

	// MarkUsed records that the stream served a transaction, changing
	// Probe semantics.
	MarkUsed()

	// NegotiatedProtocol returns the ALPN result, or "" for plain TCP.
	NegotiatedProtocol() string
}

// peerer lets layered streams locate the raw TCP connection at the bottom.
type peerer interface {
	peer() *net.TCPConn
}

// TCPStream is a plain TCP stream.
type TCPStream struct {
	*net.TCPConn
	used atomic.Bool
}

// NewTCP wraps an established TCP connection.
func NewTCP(c *net.TCPConn) *TCPStream {
	return &TCPStream{TCPConn: c}
}

func (s *TCPStream) peer() *net.TCPConn { return s.TCPConn }

// Probe checks liveness by peeking at the raw socket.
func (s *TCPStream) Probe() error {
	return probePeer(s.TCPConn, s.used.Load())
}

// WasEverUsed reports whether the stream served a transaction.
func (s *TCPStream) WasEverUsed() bool { return s.used.Load() }

// MarkUsed records that the stream served a transaction.
func (s *TCPStream) MarkUsed() { s.used.Store(true) }

// NegotiatedProtocol returns "" for plain TCP.
func (s *TCPStream) NegotiatedProtocol() string { return "" }

// TLSStream is a TLS client connection layered over another stream. Layering
// a TLSStream over a TLSStream yields the TLS-in-TLS shape used for HTTPS
// proxies.
type TLSStream struct {
	*tls.UConn
	inner Stream
	used  atomic.Bool
}

// NewTLS wraps a completed TLS client connection whose transport is inner.
func NewTLS(u *tls.UConn, inner Stream) *TLSStream {
	return &TLSStream{UConn: u, inner: inner}
}

func (s *TLSStream) peer() *net.TCPConn {
	if p, ok := s.inner.(peerer); ok {
		return p.peer()
	}
	return nil
}

// Probe checks liveness at the raw TCP peer. The probe deliberately reaches
// through the TLS layers: a trait-object handle that hard-codes connectedness
// would defeat dead-socket detection.
func (s *TLSStream) Probe() error {
	raw := s.peer()
	if raw == nil {
		return neterror.New(neterror.KindSocketNotConnected, "probe")
	}
	return probePeer(raw, s.used.Load())
}

// WasEverUsed reports whether the stream served a transaction.
func (s *TLSStream) WasEverUsed() bool { return s.used.Load() }

// MarkUsed records use on this layer and every layer beneath it.
func (s *TLSStream) MarkUsed() {
	s.used.Store(true)
	s.inner.MarkUsed()
}

// NegotiatedProtocol returns the ALPN protocol selected during the handshake.
func (s *TLSStream) NegotiatedProtocol() string {
	return s.UConn.ConnectionState().NegotiatedProtocol
}

// Inner returns the stream beneath the TLS layer.
func (s *TLSStream) Inner() Stream { return s.inner }
