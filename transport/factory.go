package transport

import (
	"context"
	"sync"

	"github.com/veilhttp/veilhttp/connect"
	"github.com/veilhttp/veilhttp/fingerprint"
	"github.com/veilhttp/veilhttp/pins"
	"github.com/veilhttp/veilhttp/pool"
	"github.com/veilhttp/veilhttp/socket"
)

// Stream is a protocol-specific sender produced by the factory.
type Stream interface {
	// Send writes the request and returns the parsed response head with a
	// lazy body.
	Send(ctx context.Context, req *Request) (*Response, error)
	// Reused reports whether the underlying socket or session had served
	// traffic before this stream was created.
	Reused() bool
	// Proto returns "h1" or "h2".
	Proto() string
	// Abort disposes of the stream without sending a request.
	Abort()
}

// Factory wraps pool sockets into protocol streams. ALPN decides the
// protocol: h2 sockets become cached multiplexed sessions, anything else an
// exclusive HTTP/1.1 stream.
type Factory struct {
	pool *pool.Pool

	mu       sync.Mutex
	sessions map[string]*h2Session
}

// NewFactory creates a stream factory over a pool.
func NewFactory(p *pool.Pool) *Factory {
	return &Factory{
		pool:     p,
		sessions: make(map[string]*h2Session),
	}
}

// CreateStream returns a stream for the endpoint. A live HTTP/2 session for
// the same endpoint is multiplexed onto without consulting the pool; the
// session keeps occupying its single socket slot.
func (f *Factory) CreateStream(ctx context.Context, ep connect.Endpoint, profile *fingerprint.Profile, priority pool.Priority) (Stream, error) {
	key := ep.Key()

	f.mu.Lock()
	sess := f.sessions[key]
	f.mu.Unlock()
	if sess != nil {
		if sess.canTakeNewRequest() {
			sess.streams.Add(1)
			return &h2Stream{session: sess, reused: true}, nil
		}
		sess.markDead()
	}

	ps, err := f.pool.Acquire(ctx, ep, priority)
	if err != nil {
		return nil, err
	}

	if ps.Stream.NegotiatedProtocol() == "h2" {
		sess, err := f.newH2Session(ps, profile)
		if err != nil {
			ps.Discard()
			return nil, err
		}
		f.storeSession(key, sess)
		sess.streams.Add(1)
		return &h2Stream{session: sess, reused: ps.Reused()}, nil
	}

	return newH1Stream(ps), nil
}

func (f *Factory) storeSession(key string, sess *h2Session) {
	f.mu.Lock()
	f.sessions[key] = sess
	f.mu.Unlock()
}

// removeSession drops the session from the cache if it is still the cached
// one for its endpoint.
func (f *Factory) removeSession(sess *h2Session) {
	f.mu.Lock()
	if f.sessions[sess.key] == sess {
		delete(f.sessions, sess.key)
	}
	f.mu.Unlock()
}

// Close tears down every cached session.
func (f *Factory) Close() {
	f.mu.Lock()
	sessions := make([]*h2Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.sessions = make(map[string]*h2Session)
	f.mu.Unlock()

	for _, s := range sessions {
		s.cc.Close()
		s.ps.Discard()
	}
}

// tlsInfoFor extracts negotiated TLS details when the stream carries a TLS
// layer.
func tlsInfoFor(s socket.Stream) *TLSInfo {
	ts, ok := s.(*socket.TLSStream)
	if !ok {
		return nil
	}
	state := ts.ConnectionState()
	return &TLSInfo{
		Version:         state.Version,
		CipherSuite:     state.CipherSuite,
		ALPN:            state.NegotiatedProtocol,
		PeerCertDigests: pins.HashChain(state.PeerCertificates),
	}
}
