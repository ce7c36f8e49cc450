package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/net/http2"

	"github.com/veilhttp/veilhttp/fingerprint"
	"github.com/veilhttp/veilhttp/headers"
	"github.com/veilhttp/veilhttp/neterror"
	"github.com/veilhttp/veilhttp/pool"
)

// h2Session is a multiplexed HTTP/2 connection shared by many streams. The
// pool sees it as one occupied socket slot regardless of how many streams
// run on it; the session holds its PooledSocket until it dies.
type h2Session struct {
	cc      *http2.ClientConn
	fp      *fpConn
	ps      *pool.PooledSocket
	key     string
	factory *Factory

	streams atomic.Int32
	dead    atomic.Bool
}

// newH2Session wraps a freshly negotiated h2 socket. The fingerprint conn
// rewrites the connection prelude (SETTINGS order, WINDOW_UPDATE) and every
// HEADERS frame on its way out.
func (f *Factory) newH2Session(ps *pool.PooledSocket, profile *fingerprint.Profile) (*h2Session, error) {
	s := profile.H2
	tr := &http2.Transport{
		StrictMaxConcurrentStreams: false,
		MaxHeaderListSize:          s.MaxHeaderListSize,
		MaxReadFrameSize:           s.MaxFrameSize,
		MaxDecoderHeaderTableSize:  s.HeaderTableSize,
		MaxEncoderHeaderTableSize:  s.HeaderTableSize,
	}

	fp := newFPConn(ps.Stream, profile)
	cc, err := tr.NewClientConn(fp)
	if err != nil {
		return nil, neterror.Wrap(neterror.KindHTTP2ProtocolError, "h2_setup", err)
	}

	return &h2Session{cc: cc, fp: fp, ps: ps, key: ps.Endpoint.Key(), factory: f}, nil
}

// canTakeNewRequest reports whether more streams may be opened.
func (s *h2Session) canTakeNewRequest() bool {
	return !s.dead.Load() && s.cc.CanTakeNewRequest()
}

// streamDone retires one stream and tears the session down once it is both
// unusable and idle.
func (s *h2Session) streamDone() {
	if s.streams.Add(-1) > 0 {
		return
	}
	if !s.canTakeNewRequest() {
		s.close()
	}
}

// markDead removes the session from the factory cache so no new streams
// attach to it.
func (s *h2Session) markDead() {
	if s.dead.CompareAndSwap(false, true) {
		s.factory.removeSession(s)
		if s.streams.Load() <= 0 {
			s.close()
		}
	}
}

func (s *h2Session) close() {
	s.factory.removeSession(s)
	s.cc.Close()
	s.ps.Discard()
}

// h2Stream is one logical request/response exchange on a shared session.
type h2Stream struct {
	session *h2Session
	reused  bool
	sent    atomic.Bool
}

func (s *h2Stream) Proto() string { return "h2" }
func (s *h2Stream) Reused() bool  { return s.reused }

// Abort retires the stream before a request was sent on it.
func (s *h2Stream) Abort() {
	if s.sent.CompareAndSwap(false, true) {
		s.session.streamDone()
	}
}

// Send issues the request on the session. Header order on the wire is
// enforced by the fingerprint conn, so the intermediate http.Header map is
// not a fidelity concern.
func (s *h2Stream) Send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), req.Body)
	if err != nil {
		return nil, neterror.Wrap(neterror.KindInvalidURL, "h2_request", err)
	}
	if req.Body != nil {
		httpReq.ContentLength = req.ContentLength
	}

	var order []string
	for _, p := range req.Headers.Pairs() {
		switch p.Name {
		case "host":
			httpReq.Host = p.Value
		case "connection", "keep-alive", "transfer-encoding", "upgrade":
			// Connection-specific headers do not exist in HTTP/2.
		case "content-length":
		default:
			httpReq.Header.Add(p.Name, p.Value)
			order = append(order, p.Name)
		}
	}
	// The framer encodes httpReq.Header from a map; register the caller's
	// order so the fingerprint conn can restore it when it rewrites the
	// HEADERS frame.
	if len(order) > 0 {
		s.session.fp.expectHeaderOrder(order)
	}

	resp, err := s.session.cc.RoundTrip(httpReq)
	if err != nil {
		if !s.session.cc.CanTakeNewRequest() {
			s.session.markDead()
		}
		s.finish()
		return nil, classifyH2Error(err)
	}

	s.session.ps.Stream.MarkUsed()

	out := &Response{
		StatusCode:    resp.StatusCode,
		Proto:         "h2",
		Headers:       orderedFromHTTPHeader(resp.Header),
		ContentLength: resp.ContentLength,
		Body:          &h2Body{stream: s, body: resp.Body},
	}
	if tlsInfo := tlsInfoFor(s.session.ps.Stream); tlsInfo != nil {
		out.TLS = tlsInfo
	}
	return out, nil
}

func (s *h2Stream) finish() {
	if s.sent.CompareAndSwap(false, true) {
		s.session.streamDone()
	}
}

// h2Body retires the stream when the body is closed.
type h2Body struct {
	stream *h2Stream
	body   io.ReadCloser
}

func (b *h2Body) Read(p []byte) (int, error) { return b.body.Read(p) }

func (b *h2Body) Close() error {
	err := b.body.Close()
	b.stream.finish()
	return err
}

// orderedFromHTTPHeader converts a map-based header into the ordered form.
// The map has already lost the server's order; keys are emitted sorted so
// the result is at least deterministic.
func orderedFromHTTPHeader(h http.Header) *headers.OrderedMap {
	m := headers.New()
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			m.Add(strings.ToLower(k), v)
		}
	}
	return m
}

func classifyH2Error(err error) error {
	var goAway http2.GoAwayError
	if errors.As(err, &goAway) {
		return neterror.Wrap(neterror.KindConnectionClosed, "h2_roundtrip", err)
	}
	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		return neterror.Wrap(neterror.KindHTTP2ProtocolError, "h2_roundtrip", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return neterror.Wrap(neterror.KindHTTPRequestTimeout, "h2_roundtrip", err)
	}
	return classifyH1Error(err, "h2_roundtrip")
}
