package transport

import (
	"context"
	"io"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/veilhttp/veilhttp/connect"
	"github.com/veilhttp/veilhttp/cookies"
	"github.com/veilhttp/veilhttp/fingerprint"
	"github.com/veilhttp/veilhttp/headers"
	"github.com/veilhttp/veilhttp/neterror"
	"github.com/veilhttp/veilhttp/pool"
)

// Transaction drives one HTTP exchange through the state machine:
// create stream, send request, read headers, deliver body. Failures on a
// reused socket are retried with exponential backoff; a retry takes the next
// stream the factory hands out, which is another idle pooled socket when one
// is available and a fresh connection otherwise. Failures on a fresh
// connection are terminal.
type Transaction struct {
	factory *Factory
	cookies *cookies.Store
	profile *fingerprint.Profile

	// Retry tunes the reused-socket retry loop.
	Retry RetryConfig
	// DecompressBody controls transparent Content-Encoding decoding.
	DecompressBody bool

	loadState atomic.Int32
	attempts  atomic.Int32
}

// NewTransaction creates a transaction runner bound to a factory, cookie
// store and fingerprint profile.
func NewTransaction(factory *Factory, cookieStore *cookies.Store, profile *fingerprint.Profile) *Transaction {
	return &Transaction{
		factory:        factory,
		cookies:        cookieStore,
		profile:        profile,
		Retry:          DefaultRetryConfig(),
		DecompressBody: true,
	}
}

// LoadState reports the transaction's current progress.
func (t *Transaction) LoadState() neterror.LoadState {
	return neterror.LoadState(t.loadState.Load())
}

// Attempts returns how many attempts have started, including retries.
func (t *Transaction) Attempts() int {
	return int(t.attempts.Load())
}

func (t *Transaction) setState(s neterror.LoadState) {
	t.loadState.Store(int32(s))
}

// RoundTrip executes the request against the endpoint. Set-Cookie headers
// are forwarded to the cookie store after headers are parsed and before the
// body is delivered.
func (t *Transaction) RoundTrip(ctx context.Context, ep connect.Endpoint, req *Request, priority pool.Priority, siteCtx cookies.SameSiteContext) (*Response, error) {
	defer t.setState(neterror.LoadStateIdle)

	body := req.Body
	var retries int

	for {
		t.attempts.Add(1)
		t.setState(neterror.LoadStateWaitingForAvailableSocket)

		stream, err := t.factory.CreateStream(ctx, ep, t.profile, priority)
		if err != nil {
			return nil, err
		}

		wireReq := &Request{
			Method:        req.Method,
			URL:           req.URL,
			Headers:       t.buildHeaders(req, stream.Proto(), siteCtx),
			Body:          body,
			ContentLength: req.ContentLength,
		}

		t.setState(neterror.LoadStateSendingRequest)
		resp, err := stream.Send(ctx, wireReq)
		if err == nil {
			t.setState(neterror.LoadStateReadingResponse)
			t.storeCookies(req.URL, resp)
			return t.finishResponse(resp), nil
		}

		// Only a failure on a pooled socket earns another attempt: the
		// socket may simply have died between transactions.
		if !Retryable(err, stream.Reused()) || retries+1 >= t.Retry.MaxAttempts {
			return nil, err
		}
		body, err = t.rewindBody(req)
		if err != nil {
			return nil, err
		}

		retries++
		select {
		case <-time.After(t.Retry.Backoff(retries)):
		case <-ctx.Done():
			return nil, neterror.Wrap(neterror.KindConnectionAborted, "retry_backoff", ctx.Err())
		}
	}
}

// rewindBody produces a fresh body reader for a retry. A consumed body
// without GetBody cannot be replayed, which makes the failure terminal.
func (t *Transaction) rewindBody(req *Request) (io.Reader, error) {
	if req.Body == nil {
		return nil, nil
	}
	if req.GetBody == nil {
		return nil, neterror.New(neterror.KindConnectionClosed, "retry_body")
	}
	return req.GetBody()
}

// buildHeaders assembles the final ordered header block: Host (HTTP/1.1),
// the caller's ordered headers, the auto-injected Cookie header, and the
// profile's preset headers for anything not already present.
func (t *Transaction) buildHeaders(req *Request, proto string, siteCtx cookies.SameSiteContext) *headers.OrderedMap {
	m := headers.New()

	// On HTTP/1.1 this is the Host header; on HTTP/2 the :authority
	// pseudo-header is derived from it.
	m.Set("host", hostHeader(req.URL))

	for _, p := range req.Headers.Pairs() {
		m.Add(p.Name, p.Value)
	}

	if !m.Has("cookie") && t.cookies != nil {
		if ch := t.cookies.Header(req.URL, siteCtx); ch != "" {
			m.Set("cookie", ch)
		}
	}

	if t.profile != nil {
		if !m.Has("user-agent") {
			m.Set("user-agent", t.profile.UserAgent)
		}
		for _, p := range t.profile.Headers {
			if !m.Has(p.Name) {
				m.Set(p.Name, p.Value)
			}
		}
	}

	return m
}

func (t *Transaction) storeCookies(u *url.URL, resp *Response) {
	if t.cookies == nil {
		return
	}
	for _, line := range resp.SetCookies() {
		// Parse failures drop the cookie; the request is unaffected.
		t.cookies.SetFromHeader(u, line)
	}
}

// finishResponse applies transparent decompression when enabled.
func (t *Transaction) finishResponse(resp *Response) *Response {
	if !t.DecompressBody {
		return resp
	}
	enc, ok := resp.Headers.Get("content-encoding")
	if !ok || enc == "" || enc == "identity" {
		return resp
	}
	resp.Body = decompressBody(resp.Body, enc)
	resp.Headers.Del("content-encoding")
	resp.Headers.Del("content-length")
	resp.ContentLength = -1
	return resp
}

// hostHeader returns the Host header value for a URL, omitting default
// ports the way browsers do.
func hostHeader(u *url.URL) string {
	port := u.Port()
	if port == "" ||
		(u.Scheme == "https" && port == "443") ||
		(u.Scheme == "http" && port == "80") {
		return u.Hostname()
	}
	return u.Host
}
