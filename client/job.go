package client

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/veilhttp/veilhttp/connect"
	"github.com/veilhttp/veilhttp/cookies"
	"github.com/veilhttp/veilhttp/fingerprint"
	"github.com/veilhttp/veilhttp/headers"
	"github.com/veilhttp/veilhttp/neterror"
	"github.com/veilhttp/veilhttp/pool"
	"github.com/veilhttp/veilhttp/transport"
)

// Request describes one top-level request handed to a Context.
type Request struct {
	Method  string
	URL     string
	Headers *headers.OrderedMap

	Body          io.Reader
	ContentLength int64
	// GetBody re-creates the body for retries and 307/308 redirects.
	GetBody func() (io.Reader, error)

	// Timeout bounds the whole job including redirects. Zero falls back to
	// the context's RequestTimeout.
	Timeout time.Duration

	Priority pool.Priority

	// Profile overrides the context's emulation profile for this request.
	Profile *fingerprint.Profile
	// Proxy overrides proxy selection for this request.
	Proxy *connect.Proxy

	// DisableRedirects stops the job at the first 3xx.
	DisableRedirects bool
	// MaxRedirects overrides the context's redirect cap.
	MaxRedirects int
}

// Response is the final answer of a request job.
type Response struct {
	StatusCode int
	Headers    *headers.OrderedMap
	// Body is a lazy, finite, non-restartable stream. Close it.
	Body          io.ReadCloser
	ContentLength int64

	Proto    string
	FinalURL string
	// Redirects lists the URLs visited before the final one.
	Redirects []string

	TLS *transport.TLSInfo
}

var redirectStatuses = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

// ErrBodyNotRewindable is returned when a 307/308 redirect or a retry needs
// to re-send a body that has no GetBody to re-create it.
var ErrBodyNotRewindable = errors.New("request body cannot be replayed; set GetBody")

// Do executes the request: HSTS gate, proxy resolution, the transaction,
// and the redirect loop with method rewriting and cross-origin credential
// stripping.
func (c *Context) Do(ctx context.Context, req *Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, neterror.Wrap(neterror.KindInvalidURL, "parse_url", err).WithURL(req.URL)
	}
	canonicalizeHost(u)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.cfg.RequestTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = "GET"
	}
	hdrs := req.Headers.Clone()
	body := req.Body
	contentLength := req.ContentLength
	getBody := req.GetBody

	maxRedirects := req.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = c.cfg.MaxRedirects
	}

	profile := req.Profile
	if profile == nil {
		profile = c.Profile
	}
	c.registerProfile(profile)

	// Credentials in the URL become an Authorization header and are never
	// carried across origins.
	if u.User != nil {
		if pw, _ := u.User.Password(); u.User.Username() != "" || pw != "" {
			hdrs.Set("authorization", BasicCredentials{
				Username: u.User.Username(),
				Password: pw,
			}.HeaderValue())
		}
		u.User = nil
	}
	hadCredentials := hdrs.Has("authorization")

	visited := map[string]bool{}
	var chain []string

	for {
		c.applyHSTS(u)
		visited[u.String()] = true

		proxy := c.proxyFor(req, u)
		ep := connect.Endpoint{
			Scheme:      u.Scheme,
			Host:        u.Hostname(),
			Port:        portOrDefault(u),
			Proxy:       proxy,
			ProfileHash: profile.Hash(),
		}

		tReq := &transport.Request{
			Method:        method,
			URL:           u,
			Headers:       hdrs,
			Body:          body,
			ContentLength: contentLength,
			GetBody:       getBody,
		}

		var resp *transport.Response
		if c.transact != nil {
			resp, err = c.transact(ctx, ep, tReq, req.Priority, siteContext(method), profile)
		} else {
			txn := transport.NewTransaction(c.factory, c.Cookies, profile)
			if c.cfg.Retry != nil {
				txn.Retry = *c.cfg.Retry
			}
			resp, err = txn.RoundTrip(ctx, ep, tReq, req.Priority, siteContext(method))
		}
		if err != nil {
			return nil, err
		}

		if u.Scheme == "https" {
			if sts, ok := resp.Headers.Get("strict-transport-security"); ok {
				c.HSTS.AddFromHeader(u.Hostname(), sts)
			}
		}

		location, hasLocation := resp.Headers.Get("location")
		if req.DisableRedirects || !redirectStatuses[resp.StatusCode] || !hasLocation {
			return &Response{
				StatusCode:    resp.StatusCode,
				Headers:       resp.Headers,
				Body:          resp.Body,
				ContentLength: resp.ContentLength,
				Proto:         resp.Proto,
				FinalURL:      u.String(),
				Redirects:     chain,
				TLS:           resp.TLS,
			}, nil
		}

		// The redirect body is irrelevant; closing it returns the socket.
		resp.Body.Close()

		if len(chain) >= maxRedirects {
			return nil, neterror.New(neterror.KindTooManyRedirects, "redirect").WithURL(u.String())
		}

		locURL, err := url.Parse(location)
		if err != nil {
			return nil, neterror.Wrap(neterror.KindInvalidURL, "redirect", err).WithURL(location)
		}
		next := u.ResolveReference(locURL)
		canonicalizeHost(next)

		if visited[next.String()] {
			return nil, neterror.New(neterror.KindRedirectCycleDetected, "redirect").WithURL(next.String())
		}

		// Scheme downgrade with credentials in play leaks them to the
		// network; refuse.
		if u.Scheme == "https" && next.Scheme == "http" && hadCredentials {
			return nil, neterror.New(neterror.KindUnsafeRedirect, "redirect").WithURL(next.String())
		}

		newMethod := redirectMethod(method, resp.StatusCode)
		if newMethod != method {
			// Rewritten to GET: the body is dropped.
			body = nil
			contentLength = 0
			getBody = nil
			hdrs.Del("content-length")
			hdrs.Del("content-type")
			hdrs.Del("transfer-encoding")
		} else if body != nil {
			// 307/308 re-send the body; it must be replayable.
			if getBody == nil {
				return nil, ErrBodyNotRewindable
			}
			body, err = getBody()
			if err != nil {
				return nil, err
			}
		}
		method = newMethod

		if !sameOrigin(u, next) {
			hdrs.Del("authorization")
			// A manually set Cookie header must not leak to the new
			// origin; the cookie store is re-consulted for the new URL.
			hdrs.Del("cookie")
			next.User = nil
			hadCredentials = false
		}

		chain = append(chain, u.String())
		u = next
	}
}

// canonicalizeHost rewrites an internationalized hostname to its ASCII
// (punycode) form so HSTS lookups, cookie matching and pool keys all see a
// single spelling of the host. Hosts the IDNA lookup profile rejects are
// left as-is and fail later with proper context.
func canonicalizeHost(u *url.URL) {
	host := u.Hostname()
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == host {
		return
	}
	if p := u.Port(); p != "" {
		u.Host = ascii + ":" + p
	} else {
		u.Host = ascii
	}
}

// applyHSTS rewrites http URLs to https when the HSTS store covers the
// host, switching the default port. This runs before DNS resolution.
func (c *Context) applyHSTS(u *url.URL) {
	if u.Scheme != "http" || !c.HSTS.ShouldUpgrade(u.Hostname()) {
		return
	}
	host := u.Hostname()
	if p := u.Port(); p != "" && p != "80" {
		host = host + ":" + p
	}
	u.Scheme = "https"
	u.Host = host
}

// proxyFor resolves the proxy for a hop: request override, context
// override, then environment.
func (c *Context) proxyFor(req *Request, u *url.URL) *connect.Proxy {
	if req.Proxy != nil {
		return req.Proxy
	}
	if c.cfg.Proxy != nil {
		return c.cfg.Proxy
	}
	if c.cfg.DisableEnvProxy {
		return nil
	}
	return connect.ProxyFromEnvironment(u.Scheme, u.Hostname())
}

// redirectMethod computes the method for the next hop: 303 converts
// everything but HEAD to GET, 301/302 convert POST to GET (historical
// browser behavior), 307/308 preserve the method.
func redirectMethod(method string, status int) string {
	if (status == 303 && method != "HEAD") ||
		((status == 301 || status == 302) && method == "POST") {
		return "GET"
	}
	return method
}

// siteContext classifies the request for SameSite cookie matching: lax for
// top-level safe requests, strict otherwise.
func siteContext(method string) cookies.SameSiteContext {
	if method == "GET" || method == "HEAD" {
		return cookies.ContextLaxTopLevel
	}
	return cookies.ContextSameSite
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		portOrDefault(a) == portOrDefault(b)
}

func portOrDefault(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}
