package client

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/veilhttp/veilhttp/connect"
	"github.com/veilhttp/veilhttp/cookies"
	"github.com/veilhttp/veilhttp/fingerprint"
	"github.com/veilhttp/veilhttp/headers"
	"github.com/veilhttp/veilhttp/neterror"
	"github.com/veilhttp/veilhttp/pool"
	"github.com/veilhttp/veilhttp/transport"
)

// scriptedHop records one transaction the fake runner saw and the response
// it produced.
type scriptedHop struct {
	Method   string
	URL      string
	Endpoint connect.Endpoint
	Headers  *headers.OrderedMap
	BodySent bool
}

// scriptedContext builds a Context whose transactions are answered by fn.
func scriptedContext(t *testing.T, fn func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response) (*Context, *[]scriptedHop) {
	t.Helper()
	c := NewContextWithConfig(Config{WithoutHSTSPreload: true})
	t.Cleanup(c.Close)

	var hops []scriptedHop
	c.transact = func(ctx context.Context, ep connect.Endpoint, req *transport.Request, priority pool.Priority, siteCtx cookies.SameSiteContext, profile *fingerprint.Profile) (*transport.Response, error) {
		hops = append(hops, scriptedHop{
			Method:   req.Method,
			URL:      req.URL.String(),
			Endpoint: ep,
			Headers:  req.Headers.Clone(),
			BodySent: req.Body != nil,
		})
		return fn(len(hops)-1, req, ep), nil
	}
	return c, &hops
}

func respond(status int, hdrPairs ...string) *transport.Response {
	h := headers.New()
	for i := 0; i+1 < len(hdrPairs); i += 2 {
		h.Add(hdrPairs[i], hdrPairs[i+1])
	}
	return &transport.Response{
		StatusCode: status,
		Proto:      "h1",
		Headers:    h,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestSimpleGet(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		return respond(200, "content-type", "text/html")
	})

	resp, err := c.Do(context.Background(), &Request{URL: "https://example.com/page"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 || resp.FinalURL != "https://example.com/page" {
		t.Errorf("resp = %d %s", resp.StatusCode, resp.FinalURL)
	}
	if len(*hops) != 1 || (*hops)[0].Method != "GET" {
		t.Errorf("hops = %+v", *hops)
	}
}

func TestInvalidURLRejected(t *testing.T) {
	c := NewContextWithConfig(Config{WithoutHSTSPreload: true})
	defer c.Close()

	for _, bad := range []string{"", "://nope", "ftp://example.com/", "http://"} {
		if _, err := c.Do(context.Background(), &Request{URL: bad}); !neterror.IsKind(err, neterror.KindInvalidURL) {
			t.Errorf("Do(%q) = %v, want InvalidUrl", bad, err)
		}
	}
}

func TestHSTSUpgradeHappensBeforeConnect(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		return respond(200)
	})
	c.HSTS.AddPreloaded("google.com", true)

	resp, err := c.Do(context.Background(), &Request{URL: "http://google.com/"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	ep := (*hops)[0].Endpoint
	if ep.Scheme != "https" || ep.Port != "443" {
		t.Fatalf("endpoint = %s:%s, want https:443", ep.Scheme, ep.Port)
	}
	if resp.FinalURL != "https://google.com/" {
		t.Errorf("FinalURL = %s", resp.FinalURL)
	}
}

func TestHSTSLearnedFromResponseHeader(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		return respond(200, "strict-transport-security", "max-age=31536000; includeSubDomains")
	})

	resp, _ := c.Do(context.Background(), &Request{URL: "https://learned.example/"})
	resp.Body.Close()

	resp, _ = c.Do(context.Background(), &Request{URL: "http://sub.learned.example/"})
	resp.Body.Close()

	if got := (*hops)[1].Endpoint.Scheme; got != "https" {
		t.Fatalf("second request scheme = %s, want https (dynamic HSTS)", got)
	}
}

func TestRedirect301POSTBecomesGET(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		if hop == 0 {
			return respond(301, "location", "/q")
		}
		return respond(200)
	})

	resp, err := c.Do(context.Background(), &Request{
		Method:        "POST",
		URL:           "https://example.com/submit",
		Body:          strings.NewReader("data"),
		ContentLength: 4,
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	second := (*hops)[1]
	if second.Method != "GET" {
		t.Errorf("redirected method = %s, want GET", second.Method)
	}
	if second.URL != "https://example.com/q" {
		t.Errorf("redirected URL = %s", second.URL)
	}
	if second.BodySent {
		t.Error("body survived the 301→GET rewrite")
	}
}

func TestRedirect303AlwaysGET(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		if hop == 0 {
			return respond(303, "location", "/done")
		}
		return respond(200)
	})

	resp, err := c.Do(context.Background(), &Request{
		Method: "PUT",
		URL:    "https://example.com/op",
		Body:   strings.NewReader("x"),
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if got := (*hops)[1].Method; got != "GET" {
		t.Errorf("method after 303 = %s, want GET", got)
	}
}

func TestRedirect307PreservesMethodAndBody(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		if hop == 0 {
			return respond(307, "location", "/retry")
		}
		return respond(200)
	})

	resp, err := c.Do(context.Background(), &Request{
		Method:        "POST",
		URL:           "https://example.com/submit",
		Body:          strings.NewReader("data"),
		ContentLength: 4,
		GetBody:       func() (io.Reader, error) { return strings.NewReader("data"), nil },
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	second := (*hops)[1]
	if second.Method != "POST" || !second.BodySent {
		t.Errorf("307 hop = method %s bodySent %v, want POST with body", second.Method, second.BodySent)
	}
}

func TestRedirect307WithoutGetBodyFails(t *testing.T) {
	c, _ := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		return respond(307, "location", "/retry")
	})

	_, err := c.Do(context.Background(), &Request{
		Method: "POST",
		URL:    "https://example.com/submit",
		Body:   strings.NewReader("data"),
	})
	if err != ErrBodyNotRewindable {
		t.Fatalf("err = %v, want ErrBodyNotRewindable", err)
	}
}

func TestRedirectCycleDetected(t *testing.T) {
	c, _ := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		if strings.HasSuffix(req.URL.Path, "/a") {
			return respond(302, "location", "/b")
		}
		return respond(302, "location", "/a")
	})

	_, err := c.Do(context.Background(), &Request{URL: "https://example.com/a"})
	if !neterror.IsKind(err, neterror.KindRedirectCycleDetected) {
		t.Fatalf("err = %v, want RedirectCycleDetected", err)
	}
}

func TestTooManyRedirects(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		return respond(302, "location", fmt.Sprintf("/r%d", hop+1))
	})

	_, err := c.Do(context.Background(), &Request{URL: "https://example.com/r0"})
	if !neterror.IsKind(err, neterror.KindTooManyRedirects) {
		t.Fatalf("err = %v, want TooManyRedirects", err)
	}
	if len(*hops) != DefaultMaxRedirects+1 {
		t.Errorf("hops = %d, want %d", len(*hops), DefaultMaxRedirects+1)
	}
}

func TestCrossOriginStripsAuthorizationAndCookie(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		if hop == 0 {
			return respond(302, "location", "https://other.example/landing")
		}
		return respond(200)
	})

	hdrs := headers.New()
	hdrs.Set("authorization", "Bearer secret")
	hdrs.Set("cookie", "manual=1")
	hdrs.Set("x-app", "keep")

	resp, err := c.Do(context.Background(), &Request{URL: "https://example.com/", Headers: hdrs})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	second := (*hops)[1]
	if second.Headers.Has("authorization") {
		t.Error("Authorization leaked cross-origin")
	}
	if second.Headers.Has("cookie") {
		t.Error("manual Cookie leaked cross-origin")
	}
	if !second.Headers.Has("x-app") {
		t.Error("unrelated header was stripped")
	}
}

func TestSameOriginKeepsAuthorization(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		if hop == 0 {
			return respond(302, "location", "/elsewhere")
		}
		return respond(200)
	})

	hdrs := headers.New()
	hdrs.Set("authorization", "Bearer secret")

	resp, err := c.Do(context.Background(), &Request{URL: "https://example.com/", Headers: hdrs})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if !(*hops)[1].Headers.Has("authorization") {
		t.Error("Authorization stripped on same-origin redirect")
	}
}

func TestUnsafeRedirectDowngradeWithCredentials(t *testing.T) {
	c, _ := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		return respond(302, "location", "http://example.com/plain")
	})

	hdrs := headers.New()
	hdrs.Set("authorization", "Bearer secret")

	_, err := c.Do(context.Background(), &Request{URL: "https://example.com/", Headers: hdrs})
	if !neterror.IsKind(err, neterror.KindUnsafeRedirect) {
		t.Fatalf("err = %v, want UnsafeRedirect", err)
	}
}

func TestURLUserinfoBecomesAuthorizationAndIsStripped(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		if hop == 0 {
			return respond(302, "location", "https://other.example/")
		}
		return respond(200)
	})

	resp, err := c.Do(context.Background(), &Request{URL: "https://user:pw@example.com/"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	first := (*hops)[0]
	if v, _ := first.Headers.Get("authorization"); !strings.HasPrefix(v, "Basic ") {
		t.Errorf("userinfo not converted to Authorization: %q", v)
	}
	if (*hops)[1].Headers.Has("authorization") {
		t.Error("userinfo credentials leaked cross-origin")
	}
}

func TestDisableRedirectsReturns3xx(t *testing.T) {
	c, _ := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		return respond(302, "location", "/next")
	})

	resp, err := c.Do(context.Background(), &Request{URL: "https://example.com/", DisableRedirects: true})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 302 {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
}

func TestRedirectChainRecorded(t *testing.T) {
	c, _ := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		switch hop {
		case 0:
			return respond(301, "location", "/two")
		case 1:
			return respond(302, "location", "/three")
		default:
			return respond(200)
		}
	})

	resp, err := c.Do(context.Background(), &Request{URL: "https://example.com/one"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if len(resp.Redirects) != 2 || resp.FinalURL != "https://example.com/three" {
		t.Fatalf("redirects = %v, final = %s", resp.Redirects, resp.FinalURL)
	}
}

func TestUnicodeHostCanonicalized(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		if hop == 0 {
			return respond(302, "location", "https://bücher.example/kaufen")
		}
		return respond(200)
	})

	resp, err := c.Do(context.Background(), &Request{URL: "https://münchen.example/"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if got := (*hops)[0].Endpoint.Host; got != "xn--mnchen-3ya.example" {
		t.Errorf("endpoint host = %q, want punycode", got)
	}
	if got := (*hops)[1].Endpoint.Host; got != "xn--bcher-kva.example" {
		t.Errorf("redirect endpoint host = %q, want punycode", got)
	}
}

func TestEndpointCarriesProfileHash(t *testing.T) {
	c, hops := scriptedContext(t, func(hop int, req *transport.Request, ep connect.Endpoint) *transport.Response {
		return respond(200)
	})

	resp, _ := c.Do(context.Background(), &Request{URL: "https://example.com/"})
	resp.Body.Close()

	firefox := fingerprint.Firefox133()
	resp, _ = c.Do(context.Background(), &Request{URL: "https://example.com/", Profile: firefox})
	resp.Body.Close()

	if (*hops)[0].Endpoint.ProfileHash == (*hops)[1].Endpoint.ProfileHash {
		t.Fatal("different profiles produced the same endpoint key")
	}
}
