// Package client ties the engine together: a Context owns the pool, cookie
// store, HSTS and pin stores for one isolated browsing identity, and the
// request job runs redirects, credential stripping and the HSTS gate around
// the transaction state machine.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilhttp/veilhttp/connect"
	"github.com/veilhttp/veilhttp/cookies"
	"github.com/veilhttp/veilhttp/dns"
	"github.com/veilhttp/veilhttp/fingerprint"
	"github.com/veilhttp/veilhttp/hsts"
	"github.com/veilhttp/veilhttp/pins"
	"github.com/veilhttp/veilhttp/pool"
	"github.com/veilhttp/veilhttp/socket"
	"github.com/veilhttp/veilhttp/transport"
)

// DefaultMaxRedirects matches the reference browser's redirect cap.
const DefaultMaxRedirects = 20

// Config configures a Context.
type Config struct {
	// Profile is the emulation profile; defaults to the current Chrome
	// preset.
	Profile *fingerprint.Profile

	// Proxy overrides proxy selection for every request. When nil the
	// conventional environment variables apply.
	Proxy *connect.Proxy
	// DisableEnvProxy ignores HTTP_PROXY/HTTPS_PROXY/ALL_PROXY/NO_PROXY.
	DisableEnvProxy bool

	// Retry tunes the reused-socket retry loop.
	Retry *transport.RetryConfig

	// RequestTimeout bounds each request including redirects. Zero means
	// no deadline beyond the caller's context.
	RequestTimeout time.Duration
	// ConnectTimeout bounds the connect pipeline (default 4 minutes).
	ConnectTimeout time.Duration

	// MaxRedirects caps the redirect chain (default 20).
	MaxRedirects int

	// WithoutHSTSPreload starts the HSTS store empty instead of seeding it
	// with the preload subset.
	WithoutHSTSPreload bool

	// InsecureSkipVerify disables TLS verification. Test use only.
	InsecureSkipVerify bool

	// MaxSocketsPerGroup and MaxSocketsTotal override the pool limits.
	MaxSocketsPerGroup int
	MaxSocketsTotal    int
}

// Context is an isolated browsing identity: its own pool, cookies, HSTS
// state, pins and credential cache. Contexts are cheap; tests and scraping
// jobs create as many as they need rather than sharing process globals.
type Context struct {
	ID      string
	Profile *fingerprint.Profile

	Cookies *cookies.Store
	HSTS    *hsts.Store
	Pins    *pins.Store
	DNS     *dns.Cache
	Auth    *AuthCache

	cfg     Config
	pool    *pool.Pool
	factory *transport.Factory
	dialer  *connect.Dialer

	profileMu sync.RWMutex
	profiles  map[string]*fingerprint.Profile

	// transact, when set, replaces the real transaction runner. Tests use
	// it to script responses without a network.
	transact transactFunc

	closeOnce sync.Once
}

type transactFunc func(ctx context.Context, ep connect.Endpoint, req *transport.Request, priority pool.Priority, siteCtx cookies.SameSiteContext, profile *fingerprint.Profile) (*transport.Response, error)

// NewContext creates a context with default configuration.
func NewContext() *Context {
	return NewContextWithConfig(Config{})
}

// NewContextWithConfig creates a context.
func NewContextWithConfig(cfg Config) *Context {
	profile := cfg.Profile
	if profile == nil {
		profile = fingerprint.Get("")
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}

	c := &Context{
		ID:      uuid.New().String(),
		Profile: profile,
		Cookies: cookies.NewStoreWithConfig(cookies.Config{
			SameSiteLaxByDefault: profile.SameSiteLaxByDefault,
		}),
		Pins:     pins.NewStore(),
		DNS:      dns.NewCache(),
		Auth:     NewAuthCache(),
		cfg:      cfg,
		profiles: make(map[string]*fingerprint.Profile),
	}

	if cfg.WithoutHSTSPreload {
		c.HSTS = hsts.NewStore()
	} else {
		c.HSTS = hsts.NewStoreWithPreload()
	}

	connectors := fingerprint.NewConnectorCache()
	connectors.InsecureSkipVerify = cfg.InsecureSkipVerify

	c.dialer = connect.NewDialer(connect.Config{
		DNS:            c.DNS,
		Connectors:     connectors,
		Pins:           c.Pins,
		ConnectTimeout: cfg.ConnectTimeout,
		ProxyAuth: func(host, port string) (string, string, bool) {
			creds, ok := c.Auth.LookupProxy(host, port)
			return creds.Username, creds.Password, ok
		},
	})

	c.registerProfile(profile)
	c.pool = pool.New(pool.Config{
		MaxPerGroup: cfg.MaxSocketsPerGroup,
		MaxTotal:    cfg.MaxSocketsTotal,
		Dial:        c.dialEndpoint,
	})
	c.factory = transport.NewFactory(c.pool)

	return c
}

// dialEndpoint is the pool's connect job: it recovers the fingerprint
// profile from the endpoint key and runs the connect pipeline.
func (c *Context) dialEndpoint(ctx context.Context, ep connect.Endpoint) (socket.Stream, error) {
	return c.dialer.Dial(ctx, ep, c.profileByHash(ep.ProfileHash))
}

// registerProfile makes a profile resolvable from its hash so per-request
// profile overrides reach the dialer.
func (c *Context) registerProfile(p *fingerprint.Profile) {
	hash := p.Hash()
	c.profileMu.Lock()
	if _, ok := c.profiles[hash]; !ok {
		c.profiles[hash] = p
	}
	c.profileMu.Unlock()
}

func (c *Context) profileByHash(hash string) *fingerprint.Profile {
	c.profileMu.RLock()
	defer c.profileMu.RUnlock()
	if p, ok := c.profiles[hash]; ok {
		return p
	}
	return c.Profile
}

// Pool exposes the context's pool for observability.
func (c *Context) Pool() *pool.Pool { return c.pool }

// Close shuts the context down, closing pooled sockets and cached sessions.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		c.factory.Close()
		c.pool.Close()
	})
}
