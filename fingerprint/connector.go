package fingerprint

import (
	"net"
	"sync"

	tls "github.com/refraction-networking/utls"

	"github.com/veilhttp/veilhttp/keylog"
)

// Connector produces TLS client connections for one profile. Building the
// underlying config is the dominant connection-setup cost, so connectors are
// created once per profile and shared across connections.
type Connector struct {
	profile  *Profile
	config   *tls.Config
	sessions tls.ClientSessionCache
}

// Client wraps conn in a TLS client connection targeting host. SNI is sent
// only when host is a DNS name (RFC 6066 forbids IP literals).
func (c *Connector) Client(conn net.Conn, host string) *tls.UConn {
	cfg := c.config.Clone()
	if net.ParseIP(host) == nil {
		cfg.ServerName = host
	}
	uconn := tls.UClient(conn, cfg, c.profile.ClientHelloID)
	uconn.SetSessionCache(c.sessions)
	return uconn
}

// Profile returns the profile this connector was built from.
func (c *Connector) Profile() *Profile { return c.profile }

// ConnectorCache caches built connectors keyed by profile hash. The cache is
// append-only: a profile is immutable after build, so its connector never
// needs invalidation.
type ConnectorCache struct {
	mu         sync.RWMutex
	connectors map[string]*Connector

	// InsecureSkipVerify disables certificate verification on every
	// connector built by this cache. Test use only.
	InsecureSkipVerify bool
}

// NewConnectorCache creates an empty connector cache.
func NewConnectorCache() *ConnectorCache {
	return &ConnectorCache{connectors: make(map[string]*Connector)}
}

// Get returns the cached connector for the profile, building it on first use.
func (cc *ConnectorCache) Get(p *Profile) *Connector {
	key := p.Hash()

	cc.mu.RLock()
	c, ok := cc.connectors[key]
	cc.mu.RUnlock()
	if ok {
		return c
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if c, ok = cc.connectors[key]; ok {
		return c
	}

	cfg := &tls.Config{
		MinVersion:         p.MinVersion,
		MaxVersion:         p.MaxVersion,
		NextProtos:         p.ALPN,
		InsecureSkipVerify: cc.InsecureSkipVerify,
		KeyLogWriter:       keylog.GetWriter(),
	}

	c = &Connector{
		profile:  p,
		config:   cfg,
		sessions: tls.NewLRUClientSessionCache(64),
	}
	cc.connectors[key] = c
	return c
}

// Len returns the number of cached connectors.
func (cc *ConnectorCache) Len() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.connectors)
}
