// Package dns provides TTL-aware DNS caching for the connect pipeline.
// Lookups go through a real DNS client so record TTLs are honored, with the
// system resolver as a fallback for environments where direct queries are
// blocked.
package dns

import (
	"context"
	"net"
	"sync"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/veilhttp/veilhttp/neterror"
)

// Entry represents a cached DNS result.
type Entry struct {
	IPs       []net.IP
	ExpiresAt time.Time
	LookupAt  time.Time
}

// IsExpired checks if the entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache resolves hostnames and caches results for their record TTL.
type Cache struct {
	entries  map[string]*Entry
	mu       sync.RWMutex
	client   *mdns.Client
	servers  []string
	fallback *net.Resolver

	defaultTTL time.Duration
	minTTL     time.Duration
	maxTTL     time.Duration
}

// NewCache creates a DNS cache using the system's configured nameservers.
func NewCache() *Cache {
	c := &Cache{
		entries:    make(map[string]*Entry),
		client:     &mdns.Client{Timeout: 5 * time.Second},
		fallback:   net.DefaultResolver,
		defaultTTL: 5 * time.Minute,
		minTTL:     30 * time.Second, // prevents hammering on tiny TTLs
		maxTTL:     time.Hour,
	}

	if conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, s := range conf.Servers {
			c.servers = append(c.servers, net.JoinHostPort(s, conf.Port))
		}
	}
	return c
}

// Resolve returns the IP addresses for a hostname, serving cached entries
// while they are fresh. If a refresh lookup fails but a stale entry exists,
// the stale entry is served.
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	c.mu.RLock()
	entry, exists := c.entries[host]
	c.mu.RUnlock()

	if exists && !entry.IsExpired() {
		return entry.IPs, nil
	}

	ips, ttl, err := c.lookup(ctx, host)
	if err != nil {
		if exists {
			return entry.IPs, nil
		}
		return nil, neterror.Wrap(neterror.KindNameNotResolved, "resolve", err).WithHost(host, "")
	}

	c.mu.Lock()
	c.entries[host] = &Entry{
		IPs:       ips,
		ExpiresAt: time.Now().Add(ttl),
		LookupAt:  time.Now(),
	}
	c.mu.Unlock()

	return ips, nil
}

// ResolveAllSorted returns all addresses ordered for Happy Eyeballs
// (RFC 8305): IPv6 first, then IPv4.
func (c *Cache) ResolveAllSorted(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, neterror.New(neterror.KindNameNotResolved, "resolve").WithHost(host, "")
	}

	var v6, v4 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}
	return append(v6, v4...), nil
}

// lookup queries A and AAAA records directly, falling back to the system
// resolver. A direct answer's TTL is the smallest record TTL, clamped; the
// system-resolver path returns the default TTL.
func (c *Cache) lookup(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	if len(c.servers) > 0 {
		ips, ttl, err := c.queryDirect(ctx, host)
		if err == nil && len(ips) > 0 {
			return ips, ttl, nil
		}
	}

	addrs, err := c.fallback.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, 0, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, c.defaultTTL, nil
}

func (c *Cache) queryDirect(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	fqdn := mdns.Fqdn(host)
	var ips []net.IP
	minTTL := uint32(0)
	var lastErr error

	for _, qtype := range []uint16{mdns.TypeAAAA, mdns.TypeA} {
		msg := new(mdns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		var resp *mdns.Msg
		for _, server := range c.servers {
			r, _, err := c.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			resp = r
			break
		}
		if resp == nil {
			continue
		}

		for _, rr := range resp.Answer {
			var ip net.IP
			switch a := rr.(type) {
			case *mdns.AAAA:
				ip = a.AAAA
			case *mdns.A:
				ip = a.A
			default:
				continue
			}
			ips = append(ips, ip)
			ttl := rr.Header().Ttl
			if minTTL == 0 || ttl < minTTL {
				minTTL = ttl
			}
		}
	}

	if len(ips) == 0 {
		if lastErr != nil {
			return nil, 0, lastErr
		}
		return nil, 0, &net.DNSError{Err: "no addresses found", Name: host}
	}

	ttl := time.Duration(minTTL) * time.Second
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	return ips, ttl, nil
}

// Cleanup removes expired entries.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, entry := range c.entries {
		if entry.IsExpired() {
			delete(c.entries, host)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Put inserts a cache entry directly. Tests use it to pin name resolution.
func (c *Cache) Put(host string, ips []net.IP, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[host] = &Entry{IPs: ips, ExpiresAt: time.Now().Add(ttl), LookupAt: time.Now()}
}
