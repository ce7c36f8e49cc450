package cookies

import (
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Default store limits, matching a mainstream browser.
const (
	DefaultMaxPerDomain = 50
	DefaultMaxTotal     = 3000
)

var (
	errPublicSuffixDomain = errors.New("cookie domain is a public suffix")
	errDomainMismatch     = errors.New("cookie domain does not cover request host")
	errPrefixViolation    = errors.New("cookie prefix requirements not met")
	errSameSiteNoneSecure = errors.New("SameSite=None requires Secure")
)

// Config configures a Store.
type Config struct {
	// MaxPerDomain caps cookies per registrable domain (default 50).
	MaxPerDomain int
	// MaxTotal caps cookies across all domains (default 3000).
	MaxTotal int
	// SameSiteLaxByDefault controls how SameSite-unspecified cookies are
	// treated at match time; set from the active emulation profile.
	SameSiteLaxByDefault bool
	// OnDropped, if set, is called when a Set-Cookie line is rejected.
	// Cookie parse failures are non-fatal to the request.
	OnDropped func(line string, err error)
}

// Store is a thread-safe cookie store bucketed by registrable domain.
// Writes take only the bucket's lock, so traffic to different sites does
// not contend.
type Store struct {
	mu      sync.RWMutex // guards the buckets map
	buckets map[string]*bucket
	cfg     Config

	countMu sync.Mutex
	total   int
}

type bucket struct {
	mu   sync.Mutex
	list []*CanonicalCookie
}

// NewStore creates a cookie store with default limits.
func NewStore() *Store {
	return NewStoreWithConfig(Config{})
}

// NewStoreWithConfig creates a cookie store with explicit limits.
func NewStoreWithConfig(cfg Config) *Store {
	if cfg.MaxPerDomain <= 0 {
		cfg.MaxPerDomain = DefaultMaxPerDomain
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = DefaultMaxTotal
	}
	return &Store{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
	}
}

// SetFromHeader parses a Set-Cookie header received from url and stores the
// resulting cookie. Rejections are reported through the error return and the
// OnDropped callback; callers treat them as non-fatal.
func (s *Store) SetFromHeader(u *url.URL, line string) error {
	err := s.setFromHeader(u, line, time.Now())
	if err != nil && s.cfg.OnDropped != nil {
		s.cfg.OnDropped(line, err)
	}
	return err
}

func (s *Store) setFromHeader(u *url.URL, line string, now time.Time) error {
	c, err := parseSetCookie(line, now)
	if err != nil {
		return err
	}

	host := strings.ToLower(u.Hostname())

	// Domain rule: an absent Domain attribute makes a host-only cookie; a
	// present one must cover the host and must not be a public suffix.
	if c.HostOnly {
		c.Domain = host
	} else {
		if isPublicSuffix(c.Domain) {
			// A public suffix equal to the host degrades to host-only
			// (Chromium behavior for e.g. a site literally at a suffix).
			if c.Domain == host {
				c.HostOnly = true
			} else {
				return errPublicSuffixDomain
			}
		} else if !validCookieDomain(c.Domain, host) {
			return errDomainMismatch
		}
	}

	secureOrigin := u.Scheme == "https"
	if strings.HasPrefix(c.Name, "__Secure-") {
		if !c.Secure || !secureOrigin {
			return errPrefixViolation
		}
	}
	if strings.HasPrefix(c.Name, "__Host-") {
		if !c.Secure || !secureOrigin || c.Path != "/" || !c.HostOnly {
			return errPrefixViolation
		}
	}

	if c.SameSite == SameSiteNone && !c.Secure {
		return errSameSiteNoneSecure
	}

	s.setCanonical(c, now)
	return nil
}

// setCanonical stores the cookie, replacing any cookie with the same
// (name, domain, path) and enforcing limits.
func (s *Store) setCanonical(c *CanonicalCookie, now time.Time) {
	key := registrableDomain(c.Domain)
	b := s.bucket(key)

	b.mu.Lock()
	removed := 0
	kept := b.list[:0]
	for _, old := range b.list {
		if old.Name == c.Name && old.Domain == c.Domain && old.Path == c.Path {
			removed++
			continue
		}
		kept = append(kept, old)
	}
	b.list = kept

	// A cookie that arrives already expired is a deletion.
	if c.IsExpired(now) {
		b.mu.Unlock()
		s.addTotal(-removed)
		return
	}

	// Per-domain cap with tiered eviction.
	evicted := 0
	for len(b.list) >= s.cfg.MaxPerDomain {
		if i := evictionIndex(b.list, now); i >= 0 {
			b.list = append(b.list[:i], b.list[i+1:]...)
			evicted++
		} else {
			break
		}
	}

	b.list = append(b.list, c)
	b.mu.Unlock()

	s.addTotal(1 - removed - evicted)
	s.enforceGlobalLimit(now)
}

// evictionIndex picks the cookie to evict: expired first, then lowest
// priority tier, then least recently accessed within the tier.
func evictionIndex(list []*CanonicalCookie, now time.Time) int {
	if len(list) == 0 {
		return -1
	}
	best := 0
	for i, c := range list {
		if better(c, list[best], now) {
			best = i
		}
	}
	return best
}

// better reports whether a should be evicted before b.
func better(a, b *CanonicalCookie, now time.Time) bool {
	ae, be := a.IsExpired(now), b.IsExpired(now)
	if ae != be {
		return ae
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.LastAccess.Before(b.LastAccess)
}

func (s *Store) enforceGlobalLimit(now time.Time) {
	for {
		s.countMu.Lock()
		over := s.total > s.cfg.MaxTotal
		s.countMu.Unlock()
		if !over {
			return
		}
		if !s.evictOneGlobal(now) {
			return
		}
	}
}

// evictOneGlobal removes the globally best eviction candidate.
func (s *Store) evictOneGlobal(now time.Time) bool {
	s.mu.RLock()
	keys := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	var victimKey string
	var victim *CanonicalCookie
	for _, k := range keys {
		b := s.bucket(k)
		b.mu.Lock()
		if i := evictionIndex(b.list, now); i >= 0 {
			c := b.list[i]
			if victim == nil || better(c, victim, now) {
				victim = c
				victimKey = k
			}
		}
		b.mu.Unlock()
	}
	if victim == nil {
		return false
	}

	b := s.bucket(victimKey)
	b.mu.Lock()
	for i, c := range b.list {
		if c == victim {
			b.list = append(b.list[:i], b.list[i+1:]...)
			b.mu.Unlock()
			s.addTotal(-1)
			return true
		}
	}
	b.mu.Unlock()
	return true // victim raced away; count already adjusted by the racer
}

// CookiesFor returns the cookies to send for the URL, sorted by path length
// (longest first) then creation time (oldest first), per RFC 6265 §5.4.
// Matching cookies get their last-access time refreshed.
func (s *Store) CookiesFor(u *url.URL, ctx SameSiteContext) []*CanonicalCookie {
	host := strings.ToLower(u.Hostname())
	b := s.lookupBucket(registrableDomain(host))
	if b == nil {
		return nil
	}

	now := time.Now()
	var result []*CanonicalCookie

	b.mu.Lock()
	for _, c := range b.list {
		if c.IsExpired(now) {
			continue
		}
		if !c.domainMatches(host) || !c.pathMatches(u.Path) {
			continue
		}
		if !c.shouldSend(u, ctx, s.cfg.SameSiteLaxByDefault) {
			continue
		}
		c.LastAccess = now
		cp := *c
		result = append(result, &cp)
	}
	b.mu.Unlock()

	sort.SliceStable(result, func(i, j int) bool {
		if len(result[i].Path) != len(result[j].Path) {
			return len(result[i].Path) > len(result[j].Path)
		}
		return result[i].Creation.Before(result[j].Creation)
	})
	return result
}

// Header returns the Cookie header value for the URL, or "".
func (s *Store) Header(u *url.URL, ctx SameSiteContext) string {
	cs := s.CookiesFor(u, ctx)
	if len(cs) == 0 {
		return ""
	}
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.Name + "=" + c.Value
	}
	return strings.Join(parts, "; ")
}

// Count returns the number of stored cookies.
func (s *Store) Count() int {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	return s.total
}

// CountForDomain returns the number of cookies bucketed under the
// registrable domain of host.
func (s *Store) CountForDomain(host string) int {
	b := s.lookupBucket(registrableDomain(strings.ToLower(host)))
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.list)
}

// Clear removes all cookies.
func (s *Store) Clear() {
	s.mu.Lock()
	s.buckets = make(map[string]*bucket)
	s.mu.Unlock()
	s.countMu.Lock()
	s.total = 0
	s.countMu.Unlock()
}

// ClearHost removes every cookie whose domain matches host exactly.
func (s *Store) ClearHost(host string) {
	host = strings.ToLower(host)
	b := s.lookupBucket(registrableDomain(host))
	if b == nil {
		return
	}
	b.mu.Lock()
	kept := b.list[:0]
	removed := 0
	for _, c := range b.list {
		if c.Domain == host {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	b.list = kept
	b.mu.Unlock()
	s.addTotal(-removed)
}

func (s *Store) bucket(key string) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	s.buckets[key] = b
	return b
}

func (s *Store) lookupBucket(key string) *bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buckets[key]
}

func (s *Store) addTotal(delta int) {
	if delta == 0 {
		return
	}
	s.countMu.Lock()
	s.total += delta
	if s.total < 0 {
		s.total = 0
	}
	s.countMu.Unlock()
}
