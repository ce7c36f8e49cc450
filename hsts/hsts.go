// Package hsts implements HTTP Strict Transport Security: a preloaded set
// of force-HTTPS hosts merged with dynamic entries learned from
// Strict-Transport-Security response headers.
package hsts

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Entry records the HSTS state for one host.
type Entry struct {
	IncludeSubdomains bool
	// Expires is zero for preloaded (permanent) entries.
	Expires time.Time
}

// IsExpired reports whether the entry is no longer valid.
func (e Entry) IsExpired() bool {
	return !e.Expires.IsZero() && time.Now().After(e.Expires)
}

// Store is a thread-safe HSTS store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewStore creates an empty HSTS store.
func NewStore() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// preloaded is a small subset of the browser preload list.
var preloaded = []struct {
	host              string
	includeSubdomains bool
}{
	{"google.com", true},
	{"accounts.google.com", true},
	{"mail.google.com", true},
	{"youtube.com", true},
	{"facebook.com", true},
	{"twitter.com", true},
	{"github.com", true},
	{"paypal.com", true},
	{"stripe.com", true},
	{"cloudflare.com", true},
}

// NewStoreWithPreload creates a store seeded with common preloaded hosts.
func NewStoreWithPreload() *Store {
	s := NewStore()
	for _, p := range preloaded {
		s.AddPreloaded(p.host, p.includeSubdomains)
	}
	return s
}

// AddPreloaded inserts a permanent entry.
func (s *Store) AddPreloaded(host string, includeSubdomains bool) {
	s.mu.Lock()
	s.entries[strings.ToLower(host)] = Entry{IncludeSubdomains: includeSubdomains}
	s.mu.Unlock()
}

// ShouldUpgrade reports whether requests to host must be rewritten to HTTPS.
// The check runs before DNS so even the lookup never leaks over plaintext
// paths it shouldn't.
func (s *Store) ShouldUpgrade(host string) bool {
	host = strings.ToLower(host)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[host]; ok && !e.IsExpired() {
		return true
	}

	// Walk parent domains for includeSubdomains entries.
	current := host
	for {
		idx := strings.IndexByte(current, '.')
		if idx < 0 || idx+1 >= len(current) {
			return false
		}
		current = current[idx+1:]
		if e, ok := s.entries[current]; ok && !e.IsExpired() && e.IncludeSubdomains {
			return true
		}
	}
}

// AddFromHeader parses a Strict-Transport-Security header value and records
// the entry. max-age=0 removes the host. Adding the same
// (host, max-age, includeSubDomains) tuple twice is idempotent.
func (s *Store) AddFromHeader(host, header string) {
	var maxAge int64 = -1
	includeSubdomains := false

	for _, part := range strings.Split(header, ";") {
		part = strings.ToLower(strings.TrimSpace(part))
		if v, ok := strings.CutPrefix(part, "max-age="); ok {
			if secs, err := strconv.ParseInt(strings.Trim(v, `"`), 10, 64); err == nil {
				maxAge = secs
			}
		} else if part == "includesubdomains" {
			includeSubdomains = true
		}
		// "preload" is informational only.
	}

	if maxAge < 0 {
		return // max-age is required
	}

	host = strings.ToLower(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxAge == 0 {
		delete(s.entries, host)
		return
	}
	s.entries[host] = Entry{
		IncludeSubdomains: includeSubdomains,
		Expires:           time.Now().Add(time.Duration(maxAge) * time.Second),
	}
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// persistedEntry is the JSON record for dynamic HSTS persistence.
type persistedEntry struct {
	Host              string `json:"host"`
	IncludeSubdomains bool   `json:"includeSubdomains"`
	Expires           int64  `json:"expires,omitempty"`
}

// Export serializes the non-expired dynamic entries. Preloaded entries are
// compiled in and not exported.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []persistedEntry
	for host, e := range s.entries {
		if e.Expires.IsZero() || e.IsExpired() {
			continue
		}
		records = append(records, persistedEntry{
			Host:              host,
			IncludeSubdomains: e.IncludeSubdomains,
			Expires:           e.Expires.Unix(),
		})
	}
	return json.Marshal(records)
}

// Import merges previously exported entries, skipping expired ones.
// Returns the number of entries loaded.
func (s *Store) Import(data []byte) (int, error) {
	var records []persistedEntry
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, err
	}

	now := time.Now()
	loaded := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.Expires == 0 || time.Unix(rec.Expires, 0).Before(now) {
			continue
		}
		s.entries[strings.ToLower(rec.Host)] = Entry{
			IncludeSubdomains: rec.IncludeSubdomains,
			Expires:           time.Unix(rec.Expires, 0),
		}
		loaded++
	}
	return loaded, nil
}
