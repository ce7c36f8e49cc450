package cookies

import (
	"encoding/json"
	"time"
)

// PersistedCookie is the JSON record format for cookie persistence.
type PersistedCookie struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	Domain     string `json:"domain"`
	Path       string `json:"path"`
	Creation   int64  `json:"creation"`
	Expires    int64  `json:"expires,omitempty"` // 0 = session
	LastAccess int64  `json:"lastAccess"`
	Secure     bool   `json:"secure,omitempty"`
	HttpOnly   bool   `json:"httpOnly,omitempty"`
	HostOnly   bool   `json:"hostOnly,omitempty"`
	SameSite   string `json:"sameSite,omitempty"`
	Priority   int    `json:"priority"`
}

// Export serializes every non-expired cookie.
func (s *Store) Export() ([]byte, error) {
	now := time.Now()
	var records []PersistedCookie

	s.mu.RLock()
	buckets := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	s.mu.RUnlock()

	for _, b := range buckets {
		b.mu.Lock()
		for _, c := range b.list {
			if c.IsExpired(now) {
				continue
			}
			rec := PersistedCookie{
				Name:       c.Name,
				Value:      c.Value,
				Domain:     c.Domain,
				Path:       c.Path,
				Creation:   c.Creation.UnixMilli(),
				LastAccess: c.LastAccess.UnixMilli(),
				Secure:     c.Secure,
				HttpOnly:   c.HttpOnly,
				HostOnly:   c.HostOnly,
				SameSite:   c.SameSite.String(),
				Priority:   int(c.Priority),
			}
			if !c.Expires.IsZero() {
				rec.Expires = c.Expires.UnixMilli()
			}
			records = append(records, rec)
		}
		b.mu.Unlock()
	}

	return json.Marshal(records)
}

// Import loads cookies from a previous Export. Expired records are pruned.
// Returns the number of cookies loaded.
func (s *Store) Import(data []byte) (int, error) {
	var records []PersistedCookie
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, err
	}

	now := time.Now()
	loaded := 0
	for _, rec := range records {
		c := &CanonicalCookie{
			Name:       rec.Name,
			Value:      rec.Value,
			Domain:     rec.Domain,
			Path:       rec.Path,
			Creation:   time.UnixMilli(rec.Creation),
			LastAccess: time.UnixMilli(rec.LastAccess),
			Secure:     rec.Secure,
			HttpOnly:   rec.HttpOnly,
			HostOnly:   rec.HostOnly,
			Priority:   Priority(rec.Priority),
		}
		if rec.Expires != 0 {
			c.Expires = time.UnixMilli(rec.Expires)
		}
		switch rec.SameSite {
		case "None":
			c.SameSite = SameSiteNone
		case "Lax":
			c.SameSite = SameSiteLax
		case "Strict":
			c.SameSite = SameSiteStrict
		}

		if c.IsExpired(now) || c.Name == "" || c.Domain == "" {
			continue
		}
		s.setCanonical(c, now)
		loaded++
	}
	return loaded, nil
}
