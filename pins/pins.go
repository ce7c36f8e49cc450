// Package pins implements SPKI certificate pinning. A pin set lists the
// SHA-256 hashes of SubjectPublicKeyInfo structures allowed to appear in a
// host's certificate chain; a chain containing none of them fails the
// connection. Expired pin sets fail open, matching browser behavior.
package pins

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/veilhttp/veilhttp/neterror"
)

// SPKIHash is the SHA-256 digest of a certificate's SubjectPublicKeyInfo.
type SPKIHash [sha256.Size]byte

// HashCert computes the SPKI hash of a certificate.
func HashCert(cert *x509.Certificate) SPKIHash {
	return sha256.Sum256(cert.RawSubjectPublicKeyInfo)
}

// HashChain computes the SPKI hash of every certificate in a chain.
func HashChain(chain []*x509.Certificate) []SPKIHash {
	hashes := make([]SPKIHash, len(chain))
	for i, cert := range chain {
		hashes[i] = HashCert(cert)
	}
	return hashes
}

// PinSet is the pin configuration for one domain.
type PinSet struct {
	Domain            string
	IncludeSubdomains bool
	Pins              []SPKIHash
	// Expires is zero for permanent pins. Expired pin sets are ignored.
	Expires time.Time
}

// IsExpired reports whether the pin set should be ignored.
func (p *PinSet) IsExpired() bool {
	return !p.Expires.IsZero() && time.Now().After(p.Expires)
}

// AddPinBase64 appends a base64-encoded SHA-256 pin, the format used in
// Public-Key-Pins style configuration.
func (p *PinSet) AddPinBase64(pin string) error {
	raw, err := base64.StdEncoding.DecodeString(pin)
	if err != nil {
		return err
	}
	if len(raw) != sha256.Size {
		return errors.New("pin must be a SHA-256 digest")
	}
	var h SPKIHash
	copy(h[:], raw)
	p.Pins = append(p.Pins, h)
	return nil
}

// Store is a thread-safe collection of pin sets.
type Store struct {
	mu   sync.RWMutex
	sets map[string]*PinSet
}

// NewStore creates an empty pin store.
func NewStore() *Store {
	return &Store{sets: make(map[string]*PinSet)}
}

// Add registers a pin set, replacing any existing set for the domain.
func (s *Store) Add(p *PinSet) {
	s.mu.Lock()
	s.sets[strings.ToLower(p.Domain)] = p
	s.mu.Unlock()
}

// lookup finds the pin set covering host: an exact entry, or the nearest
// ancestor with IncludeSubdomains. Expired sets are skipped.
func (s *Store) lookup(host string) *PinSet {
	host = strings.ToLower(host)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.sets[host]; ok && !p.IsExpired() {
		return p
	}
	current := host
	for {
		idx := strings.IndexByte(current, '.')
		if idx < 0 || idx+1 >= len(current) {
			return nil
		}
		current = current[idx+1:]
		if p, ok := s.sets[current]; ok && !p.IsExpired() && p.IncludeSubdomains {
			return p
		}
	}
}

// HasPins reports whether an unexpired pin set covers host.
func (s *Store) HasPins(host string) bool {
	return s.lookup(host) != nil
}

// Check validates a certificate chain's SPKI hashes against the pins for
// host. It returns nil when no pins apply (including expired sets) or when
// any chain hash matches a pin; otherwise it fails with PinnedKeyNotInChain.
func (s *Store) Check(host string, chain []SPKIHash) error {
	p := s.lookup(host)
	if p == nil {
		return nil
	}

	for _, got := range chain {
		for _, want := range p.Pins {
			if got == want {
				return nil
			}
		}
	}
	return neterror.New(neterror.KindPinnedKeyNotInChain, "pin_check").WithHost(host, "")
}

// CheckChain is Check over raw certificates.
func (s *Store) CheckChain(host string, chain []*x509.Certificate) error {
	if s.lookup(host) == nil {
		return nil
	}
	return s.Check(host, HashChain(chain))
}

// Len returns the number of registered pin sets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets)
}
