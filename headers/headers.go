// Package headers provides an insertion-order-preserving header map.
//
// HTTP/2 transmits headers in the order they were added, and anti-bot
// systems fingerprint that order, so the usual map-based header types are
// unsuitable for request construction. OrderedMap keeps a dense sequence of
// name/value pairs and updates values in place so a header's position never
// changes once set.
package headers

import "strings"

// Pair is a single header name/value entry. Names are stored lowercase.
type Pair struct {
	Name  string
	Value string
}

// OrderedMap is a sequence of header pairs preserving insertion order.
// The zero value is ready to use. It is not safe for concurrent use.
type OrderedMap struct {
	pairs []Pair
}

// New creates an empty OrderedMap.
func New() *OrderedMap {
	return &OrderedMap{}
}

// Set inserts the header, replacing the value in place if the name is
// already present. If duplicates of the name exist from earlier Add calls,
// the first keeps its position with the new value and the rest are removed.
func (m *OrderedMap) Set(name, value string) {
	name = strings.ToLower(name)
	found := false
	out := m.pairs[:0]
	for _, p := range m.pairs {
		if p.Name == name {
			if found {
				continue // drop duplicates beyond the first
			}
			p.Value = value
			found = true
		}
		out = append(out, p)
	}
	m.pairs = out
	if !found {
		m.pairs = append(m.pairs, Pair{Name: name, Value: value})
	}
}

// Add appends the header without deduplicating.
func (m *OrderedMap) Add(name, value string) {
	m.pairs = append(m.pairs, Pair{Name: strings.ToLower(name), Value: value})
}

// Get returns the first value for the name.
func (m *OrderedMap) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, p := range m.pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Values returns every value recorded for the name, in order.
func (m *OrderedMap) Values(name string) []string {
	name = strings.ToLower(name)
	var vals []string
	for _, p := range m.pairs {
		if p.Name == name {
			vals = append(vals, p.Value)
		}
	}
	return vals
}

// Has reports whether the name is present.
func (m *OrderedMap) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Del removes every pair with the name.
func (m *OrderedMap) Del(name string) {
	name = strings.ToLower(name)
	out := m.pairs[:0]
	for _, p := range m.pairs {
		if p.Name != name {
			out = append(out, p)
		}
	}
	m.pairs = out
}

// Len returns the number of pairs.
func (m *OrderedMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.pairs)
}

// Pairs returns a copy of the pairs in insertion order.
func (m *OrderedMap) Pairs() []Pair {
	if m == nil {
		return nil
	}
	out := make([]Pair, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// Clone returns a deep copy.
func (m *OrderedMap) Clone() *OrderedMap {
	if m == nil {
		return New()
	}
	return &OrderedMap{pairs: m.Pairs()}
}
