package headers

import "testing"

func TestSetAndGet(t *testing.T) {
	m := New()
	m.Set("Content-Type", "application/json")

	v, ok := m.Get("content-type")
	if !ok || v != "application/json" {
		t.Fatalf("Get = %q, %v; want application/json", v, ok)
	}
}

func TestSetReplacesInPlace(t *testing.T) {
	m := New()
	m.Set("Host", "example.com")
	m.Set("Accept", "text/html")
	m.Set("Host", "updated.com")

	pairs := m.Pairs()
	if len(pairs) != 2 {
		t.Fatalf("len = %d, want 2", len(pairs))
	}
	if pairs[0].Name != "host" || pairs[0].Value != "updated.com" {
		t.Errorf("first pair = %+v, want host=updated.com at original position", pairs[0])
	}
}

func TestSetCollapsesDuplicates(t *testing.T) {
	m := New()
	m.Add("X-Tag", "a")
	m.Add("Accept", "text/html")
	m.Add("X-Tag", "b")
	m.Set("X-Tag", "c")

	if got := m.Values("x-tag"); len(got) != 1 || got[0] != "c" {
		t.Fatalf("Values = %v, want [c]", got)
	}
	pairs := m.Pairs()
	if pairs[0].Name != "x-tag" {
		t.Errorf("first pair = %+v, want x-tag to keep first position", pairs[0])
	}
}

func TestAddKeepsDuplicates(t *testing.T) {
	m := New()
	m.Add("Set-Cookie", "a=1")
	m.Add("Set-Cookie", "b=2")

	if got := m.Values("set-cookie"); len(got) != 2 {
		t.Fatalf("Values = %v, want two entries", got)
	}
}

func TestDelRemovesAll(t *testing.T) {
	m := New()
	m.Add("X-Custom", "1")
	m.Add("X-Custom", "2")
	m.Del("x-custom")

	if m.Has("X-Custom") {
		t.Fatal("header still present after Del")
	}
}

func TestInsertionOrderPreserved(t *testing.T) {
	m := New()
	names := []string{"host", "user-agent", "accept", "accept-language", "cookie"}
	for _, n := range names {
		m.Set(n, "v")
	}

	for i, p := range m.Pairs() {
		if p.Name != names[i] {
			t.Fatalf("pair %d = %q, want %q", i, p.Name, names[i])
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := New()
	m.Set("A", "1")
	c := m.Clone()
	c.Set("A", "2")

	if v, _ := m.Get("A"); v != "1" {
		t.Fatalf("clone mutated original: %q", v)
	}
}

func TestNilReceiverReads(t *testing.T) {
	var m *OrderedMap
	if m.Len() != 0 || m.Pairs() != nil {
		t.Fatal("nil map should read as empty")
	}
}
