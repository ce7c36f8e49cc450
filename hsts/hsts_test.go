package hsts

import "testing"

func TestExactMatch(t *testing.T) {
	s := NewStore()
	s.AddPreloaded("example.com", false)

	if !s.ShouldUpgrade("example.com") {
		t.Error("exact host not upgraded")
	}
	if !s.ShouldUpgrade("EXAMPLE.COM") {
		t.Error("case-insensitive match failed")
	}
	if s.ShouldUpgrade("sub.example.com") {
		t.Error("subdomain upgraded without includeSubdomains")
	}
}

func TestSubdomainMatch(t *testing.T) {
	s := NewStore()
	s.AddPreloaded("example.com", true)

	for _, host := range []string{"example.com", "sub.example.com", "deep.sub.example.com"} {
		if !s.ShouldUpgrade(host) {
			t.Errorf("%s not upgraded", host)
		}
	}
	if s.ShouldUpgrade("notexample.com") {
		t.Error("sibling domain upgraded")
	}
}

func TestAddFromHeader(t *testing.T) {
	s := NewStore()
	s.AddFromHeader("example.com", "max-age=31536000; includeSubDomains; preload")

	if !s.ShouldUpgrade("example.com") || !s.ShouldUpgrade("sub.example.com") {
		t.Error("header entry not effective")
	}
}

func TestAddFromHeaderNoSubdomains(t *testing.T) {
	s := NewStore()
	s.AddFromHeader("example.com", "max-age=31536000")

	if !s.ShouldUpgrade("example.com") {
		t.Error("host not upgraded")
	}
	if s.ShouldUpgrade("sub.example.com") {
		t.Error("subdomain upgraded")
	}
}

func TestMaxAgeZeroRemoves(t *testing.T) {
	s := NewStore()
	s.AddFromHeader("example.com", "max-age=31536000")
	s.AddFromHeader("example.com", "max-age=0")

	if s.ShouldUpgrade("example.com") {
		t.Error("entry survived max-age=0")
	}
}

func TestHeaderWithoutMaxAgeIgnored(t *testing.T) {
	s := NewStore()
	s.AddFromHeader("example.com", "includeSubDomains")

	if s.Len() != 0 {
		t.Error("entry added without max-age")
	}
}

func TestAddFromHeaderIdempotent(t *testing.T) {
	s := NewStore()
	s.AddFromHeader("example.com", "max-age=100; includeSubDomains")
	s.AddFromHeader("example.com", "max-age=100; includeSubDomains")

	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestPreloadSet(t *testing.T) {
	s := NewStoreWithPreload()

	if !s.ShouldUpgrade("google.com") || !s.ShouldUpgrade("mail.google.com") {
		t.Error("preloaded hosts not upgraded")
	}
	if s.ShouldUpgrade("unknown.example") {
		t.Error("unknown host upgraded")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := NewStore()
	s.AddFromHeader("dynamic.example", "max-age=3600; includeSubDomains")
	s.AddPreloaded("static.example", true)

	data, err := s.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	loaded := NewStore()
	n, err := loaded.Import(data)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 1 {
		t.Fatalf("loaded = %d, want 1 (preloaded entries are not exported)", n)
	}
	if !loaded.ShouldUpgrade("sub.dynamic.example") {
		t.Error("imported entry not effective")
	}
}
