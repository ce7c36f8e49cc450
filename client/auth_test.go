package client

import "testing"

func TestBasicHeaderValue(t *testing.T) {
	creds := BasicCredentials{Username: "user", Password: "pass"}
	// base64("user:pass") = dXNlcjpwYXNz
	if got := creds.HeaderValue(); got != "Basic dXNlcjpwYXNz" {
		t.Fatalf("HeaderValue = %q", got)
	}
}

func TestServerCredentialsPerRealm(t *testing.T) {
	a := NewAuthCache()
	a.StoreServer("example.com", "443", "Realm1", BasicCredentials{Username: "u1", Password: "p1"})
	a.StoreServer("example.com", "443", "Realm2", BasicCredentials{Username: "u2", Password: "p2"})

	c1, ok1 := a.LookupServer("EXAMPLE.com", "443", "Realm1")
	c2, ok2 := a.LookupServer("example.com", "443", "Realm2")
	if !ok1 || !ok2 || c1.Username != "u1" || c2.Username != "u2" {
		t.Fatalf("lookups = %v/%v %v/%v", c1, ok1, c2, ok2)
	}

	if _, ok := a.LookupServer("example.com", "443", "Other"); ok {
		t.Fatal("unknown realm resolved")
	}
}

func TestProxyCredentials(t *testing.T) {
	a := NewAuthCache()
	a.StoreProxy("proxy.example", "8080", BasicCredentials{Username: "u", Password: "p"})

	if c, ok := a.LookupProxy("proxy.example", "8080"); !ok || c.Username != "u" {
		t.Fatalf("lookup = %v, %v", c, ok)
	}
	if _, ok := a.LookupProxy("proxy.example", "3128"); ok {
		t.Fatal("wrong port resolved")
	}
}

func TestRemoveHost(t *testing.T) {
	a := NewAuthCache()
	a.StoreServer("a.example", "443", "R1", BasicCredentials{Username: "u"})
	a.StoreServer("a.example", "443", "R2", BasicCredentials{Username: "u"})
	a.StoreServer("b.example", "443", "R1", BasicCredentials{Username: "u"})

	a.RemoveHost("a.example", "443")

	if _, ok := a.LookupServer("a.example", "443", "R1"); ok {
		t.Fatal("removed host entry survived")
	}
	if _, ok := a.LookupServer("b.example", "443", "R1"); !ok {
		t.Fatal("other host entry removed")
	}
}
