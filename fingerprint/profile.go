// Package fingerprint describes the externally observable identity of the
// client: the TLS ClientHello shape, the HTTP/2 SETTINGS frame, and the
// header/User-Agent preset of the emulated browser.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	tls "github.com/refraction-networking/utls"

	"github.com/veilhttp/veilhttp/headers"
)

// H2Settings contains the HTTP/2 connection parameters a browser announces.
// SettingsOrder controls the key order inside the SETTINGS frame, which is
// part of the HTTP/2 fingerprint.
type H2Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32

	// Connection-level WINDOW_UPDATE increment sent right after SETTINGS.
	ConnectionWindowUpdate uint32

	// Stream priority as carried on HEADERS frames.
	StreamWeight    uint16
	StreamExclusive bool

	// SETTINGS identifiers in the order the browser sends them. Identifiers
	// absent from the list are not sent at all.
	SettingsOrder []uint16
}

// Profile is the immutable fingerprint configuration for one emulated
// browser. Build one with a preset constructor and do not mutate it after
// handing it to a client context.
type Profile struct {
	Name string

	// TLS shape.
	ClientHelloID tls.ClientHelloID
	MinVersion    uint16
	MaxVersion    uint16
	ALPN          []string

	// Header identity.
	UserAgent string
	// Headers are the preset headers in the exact order the browser emits
	// them on a top-level navigation.
	Headers []headers.Pair
	// HeaderOrder is the canonical lowercase header name order used when
	// re-encoding HTTP/2 HEADERS blocks. Names not listed keep their
	// original relative order after the listed ones.
	HeaderOrder []string

	H2 H2Settings

	// SameSiteLaxByDefault selects the cookie default for SameSite
	// unspecified, which browsers changed at different versions.
	SameSiteLaxByDefault bool
}

// Hash returns a stable structural digest of the profile. Endpoint keys
// embed it so connections with different fingerprints never share sockets,
// and the connector cache uses it as its key.
func (p *Profile) Hash() string {
	h := sha256.New()
	io := func(s string) { h.Write([]byte(s)); h.Write([]byte{0}) }

	io(p.ClientHelloID.Client)
	io(p.ClientHelloID.Version)
	var buf [4]byte
	binary.BigEndian.PutUint16(buf[:2], p.MinVersion)
	binary.BigEndian.PutUint16(buf[2:], p.MaxVersion)
	h.Write(buf[:])
	io(strings.Join(p.ALPN, ","))
	io(p.UserAgent)
	for _, hp := range p.Headers {
		io(hp.Name + "=" + hp.Value)
	}
	io(strings.Join(p.HeaderOrder, ","))

	s := p.H2
	io(fmt.Sprintf("%d|%t|%d|%d|%d|%d|%d|%d|%t",
		s.HeaderTableSize, s.EnablePush, s.MaxConcurrentStreams,
		s.InitialWindowSize, s.MaxFrameSize, s.MaxHeaderListSize,
		s.ConnectionWindowUpdate, s.StreamWeight, s.StreamExclusive))
	for _, id := range s.SettingsOrder {
		binary.BigEndian.PutUint16(buf[:2], id)
		h.Write(buf[:2])
	}

	return hex.EncodeToString(h.Sum(nil)[:16])
}

// PresetHeaders returns a fresh OrderedMap seeded with the profile's preset
// headers in their canonical order.
func (p *Profile) PresetHeaders() *headers.OrderedMap {
	m := headers.New()
	for _, hp := range p.Headers {
		m.Set(hp.Name, hp.Value)
	}
	return m
}
