package fingerprint

import (
	"runtime"

	tls "github.com/refraction-networking/utls"

	"github.com/veilhttp/veilhttp/headers"
)

// HTTP/2 settings identifiers (RFC 7540 §6.5.2).
const (
	SettingHeaderTableSize      uint16 = 0x1
	SettingEnablePush           uint16 = 0x2
	SettingMaxConcurrentStreams uint16 = 0x3
	SettingInitialWindowSize    uint16 = 0x4
	SettingMaxFrameSize         uint16 = 0x5
	SettingMaxHeaderListSize    uint16 = 0x6
)

// PlatformInfo contains platform-specific header values.
type PlatformInfo struct {
	UserAgentOS        string // e.g., "(Windows NT 10.0; Win64; x64)" or "(X11; Linux x86_64)"
	Platform           string // e.g., "Windows", "Linux", "macOS"
	FirefoxUserAgentOS string // Firefox has slightly different format
}

// GetPlatformInfo returns platform-specific info based on runtime OS.
func GetPlatformInfo() PlatformInfo {
	switch runtime.GOOS {
	case "windows":
		return PlatformInfo{
			UserAgentOS:        "(Windows NT 10.0; Win64; x64)",
			Platform:           "Windows",
			FirefoxUserAgentOS: "(Windows NT 10.0; Win64; x64; rv:133.0)",
		}
	case "darwin":
		return PlatformInfo{
			UserAgentOS:        "(Macintosh; Intel Mac OS X 10_15_7)",
			Platform:           "macOS",
			FirefoxUserAgentOS: "(Macintosh; Intel Mac OS X 10.15; rv:133.0)",
		}
	default: // linux and others
		return PlatformInfo{
			UserAgentOS:        "(X11; Linux x86_64)",
			Platform:           "Linux",
			FirefoxUserAgentOS: "(X11; Linux x86_64; rv:133.0)",
		}
	}
}

// chromeHeaderOrder is the request header order Chrome emits, captured from
// real Chrome traffic. High-entropy Client Hints appear only after the
// server requests them via Accept-CH.
var chromeHeaderOrder = []string{
	"sec-ch-ua", "sec-ch-ua-mobile", "sec-ch-ua-platform",
	"upgrade-insecure-requests", "user-agent", "accept",
	"sec-fetch-site", "sec-fetch-mode", "sec-fetch-user", "sec-fetch-dest",
	"accept-encoding", "accept-language", "priority",
	"sec-ch-ua-arch", "sec-ch-ua-bitness", "sec-ch-ua-full-version-list",
	"sec-ch-ua-model", "sec-ch-ua-platform-version",
	"cache-control", "cookie", "origin", "pragma", "referer",
}

// chromeSettingsOrder is the SETTINGS key order Chrome sends.
// Chrome does not send MAX_CONCURRENT_STREAMS initially; announcing it is
// itself a fingerprint.
var chromeSettingsOrder = []uint16{
	SettingHeaderTableSize,
	SettingEnablePush,
	SettingInitialWindowSize,
	SettingMaxHeaderListSize,
}

// Chrome131 returns the Chrome 131 fingerprint profile.
func Chrome131() *Profile {
	p := GetPlatformInfo()
	return &Profile{
		Name:          "chrome-131",
		ClientHelloID: tls.HelloChrome_131,
		MinVersion:    tls.VersionTLS12,
		MaxVersion:    tls.VersionTLS13,
		ALPN:          []string{"h2", "http/1.1"},
		UserAgent:     "Mozilla/5.0 " + p.UserAgentOS + " AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Headers: []headers.Pair{
			// Low-entropy Client Hints only; high-entropy hints are sent
			// only after an Accept-CH request from the server.
			{Name: "sec-ch-ua", Value: `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`},
			{Name: "sec-ch-ua-mobile", Value: "?0"},
			{Name: "sec-ch-ua-platform", Value: `"` + p.Platform + `"`},
			{Name: "upgrade-insecure-requests", Value: "1"},
			{Name: "accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
			{Name: "sec-fetch-site", Value: "none"},
			{Name: "sec-fetch-mode", Value: "navigate"},
			{Name: "sec-fetch-user", Value: "?1"},
			{Name: "sec-fetch-dest", Value: "document"},
			{Name: "accept-encoding", Value: "gzip, deflate, br, zstd"},
			{Name: "accept-language", Value: "en-US,en;q=0.9"},
			{Name: "priority", Value: "u=0, i"},
		},
		HeaderOrder: chromeHeaderOrder,
		H2: H2Settings{
			HeaderTableSize:        65536,
			EnablePush:             false,
			MaxConcurrentStreams:   0, // no limit announced
			InitialWindowSize:      6291456,
			MaxFrameSize:           16384,
			MaxHeaderListSize:      262144,
			ConnectionWindowUpdate: 15663105,
			StreamWeight:           256,
			StreamExclusive:        true,
			SettingsOrder:          chromeSettingsOrder,
		},
		SameSiteLaxByDefault: true,
	}
}

// Chrome133 returns the Chrome 133 fingerprint profile.
func Chrome133() *Profile {
	p := Chrome131()
	pi := GetPlatformInfo()
	p.Name = "chrome-133"
	p.ClientHelloID = tls.HelloChrome_133
	p.UserAgent = "Mozilla/5.0 " + pi.UserAgentOS + " AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"
	for i := range p.Headers {
		if p.Headers[i].Name == "sec-ch-ua" {
			p.Headers[i].Value = `"Google Chrome";v="133", "Chromium";v="133", "Not_A Brand";v="24"`
		}
	}
	return p
}

// Firefox133 returns the Firefox 133 fingerprint profile.
func Firefox133() *Profile {
	p := GetPlatformInfo()
	return &Profile{
		Name:          "firefox-133",
		ClientHelloID: tls.HelloFirefox_120,
		MinVersion:    tls.VersionTLS12,
		MaxVersion:    tls.VersionTLS13,
		ALPN:          []string{"h2", "http/1.1"},
		UserAgent:     "Mozilla/5.0 " + p.FirefoxUserAgentOS + " Gecko/20100101 Firefox/133.0",
		Headers: []headers.Pair{
			{Name: "accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			{Name: "accept-language", Value: "en-US,en;q=0.5"},
			{Name: "accept-encoding", Value: "gzip, deflate, br"},
			{Name: "sec-fetch-dest", Value: "document"},
			{Name: "sec-fetch-mode", Value: "navigate"},
			{Name: "sec-fetch-site", Value: "none"},
			{Name: "sec-fetch-user", Value: "?1"},
		},
		HeaderOrder: []string{
			"user-agent", "accept", "accept-language", "accept-encoding",
			"cookie", "upgrade-insecure-requests",
			"sec-fetch-dest", "sec-fetch-mode", "sec-fetch-site", "sec-fetch-user",
		},
		H2: H2Settings{
			HeaderTableSize:        65536,
			EnablePush:             true,
			MaxConcurrentStreams:   0,
			InitialWindowSize:      131072,
			MaxFrameSize:           16384,
			MaxHeaderListSize:      0,
			ConnectionWindowUpdate: 12517377,
			StreamWeight:           42,
			StreamExclusive:        false,
			SettingsOrder: []uint16{
				SettingHeaderTableSize,
				SettingEnablePush,
				SettingInitialWindowSize,
				SettingMaxFrameSize,
			},
		},
		SameSiteLaxByDefault: true,
	}
}

// Safari18 returns the Safari 18 fingerprint profile.
func Safari18() *Profile {
	return &Profile{
		Name:          "safari-18",
		ClientHelloID: tls.HelloSafari_16_0,
		MinVersion:    tls.VersionTLS12,
		MaxVersion:    tls.VersionTLS13,
		ALPN:          []string{"h2", "http/1.1"},
		UserAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.0 Safari/605.1.15",
		Headers: []headers.Pair{
			{Name: "accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			{Name: "accept-language", Value: "en-US,en;q=0.9"},
			{Name: "accept-encoding", Value: "gzip, deflate, br"},
			{Name: "sec-fetch-dest", Value: "document"},
			{Name: "sec-fetch-mode", Value: "navigate"},
			{Name: "sec-fetch-site", Value: "none"},
		},
		HeaderOrder: []string{
			"user-agent", "accept", "accept-language", "accept-encoding",
			"cookie", "sec-fetch-dest", "sec-fetch-mode", "sec-fetch-site",
		},
		H2: H2Settings{
			HeaderTableSize:        4096,
			EnablePush:             true,
			MaxConcurrentStreams:   100,
			InitialWindowSize:      2097152,
			MaxFrameSize:           16384,
			MaxHeaderListSize:      0,
			ConnectionWindowUpdate: 10485760,
			StreamWeight:           255,
			StreamExclusive:        false,
			SettingsOrder: []uint16{
				SettingHeaderTableSize,
				SettingEnablePush,
				SettingMaxConcurrentStreams,
				SettingInitialWindowSize,
				SettingMaxFrameSize,
			},
		},
		// Safari kept SameSite unspecified behaving as None longer than
		// Chromium did.
		SameSiteLaxByDefault: false,
	}
}

var presets = map[string]func() *Profile{
	"chrome-131":  Chrome131,
	"chrome-133":  Chrome133,
	"firefox-133": Firefox133,
	"safari-18":   Safari18,
}

// Get returns a profile by name, or Chrome133 as default.
func Get(name string) *Profile {
	if fn, ok := presets[name]; ok {
		return fn()
	}
	return Chrome133()
}

// Available returns the known preset names.
func Available() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}
