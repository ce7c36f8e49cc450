package connect

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/veilhttp/veilhttp/dns"
	"github.com/veilhttp/veilhttp/fingerprint"
	"github.com/veilhttp/veilhttp/neterror"
	"github.com/veilhttp/veilhttp/pins"
	"github.com/veilhttp/veilhttp/socket"
)

const (
	// DefaultConnectTimeout bounds the whole TCP+proxy+TLS pipeline,
	// matching the reference browser's 4 minutes.
	DefaultConnectTimeout = 4 * time.Minute

	// DefaultFallbackDelay is the Happy Eyeballs stagger between address
	// attempts (RFC 8305 recommends 250 ms).
	DefaultFallbackDelay = 250 * time.Millisecond
)

// Config configures a Dialer.
type Config struct {
	DNS        *dns.Cache
	Connectors *fingerprint.ConnectorCache
	Pins       *pins.Store

	// ProxyProfile is the TLS profile used when handshaking with an HTTPS
	// proxy. When nil the target profile is used for the proxy leg too.
	ProxyProfile *fingerprint.Profile

	// ProxyAuth is consulted when a proxy answers 407 and the proxy URL
	// carried no credentials. Returns basic-auth credentials for the proxy
	// host:port, if known.
	ProxyAuth func(host, port string) (username, password string, ok bool)

	ConnectTimeout time.Duration
	FallbackDelay  time.Duration
}

// Dialer runs the connect pipeline for one endpoint.
type Dialer struct {
	cfg Config
}

// NewDialer creates a dialer. Nil caches are created on demand.
func NewDialer(cfg Config) *Dialer {
	if cfg.DNS == nil {
		cfg.DNS = dns.NewCache()
	}
	if cfg.Connectors == nil {
		cfg.Connectors = fingerprint.NewConnectorCache()
	}
	if cfg.Pins == nil {
		cfg.Pins = pins.NewStore()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = DefaultFallbackDelay
	}
	return &Dialer{cfg: cfg}
}

// Dial establishes a stream to the endpoint: DNS, Happy Eyeballs TCP, the
// configured proxy handshake, and the target TLS handshake with pin
// validation when the scheme is https.
func (d *Dialer) Dial(ctx context.Context, ep Endpoint, profile *fingerprint.Profile) (socket.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	// The first TCP hop goes to the proxy when one is configured.
	hopHost, hopPort := ep.Host, ep.Port
	if ep.Proxy != nil && ep.Proxy.Kind != ProxyNone {
		hopHost, hopPort = ep.Proxy.Host, ep.Proxy.Port
	}

	ips, err := d.cfg.DNS.ResolveAllSorted(ctx, hopHost)
	if err != nil {
		return nil, err
	}

	tcpConn, err := d.dialRace(ctx, ips, hopPort)
	if err != nil {
		var ne *neterror.Error
		if errors.As(err, &ne) {
			ne.Host, ne.Port = hopHost, hopPort
		}
		return nil, err
	}

	var stream socket.Stream = socket.NewTCP(tcpConn)

	if ep.Proxy != nil && ep.Proxy.Kind != ProxyNone {
		stream, err = d.proxyHandshake(ctx, stream, ep, profile)
		if err != nil {
			stream.Close()
			return nil, err
		}
	}

	if ep.Scheme == "https" {
		stream, err = d.targetTLS(ctx, stream, ep, profile)
		if err != nil {
			stream.Close()
			return nil, err
		}
	}

	return stream, nil
}

// proxyHandshake upgrades the stream through the configured proxy so that
// subsequent bytes reach the target.
func (d *Dialer) proxyHandshake(ctx context.Context, stream socket.Stream, ep Endpoint, profile *fingerprint.Profile) (socket.Stream, error) {
	switch ep.Proxy.Kind {
	case ProxyHTTP:
		if err := d.connectTunnel(ctx, stream, ep.Proxy, ep.Host, ep.Port); err != nil {
			return nil, err
		}
		return stream, nil

	case ProxyHTTPS:
		// TLS to the proxy first, then CONNECT inside that tunnel. The
		// later target TLS handshake stacks a second TLS layer on top.
		proxyProfile := d.cfg.ProxyProfile
		if proxyProfile == nil {
			proxyProfile = profile
		}
		tlsStream, err := d.handshakeTLS(ctx, stream, ep.Proxy.Host, proxyProfile)
		if err != nil {
			var ne *neterror.Error
			if errors.As(err, &ne) {
				ne.Kind = neterror.KindProxyConnectionFailed
				ne.Host, ne.Port = ep.Proxy.Host, ep.Proxy.Port
			}
			return nil, err
		}
		if err := d.connectTunnel(ctx, tlsStream, ep.Proxy, ep.Host, ep.Port); err != nil {
			return nil, err
		}
		return tlsStream, nil

	case ProxySOCKS5:
		if err := d.socks5Handshake(ctx, stream, ep.Proxy, ep.Host, ep.Port); err != nil {
			return nil, err
		}
		return stream, nil
	}
	return stream, nil
}

// targetTLS performs the TLS handshake with the origin and validates pins.
func (d *Dialer) targetTLS(ctx context.Context, stream socket.Stream, ep Endpoint, profile *fingerprint.Profile) (socket.Stream, error) {
	tlsStream, err := d.handshakeTLS(ctx, stream, ep.Host, profile)
	if err != nil {
		var ne *neterror.Error
		if errors.As(err, &ne) {
			ne.Host, ne.Port = ep.Host, ep.Port
		}
		return nil, err
	}

	state := tlsStream.ConnectionState()
	if d.cfg.Pins.HasPins(ep.Host) {
		if err := d.cfg.Pins.CheckChain(ep.Host, state.PeerCertificates); err != nil {
			return nil, err
		}
	}

	return tlsStream, nil
}

// handshakeTLS wraps stream in a TLS layer using the cached connector for
// the profile and completes the handshake.
func (d *Dialer) handshakeTLS(ctx context.Context, stream socket.Stream, host string, profile *fingerprint.Profile) (*socket.TLSStream, error) {
	if profile == nil {
		profile = fingerprint.Get("")
	}
	connector := d.cfg.Connectors.Get(profile)
	uconn := connector.Client(stream, host)

	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, classifyTLSError(err)
	}
	return socket.NewTLS(uconn, stream), nil
}

func classifyTLSError(err error) error {
	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) && certErr.Reason == x509.Expired {
		return neterror.Wrap(neterror.KindCertDateInvalid, "tls_handshake", err)
	}
	var authErr x509.UnknownAuthorityError
	if errors.As(err, &authErr) {
		return neterror.Wrap(neterror.KindCertAuthorityInvalid, "tls_handshake", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return neterror.Wrap(neterror.KindConnectionTimedOut, "tls_handshake", err)
	}
	return neterror.Wrap(neterror.KindTLSHandshakeFailed, "tls_handshake", err)
}

// dialRace implements Happy Eyeballs (RFC 8305): the first address starts
// immediately, each subsequent address starts after the fallback delay or as
// soon as the previous attempt fails, and the first success cancels the
// rest. The caller provides addresses IPv6-first.
func (d *Dialer) dialRace(ctx context.Context, ips []net.IP, port string) (*net.TCPConn, error) {
	if len(ips) == 0 {
		return nil, neterror.New(neterror.KindNameNotResolved, "dial")
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialOutcome, len(ips))
	dialer := &net.Dialer{}

	start := func(ip net.IP) {
		go func() {
			conn, err := dialer.DialContext(raceCtx, "tcp", net.JoinHostPort(ip.String(), port))
			results <- dialOutcome{conn, err}
		}()
	}

	started, pending := 1, 1
	start(ips[0])

	var lastErr error
	timer := time.NewTimer(d.cfg.FallbackDelay)
	defer timer.Stop()

	for pending > 0 || started < len(ips) {
		select {
		case r := <-results:
			pending--
			if r.err == nil {
				// Winner: any attempt that completes later is closed as it
				// lands.
				go drainRace(results, pending)
				return r.conn.(*net.TCPConn), nil
			}
			lastErr = r.err
			if started < len(ips) {
				start(ips[started])
				started++
				pending++
			}

		case <-timer.C:
			if started < len(ips) {
				start(ips[started])
				started++
				pending++
				timer.Reset(d.cfg.FallbackDelay)
			}

		case <-ctx.Done():
			go drainRace(results, pending)
			return nil, neterror.Wrap(neterror.KindConnectionTimedOut, "dial", ctx.Err())
		}
	}

	return nil, classifyDialError(lastErr)
}

type dialOutcome struct {
	conn net.Conn
	err  error
}

func drainRace(results chan dialOutcome, pending int) {
	for i := 0; i < pending; i++ {
		if r := <-results; r.conn != nil {
			r.conn.Close()
		}
	}
}

// classifyDialError maps OS-level connect failures onto the error taxonomy.
func classifyDialError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ECONNREFUSED):
		return neterror.Wrap(neterror.KindConnectionRefused, "dial", err)
	case errors.Is(err, syscall.ECONNRESET):
		return neterror.Wrap(neterror.KindConnectionReset, "dial", err)
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return neterror.Wrap(neterror.KindAddressUnreachable, "dial", err)
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return neterror.Wrap(neterror.KindConnectionTimedOut, "dial", err)
	default:
		return neterror.Wrap(neterror.KindConnectionRefused, "dial", err)
	}
}
