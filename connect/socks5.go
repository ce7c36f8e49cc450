package connect

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/veilhttp/veilhttp/neterror"
	"github.com/veilhttp/veilhttp/socket"
)

// SOCKS5 protocol constants (RFC 1928 / RFC 1929).
const (
	socks5Version = 0x05

	socks5AuthNone     = 0x00
	socks5AuthUserPass = 0x02
	socks5AuthNoMethod = 0xFF

	socks5CmdConnect = 0x01

	socks5AddrIPv4   = 0x01
	socks5AddrDomain = 0x03
	socks5AddrIPv6   = 0x04
)

// socks5Handshake negotiates a SOCKS5 tunnel to the target over the stream.
// Hostnames are sent with the DOMAINNAME address type so the proxy resolves
// them, keeping DNS off the local network.
func (d *Dialer) socks5Handshake(ctx context.Context, stream socket.Stream, proxy *Proxy, targetHost, targetPort string) error {
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
		defer stream.SetDeadline(time.Time{})
	}

	fail := func(kind neterror.Kind, err error) error {
		return neterror.Wrap(kind, "socks5", err).WithHost(proxy.Host, proxy.Port)
	}

	// Greeting: offer no-auth, plus user/pass when credentials exist.
	greeting := []byte{socks5Version, 1, socks5AuthNone}
	if proxy.Username != "" {
		greeting = []byte{socks5Version, 2, socks5AuthNone, socks5AuthUserPass}
	}
	if _, err := stream.Write(greeting); err != nil {
		return fail(neterror.KindProxyConnectionFailed, err)
	}

	var choice [2]byte
	if _, err := io.ReadFull(stream, choice[:]); err != nil {
		return fail(neterror.KindProxyConnectionFailed, err)
	}
	if choice[0] != socks5Version {
		return fail(neterror.KindProxyConnectionFailed, nil)
	}

	switch choice[1] {
	case socks5AuthNone:
	case socks5AuthUserPass:
		if err := socks5UserPass(stream, proxy); err != nil {
			return err
		}
	case socks5AuthNoMethod:
		return fail(neterror.KindProxyAuthRequested, nil)
	default:
		return fail(neterror.KindProxyConnectionFailed, nil)
	}

	// CONNECT request.
	port, err := strconv.Atoi(targetPort)
	if err != nil || port < 0 || port > 0xFFFF {
		return neterror.New(neterror.KindInvalidURL, "socks5")
	}

	req := []byte{socks5Version, socks5CmdConnect, 0x00}
	if ip := net.ParseIP(targetHost); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			req = append(req, socks5AddrIPv4)
			req = append(req, ip4...)
		} else {
			req = append(req, socks5AddrIPv6)
			req = append(req, ip.To16()...)
		}
	} else {
		if len(targetHost) > 255 {
			return neterror.New(neterror.KindInvalidURL, "socks5")
		}
		req = append(req, socks5AddrDomain, byte(len(targetHost)))
		req = append(req, targetHost...)
	}
	req = append(req, byte(port>>8), byte(port))

	if _, err := stream.Write(req); err != nil {
		return fail(neterror.KindProxyConnectionFailed, err)
	}

	// Reply: VER REP RSV ATYP BND.ADDR BND.PORT.
	var head [4]byte
	if _, err := io.ReadFull(stream, head[:]); err != nil {
		return fail(neterror.KindProxyConnectionFailed, err)
	}
	if head[0] != socks5Version {
		return fail(neterror.KindProxyConnectionFailed, nil)
	}
	if head[1] != 0x00 {
		return fail(neterror.KindProxyTunnelFailed, nil)
	}

	var addrLen int
	switch head[3] {
	case socks5AddrIPv4:
		addrLen = 4
	case socks5AddrIPv6:
		addrLen = 16
	case socks5AddrDomain:
		var l [1]byte
		if _, err := io.ReadFull(stream, l[:]); err != nil {
			return fail(neterror.KindProxyConnectionFailed, err)
		}
		addrLen = int(l[0])
	default:
		return fail(neterror.KindProxyConnectionFailed, nil)
	}

	rest := make([]byte, addrLen+2)
	if _, err := io.ReadFull(stream, rest); err != nil {
		return fail(neterror.KindProxyConnectionFailed, err)
	}
	return nil
}

// socks5UserPass runs the RFC 1929 username/password sub-negotiation.
func socks5UserPass(stream socket.Stream, proxy *Proxy) error {
	if proxy.Username == "" || len(proxy.Username) > 255 || len(proxy.Password) > 255 {
		return neterror.New(neterror.KindProxyAuthRequested, "socks5").
			WithHost(proxy.Host, proxy.Port)
	}

	msg := []byte{0x01, byte(len(proxy.Username))}
	msg = append(msg, proxy.Username...)
	msg = append(msg, byte(len(proxy.Password)))
	msg = append(msg, proxy.Password...)

	if _, err := stream.Write(msg); err != nil {
		return neterror.Wrap(neterror.KindProxyConnectionFailed, "socks5", err)
	}

	var resp [2]byte
	if _, err := io.ReadFull(stream, resp[:]); err != nil {
		return neterror.Wrap(neterror.KindProxyConnectionFailed, "socks5", err)
	}
	if resp[1] != 0x00 {
		return neterror.New(neterror.KindProxyAuthRequested, "socks5").
			WithHost(proxy.Host, proxy.Port)
	}
	return nil
}
