package connect

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/veilhttp/veilhttp/neterror"
	"github.com/veilhttp/veilhttp/socket"
)

// maxTunnelResponse bounds the CONNECT response read.
const maxTunnelResponse = 8192

// connectTunnel issues an HTTP CONNECT through the proxy and verifies the
// tunnel was established. When the proxy config carries no credentials, a
// 407 answer is retried once with credentials from the auth callback.
func (d *Dialer) connectTunnel(ctx context.Context, stream socket.Stream, proxy *Proxy, targetHost, targetPort string) error {
	auth := proxy.BasicAuth()

	status, err := d.sendConnect(ctx, stream, targetHost, targetPort, auth)
	if err != nil {
		return err
	}

	if status == 407 {
		if auth == "" && d.cfg.ProxyAuth != nil {
			if user, pass, ok := d.cfg.ProxyAuth(proxy.Host, proxy.Port); ok {
				retry := &Proxy{Username: user, Password: pass}
				status, err = d.sendConnect(ctx, stream, targetHost, targetPort, retry.BasicAuth())
				if err != nil {
					return err
				}
			}
		}
		if status == 407 {
			return neterror.New(neterror.KindProxyAuthRequested, "connect_tunnel").
				WithHost(proxy.Host, proxy.Port)
		}
	}

	if status < 200 || status >= 300 {
		return neterror.New(neterror.KindProxyTunnelFailed, "connect_tunnel").
			WithHost(targetHost, targetPort)
	}
	return nil
}

// sendConnect writes one CONNECT request and parses the response status.
func (d *Dialer) sendConnect(ctx context.Context, stream socket.Stream, targetHost, targetPort, auth string) (int, error) {
	target := net.JoinHostPort(targetHost, targetPort)

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if auth != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", auth)
	}
	req.WriteString("\r\n")

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
		defer stream.SetDeadline(time.Time{})
	}

	if _, err := stream.Write([]byte(req.String())); err != nil {
		return 0, neterror.Wrap(neterror.KindProxyConnectionFailed, "connect_tunnel", err)
	}

	// The response can arrive in multiple chunks; read until the header
	// terminator.
	var resp []byte
	buf := make([]byte, 512)
	for !bytes.Contains(resp, []byte("\r\n\r\n")) {
		if len(resp) > maxTunnelResponse {
			return 0, neterror.New(neterror.KindProxyTunnelFailed, "connect_tunnel")
		}
		n, err := stream.Read(buf)
		if n > 0 {
			resp = append(resp, buf[:n]...)
		}
		if err != nil {
			if len(resp) == 0 {
				return 0, neterror.Wrap(neterror.KindEmptyResponse, "connect_tunnel", err)
			}
			return 0, neterror.Wrap(neterror.KindProxyConnectionFailed, "connect_tunnel", err)
		}
	}

	return parseConnectStatus(resp)
}

// parseConnectStatus extracts the status code from "HTTP/1.x NNN ...".
func parseConnectStatus(resp []byte) (int, error) {
	line, _, _ := bytes.Cut(resp, []byte("\r\n"))
	fields := strings.SplitN(string(line), " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/1.") {
		return 0, neterror.New(neterror.KindProxyTunnelFailed, "connect_tunnel")
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, neterror.New(neterror.KindProxyTunnelFailed, "connect_tunnel")
	}
	return status, nil
}
