//go:build unix

package socket

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"

	"github.com/veilhttp/veilhttp/neterror"
)

// probePeer peeks at the raw TCP socket without consuming bytes.
//
// MSG_PEEK|MSG_DONTWAIT returning EAGAIN means the socket is connected with
// nothing buffered; 0 bytes means the peer sent FIN; >0 bytes on an
// ever-used socket means the peer pushed data we never asked for.
func probePeer(c *net.TCPConn, everUsed bool) error {
	if c == nil {
		return neterror.New(neterror.KindSocketNotConnected, "probe")
	}

	raw, err := c.SyscallConn()
	if err != nil {
		return neterror.Wrap(neterror.KindSocketNotConnected, "probe", err)
	}

	var probeErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		var buf [1]byte
		n, _, rerr := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK):
			// Connected, no pending data.
		case rerr != nil:
			probeErr = neterror.Wrap(neterror.KindSocketNotConnected, "probe", rerr)
		case n == 0:
			probeErr = neterror.New(neterror.KindSocketRemoteClosed, "probe")
		case everUsed:
			probeErr = neterror.New(neterror.KindDataReceivedUnexpectedly, "probe")
		}
	})
	if ctrlErr != nil {
		return neterror.Wrap(neterror.KindSocketNotConnected, "probe", ctrlErr)
	}
	return probeErr
}
