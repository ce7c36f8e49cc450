//go:build !unix

package socket

import (
	"net"

	"github.com/veilhttp/veilhttp/neterror"
)

// probePeer on platforms without MSG_PEEK support only verifies the
// connection object exists. Dead sockets are then caught by the first I/O
// and recovered through retry classification.
func probePeer(c *net.TCPConn, everUsed bool) error {
	if c == nil {
		return neterror.New(neterror.KindSocketNotConnected, "probe")
	}
	return nil
}
