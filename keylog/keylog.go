// Package keylog exposes an SSLKEYLOGFILE-format writer so captured TLS
// traffic can be decrypted in Wireshark. The writer is configured from the
// SSLKEYLOGFILE environment variable at startup, or programmatically.
package keylog

import (
	"io"
	"os"
	"sync"
)

var (
	mu     sync.RWMutex
	writer io.Writer
)

func init() {
	path := os.Getenv("SSLKEYLOGFILE")
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		// Key logging is a debug feature; ignore setup failures.
		return
	}
	writer = f
}

// GetWriter returns the configured key log writer, or nil. Transport code
// plugs this into the TLS config's KeyLogWriter.
func GetWriter() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return writer
}

// SetWriter replaces the key log writer. Pass nil to disable logging. The
// previous writer is closed if it implements io.Closer, whether it was
// opened here or supplied by a caller.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if c, ok := writer.(io.Closer); ok {
		c.Close()
	}
	writer = w
}

// SetFile directs key logging to the given path, overriding SSLKEYLOGFILE.
func SetFile(path string) error {
	if path == "" {
		SetWriter(nil)
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	SetWriter(f)
	return nil
}
