package transport

import (
	"compress/flate"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// decompressBody wraps the body reader according to Content-Encoding.
// Unknown encodings pass through untouched.
func decompressBody(body io.ReadCloser, encoding string) io.ReadCloser {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		return &decompressReader{raw: body, open: func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		}}
	case "br":
		return &decompressReader{raw: body, open: func(r io.Reader) (io.Reader, error) {
			return brotli.NewReader(r), nil
		}}
	case "zstd":
		return &decompressReader{raw: body, open: func(r io.Reader) (io.Reader, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr.IOReadCloser(), nil
		}}
	case "deflate":
		return &decompressReader{raw: body, open: func(r io.Reader) (io.Reader, error) {
			return flate.NewReader(r), nil
		}}
	default:
		return body
	}
}

// decompressReader lazily opens the decompressor on first read, so header
// delivery never blocks on body bytes.
type decompressReader struct {
	raw  io.ReadCloser
	open func(io.Reader) (io.Reader, error)
	r    io.Reader
	err  error
}

func (d *decompressReader) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.r == nil {
		d.r, d.err = d.open(d.raw)
		if d.err != nil {
			return 0, d.err
		}
	}
	return d.r.Read(p)
}

func (d *decompressReader) Close() error {
	if c, ok := d.r.(io.Closer); ok {
		c.Close()
	}
	return d.raw.Close()
}
