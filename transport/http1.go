package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/veilhttp/veilhttp/headers"
	"github.com/veilhttp/veilhttp/neterror"
	"github.com/veilhttp/veilhttp/pool"
)

// h1Stream sends one request at a time over an exclusively owned socket.
type h1Stream struct {
	ps *pool.PooledSocket
	br *bufio.Reader
}

func newH1Stream(ps *pool.PooledSocket) *h1Stream {
	return &h1Stream{ps: ps, br: bufio.NewReader(ps.Stream)}
}

func (s *h1Stream) Proto() string { return "h1" }
func (s *h1Stream) Reused() bool  { return s.ps.Reused() }

// Abort releases the underlying socket without sending anything.
func (s *h1Stream) Abort() { s.ps.Discard() }

// Send writes the request and reads the response head. The response body is
// lazy; closing it returns the socket to the pool when it is reusable.
func (s *h1Stream) Send(ctx context.Context, req *Request) (*Response, error) {
	conn := s.ps.Stream
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}

	if err := s.writeRequest(req); err != nil {
		s.ps.Discard()
		return nil, classifyH1Error(err, "write_request")
	}

	resp, err := s.readResponse(req.Method)
	if err != nil {
		s.ps.Discard()
		return nil, err
	}

	conn.MarkUsed()
	return resp, nil
}

// writeRequest emits the request head in exact header order, then the body
// with RFC 7230 framing: an explicit Transfer-Encoding wins over
// Content-Length, otherwise a known length is sent as Content-Length and an
// unknown one as chunked.
func (s *h1Stream) writeRequest(req *Request) error {
	bw := bufio.NewWriter(s.ps.Stream)

	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", req.Method, req.URL.RequestURI())

	hdrs := req.Headers.Clone()
	_, hasTE := hdrs.Get("transfer-encoding")
	chunked := hasTE
	switch {
	case hasTE:
		hdrs.Del("content-length")
	case req.Body != nil && req.ContentLength >= 0:
		hdrs.Set("content-length", strconv.FormatInt(req.ContentLength, 10))
	case req.Body != nil:
		hdrs.Set("transfer-encoding", "chunked")
		chunked = true
	}

	for _, p := range hdrs.Pairs() {
		fmt.Fprintf(bw, "%s: %s\r\n", wireHeaderName(p.Name), p.Value)
	}
	bw.WriteString("\r\n")

	if req.Body != nil {
		if chunked {
			if err := writeChunked(bw, req.Body); err != nil {
				return err
			}
		} else if _, err := io.Copy(bw, req.Body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// wireHeaderName restores the on-wire capitalization browsers use:
// canonical MIME case, except the sec-* client-hint family which is sent
// lowercase.
func wireHeaderName(name string) string {
	if strings.HasPrefix(name, "sec-") {
		return name
	}
	return textproto.CanonicalMIMEHeaderKey(name)
}

func writeChunked(bw *bufio.Writer, body io.Reader) error {
	buf := make([]byte, 8192)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			fmt.Fprintf(bw, "%x\r\n", n)
			bw.Write(buf[:n])
			bw.WriteString("\r\n")
		}
		if err == io.EOF {
			_, werr := bw.WriteString("0\r\n\r\n")
			return werr
		}
		if err != nil {
			return err
		}
	}
}

// readResponse parses the status line and headers. Informational 1xx
// responses are consumed and discarded, except 101 which is surfaced.
func (s *h1Stream) readResponse(method string) (*Response, error) {
	for {
		status, proto, hdrs, err := s.readHead()
		if err != nil {
			return nil, err
		}

		if status >= 100 && status < 200 && status != 101 {
			continue // informational; next head follows
		}

		return s.buildResponse(method, status, proto, hdrs)
	}
}

func (s *h1Stream) readHead() (status int, proto string, hdrs *headers.OrderedMap, err error) {
	line, err := s.readLine()
	if err != nil {
		if len(line) == 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			return 0, "", nil, neterror.Wrap(neterror.KindEmptyResponse, "read_headers", err)
		}
		return 0, "", nil, classifyH1Error(err, "read_headers")
	}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return 0, "", nil, neterror.New(neterror.KindInvalidHeader, "read_headers")
	}
	statusStr, _, _ := strings.Cut(rest, " ")
	status, convErr := strconv.Atoi(statusStr)
	if convErr != nil || status < 100 || status > 999 {
		return 0, "", nil, neterror.New(neterror.KindInvalidHeader, "read_headers")
	}

	hdrs = headers.New()
	for {
		line, err := s.readLine()
		if err != nil {
			return 0, "", nil, classifyH1Error(err, "read_headers")
		}
		if line == "" {
			return status, proto, hdrs, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return 0, "", nil, neterror.New(neterror.KindInvalidHeader, "read_headers")
		}
		hdrs.Add(name, strings.TrimSpace(value))
	}
}

func (s *h1Stream) readLine() (string, error) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		return line, err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// buildResponse wires up the body reader per the response framing and hands
// socket ownership to it.
func (s *h1Stream) buildResponse(method string, status int, proto string, hdrs *headers.OrderedMap) (*Response, error) {
	resp := &Response{
		StatusCode:    status,
		Proto:         "h1",
		Headers:       hdrs,
		ContentLength: -1,
	}
	if tlsInfo := tlsInfoFor(s.ps.Stream); tlsInfo != nil {
		resp.TLS = tlsInfo
	}

	connHdr, _ := hdrs.Get("connection")
	keepAlive := proto == "HTTP/1.1" && !strings.EqualFold(connHdr, "close")

	noBody := method == "HEAD" || status == 101 || status == 204 || status == 304
	te, _ := hdrs.Get("transfer-encoding")
	clStr, hasCL := hdrs.Get("content-length")

	switch {
	case noBody:
		resp.ContentLength = 0
		resp.Body = &h1Body{stream: s, reader: eofReader{}, keepAlive: keepAlive && status != 101, done: true}

	case strings.EqualFold(te, "chunked"):
		resp.Body = &h1Body{stream: s, reader: &chunkedReader{br: s.br}, keepAlive: keepAlive}

	case hasCL:
		n, err := strconv.ParseInt(strings.TrimSpace(clStr), 10, 64)
		if err != nil || n < 0 {
			s.ps.Discard()
			return nil, neterror.New(neterror.KindInvalidHeader, "read_headers")
		}
		resp.ContentLength = n
		resp.Body = &h1Body{stream: s, reader: &lengthReader{r: s.br, remaining: n}, keepAlive: keepAlive, done: n == 0}

	default:
		// Read until the peer closes; the socket cannot be reused after.
		resp.Body = &h1Body{stream: s, reader: &untilCloseReader{r: s.br}, keepAlive: false}
	}

	return resp, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// h1Body owns the socket for the duration of the body read. Closing it after
// full consumption releases the socket for reuse; closing early discards it.
type h1Body struct {
	stream    *h1Stream
	reader    io.Reader
	keepAlive bool
	done      bool
	closed    bool
}

func (b *h1Body) Read(p []byte) (int, error) {
	if b.closed {
		return 0, neterror.New(neterror.KindConnectionClosed, "read_body")
	}
	n, err := b.reader.Read(p)
	if err == io.EOF {
		b.done = true
	}
	return n, err
}

func (b *h1Body) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.done && b.keepAlive {
		b.stream.ps.Stream.SetDeadline(time.Time{})
		b.stream.ps.Release()
	} else {
		b.stream.ps.Discard()
	}
	return nil
}

// chunkedReader decodes Transfer-Encoding: chunked (RFC 7230 §4.1),
// including trailer consumption.
type chunkedReader struct {
	br        *bufio.Reader
	remaining int64
	done      bool
	err       error
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.done {
		return 0, io.EOF
	}

	if c.remaining == 0 {
		size, err := c.readChunkSize()
		if err != nil {
			c.err = err
			return 0, err
		}
		if size == 0 {
			if err := c.consumeTrailers(); err != nil {
				c.err = err
				return 0, err
			}
			c.done = true
			return 0, io.EOF
		}
		c.remaining = size
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.br.Read(p)
	c.remaining -= int64(n)
	if err != nil {
		c.err = framingError(err)
		return n, c.err
	}
	if c.remaining == 0 {
		if err := c.consumeCRLF(); err != nil {
			c.err = err
			return n, err
		}
	}
	return n, nil
}

func (c *chunkedReader) readChunkSize() (int64, error) {
	line, err := c.br.ReadString('\n')
	if err != nil {
		return 0, framingError(err)
	}
	line = strings.TrimRight(line, "\r\n")
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i] // drop chunk extensions
	}
	size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if err != nil || size < 0 {
		return 0, neterror.New(neterror.KindInvalidHeader, "read_body")
	}
	return size, nil
}

func (c *chunkedReader) consumeCRLF() error {
	b, err := c.br.ReadByte()
	if err != nil {
		return framingError(err)
	}
	if b == '\r' {
		if b, err = c.br.ReadByte(); err != nil {
			return framingError(err)
		}
	}
	if b != '\n' {
		return neterror.New(neterror.KindInvalidHeader, "read_body")
	}
	return nil
}

func (c *chunkedReader) consumeTrailers() error {
	for {
		line, err := c.br.ReadString('\n')
		if err != nil {
			return framingError(err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

// lengthReader enforces Content-Length: a stream that ends before the
// declared length is a ContentLengthMismatch.
type lengthReader struct {
	r         io.Reader
	remaining int64
}

func (l *lengthReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if err == io.EOF && l.remaining > 0 {
		return n, neterror.New(neterror.KindContentLengthMismatch, "read_body")
	}
	if err == io.EOF && l.remaining == 0 {
		return n, nil
	}
	return n, err
}

// untilCloseReader reads until the peer closes the connection.
type untilCloseReader struct {
	r io.Reader
}

func (u *untilCloseReader) Read(p []byte) (int, error) {
	n, err := u.r.Read(p)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		err = io.EOF
	}
	return n, err
}

func framingError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return neterror.Wrap(neterror.KindConnectionClosed, "read_body", err)
	}
	return classifyH1Error(err, "read_body")
}

// classifyH1Error maps socket-level failures onto the error taxonomy so the
// retry classifier can act on them.
func classifyH1Error(err error, op string) error {
	var ne *neterror.Error
	if errors.As(err, &ne) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return neterror.Wrap(neterror.KindHTTPRequestTimeout, op, err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return neterror.Wrap(neterror.KindConnectionReset, op, err)
	case errors.Is(err, net.ErrClosed):
		return neterror.Wrap(neterror.KindConnectionClosed, op, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return neterror.Wrap(neterror.KindConnectionClosed, op, err)
	default:
		return neterror.Wrap(neterror.KindConnectionClosed, op, err)
	}
}
