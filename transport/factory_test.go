package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/veilhttp/veilhttp/connect"
	"github.com/veilhttp/veilhttp/fingerprint"
	"github.com/veilhttp/veilhttp/headers"
	"github.com/veilhttp/veilhttp/pool"
	"github.com/veilhttp/veilhttp/socket"
)

// h2FakeStream reports "h2" so the factory takes the HTTP/2 path.
type h2FakeStream struct {
	fakeStream
}

func (f *h2FakeStream) NegotiatedProtocol() string { return "h2" }

// newH2TestSetup builds a factory whose dials connect to an in-process
// HTTP/2 server.
func newH2TestSetup(t *testing.T, handler http.HandlerFunc) (*Factory, *pool.Pool) {
	t.Helper()

	srv := &http2.Server{}
	p := pool.New(pool.Config{
		ReapInterval: time.Hour,
		Dial: func(ctx context.Context, ep connect.Endpoint) (socket.Stream, error) {
			clientConn, serverConn := net.Pipe()
			go srv.ServeConn(serverConn, &http2.ServeConnOpts{Handler: handler})
			fs := &h2FakeStream{}
			fs.Conn = clientConn
			return fs, nil
		},
	})
	t.Cleanup(p.Close)

	f := NewFactory(p)
	t.Cleanup(f.Close)
	return f, p
}

func h2Endpoint() connect.Endpoint {
	return connect.Endpoint{Scheme: "https", Host: "example.com", Port: "443", ProfileHash: "h2test"}
}

func TestH2StreamsMultiplexOneConnection(t *testing.T) {
	f, p := newH2TestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond) // force overlap
		w.Header().Set("X-Proto", r.Proto)
		w.WriteHeader(200)
		io.WriteString(w, "ok")
	})

	profile := fingerprint.Chrome131()
	ep := h2Endpoint()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream, err := f.CreateStream(context.Background(), ep, profile, pool.PriorityMedium)
			if err != nil {
				errs <- err
				return
			}
			resp, err := stream.Send(context.Background(), testRequest(t, "https://example.com/", nil))
			if err != nil {
				errs <- err
				return
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != 200 || string(body) != "ok" {
				errs <- io.ErrUnexpectedEOF
			}
		}()
		// Let the first goroutine establish the session so the second
		// multiplexes instead of racing a second dial.
		if i == 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("request failed: %v", err)
	}

	if total := p.TotalCount(); total != 1 {
		t.Fatalf("pool total = %d, want 1 shared h2 connection", total)
	}
}

func TestH2SecondRequestReusesSession(t *testing.T) {
	f, p := newH2TestSetup(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})

	profile := fingerprint.Chrome131()
	ep := h2Endpoint()

	for i := 0; i < 2; i++ {
		stream, err := f.CreateStream(context.Background(), ep, profile, pool.PriorityMedium)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if i == 1 && !stream.Reused() {
			t.Error("second stream did not reuse the session")
		}
		resp, err := stream.Send(context.Background(), testRequest(t, "https://example.com/", nil))
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	if total := p.TotalCount(); total != 1 {
		t.Fatalf("pool total = %d, want 1", total)
	}
}

// recordingH2Stream captures every byte the client writes to the wire.
type recordingH2Stream struct {
	h2FakeStream
	mu     sync.Mutex
	writes bytes.Buffer
}

func (r *recordingH2Stream) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.writes.Write(p)
	r.mu.Unlock()
	return r.Conn.Write(p)
}

// headerFrameNames extracts the non-pseudo header names of each HEADERS
// frame in the captured stream, one slice per frame.
func headerFrameNames(t *testing.T, wire []byte) [][]string {
	t.Helper()
	if !bytes.HasPrefix(wire, clientPreface) {
		t.Fatal("no client preface in capture")
	}
	wire = wire[len(clientPreface):]

	dec := hpack.NewDecoder(65536, nil)
	var frames [][]string
	for len(wire) >= frameHeaderLen {
		length := int(wire[0])<<16 | int(wire[1])<<8 | int(wire[2])
		frameType := wire[3]
		flags := wire[4]
		if len(wire) < frameHeaderLen+length {
			break
		}
		payload := wire[frameHeaderLen : frameHeaderLen+length]
		wire = wire[frameHeaderLen+length:]

		if frameType != frameTypeHeaders {
			continue
		}
		if flags&0x20 != 0 { // PRIORITY
			payload = payload[5:]
		}
		fields, err := dec.DecodeFull(payload)
		if err != nil {
			t.Fatalf("decode captured HEADERS: %v", err)
		}
		var names []string
		for _, f := range fields {
			if f.Name[0] != ':' {
				names = append(names, f.Name)
			}
		}
		frames = append(frames, names)
	}
	return frames
}

func TestH2WireHeaderOrderStableForCustomHeaders(t *testing.T) {
	srv := &http2.Server{}
	rec := &recordingH2Stream{}
	p := pool.New(pool.Config{
		ReapInterval: time.Hour,
		Dial: func(ctx context.Context, ep connect.Endpoint) (socket.Stream, error) {
			clientConn, serverConn := net.Pipe()
			go srv.ServeConn(serverConn, &http2.ServeConnOpts{
				Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }),
			})
			rec.Conn = clientConn
			return rec, nil
		},
	})
	t.Cleanup(p.Close)
	f := NewFactory(p)
	t.Cleanup(f.Close)

	profile := fingerprint.Chrome131()
	ep := h2Endpoint()

	send := func() {
		hdrs := headers.New()
		hdrs.Set("x-api-key", "k")
		hdrs.Set("x-request-id", "r")
		hdrs.Set("x-trace", "t")
		req := testRequest(t, "https://example.com/", hdrs)

		stream, err := f.CreateStream(context.Background(), ep, profile, pool.PriorityMedium)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		resp, err := stream.Send(context.Background(), req)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	send()
	send()

	rec.mu.Lock()
	wire := append([]byte(nil), rec.writes.Bytes()...)
	rec.mu.Unlock()

	frames := headerFrameNames(t, wire)
	if len(frames) != 2 {
		t.Fatalf("captured %d HEADERS frames, want 2", len(frames))
	}
	if len(frames[0]) == 0 {
		t.Fatal("empty header list captured")
	}
	for i := range frames[0] {
		if frames[0][i] != frames[1][i] {
			t.Fatalf("wire order differs across identical requests:\n%v\n%v", frames[0], frames[1])
		}
	}

	// The custom headers must appear in insertion order, after anything the
	// profile's canonical list places.
	var custom []string
	for _, name := range frames[0] {
		if strings.HasPrefix(name, "x-") {
			custom = append(custom, name)
		}
	}
	want := []string{"x-api-key", "x-request-id", "x-trace"}
	if len(custom) != len(want) {
		t.Fatalf("custom headers = %v, want %v", custom, want)
	}
	for i := range want {
		if custom[i] != want[i] {
			t.Fatalf("custom header order = %v, want %v", custom, want)
		}
	}
}

func TestFactoryFallsBackToH1(t *testing.T) {
	p, servers := newH1Pair(t)
	f := NewFactory(p)

	go func() {
		srv := <-servers
		srv.serve(0, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	}()

	stream, err := f.CreateStream(context.Background(), testEndpoint(), fingerprint.Chrome131(), pool.PriorityMedium)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if stream.Proto() != "h1" {
		t.Fatalf("proto = %s, want h1", stream.Proto())
	}
	resp, err := stream.Send(context.Background(), testRequest(t, "http://example.com/", nil))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	resp.Body.Close()
}
