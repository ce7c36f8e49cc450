package transport

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"

	"golang.org/x/net/http2/hpack"

	"github.com/veilhttp/veilhttp/fingerprint"
)

// HTTP/2 frame types intercepted for fingerprinting.
const (
	frameTypeHeaders      = 0x1
	frameTypeSettings     = 0x4
	frameTypeWindowUpdate = 0x8
)

const frameHeaderLen = 9

// fpConn sits between the HTTP/2 framer and the socket and rewrites the
// frames anti-bot systems fingerprint: the first SETTINGS frame is rebuilt
// with the profile's key order and values, the first connection
// WINDOW_UPDATE gets the profile's increment, and HEADERS frames are
// re-encoded so pseudo-headers and regular headers appear in the browser's
// order.
type fpConn struct {
	net.Conn
	profile *fingerprint.Profile

	mu            sync.Mutex
	buf           bytes.Buffer
	wrotePreface  bool
	wroteSettings bool
	wroteWindow   bool
	hpackBuf      bytes.Buffer
	hpackEnc      *hpack.Encoder
	hpackDec      *hpack.Decoder

	// pendingOrders holds the caller-given header orders of requests whose
	// HEADERS frame has not passed through yet. The framer encodes headers
	// from a map, so without this the original order of any header outside
	// the profile's canonical list would be lost.
	pendingOrders [][]string
}

// maxPendingOrders bounds stale entries left behind by requests that failed
// before their HEADERS frame was written.
const maxPendingOrders = 32

func newFPConn(conn net.Conn, profile *fingerprint.Profile) *fpConn {
	c := &fpConn{Conn: conn, profile: profile}
	c.hpackEnc = hpack.NewEncoder(&c.hpackBuf)
	// The decoder persists across frames so indexed fields referring to the
	// framer's dynamic table keep resolving on later requests.
	c.hpackDec = hpack.NewDecoder(65536, nil)
	return c
}

// expectHeaderOrder registers the ordered header names of a request about to
// be written, so headersFrame can restore that order for headers the
// profile's canonical list does not cover.
func (c *fpConn) expectHeaderOrder(names []string) {
	c.mu.Lock()
	if len(c.pendingOrders) >= maxPendingOrders {
		c.pendingOrders = c.pendingOrders[1:]
	}
	c.pendingOrders = append(c.pendingOrders, names)
	c.mu.Unlock()
}

// takeOrderFor pops the oldest registered order covering every decoded
// header name that the profile order does not place. Matching by name set
// keeps concurrent streams from stealing each other's entries. Caller holds
// c.mu.
func (c *fpConn) takeOrderFor(regular []hpack.HeaderField) []string {
	inProfile := make(map[string]bool, len(c.profile.HeaderOrder))
	for _, name := range c.profile.HeaderOrder {
		inProfile[name] = true
	}

	var loose []string
	for _, f := range regular {
		if !inProfile[f.Name] {
			loose = append(loose, f.Name)
		}
	}
	if len(loose) == 0 {
		return nil
	}

	for i, cand := range c.pendingOrders {
		has := make(map[string]bool, len(cand))
		for _, name := range cand {
			has[name] = true
		}
		covered := true
		for _, name := range loose {
			if !has[name] {
				covered = false
				break
			}
		}
		if covered {
			c.pendingOrders = append(c.pendingOrders[:i], c.pendingOrders[i+1:]...)
			return cand
		}
	}
	return nil
}

var clientPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// Write buffers outgoing bytes, splits them into frames and rewrites the
// ones that carry fingerprint surface before passing them on.
func (c *fpConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Write(p)

	for c.buf.Len() > 0 {
		data := c.buf.Bytes()

		if !c.wrotePreface {
			if len(data) < len(clientPreface) {
				break
			}
			if !bytes.Equal(data[:len(clientPreface)], clientPreface) {
				// Not a client preface; pass bytes through untouched.
				c.wrotePreface = true
				continue
			}
			if _, err := c.Conn.Write(clientPreface); err != nil {
				return 0, err
			}
			c.buf.Next(len(clientPreface))
			c.wrotePreface = true
			continue
		}

		if len(data) < frameHeaderLen {
			break
		}
		length := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		frameType := data[3]
		frameSize := frameHeaderLen + length
		if len(data) < frameSize {
			break
		}

		var out []byte
		switch frameType {
		case frameTypeSettings:
			if !c.wroteSettings && data[4]&0x1 == 0 { // not an ACK
				out = c.settingsFrame()
				c.wroteSettings = true
			}
		case frameTypeWindowUpdate:
			streamID := binary.BigEndian.Uint32(data[5:9]) & 0x7FFFFFFF
			if !c.wroteWindow && streamID == 0 {
				out = c.windowUpdateFrame()
				c.wroteWindow = true
			}
		case frameTypeHeaders:
			if data[4]&0x4 != 0 { // END_HEADERS: the block is complete
				if rebuilt, err := c.headersFrame(data[:frameSize]); err == nil {
					out = rebuilt
				}
			}
		}

		if out == nil {
			out = data[:frameSize]
		}
		if _, err := c.Conn.Write(out); err != nil {
			return 0, err
		}
		c.buf.Next(frameSize)
	}

	return len(p), nil
}

// settingsFrame builds the SETTINGS frame with the profile's key order.
// Identifiers absent from the order list are not announced at all.
func (c *fpConn) settingsFrame() []byte {
	s := c.profile.H2
	var payload bytes.Buffer

	writeSetting := func(id uint16, val uint32) {
		binary.Write(&payload, binary.BigEndian, id)
		binary.Write(&payload, binary.BigEndian, val)
	}

	for _, id := range s.SettingsOrder {
		switch id {
		case fingerprint.SettingHeaderTableSize:
			writeSetting(id, s.HeaderTableSize)
		case fingerprint.SettingEnablePush:
			if s.EnablePush {
				writeSetting(id, 1)
			} else {
				writeSetting(id, 0)
			}
		case fingerprint.SettingMaxConcurrentStreams:
			writeSetting(id, s.MaxConcurrentStreams)
		case fingerprint.SettingInitialWindowSize:
			writeSetting(id, s.InitialWindowSize)
		case fingerprint.SettingMaxFrameSize:
			writeSetting(id, s.MaxFrameSize)
		case fingerprint.SettingMaxHeaderListSize:
			writeSetting(id, s.MaxHeaderListSize)
		}
	}

	return frame(frameTypeSettings, 0, 0, payload.Bytes())
}

// windowUpdateFrame builds the connection-level WINDOW_UPDATE with the
// profile's increment.
func (c *fpConn) windowUpdateFrame() []byte {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], c.profile.H2.ConnectionWindowUpdate&0x7FFFFFFF)
	return frame(frameTypeWindowUpdate, 0, 0, payload[:])
}

// headersFrame re-encodes a HEADERS frame so the header block follows the
// profile's order: pseudo-headers first, then the profile's named order,
// then any remaining headers in their original relative order.
func (c *fpConn) headersFrame(original []byte) ([]byte, error) {
	flags := original[4]
	streamID := binary.BigEndian.Uint32(original[5:9]) & 0x7FFFFFFF

	hasPadding := flags&0x8 != 0
	hasPriority := flags&0x20 != 0

	blockStart := frameHeaderLen
	padLen := 0
	if hasPadding {
		padLen = int(original[blockStart])
		blockStart++
	}
	if hasPriority {
		blockStart += 5
	}
	block := original[blockStart:]
	if padLen > 0 && padLen < len(block) {
		block = block[:len(block)-padLen]
	}

	fields, err := c.hpackDec.DecodeFull(block)
	if err != nil {
		return nil, err
	}

	var pseudo, regular []hpack.HeaderField
	for _, f := range fields {
		if len(f.Name) > 0 && f.Name[0] == ':' {
			pseudo = append(pseudo, f)
		} else {
			regular = append(regular, f)
		}
	}

	c.hpackBuf.Reset()
	// Chromium pseudo-header order: :method, :authority, :scheme, :path.
	for _, want := range []string{":method", ":authority", ":scheme", ":path"} {
		for _, f := range pseudo {
			if f.Name == want {
				c.hpackEnc.WriteField(f)
			}
		}
	}
	for _, f := range pseudo {
		switch f.Name {
		case ":method", ":authority", ":scheme", ":path":
		default:
			c.hpackEnc.WriteField(f)
		}
	}

	callerOrder := c.takeOrderFor(regular)

	written := make(map[string]bool, len(regular))
	for _, name := range c.profile.HeaderOrder {
		for _, f := range regular {
			if f.Name == name {
				c.hpackEnc.WriteField(f)
				written[name] = true
			}
		}
	}
	// Headers outside the profile's canonical list follow the caller's
	// insertion order; the decoded order is only a fallback, since the
	// framer built this block from a map.
	for _, name := range callerOrder {
		if written[name] {
			continue
		}
		for _, f := range regular {
			if f.Name == name {
				c.hpackEnc.WriteField(f)
				written[name] = true
			}
		}
	}
	for _, f := range regular {
		if !written[f.Name] {
			c.hpackEnc.WriteField(f)
		}
	}
	newBlock := c.hpackBuf.Bytes()

	// Stream priority on HEADERS, as browsers send it.
	weight := c.profile.H2.StreamWeight
	if weight == 0 {
		weight = 256
	}
	var prio [5]byte
	if c.profile.H2.StreamExclusive {
		binary.BigEndian.PutUint32(prio[0:4], 0x80000000)
	}
	prio[4] = byte(weight - 1) // wire format is weight-1

	newFlags := (flags & 0x5) | 0x20 // keep END_STREAM/END_HEADERS, add PRIORITY
	payload := append(prio[:], newBlock...)
	return frame(frameTypeHeaders, newFlags, streamID, payload), nil
}

// frame assembles a frame header plus payload.
func frame(frameType, flags byte, streamID uint32, payload []byte) []byte {
	out := make([]byte, frameHeaderLen+len(payload))
	out[0] = byte(len(payload) >> 16)
	out[1] = byte(len(payload) >> 8)
	out[2] = byte(len(payload))
	out[3] = frameType
	out[4] = flags
	binary.BigEndian.PutUint32(out[5:9], streamID)
	copy(out[frameHeaderLen:], payload)
	return out
}
