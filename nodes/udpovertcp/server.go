// Package udpovertcp implements the reference UDP-over-TCP framing node:
// a length-prefixed byte stream, unframed into discrete upstream payloads
// and reframed into the same wire format on the way downstream.
//
// Grounded on original_source/tunnels/UdpOverTcpServer/upstream/payload.c.
package udpovertcp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cppla/waterway/bufstream"
	"github.com/cppla/waterway/sbuf"
	"github.com/cppla/waterway/tunnel"
)

const (
	headerSize = 2 // big-endian uint16 length prefix
)

// Config is the node's opaque configuration blob, parsed by CreateHandle.
type Config struct {
	// MaxPacketLength sets the overflow threshold: once a push leaves more
	// than 2x this many bytes buffered, the whole read stream is dropped
	// before any frame is drained from it. Individual frame lengths are not
	// checked against it.
	MaxPacketLength int `json:"max_packet_length"`
}

// Descriptor returns the immutable node-type metadata for registration.
// The node can sit at any non-head, non-end chain position; it declares headerSize bytes of
// required left padding so downstream reframing can prepend the length
// header via ShiftLeft without a copy.
func Descriptor() *tunnel.Descriptor {
	return &tunnel.Descriptor{
		Type:                "UdpOverTcpServer",
		Version:             1,
		CreateHandle:        createHandle,
		RequiredPaddingLeft: headerSize,
		LayerGroup:          tunnel.Layer4,
		LayerGroupNext:      tunnel.LayerAny,
		LayerGroupPrev:      tunnel.LayerAny,
		CanHaveNext:         true,
		CanHavePrev:         true,
		Interface:           tunnel.InterfaceStream,
	}
}

func createHandle(raw json.RawMessage) (tunnel.NodeHandle, error) {
	cfg := Config{MaxPacketLength: 65507} // max UDP payload over IPv4
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("udpovertcp: invalid config: %w", err)
		}
	}
	if cfg.MaxPacketLength <= 0 {
		return nil, fmt.Errorf("udpovertcp: max_packet_length must be positive")
	}
	return &handle{maxPacketLength: cfg.MaxPacketLength}, nil
}

type handle struct {
	maxPacketLength int
}

// lineState is this node's per-line slot: the buffered, not-yet-framed
// bytes read off the TCP side.
type lineState struct {
	readStream *bufstream.Stream
}

func (h *handle) stream(t *tunnel.Node, l *tunnel.Line) *bufstream.Stream {
	st := tunnel.State[lineState](t, l)
	if st.readStream == nil {
		st.readStream = bufstream.New(t.Chain().MaxRequiredPaddingLeft())
	}
	return st.readStream
}

func (h *handle) UpstreamEstablish(t *tunnel.Node, l *tunnel.Line) {
	tunnel.NextUpstreamEstablish(t, l)
}

// UpstreamPayload implements spec.md section 4.7: push the inbound buffer,
// drop everything buffered if it has grown past the overflow threshold,
// then drain as many complete frames as are available, forwarding each
// de-framed payload upstream under a line lock so a reentrant finish mid
// loop is observed cleanly.
func (h *handle) UpstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	stream := h.stream(t, l)
	stream.Push(buf)

	if stream.Len() > h.maxPacketLength*2 {
		h.logf(t, l, "dropping buffered stream", tunnel.ErrMalformedFrame, zap.Int("buffered", stream.Len()))
		stream.Reset()
		return
	}

	l.Lock()
	for {
		packet := tryReadCompletePacket(stream)
		if packet == nil {
			break
		}
		tunnel.NextUpstreamPayload(t, l, packet)
		if !l.IsAlive() {
			break
		}
	}
	l.Unlock()
}

func tryReadCompletePacket(stream *bufstream.Stream) *sbuf.Buffer {
	if stream.Len() < headerSize+1 {
		return nil
	}
	var header [headerSize]byte
	stream.ViewBytesAt(0, header[:], headerSize)
	n := int(binary.BigEndian.Uint16(header[:]))

	if n < 1 || headerSize+n > stream.Len() {
		return nil
	}

	packet := stream.ReadExact(headerSize + n)
	if err := packet.ShiftRight(headerSize); err != nil {
		panic(err) // invariant: ReadExact(headerSize+n) always has >= headerSize bytes
	}
	return packet
}

func (h *handle) UpstreamFinish(t *tunnel.Node, l *tunnel.Line) {
	tunnel.NextUpstreamFinish(t, l)
}
func (h *handle) UpstreamPause(t *tunnel.Node, l *tunnel.Line)  { tunnel.NextUpstreamPause(t, l) }
func (h *handle) UpstreamResume(t *tunnel.Node, l *tunnel.Line) { tunnel.NextUpstreamResume(t, l) }

func (h *handle) DownstreamEstablish(t *tunnel.Node, l *tunnel.Line) {
	tunnel.PrevDownstreamEstablish(t, l)
}

// DownstreamPayload frames one downstream payload with the same 2-byte
// big-endian length prefix the upstream side strips, writing the header
// into the buffer's declared left reservation via ShiftLeft so no copy of
// the payload itself is needed.
func (h *handle) DownstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	if buf.Length() > 0xFFFF {
		// Cannot fit in a 2-byte length prefix; drop per this node's
		// documented malformed-input policy rather than truncate silently.
		return
	}
	n := buf.Length()
	if buf.ReservedLeft() < headerSize {
		// The chain's declared RequiredPaddingLeft guarantees this buffer
		// carries at least headerSize bytes of left reservation; failing
		// here means a node upstream of this one under-allocated. Surface
		// it as finish per spec.md section 7's resource-exhaustion policy.
		h.logf(t, l, "insufficient left reservation for length header", tunnel.ErrResourceExhausted, zap.Int("reserved_left", buf.ReservedLeft()))
		tunnel.PrevDownstreamFinish(t, l)
		return
	}
	binary.BigEndian.PutUint16(buf.ReservedLeftSlice(headerSize), uint16(n))
	if err := buf.ShiftLeft(headerSize); err != nil {
		panic(err) // unreachable: ReservedLeft() >= headerSize was just checked
	}
	tunnel.PrevDownstreamPayload(t, l, buf)
}

// logf reports a node-policy error (ErrMalformedFrame, ErrResourceExhausted)
// against the owning chain's logger, if one is configured.
func (h *handle) logf(t *tunnel.Node, l *tunnel.Line, msg string, err error, fields ...zap.Field) {
	logger := t.Chain().Logger
	if logger == nil {
		return
	}
	logger.Warn(msg, append(fields, zap.String("node", t.Name), zap.Error(err))...)
}

func (h *handle) DownstreamFinish(t *tunnel.Node, l *tunnel.Line) {
	tunnel.PrevDownstreamFinish(t, l)
}
func (h *handle) DownstreamPause(t *tunnel.Node, l *tunnel.Line) {
	tunnel.PrevDownstreamPause(t, l)
}
func (h *handle) DownstreamResume(t *tunnel.Node, l *tunnel.Line) {
	tunnel.PrevDownstreamResume(t, l)
}
