// Package mux implements the reference multiplexer node: many logical
// streams carried as length-prefixed frames over one transport line, each
// frame tagged with a stream id and demultiplexed onto its own child Line.
//
// Grounded on original_source/tunnels/MuxServer/instance/node.c for
// descriptor shape and on the pack's smux-style framing conventions for the
// wire header and lazy stream-open behavior.
package mux

import (
	"encoding/binary"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/cppla/waterway/bufstream"
	"github.com/cppla/waterway/sbuf"
	"github.com/cppla/waterway/tunnel"
)

const (
	// headerSize is flags(1) + stream id(4) + length(2), big-endian.
	headerSize = 7
	flagFin    = 1 << 0
)

// Descriptor returns the node-type metadata for registration. Mux can sit
// at any non-head, non-end chain position; it declares headerSize bytes of
// required left padding so the downstream path can prepend a frame header
// via ShiftLeft without copying the payload.
func Descriptor() *tunnel.Descriptor {
	return &tunnel.Descriptor{
		Type:                "Mux",
		Version:             1,
		CreateHandle:        createHandle,
		RequiredPaddingLeft: headerSize,
		LayerGroup:          tunnel.LayerAny,
		LayerGroupNext:      tunnel.LayerAny,
		LayerGroupPrev:      tunnel.LayerAny,
		CanHaveNext:         true,
		CanHavePrev:         true,
		Interface:           tunnel.InterfaceStream,
	}
}

func createHandle(raw json.RawMessage) (tunnel.NodeHandle, error) {
	return &handle{}, nil
}

type handle struct{}

// transportState is this node's per-transport-line bookkeeping: the
// not-yet-framed read buffer and the set of live child streams currently
// multiplexed onto it.
type transportState struct {
	readStream      *bufstream.Stream
	children        map[uint32]*tunnel.Line
	aliveChildren   int
	pausedChildren  int
	transportPaused bool
}

// childState is one demultiplexed stream's own per-line slot, linking it
// back to the transport line and stream id it was opened under.
type childState struct {
	transport *tunnel.Line
	streamID  uint32
	paused    bool
}

func (h *handle) transportOf(t *tunnel.Node, l *tunnel.Line) *transportState {
	ts := tunnel.State[transportState](t, l)
	if ts.children == nil {
		ts.children = make(map[uint32]*tunnel.Line)
		ts.readStream = bufstream.New(t.Chain().MaxRequiredPaddingLeft())
	}
	return ts
}

func (h *handle) UpstreamEstablish(t *tunnel.Node, l *tunnel.Line) {
	h.transportOf(t, l) // lazily initialize bookkeeping; no child exists yet
}

type frame struct {
	flags    byte
	streamID uint32
	payload  *sbuf.Buffer
}

func tryReadFrame(stream *bufstream.Stream) *frame {
	if stream.Len() < headerSize {
		return nil
	}
	var header [headerSize]byte
	stream.ViewBytesAt(0, header[:], headerSize)
	flags := header[0]
	streamID := binary.BigEndian.Uint32(header[1:5])
	n := int(binary.BigEndian.Uint16(header[5:7]))

	if headerSize+n > stream.Len() {
		return nil
	}
	packet := stream.ReadExact(headerSize + n)
	if err := packet.ShiftRight(headerSize); err != nil {
		panic(err) // invariant: ReadExact(headerSize+n) always has >= headerSize bytes
	}
	return &frame{flags: flags, streamID: streamID, payload: packet}
}

// UpstreamPayload pushes the incoming transport bytes, then drains as many
// complete frames as are buffered, demultiplexing each onto its child line
// under the transport line's lock so a reentrant finish mid loop is
// observed cleanly, mirroring the framing node's own push/drain discipline.
func (h *handle) UpstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	ts := h.transportOf(t, l)
	ts.readStream.Push(buf)

	l.Lock()
	for {
		f := tryReadFrame(ts.readStream)
		if f == nil {
			break
		}
		h.dispatch(t, l, ts, f)
		if !l.IsAlive() {
			break
		}
	}
	l.Unlock()
}

func (h *handle) dispatch(t *tunnel.Node, l *tunnel.Line, ts *transportState, f *frame) {
	child, ok := ts.children[f.streamID]
	if !ok {
		// Lazy stream open: the first frame carrying an unseen stream id
		// is itself the open, there is no separate handshake message.
		child = t.Chain().NewLine()
		ts.children[f.streamID] = child
		ts.aliveChildren++
		cs := tunnel.State[childState](t, child)
		cs.transport = l
		cs.streamID = f.streamID
		tunnel.NextUpstreamEstablish(t, child)
	}

	if f.payload.Length() > 0 {
		tunnel.NextUpstreamPayload(t, child, f.payload)
	}

	if f.flags&flagFin != 0 {
		h.closeChild(t, ts, f.streamID, child)
	}
}

func (h *handle) closeChild(t *tunnel.Node, ts *transportState, streamID uint32, child *tunnel.Line) {
	cs := tunnel.State[childState](t, child)
	if cs.paused {
		ts.pausedChildren--
	}
	delete(ts.children, streamID)
	ts.aliveChildren--
	tunnel.NextUpstreamFinish(t, child)
}

// UpstreamFinish closes every live child stream: the transport connection
// itself is going away, so nothing further can arrive to close them
// individually via a fin-flagged frame.
func (h *handle) UpstreamFinish(t *tunnel.Node, l *tunnel.Line) {
	ts := h.transportOf(t, l)
	for id, child := range ts.children {
		tunnel.NextUpstreamFinish(t, child)
		delete(ts.children, id)
	}
	ts.aliveChildren = 0
	ts.pausedChildren = 0
}

func (h *handle) UpstreamPause(t *tunnel.Node, l *tunnel.Line) {
	ts := h.transportOf(t, l)
	for _, child := range ts.children {
		tunnel.NextUpstreamPause(t, child)
	}
}

func (h *handle) UpstreamResume(t *tunnel.Node, l *tunnel.Line) {
	ts := h.transportOf(t, l)
	for _, child := range ts.children {
		tunnel.NextUpstreamResume(t, child)
	}
}

// DownstreamEstablish is a no-op: a child's stream open is implicit in its
// first upstream frame, so there is nothing to acknowledge here.
func (h *handle) DownstreamEstablish(t *tunnel.Node, l *tunnel.Line) {}

// DownstreamPayload frames one child's payload with the stream's header and
// forwards it downstream on the shared transport line.
func (h *handle) DownstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	cs := tunnel.State[childState](t, l)
	n := buf.Length()
	if n > 0xFFFF {
		return
	}
	if buf.ReservedLeft() < headerSize {
		h.logf(t, l, "insufficient left reservation for frame header", tunnel.ErrResourceExhausted, zap.Int("reserved_left", buf.ReservedLeft()))
		tunnel.PrevDownstreamFinish(t, l)
		return
	}
	header := buf.ReservedLeftSlice(headerSize)
	header[0] = 0
	binary.BigEndian.PutUint32(header[1:5], cs.streamID)
	binary.BigEndian.PutUint16(header[5:7], uint16(n))
	if err := buf.ShiftLeft(headerSize); err != nil {
		panic(err) // unreachable: ReservedLeft() >= headerSize was just checked
	}
	tunnel.PrevDownstreamPayload(t, cs.transport, buf)
}

// logf reports a node-policy error (ErrResourceExhausted) against the
// owning chain's logger, if one is configured.
func (h *handle) logf(t *tunnel.Node, l *tunnel.Line, msg string, err error, fields ...zap.Field) {
	logger := t.Chain().Logger
	if logger == nil {
		return
	}
	logger.Warn(msg, append(fields, zap.String("node", t.Name), zap.Error(err))...)
}

// DownstreamFinish sends a zero-length fin-flagged frame for this stream id
// and retires it from the transport line's child map.
func (h *handle) DownstreamFinish(t *tunnel.Node, l *tunnel.Line) {
	cs := tunnel.State[childState](t, l)
	if cs.transport == nil {
		return
	}
	fin := sbuf.Allocate(0, headerSize)
	header := fin.ReservedLeftSlice(headerSize)
	header[0] = flagFin
	binary.BigEndian.PutUint32(header[1:5], cs.streamID)
	binary.BigEndian.PutUint16(header[5:7], 0)
	if err := fin.ShiftLeft(headerSize); err != nil {
		panic(err)
	}

	ts := tunnel.State[transportState](t, cs.transport)
	if cs.paused {
		ts.pausedChildren--
		cs.paused = false
	}
	delete(ts.children, cs.streamID)
	ts.aliveChildren--

	tunnel.PrevDownstreamPayload(t, cs.transport, fin)
}

// DownstreamPause only forwards to the shared transport line once every
// live child is paused: last-to-pause wins, since the transport line is a
// resource shared by every other child still running.
func (h *handle) DownstreamPause(t *tunnel.Node, l *tunnel.Line) {
	cs := tunnel.State[childState](t, l)
	if cs.paused {
		return
	}
	cs.paused = true
	ts := tunnel.State[transportState](t, cs.transport)
	ts.pausedChildren++
	if ts.pausedChildren == ts.aliveChildren && !ts.transportPaused {
		ts.transportPaused = true
		tunnel.PrevDownstreamPause(t, cs.transport)
	}
}

// DownstreamResume forwards to the shared transport line on the first child
// to resume after the transport was paused: first-to-resume wins.
func (h *handle) DownstreamResume(t *tunnel.Node, l *tunnel.Line) {
	cs := tunnel.State[childState](t, l)
	if !cs.paused {
		return
	}
	cs.paused = false
	ts := tunnel.State[transportState](t, cs.transport)
	if ts.pausedChildren > 0 {
		ts.pausedChildren--
	}
	if ts.transportPaused {
		ts.transportPaused = false
		tunnel.PrevDownstreamResume(t, cs.transport)
	}
}
