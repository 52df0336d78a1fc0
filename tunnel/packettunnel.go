package tunnel

import "github.com/cppla/waterway/sbuf"

// PacketAdapter is the alternate event interface for nodes that operate on
// whole IP datagrams (spec.md section 4.5 / section 6). It routes between a
// binding's packet_received/packet_send calls and the ordinary upstream/
// downstream payload callbacks, enforcing that only a chain whose head or
// tail is actually declared InterfacePacket may be driven this way, and
// that the engine never splits or re-aggregates a datagram across the
// boundary.
type PacketAdapter struct {
	chain *Chain
}

// NewPacketAdapter builds the adapter for a built chain.
func NewPacketAdapter(c *Chain) *PacketAdapter { return &PacketAdapter{chain: c} }

// PacketReceived is the binding-facing entry point for one inbound whole
// datagram reaching a packet-tunnel chain head. buf's contents must be
// exactly one IP datagram; the engine does not buffer or frame it further.
func (a *PacketAdapter) PacketReceived(l *Line, buf *sbuf.Buffer) {
	head := a.chain.Head()
	if head.Desc.Interface != InterfacePacket {
		a.chain.fatalf("PacketReceived: chain head %q is not a packet-tunnel node", head.Name)
		return
	}
	head.Handle.UpstreamPayload(head, l, buf)
}

// PacketSend hands one finished datagram from a packet-tunnel chain tail to
// the binding's transmit function (e.g. a TUN device write). Reference
// nodes may also call send directly from DownstreamPayload; this exists so
// every binding shares one name and one interface check for the
// operation.
func (a *PacketAdapter) PacketSend(l *Line, buf *sbuf.Buffer, send func(*sbuf.Buffer)) {
	tail := a.chain.Tail()
	if tail.Desc.Interface != InterfacePacket {
		a.chain.fatalf("PacketSend: chain tail %q is not a packet-tunnel node", tail.Name)
		return
	}
	send(buf)
}
