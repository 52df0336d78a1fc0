package tunnel

import "github.com/cppla/waterway/sbuf"

// NodeHandle is the full set of per-direction event callbacks a node type
// implements. Packet-tunnel (L3) nodes still satisfy this interface, but
// their Pause/Resume/Finish methods are expected to abort the process (see
// PacketOnlyStubs) since those events are undefined on a whole-datagram
// node.
type NodeHandle interface {
	UpstreamEstablish(t *Node, l *Line)
	UpstreamPayload(t *Node, l *Line, buf *sbuf.Buffer)
	UpstreamFinish(t *Node, l *Line)
	UpstreamPause(t *Node, l *Line)
	UpstreamResume(t *Node, l *Line)

	DownstreamEstablish(t *Node, l *Line)
	DownstreamPayload(t *Node, l *Line, buf *sbuf.Buffer)
	DownstreamFinish(t *Node, l *Line)
	DownstreamPause(t *Node, l *Line)
	DownstreamResume(t *Node, l *Line)
}

// Node is one element of a built chain: a descriptor-typed handle wired to
// its neighbors, with a fixed slot index into every line's per-node state
// array.
type Node struct {
	Desc   *Descriptor
	Name   string
	Handle NodeHandle

	Next *Node
	Prev *Node

	chain *Chain
	slot  int
}

// Chain returns the chain this node instance was built into.
func (t *Node) Chain() *Chain { return t.chain }

// State returns node t's per-line state on line l, lazily allocating it on
// first access. This is the idiomatic-Go realization of spec.md section
// 9's "per-line state slots indexed by node, modeled as a flat arena": each
// node instance owns exactly one addressable slot in the line, sized and
// typed by the node itself rather than by a byte-offset/size pair, so a
// node can hold real Go values (slices, maps, pointers) in its slot
// instead of requiring an unsafe cast over a raw byte arena.
func State[T any](t *Node, l *Line) *T {
	if l.state[t.slot] == nil {
		l.state[t.slot] = new(T)
	}
	v, ok := l.state[t.slot].(*T)
	if !ok {
		t.chain.fatalf("tunnel: State type mismatch on node %q", t.Name)
	}
	return v
}

// PacketOnlyStubs is embedded by packet-tunnel node handles to satisfy the
// six stream-interface callbacks they must never receive. Any call aborts
// the process: a correctly built chain with correct layer-group validation
// cannot reach these.
type PacketOnlyStubs struct{}

func (PacketOnlyStubs) UpstreamFinish(t *Node, l *Line) {
	t.chain.fatalf("node %q is packet-tunnel only; UpstreamFinish is a programming error", t.Name)
}

func (PacketOnlyStubs) UpstreamPause(t *Node, l *Line) {
	t.chain.fatalf("node %q is packet-tunnel only; UpstreamPause is a programming error", t.Name)
}

func (PacketOnlyStubs) UpstreamResume(t *Node, l *Line) {
	t.chain.fatalf("node %q is packet-tunnel only; UpstreamResume is a programming error", t.Name)
}

func (PacketOnlyStubs) DownstreamFinish(t *Node, l *Line) {
	t.chain.fatalf("node %q is packet-tunnel only; DownstreamFinish is a programming error", t.Name)
}

func (PacketOnlyStubs) DownstreamPause(t *Node, l *Line) {
	t.chain.fatalf("node %q is packet-tunnel only; DownstreamPause is a programming error", t.Name)
}

func (PacketOnlyStubs) DownstreamResume(t *Node, l *Line) {
	t.chain.fatalf("node %q is packet-tunnel only; DownstreamResume is a programming error", t.Name)
}
