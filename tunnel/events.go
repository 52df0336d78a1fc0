package tunnel

import "github.com/cppla/waterway/sbuf"

// This file implements the tunnel_next_* / tunnel_prev_* forwarding helpers
// from spec.md section 4.4 and 4.6. A node's own callback calls one of
// these, passing itself as t, to hand an event to its neighbor. Upstream
// events travel head-to-tail via Next; downstream events travel tail-to-
// head via Prev. Calling a Next* helper on a node with no Next (the chain
// end), or a Prev* helper on a node with no Prev (the chain head), is the
// "illegal source" programming error spec.md section 4.6 calls out and
// aborts the process.

// NextUpstreamEstablish forwards an establish event to t.Next, upstream.
func NextUpstreamEstablish(t *Node, l *Line) {
	if t.Next == nil {
		t.chain.fatalf("NextUpstreamEstablish: node %q has no next", t.Name)
		return
	}
	t.Next.Handle.UpstreamEstablish(t.Next, l)
}

// NextUpstreamPayload forwards a payload event to t.Next, upstream,
// transferring ownership of buf to the callee.
func NextUpstreamPayload(t *Node, l *Line, buf *sbuf.Buffer) {
	if t.Next == nil {
		t.chain.fatalf("NextUpstreamPayload: node %q has no next", t.Name)
		return
	}
	t.Next.Handle.UpstreamPayload(t.Next, l, buf)
}

// NextUpstreamFinish forwards a finish event to t.Next, upstream. Per
// spec.md section 4.4, the engine clears the line's alive flag only once
// finish has propagated through every node in this direction; see
// Line.markFinished. The forward happens first so the neighbor (and
// whatever it forwards to in turn) still observes IsAlive()==true while
// handling its own Finish callback.
func NextUpstreamFinish(t *Node, l *Line) {
	if t.Next == nil {
		t.chain.fatalf("NextUpstreamFinish: node %q has no next", t.Name)
		return
	}
	t.Next.Handle.UpstreamFinish(t.Next, l)
	l.markFinished()
}

// NextUpstreamPause forwards a pause event to t.Next, upstream.
func NextUpstreamPause(t *Node, l *Line) {
	if t.Next == nil {
		t.chain.fatalf("NextUpstreamPause: node %q has no next", t.Name)
		return
	}
	t.Next.Handle.UpstreamPause(t.Next, l)
}

// NextUpstreamResume forwards a resume event to t.Next, upstream.
func NextUpstreamResume(t *Node, l *Line) {
	if t.Next == nil {
		t.chain.fatalf("NextUpstreamResume: node %q has no next", t.Name)
		return
	}
	t.Next.Handle.UpstreamResume(t.Next, l)
}

// PrevDownstreamEstablish forwards an establish event to t.Prev, downstream.
func PrevDownstreamEstablish(t *Node, l *Line) {
	if t.Prev == nil {
		t.chain.fatalf("PrevDownstreamEstablish: node %q has no prev", t.Name)
		return
	}
	t.Prev.Handle.DownstreamEstablish(t.Prev, l)
}

// PrevDownstreamPayload forwards a payload event to t.Prev, downstream,
// transferring ownership of buf to the callee.
func PrevDownstreamPayload(t *Node, l *Line, buf *sbuf.Buffer) {
	if t.Prev == nil {
		t.chain.fatalf("PrevDownstreamPayload: node %q has no prev", t.Name)
		return
	}
	t.Prev.Handle.DownstreamPayload(t.Prev, l, buf)
}

// PrevDownstreamFinish forwards a finish event to t.Prev, downstream. The
// forward happens before the line's alive flag clears, for the same reason
// as NextUpstreamFinish.
func PrevDownstreamFinish(t *Node, l *Line) {
	if t.Prev == nil {
		t.chain.fatalf("PrevDownstreamFinish: node %q has no prev", t.Name)
		return
	}
	t.Prev.Handle.DownstreamFinish(t.Prev, l)
	l.markFinished()
}

// PrevDownstreamPause forwards a pause event to t.Prev, downstream.
func PrevDownstreamPause(t *Node, l *Line) {
	if t.Prev == nil {
		t.chain.fatalf("PrevDownstreamPause: node %q has no prev", t.Name)
		return
	}
	t.Prev.Handle.DownstreamPause(t.Prev, l)
}

// PrevDownstreamResume forwards a resume event to t.Prev, downstream.
func PrevDownstreamResume(t *Node, l *Line) {
	if t.Prev == nil {
		t.chain.fatalf("PrevDownstreamResume: node %q has no prev", t.Name)
		return
	}
	t.Prev.Handle.DownstreamResume(t.Prev, l)
}
