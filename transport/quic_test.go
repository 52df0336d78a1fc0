package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cppla/waterway/sbuf"
	"github.com/cppla/waterway/tunnel"
)

type quicSink struct{}

func (s *quicSink) UpstreamEstablish(t *tunnel.Node, l *tunnel.Line)          {}
func (s *quicSink) UpstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {}
func (s *quicSink) UpstreamFinish(t *tunnel.Node, l *tunnel.Line)             {}
func (s *quicSink) UpstreamPause(t *tunnel.Node, l *tunnel.Line)              {}
func (s *quicSink) UpstreamResume(t *tunnel.Node, l *tunnel.Line)             {}
func (s *quicSink) DownstreamEstablish(t *tunnel.Node, l *tunnel.Line)        {}
func (s *quicSink) DownstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {}
func (s *quicSink) DownstreamFinish(t *tunnel.Node, l *tunnel.Line)  {}
func (s *quicSink) DownstreamPause(t *tunnel.Node, l *tunnel.Line)   {}
func (s *quicSink) DownstreamResume(t *tunnel.Node, l *tunnel.Line)  {}

func quicSinkDescriptor() *tunnel.Descriptor {
	return &tunnel.Descriptor{
		Type:           "quicSink",
		Flags:          tunnel.Flags{ChainEnd: true},
		LayerGroup:     tunnel.LayerAny,
		LayerGroupNext: tunnel.LayerAny,
		LayerGroupPrev: tunnel.LayerAny,
		CanHavePrev:    true,
		CreateHandle:   func(json.RawMessage) (tunnel.NodeHandle, error) { return &quicSink{}, nil },
	}
}

func buildQuicChain(t *testing.T) *tunnel.Chain {
	t.Helper()
	reg := tunnel.NewRegistry()
	if err := reg.Register(QuicRendezvousServerDescriptor()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(quicSinkDescriptor()); err != nil {
		t.Fatal(err)
	}
	chain, err := tunnel.Build(reg, nil, []tunnel.NodeConfig{{Type: "QuicRendezvousServer"}, {Type: "quicSink"}})
	if err != nil {
		t.Fatal(err)
	}
	return chain
}

// TestQuicDownstreamPayloadWithNoStreamIsANoOp mirrors the same guard on
// the TCP head: a line whose accept path never attached a live stream must
// not panic when written to.
func TestQuicDownstreamPayloadWithNoStreamIsANoOp(t *testing.T) {
	chain := buildQuicChain(t)
	line := chain.NewLine()
	head := chain.Head()

	buf := sbuf.Allocate(3, 0)
	_ = buf.Append([]byte{1, 2, 3}, 3)
	head.Handle.DownstreamPayload(head, line, buf) // must not panic
}

func TestQuicPauseResumeGate(t *testing.T) {
	chain := buildQuicChain(t)
	line := chain.NewLine()
	head := chain.Head()

	head.Handle.DownstreamPause(head, line)
	st := tunnel.State[quicLineState](head, line)

	st.mu.Lock()
	gate := st.paused
	st.mu.Unlock()
	if gate == nil {
		t.Fatal("expected a pause gate channel to be installed")
	}

	released := make(chan struct{})
	go func() {
		<-gate
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("reader released before Resume was called")
	case <-time.After(20 * time.Millisecond):
	}

	head.Handle.DownstreamResume(head, line)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("reader was not released after Resume")
	}
}

func TestQuicDispatchRunsInlineWithoutAPool(t *testing.T) {
	chain := buildQuicChain(t)
	rl := NewRendezvousListener("127.0.0.1:0", nil, chain, nil, nil)
	line := chain.NewLine()

	ran := false
	rl.dispatch(line, func() { ran = true })
	if !ran {
		t.Fatal("expected dispatch to run the closure inline when no worker is assigned")
	}
}
