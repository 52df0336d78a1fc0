package reverseclient

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cppla/waterway/sbuf"
	"github.com/cppla/waterway/tunnel"
)

func TestCreateHandleRequiresRendezvousAddr(t *testing.T) {
	_, err := createHandle(json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for missing rendezvous_addr")
	}
}

func TestCreateHandleRejectsNonPositiveReadBufferSize(t *testing.T) {
	_, err := createHandle(json.RawMessage(`{"rendezvous_addr":"example:443","read_buffer_size":0}`))
	if err == nil {
		t.Fatal("expected error for zero read_buffer_size")
	}
}

func TestCreateHandleDefaultsReadBufferSize(t *testing.T) {
	h, err := createHandle(json.RawMessage(`{"rendezvous_addr":"example:443"}`))
	if err != nil {
		t.Fatal(err)
	}
	hh := h.(*handle)
	if hh.cfg.ReadBufferSize <= 0 {
		t.Fatal("expected a positive default ReadBufferSize")
	}
}

func endDescriptor() *tunnel.Descriptor {
	return &tunnel.Descriptor{
		Type:           "end",
		Flags:          tunnel.Flags{ChainEnd: true},
		LayerGroup:     tunnel.LayerAny,
		LayerGroupNext: tunnel.LayerAny,
		LayerGroupPrev: tunnel.LayerAny,
		CanHavePrev:    true,
	}
}

type sink struct{}

func (s *sink) UpstreamEstablish(t *tunnel.Node, l *tunnel.Line)          {}
func (s *sink) UpstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {}
func (s *sink) UpstreamFinish(t *tunnel.Node, l *tunnel.Line)             {}
func (s *sink) UpstreamPause(t *tunnel.Node, l *tunnel.Line)              {}
func (s *sink) UpstreamResume(t *tunnel.Node, l *tunnel.Line)             {}
func (s *sink) DownstreamEstablish(t *tunnel.Node, l *tunnel.Line)        {}
func (s *sink) DownstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {}
func (s *sink) DownstreamFinish(t *tunnel.Node, l *tunnel.Line)  {}
func (s *sink) DownstreamPause(t *tunnel.Node, l *tunnel.Line)   {}
func (s *sink) DownstreamResume(t *tunnel.Node, l *tunnel.Line)  {}

func buildChain(t *testing.T) *tunnel.Chain {
	t.Helper()
	reg := tunnel.NewRegistry()
	if err := reg.Register(Descriptor()); err != nil {
		t.Fatal(err)
	}
	end := endDescriptor()
	end.CreateHandle = func(json.RawMessage) (tunnel.NodeHandle, error) { return &sink{}, nil }
	if err := reg.Register(end); err != nil {
		t.Fatal(err)
	}
	raw := json.RawMessage(`{"rendezvous_addr":"127.0.0.1:1"}`)
	chain, err := tunnel.Build(reg, nil, []tunnel.NodeConfig{{Type: "ReverseClient", Raw: raw}, {Type: "end"}})
	if err != nil {
		t.Fatal(err)
	}
	return chain
}

// TestDownstreamPayloadWithNoStreamIsANoOp exercises the guard for a line
// whose accept loop never actually attached a live QUIC stream (e.g. under
// test, or torn down mid-flight).
func TestDownstreamPayloadWithNoStreamIsANoOp(t *testing.T) {
	chain := buildChain(t)
	line := chain.NewLine()
	head := chain.Head()

	buf := sbuf.Allocate(3, 0)
	_ = buf.Append([]byte{1, 2, 3}, 3)
	head.Handle.DownstreamPayload(head, line, buf) // must not panic
}

// TestPauseResumeGateBlocksAndReleasesReader exercises the cooperative
// pause gate independent of a real network stream: DownstreamPause installs
// a channel the read loop would block on, DownstreamResume releases it.
func TestPauseResumeGateBlocksAndReleasesReader(t *testing.T) {
	chain := buildChain(t)
	line := chain.NewLine()
	head := chain.Head()

	head.Handle.DownstreamPause(head, line)
	st := tunnel.State[lineState](head, line)

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

func TestIdempotentPause(t *testing.T) {
	chain := buildChain(t)
	line := chain.NewLine()
	head := chain.Head()

	head.Handle.DownstreamPause(head, line)
	st := tunnel.State[lineState](head, line)
	st.mu.Lock()
	first := st.paused
	st.mu.Unlock()

	head.Handle.DownstreamPause(head, line)
	st.mu.Lock()
	second := st.paused
	st.mu.Unlock()

	if first != second {
		t.Fatal("a second Pause should not replace an already-installed gate")
	}
}
