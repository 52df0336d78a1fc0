package transport

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/cppla/waterway/sbuf"
	"github.com/cppla/waterway/tunnel"
)

type echoTail struct {
	established []*tunnel.Line
}

func (e *echoTail) UpstreamEstablish(t *tunnel.Node, l *tunnel.Line) {
	e.established = append(e.established, l)
}
func (e *echoTail) UpstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	tunnel.PrevDownstreamPayload(t, l, buf)
}
func (e *echoTail) UpstreamFinish(t *tunnel.Node, l *tunnel.Line)  {}
func (e *echoTail) UpstreamPause(t *tunnel.Node, l *tunnel.Line)   {}
func (e *echoTail) UpstreamResume(t *tunnel.Node, l *tunnel.Line)  {}
func (e *echoTail) DownstreamEstablish(t *tunnel.Node, l *tunnel.Line)        {}
func (e *echoTail) DownstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {}
func (e *echoTail) DownstreamFinish(t *tunnel.Node, l *tunnel.Line) {}
func (e *echoTail) DownstreamPause(t *tunnel.Node, l *tunnel.Line)  {}
func (e *echoTail) DownstreamResume(t *tunnel.Node, l *tunnel.Line) {}

func echoDescriptor(tail *echoTail) *tunnel.Descriptor {
	return &tunnel.Descriptor{
		Type:           "echoTail",
		Flags:          tunnel.Flags{ChainEnd: true},
		LayerGroup:     tunnel.LayerAny,
		LayerGroupNext: tunnel.LayerAny,
		LayerGroupPrev: tunnel.LayerAny,
		CanHavePrev:    true,
		CreateHandle:   func(json.RawMessage) (tunnel.NodeHandle, error) { return tail, nil },
	}
}

func buildEchoChain(t *testing.T) (*tunnel.Chain, *echoTail) {
	t.Helper()
	reg := tunnel.NewRegistry()
	if err := reg.Register(TcpServerDescriptor()); err != nil {
		t.Fatal(err)
	}
	tail := &echoTail{}
	if err := reg.Register(echoDescriptor(tail)); err != nil {
		t.Fatal(err)
	}
	chain, err := tunnel.Build(reg, nil, []tunnel.NodeConfig{{Type: "TcpServer"}, {Type: "echoTail"}})
	if err != nil {
		t.Fatal(err)
	}
	return chain, tail
}

// TestListenerEchoesBytesThroughTheChain exercises the full accept/read/
// write loop end to end against a real loopback socket, proving the head
// node's DownstreamPayload reaches the actual wire.
func TestListenerEchoesBytesThroughTheChain(t *testing.T) {
	chain, _ := buildEchoChain(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ls := NewListener(ln.Addr().String(), chain, nil, nil, RateLimit{})

	go func() {
		_ = ls.ListenAndServeOn(ln)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want %q", buf[:n], "ping")
	}
}

func TestRateLimiterRejectsAfterThreshold(t *testing.T) {
	chain, _ := buildEchoChain(t)
	ls := NewListener("127.0.0.1:0", chain, nil, nil, RateLimit{MaxConnections: 1, Window: time.Minute})

	fake := &fakeAddrConn{addr: "10.0.0.1:5555"}
	if ls.rateLimited(fake) {
		t.Fatal("first connection from an address should not be rate limited")
	}
	if !ls.rateLimited(fake) {
		t.Fatal("second connection within the window should be rate limited")
	}
}

type fakeAddrConn struct {
	net.Conn
	addr string
}

func (f *fakeAddrConn) RemoteAddr() net.Addr { return fakeAddr(f.addr) }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }
