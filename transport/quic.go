package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/cppla/waterway/sbuf"
	"github.com/cppla/waterway/tunnel"
)

// QuicRendezvousServerDescriptor returns the node-type metadata for the
// QUIC rendezvous transport head: the listening counterpart of
// nodes/reverseclient, for a rendezvous operator that waits for reverse
// clients to dial in rather than dialing out itself.
func QuicRendezvousServerDescriptor() *tunnel.Descriptor {
	return &tunnel.Descriptor{
		Type:           "QuicRendezvousServer",
		Version:        1,
		CreateHandle:   func(json.RawMessage) (tunnel.NodeHandle, error) { return &quicHead{}, nil },
		Flags:          tunnel.Flags{ChainHead: true},
		LayerGroup:     tunnel.LayerAny,
		LayerGroupNext: tunnel.LayerAny,
		CanHaveNext:    true,
		Interface:      tunnel.InterfaceStream,
	}
}

type quicHead struct{}

type quicLineState struct {
	mu     sync.Mutex
	stream quic.Stream
	paused chan struct{}
}

func (h *quicHead) UpstreamEstablish(t *tunnel.Node, l *tunnel.Line) { tunnel.NextUpstreamEstablish(t, l) }
func (h *quicHead) UpstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	tunnel.NextUpstreamPayload(t, l, buf)
}
func (h *quicHead) UpstreamFinish(t *tunnel.Node, l *tunnel.Line) { tunnel.NextUpstreamFinish(t, l) }
func (h *quicHead) UpstreamPause(t *tunnel.Node, l *tunnel.Line)  { tunnel.NextUpstreamPause(t, l) }
func (h *quicHead) UpstreamResume(t *tunnel.Node, l *tunnel.Line) { tunnel.NextUpstreamResume(t, l) }

func (h *quicHead) DownstreamEstablish(t *tunnel.Node, l *tunnel.Line) {}

func (h *quicHead) DownstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	st := tunnel.State[quicLineState](t, l)
	if st.stream == nil {
		return
	}
	data := buf.View()
	for len(data) > 0 {
		n, err := st.stream.Write(data)
		if err != nil {
			tunnel.NextUpstreamFinish(t, l)
			return
		}
		data = data[n:]
	}
}

func (h *quicHead) DownstreamFinish(t *tunnel.Node, l *tunnel.Line) {
	st := tunnel.State[quicLineState](t, l)
	if st.stream != nil {
		_ = st.stream.Close()
	}
}

func (h *quicHead) DownstreamPause(t *tunnel.Node, l *tunnel.Line) {
	st := tunnel.State[quicLineState](t, l)
	st.mu.Lock()
	if st.paused == nil {
		st.paused = make(chan struct{})
	}
	st.mu.Unlock()
}

func (h *quicHead) DownstreamResume(t *tunnel.Node, l *tunnel.Line) {
	st := tunnel.State[quicLineState](t, l)
	st.mu.Lock()
	if st.paused != nil {
		close(st.paused)
		st.paused = nil
	}
	st.mu.Unlock()
}

// RendezvousListener accepts inbound QUIC connections from reverse clients
// and treats every stream each one opens as a new line, exactly as
// Listener treats a new inbound TCP socket. A rendezvous deployment
// typically pairs a single such connection per reverse client with many
// streams multiplexed over it, one per tunneled external connection.
type RendezvousListener struct {
	Addr           string
	TLSConfig      *tls.Config
	Chain          *tunnel.Chain
	Pool           *tunnel.Pool
	Logger         *zap.Logger
	ReadBufferSize int
}

// NewRendezvousListener returns a RendezvousListener with defaults filled
// in. TLSConfig must carry a server certificate; quic-go refuses to listen
// without one.
func NewRendezvousListener(addr string, tlsConf *tls.Config, chain *tunnel.Chain, pool *tunnel.Pool, logger *zap.Logger) *RendezvousListener {
	return &RendezvousListener{
		Addr:           addr,
		TLSConfig:      tlsConf,
		Chain:          chain,
		Pool:           pool,
		Logger:         logger,
		ReadBufferSize: 32 * 1024,
	}
}

// ListenAndServe binds the QUIC socket and accepts connections until it
// hits a listener error, which it returns.
func (rl *RendezvousListener) ListenAndServe(ctx context.Context) error {
	ln, err := quic.ListenAddr(rl.Addr, rl.TLSConfig, nil)
	if err != nil {
		return err
	}
	defer ln.Close()
	rl.logInfo("quic rendezvous listening", zap.String("addr", rl.Addr))
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return err
		}
		go rl.serveConn(ctx, conn)
	}
}

func (rl *RendezvousListener) serveConn(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			rl.logWarn("quic rendezvous: accept stream failed", zap.Error(err))
			return
		}
		rl.serveStream(stream)
	}
}

func (rl *RendezvousListener) serveStream(stream quic.Stream) {
	line := rl.Chain.NewLine()
	if rl.Pool != nil {
		line.Worker = rl.Pool.Next()
	}
	head := rl.Chain.Head()
	st := tunnel.State[quicLineState](head, line)
	st.stream = stream

	rl.dispatch(line, func() { rl.Chain.OnAccept(line) })
	go rl.readLoop(line, st)
}

func (rl *RendezvousListener) readLoop(line *tunnel.Line, st *quicLineState) {
	buf := make([]byte, rl.ReadBufferSize)
	for {
		st.mu.Lock()
		gate := st.paused
		st.mu.Unlock()
		if gate != nil {
			<-gate
		}

		n, err := st.stream.Read(buf)
		if n > 0 {
			out := rl.Chain.AllocateIngress(n)
			if appendErr := out.Append(buf[:n], n); appendErr != nil {
				panic(appendErr) // unreachable: out was allocated with exactly n bytes of capacity
			}
			rl.dispatch(line, func() { rl.Chain.OnPayload(line, out) })
			if !line.IsAlive() {
				return
			}
		}
		if err != nil {
			rl.dispatch(line, func() { rl.Chain.OnFinish(line) })
			return
		}
	}
}

func (rl *RendezvousListener) dispatch(l *tunnel.Line, fn func()) {
	if l.Worker != nil {
		l.Worker.Enqueue(fn)
		return
	}
	fn()
}

func (rl *RendezvousListener) logInfo(msg string, fields ...zap.Field) {
	if rl.Logger != nil {
		rl.Logger.Info(msg, fields...)
	}
}

func (rl *RendezvousListener) logWarn(msg string, fields ...zap.Field) {
	if rl.Logger != nil {
		rl.Logger.Warn(msg, fields...)
	}
}
