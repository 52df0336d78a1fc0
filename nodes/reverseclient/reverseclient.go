// Package reverseclient implements the reference reverse-tunnel rendezvous
// node: instead of waiting for an inbound connection, this chain head dials
// out to a rendezvous address over QUIC and treats every stream the far end
// opens back as a new line entering the chain, exactly as a TCP accept loop
// would treat a new inbound socket.
//
// Grounded on original_source/tunnels/ReverseClient/downstream/resume.c,
// whose reverseclient_lstate_t pairs a line with its paired connection and
// only forwards Resume while that pairing is live; this repo's lineState
// plays the same role, gating the QUIC read loop instead.
package reverseclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/cppla/waterway/sbuf"
	"github.com/cppla/waterway/tunnel"
)

// Config is the node's configuration blob.
type Config struct {
	// RendezvousAddr is the host:port of the QUIC rendezvous server this
	// node dials out to.
	RendezvousAddr string `json:"rendezvous_addr"`
	// ServerName is the TLS server name presented during the handshake.
	ServerName string `json:"server_name"`
	// InsecureSkipVerify disables certificate verification, for rendezvous
	// endpoints authenticated some other way (e.g. a pinned PSK overlay).
	InsecureSkipVerify bool `json:"insecure_skip_verify"`
	// ReadBufferSize bounds each read off an accepted stream.
	ReadBufferSize int `json:"read_buffer_size"`
}

// Descriptor returns the node-type metadata for registration. reverseclient
// is always a chain head: it originates lines from accepted QUIC streams
// rather than receiving them from an external listener.
func Descriptor() *tunnel.Descriptor {
	return &tunnel.Descriptor{
		Type:           "ReverseClient",
		Version:        1,
		CreateHandle:   createHandle,
		Flags:          tunnel.Flags{ChainHead: true},
		LayerGroup:     tunnel.LayerAny,
		LayerGroupNext: tunnel.LayerAny,
		CanHaveNext:    true,
		Interface:      tunnel.InterfaceStream,
	}
}

func createHandle(raw json.RawMessage) (tunnel.NodeHandle, error) {
	cfg := Config{ReadBufferSize: 32 * 1024}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("reverseclient: invalid config: %w", err)
		}
	}
	if cfg.RendezvousAddr == "" {
		return nil, fmt.Errorf("reverseclient: rendezvous_addr is required")
	}
	if cfg.ReadBufferSize <= 0 {
		return nil, fmt.Errorf("reverseclient: read_buffer_size must be positive")
	}
	return &handle{cfg: cfg}, nil
}

type handle struct {
	cfg Config

	once sync.Once
}

// lineState holds the live QUIC stream backing one accepted line, plus the
// cooperative pause gate its read loop waits on.
type lineState struct {
	mu     sync.Mutex
	stream quic.Stream
	paused chan struct{} // non-nil while paused; closed by Resume to release the reader
}

// UpstreamEstablish is the trigger that starts the node's background dial
// loop, the first (and only) time it fires on this node's own control
// line. A single Line drives the node; every subsequent line this node
// produces comes from an accepted QUIC stream, not from this callback.
func (h *handle) UpstreamEstablish(t *tunnel.Node, l *tunnel.Line) {
	h.once.Do(func() {
		go h.run(t)
	})
}

func (h *handle) run(t *tunnel.Node) {
	logger := t.Chain().Logger
	ctx := context.Background()

	tlsConf := &tls.Config{
		ServerName:         h.cfg.ServerName,
		InsecureSkipVerify: h.cfg.InsecureSkipVerify,
		NextProtos:         []string{"waterway-rendezvous"},
	}

	conn, err := quic.DialAddr(ctx, h.cfg.RendezvousAddr, tlsConf, nil)
	if err != nil {
		logField(logger, "reverseclient: dial failed", err)
		return
	}
	defer conn.CloseWithError(0, "shutting down")

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			logField(logger, "reverseclient: accept stream failed", err)
			return
		}
		go h.serve(t, stream)
	}
}

func (h *handle) serve(t *tunnel.Node, stream quic.Stream) {
	line := t.Chain().NewLine()
	st := tunnel.State[lineState](t, line)
	st.stream = stream

	tunnel.NextUpstreamEstablish(t, line)

	buf := make([]byte, h.cfg.ReadBufferSize)
	for {
		st.mu.Lock()
		gate := st.paused
		st.mu.Unlock()
		if gate != nil {
			<-gate
		}

		n, err := stream.Read(buf)
		if n > 0 {
			out := t.Chain().AllocateIngress(n)
			if appendErr := out.Append(buf[:n], n); appendErr != nil {
				panic(appendErr) // unreachable: out was allocated with exactly n bytes of capacity
			}
			tunnel.NextUpstreamPayload(t, line, out)
			if !line.IsAlive() {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logField(t.Chain().Logger, "reverseclient: stream read error", err)
			}
			tunnel.NextUpstreamFinish(t, line)
			return
		}
	}
}

func (h *handle) UpstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	tunnel.NextUpstreamPayload(t, l, buf)
}

func (h *handle) UpstreamFinish(t *tunnel.Node, l *tunnel.Line) {
	tunnel.NextUpstreamFinish(t, l)
}

func (h *handle) UpstreamPause(t *tunnel.Node, l *tunnel.Line) {
	tunnel.NextUpstreamPause(t, l)
}

func (h *handle) UpstreamResume(t *tunnel.Node, l *tunnel.Line) {
	tunnel.NextUpstreamResume(t, l)
}

// DownstreamEstablish is a no-op: this node has no Prev to forward the
// establish to, so one arriving from the next node ends here.
func (h *handle) DownstreamEstablish(t *tunnel.Node, l *tunnel.Line) {}

// DownstreamPayload writes one downstream buffer out to the line's QUIC
// stream, looping until every byte is written.
func (h *handle) DownstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	st := tunnel.State[lineState](t, l)
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

// DownstreamFinish closes the underlying QUIC stream for writing.
func (h *handle) DownstreamFinish(t *tunnel.Node, l *tunnel.Line) {
	st := tunnel.State[lineState](t, l)
	if st.stream != nil {
		_ = st.stream.Close()
	}
}

// DownstreamPause blocks the line's read loop until Resume releases it,
// the cooperative equivalent of applying TCP backpressure on a real socket.
func (h *handle) DownstreamPause(t *tunnel.Node, l *tunnel.Line) {
	st := tunnel.State[lineState](t, l)
	st.mu.Lock()
	if st.paused == nil {
		st.paused = make(chan struct{})
	}
	st.mu.Unlock()
}

func (h *handle) DownstreamResume(t *tunnel.Node, l *tunnel.Line) {
	st := tunnel.State[lineState](t, l)
	st.mu.Lock()
	if st.paused != nil {
		close(st.paused)
		st.paused = nil
	}
	st.mu.Unlock()
}

func logField(logger *zap.Logger, msg string, err error) {
	if logger == nil {
		return
	}
	logger.Warn(msg, zap.Error(err))
}
