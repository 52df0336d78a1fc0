// Package transport supplies the concrete chain-head bindings that connect
// a built chain to a real socket: a registered node type owns the per-line
// connection state and the downstream write path, while a companion
// listener drives the accept loop and the upstream read path.
//
// Grounded on controller/server.go's accept loop and its go-cache WAF
// (ipCache, a 200-request/30s per-source ledger); the raw io.Copy relay
// that loop used to dispatch to is replaced here by chain.OnAccept /
// chain.OnPayload / chain.OnFinish.
package transport

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/cppla/waterway/sbuf"
	"github.com/cppla/waterway/tunnel"
)

// TcpServerDescriptor returns the node-type metadata for the TCP transport
// head. A chain using it as its first node can be served by Listener.
func TcpServerDescriptor() *tunnel.Descriptor {
	return &tunnel.Descriptor{
		Type:           "TcpServer",
		Version:        1,
		CreateHandle:   func(json.RawMessage) (tunnel.NodeHandle, error) { return &tcpHead{}, nil },
		Flags:          tunnel.Flags{ChainHead: true},
		LayerGroup:     tunnel.LayerAny,
		LayerGroupNext: tunnel.LayerAny,
		CanHaveNext:    true,
		Interface:      tunnel.InterfaceStream,
	}
}

// tcpHead is the chain-head handle: it forwards everything upstream, and on
// the way back down writes straight to the socket backing the line, since
// it has no Prev to forward to.
type tcpHead struct{}

type tcpLineState struct {
	mu     sync.Mutex
	conn   net.Conn
	paused chan struct{}
}

func (h *tcpHead) UpstreamEstablish(t *tunnel.Node, l *tunnel.Line) { tunnel.NextUpstreamEstablish(t, l) }
func (h *tcpHead) UpstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	tunnel.NextUpstreamPayload(t, l, buf)
}
func (h *tcpHead) UpstreamFinish(t *tunnel.Node, l *tunnel.Line) { tunnel.NextUpstreamFinish(t, l) }
func (h *tcpHead) UpstreamPause(t *tunnel.Node, l *tunnel.Line)  { tunnel.NextUpstreamPause(t, l) }
func (h *tcpHead) UpstreamResume(t *tunnel.Node, l *tunnel.Line) { tunnel.NextUpstreamResume(t, l) }

// DownstreamEstablish is a no-op: a chain head has no Prev to forward the
// establish to, so one arriving from the next node ends here.
func (h *tcpHead) DownstreamEstablish(t *tunnel.Node, l *tunnel.Line) {}

func (h *tcpHead) DownstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	st := tunnel.State[tcpLineState](t, l)
	if st.conn == nil {
		return
	}
	data := buf.View()
	for len(data) > 0 {
		n, err := st.conn.Write(data)
		if err != nil {
			tunnel.NextUpstreamFinish(t, l)
			return
		}
		data = data[n:]
	}
}

func (h *tcpHead) DownstreamFinish(t *tunnel.Node, l *tunnel.Line) {
	st := tunnel.State[tcpLineState](t, l)
	if st.conn != nil {
		_ = st.conn.Close()
	}
}

// DownstreamPause installs a gate the line's read loop blocks on, the
// cooperative equivalent of no longer reading from the socket.
func (h *tcpHead) DownstreamPause(t *tunnel.Node, l *tunnel.Line) {
	st := tunnel.State[tcpLineState](t, l)
	st.mu.Lock()
	if st.paused == nil {
		st.paused = make(chan struct{})
	}
	st.mu.Unlock()
}

func (h *tcpHead) DownstreamResume(t *tunnel.Node, l *tunnel.Line) {
	st := tunnel.State[tcpLineState](t, l)
	st.mu.Lock()
	if st.paused != nil {
		close(st.paused)
		st.paused = nil
	}
	st.mu.Unlock()
}

// RateLimit configures the per-source-IP connection ledger ahead of a
// listener's accept loop, mirroring controller/server.go's ipCache WAF.
type RateLimit struct {
	MaxConnections int
	Window         time.Duration
}

// Listener binds a built chain (whose head node must be a TcpServer) to a
// real TCP socket.
type Listener struct {
	Addr           string
	Chain          *tunnel.Chain
	Pool           *tunnel.Pool
	Logger         *zap.Logger
	RateLimit      RateLimit
	ReadBufferSize int

	ipCache *cache.Cache
}

// NewListener returns a Listener with the given rate limit defaults filled
// in (200 connections per 30 seconds, matching the teacher's WAF window).
func NewListener(addr string, chain *tunnel.Chain, pool *tunnel.Pool, logger *zap.Logger, rl RateLimit) *Listener {
	if rl.MaxConnections <= 0 {
		rl.MaxConnections = 200
	}
	if rl.Window <= 0 {
		rl.Window = 30 * time.Second
	}
	return &Listener{
		Addr:           addr,
		Chain:          chain,
		Pool:           pool,
		Logger:         logger,
		RateLimit:      rl,
		ReadBufferSize: 32 * 1024,
		ipCache:        cache.New(rl.Window, 2*rl.Window),
	}
}

// ListenAndServe binds the socket and runs the accept loop until it
// encounters a listener error, which it returns.
func (ls *Listener) ListenAndServe() error {
	ln, err := net.Listen("tcp", ls.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	return ls.ListenAndServeOn(ln)
}

// ListenAndServeOn runs the accept loop against an already-bound listener,
// for callers (and tests) that need to control the bind step themselves.
func (ls *Listener) ListenAndServeOn(ln net.Listener) error {
	ls.logInfo("tcp transport listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		if ls.rateLimited(conn) {
			ls.logWarn("WAF: connection rejected", zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		ls.accept(conn)
	}
}

func (ls *Listener) rateLimited(conn net.Conn) bool {
	host := clientHost(conn)
	if count, found := ls.ipCache.Get(host); found {
		if count.(int) >= ls.RateLimit.MaxConnections {
			return true
		}
		ls.ipCache.Increment(host, 1)
		return false
	}
	ls.ipCache.Set(host, 1, cache.DefaultExpiration)
	return false
}

func clientHost(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}

func (ls *Listener) accept(conn net.Conn) {
	line := ls.Chain.NewLine()
	if ls.Pool != nil {
		line.Worker = ls.Pool.Next()
	}
	head := ls.Chain.Head()
	st := tunnel.State[tcpLineState](head, line)
	st.conn = conn

	ls.dispatch(line, func() { ls.Chain.OnAccept(line) })
	go ls.readLoop(head, line, st, conn)
}

func (ls *Listener) readLoop(head *tunnel.Node, line *tunnel.Line, st *tcpLineState, conn net.Conn) {
	buf := make([]byte, ls.ReadBufferSize)
	for {
		st.mu.Lock()
		gate := st.paused
		st.mu.Unlock()
		if gate != nil {
			<-gate
		}

		n, err := conn.Read(buf)
		if n > 0 {
			out := ls.Chain.AllocateIngress(n)
			if appendErr := out.Append(buf[:n], n); appendErr != nil {
				panic(appendErr) // unreachable: out was allocated with exactly n bytes of capacity
			}
			ls.dispatch(line, func() { ls.Chain.OnPayload(line, out) })
			if !line.IsAlive() {
				return
			}
		}
		if err != nil {
			ls.dispatch(line, func() { ls.Chain.OnFinish(line) })
			return
		}
	}
}

// dispatch runs fn on the line's worker if one is assigned, otherwise
// inline. Tests that never wire a Pool get synchronous, deterministic
// dispatch for free.
func (ls *Listener) dispatch(l *tunnel.Line, fn func()) {
	if l.Worker != nil {
		l.Worker.Enqueue(fn)
		return
	}
	fn()
}

func (ls *Listener) logInfo(msg string, fields ...zap.Field) {
	if ls.Logger != nil {
		ls.Logger.Info(msg, fields...)
	}
}

func (ls *Listener) logWarn(msg string, fields ...zap.Field) {
	if ls.Logger != nil {
		ls.Logger.Warn(msg, fields...)
	}
}
