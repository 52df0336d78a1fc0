// Package ipmanip implements the reference IP header manipulator: a
// packet-tunnel (L3) node that rewrites a configured IPv4 transport
// protocol field in place, for traffic wanting to disguise one L4 protocol
// as another ahead of a TUN-facing egress.
//
// Grounded on original_source/tunnels/IpManipulator/upstream/payload.c,
// /upstream/fin.c and /downstream/pause.c.
package ipmanip

import (
	"encoding/json"
	"fmt"

	"github.com/cppla/waterway/sbuf"
	"github.com/cppla/waterway/tunnel"
)

const ipprotoTCP = 6

// Config is the node's configuration blob. SwapTCPProtocol, when non-zero,
// is the IPv4 protocol number written over any TCP segment's protocol
// field as it passes upstream.
type Config struct {
	SwapTCPProtocol int `json:"swap_tcp_protocol"`
}

// Descriptor returns the node-type metadata for registration. ipmanip is a
// packet-tunnel node: LayerGroup Layer3, Interface InterfacePacket. It
// requires no extra padding since it rewrites a header field in place
// rather than adding one.
func Descriptor() *tunnel.Descriptor {
	return &tunnel.Descriptor{
		Type:           "IpManipulator",
		Version:        1,
		CreateHandle:   createHandle,
		LayerGroup:     tunnel.Layer3,
		LayerGroupNext: tunnel.Layer3,
		LayerGroupPrev: tunnel.Layer3,
		CanHaveNext:    true,
		CanHavePrev:    true,
		Interface:      tunnel.InterfacePacket,
	}
}

func createHandle(raw json.RawMessage) (tunnel.NodeHandle, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("ipmanip: invalid config: %w", err)
		}
	}
	if cfg.SwapTCPProtocol < 0 || cfg.SwapTCPProtocol > 0xFF {
		return nil, fmt.Errorf("ipmanip: swap_tcp_protocol must fit in one byte")
	}
	return &handle{swapTCPProtocol: byte(cfg.SwapTCPProtocol)}, nil
}

// handle embeds PacketOnlyStubs: this node never receives Finish/Pause/
// Resume on either surface, only whole-datagram Payload via the chain's
// packet adapter; calling any of those six remaining stream-interface
// callbacks aborts through the chain's fatalf at runtime.
type handle struct {
	tunnel.PacketOnlyStubs
	swapTCPProtocol byte
}

func (h *handle) UpstreamEstablish(t *tunnel.Node, l *tunnel.Line) {
	tunnel.NextUpstreamEstablish(t, l)
}

// UpstreamPayload rewrites the IPv4 protocol field of a TCP segment to the
// configured value and flags the line for checksum recalculation, leaving
// every other packet untouched.
func (h *handle) UpstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	if h.swapTCPProtocol != 0 {
		header := buf.MutablePtr()
		if len(header) >= 10 {
			version := header[0] >> 4
			protocol := header[9]
			if version == 4 && protocol == ipprotoTCP {
				header[9] = h.swapTCPProtocol
				l.RecalculateChecksum = true
			}
		}
	}
	tunnel.NextUpstreamPayload(t, l, buf)
}

func (h *handle) DownstreamEstablish(t *tunnel.Node, l *tunnel.Line) {
	tunnel.PrevDownstreamEstablish(t, l)
}

// DownstreamPayload passes packets through unchanged; the original's
// protocol-swap is a one-directional disguise applied only on the way in.
func (h *handle) DownstreamPayload(t *tunnel.Node, l *tunnel.Line, buf *sbuf.Buffer) {
	tunnel.PrevDownstreamPayload(t, l, buf)
}
