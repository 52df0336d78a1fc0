package tunnel

import (
	"encoding/json"
	"fmt"

	"github.com/cppla/waterway/sbuf"
	"go.uber.org/zap"
)

// NodeConfig is the external, opaque-to-the-core configuration for one
// chain position: a type name the registry resolves to a Descriptor, plus
// a raw JSON blob the descriptor's CreateHandle parses however it likes.
type NodeConfig struct {
	Type string
	Name string
	Raw  json.RawMessage
}

// Chain is an ordered, built composition of node instances. Build validates
// layer-group compatibility and head/end flags once, up front, so that a
// badly composed configuration never reaches the event-dispatch hot path.
type Chain struct {
	Nodes []*Node

	maxPaddingLeft int

	Logger *zap.Logger
}

// Build resolves each NodeConfig against the registry, constructs node
// handles, validates chain-wide invariants (head/end flags, layer-group
// pairwise compatibility), and computes per-line state slot indices and the
// chain-wide maximum required left padding.
func Build(reg *Registry, logger *zap.Logger, configs []NodeConfig) (*Chain, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("tunnel: empty chain configuration")
	}
	c := &Chain{Logger: logger}

	nodes := make([]*Node, 0, len(configs))
	for i, cfg := range configs {
		desc := reg.Lookup(cfg.Type)
		if desc == nil {
			return nil, fmt.Errorf("tunnel: unknown node type %q at chain position %d", cfg.Type, i)
		}
		handle, err := desc.CreateHandle(cfg.Raw)
		if err != nil {
			return nil, fmt.Errorf("tunnel: node %q (%s) failed to construct: %w", cfg.Type, cfg.Name, err)
		}
		n := &Node{
			Desc:   desc,
			Name:   nameOrType(cfg.Name, cfg.Type, i),
			Handle: handle,
			chain:  c,
			slot:   i,
		}
		if desc.RequiredPaddingLeft > c.maxPaddingLeft {
			c.maxPaddingLeft = desc.RequiredPaddingLeft
		}
		nodes = append(nodes, n)
	}

	// Wire neighbors.
	for i, n := range nodes {
		if i > 0 {
			n.Prev = nodes[i-1]
		}
		if i < len(nodes)-1 {
			n.Next = nodes[i+1]
		}
	}
	c.Nodes = nodes

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func nameOrType(name, typ string, pos int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s#%d", typ, pos)
}

func (c *Chain) validate() error {
	head := c.Nodes[0]
	tail := c.Nodes[len(c.Nodes)-1]

	if !head.Desc.Flags.ChainHead {
		return fmt.Errorf("tunnel: node %q (%s) cannot be a chain head", head.Name, head.Desc.Type)
	}
	if !tail.Desc.Flags.ChainEnd {
		return fmt.Errorf("tunnel: node %q (%s) cannot be a chain end", tail.Name, tail.Desc.Type)
	}

	for i, n := range c.Nodes {
		if i > 0 && !n.Desc.CanHavePrev {
			return fmt.Errorf("tunnel: node %q (%s) cannot have a predecessor", n.Name, n.Desc.Type)
		}
		if i < len(c.Nodes)-1 && !n.Desc.CanHaveNext {
			return fmt.Errorf("tunnel: node %q (%s) cannot have a successor", n.Name, n.Desc.Type)
		}
		if n.Next != nil {
			if !n.Desc.LayerGroupNext.compatible(n.Next.Desc.LayerGroup) {
				return fmt.Errorf("tunnel: layer-group mismatch between %q (%s, next wants %s) and %q (%s)",
					n.Name, n.Desc.Type, n.Desc.LayerGroupNext, n.Next.Name, n.Next.Desc.Type)
			}
		}
		if n.Prev != nil {
			if !n.Desc.LayerGroupPrev.compatible(n.Prev.Desc.LayerGroup) {
				return fmt.Errorf("tunnel: layer-group mismatch between %q (%s, prev wants %s) and %q (%s)",
					n.Name, n.Desc.Type, n.Desc.LayerGroupPrev, n.Prev.Name, n.Prev.Desc.Type)
			}
		}
	}
	return nil
}

// MaxRequiredPaddingLeft is the maximum RequiredPaddingLeft across every
// node descriptor in the chain, propagated to every ingress allocation.
func (c *Chain) MaxRequiredPaddingLeft() int { return c.maxPaddingLeft }

// NewLine allocates a fresh line for this chain, with a per-node state
// arena sized at build time.
func (c *Chain) NewLine() *Line { return newLine(c) }

// AllocateIngress allocates a buffer respecting the chain's declared
// head-padding requirement, for use by transport bindings reading bytes off
// the wire into the chain head.
func (c *Chain) AllocateIngress(capacity int) *sbuf.Buffer {
	return sbuf.Allocate(capacity, c.maxPaddingLeft)
}

// Head returns the chain's first node.
func (c *Chain) Head() *Node { return c.Nodes[0] }

// Tail returns the chain's last node.
func (c *Chain) Tail() *Node { return c.Nodes[len(c.Nodes)-1] }

// OnAccept is the transport-facing entry point for a new connection
// reaching the chain head: spec.md section 6's on_accept(line).
func (c *Chain) OnAccept(l *Line) {
	c.Head().Handle.UpstreamEstablish(c.Head(), l)
}

// OnPayload is the transport-facing entry point for inbound bytes reaching
// the chain head: spec.md section 6's on_payload(line, sbuf).
func (c *Chain) OnPayload(l *Line, buf *sbuf.Buffer) {
	c.Head().Handle.UpstreamPayload(c.Head(), l, buf)
}

// OnFinish is the transport-facing entry point for a chain-head connection
// closing (peer-initiated error mapping from spec.md section 7).
func (c *Chain) OnFinish(l *Line) {
	c.Head().Handle.UpstreamFinish(c.Head(), l)
}

func (c *Chain) fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.Logger != nil {
		c.Logger.Fatal(msg)
		return
	}
	panic("tunnel: FATAL (no logger configured): " + msg)
}
