// Package registry wires every node type this repository ships into a
// tunnel.Registry, the one place that needs to know about all of them.
package registry

import (
	"github.com/cppla/waterway/nodes/ipmanip"
	"github.com/cppla/waterway/nodes/mux"
	"github.com/cppla/waterway/nodes/reverseclient"
	"github.com/cppla/waterway/nodes/udpovertcp"
	"github.com/cppla/waterway/transport"
	"github.com/cppla/waterway/tunnel"
)

// Default returns a registry with every node type in this repository
// registered under its descriptor's Type name.
func Default() (*tunnel.Registry, error) {
	reg := tunnel.NewRegistry()
	descriptors := []*tunnel.Descriptor{
		transport.TcpServerDescriptor(),
		transport.QuicRendezvousServerDescriptor(),
		udpovertcp.Descriptor(),
		mux.Descriptor(),
		ipmanip.Descriptor(),
		reverseclient.Descriptor(),
	}
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
