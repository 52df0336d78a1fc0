package tunnel

import "fmt"

// Registry is a value the caller constructs and owns (see
// internal/registry.Default) — per spec.md section 9's design notes,
// explicitly not a package-level global — mapping node type names to their
// immutable descriptors.
type Registry struct {
	byType map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]*Descriptor)}
}

// Register adds a descriptor. It is a fatal configuration error (returned,
// not panicked — this happens at startup, before any chain exists to abort)
// to register the same type twice with mismatched versions, since Version
// is reserved for future ABI checks and a silent shadowing would defeat
// that.
func (r *Registry) Register(d *Descriptor) error {
	if d.Type == "" {
		return fmt.Errorf("tunnel: descriptor with empty Type")
	}
	if existing, ok := r.byType[d.Type]; ok {
		if existing.Version != d.Version {
			return fmt.Errorf("tunnel: node type %q already registered at version %d, refusing re-register at version %d",
				d.Type, existing.Version, d.Version)
		}
		return fmt.Errorf("tunnel: node type %q already registered", d.Type)
	}
	r.byType[d.Type] = d
	return nil
}

// Lookup returns the descriptor for a node type, or nil if unregistered.
func (r *Registry) Lookup(nodeType string) *Descriptor {
	return r.byType[nodeType]
}
