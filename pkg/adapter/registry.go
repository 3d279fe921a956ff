package adapter

import (
	"fmt"
	"sort"
	"strings"
)

type registration struct {
	adapter    ServiceAdapter
	descriptor Descriptor
	caps       Capabilities
}

// Registry maps service ids to adapters. It is populated once by
// NewRegistry and read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	entries map[string]registration
}

// NewRegistry registers adapters and fails fast on misconfiguration.
func NewRegistry(adapters ...ServiceAdapter) (*Registry, error) {
	r := &Registry{entries: make(map[string]registration, len(adapters))}

	for _, a := range adapters {
		if a == nil {
			return nil, fmt.Errorf("adapter registry: nil adapter")
		}
		d := a.Descriptor().clone()
		caps := capabilitiesOf(a)

		switch {
		case d.ID == "":
			return nil, fmt.Errorf("adapter registry: %T has an empty id", a)
		case strings.TrimSpace(d.SecretPrefix) == "":
			return nil, fmt.Errorf("adapter registry: %s has an empty secret prefix", d.ID)
		case d.SupportsProvisioning && !caps.Provision:
			return nil, fmt.Errorf("adapter registry: %s declares provisioning support but does not implement ProvisionKey", d.ID)
		case !d.SupportsProvisioning && caps.Provision:
			return nil, fmt.Errorf("adapter registry: %s implements ProvisionKey but does not declare provisioning support", d.ID)
		}
		if _, exists := r.entries[d.ID]; exists {
			return nil, fmt.Errorf("adapter registry: %s registered twice", d.ID)
		}

		r.entries[d.ID] = registration{adapter: a, descriptor: d, caps: caps}
	}

	return r, nil
}

// Lookup returns the adapter registered under id.
func (r *Registry) Lookup(id string) (ServiceAdapter, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, r.unknown(id)
	}
	return e.adapter, nil
}

// Descriptor returns a copy of the descriptor registered under id.
func (r *Registry) Descriptor(id string) (Descriptor, error) {
	e, ok := r.entries[id]
	if !ok {
		return Descriptor{}, r.unknown(id)
	}
	return e.descriptor.clone(), nil
}

// Capabilities returns the capability set recorded at registration.
func (r *Registry) Capabilities(id string) (Capabilities, error) {
	e, ok := r.entries[id]
	if !ok {
		return Capabilities{}, r.unknown(id)
	}
	return e.caps, nil
}

// Provisioner returns the provisioning capability, if the adapter has it.
func (r *Registry) Provisioner(id string) (Provisioner, bool) {
	e, ok := r.entries[id]
	if !ok || !e.caps.Provision {
		return nil, false
	}
	return e.adapter.(Provisioner), true
}

// Rotator returns the in-place rotation capability, if the adapter has it.
func (r *Registry) Rotator(id string) (Rotator, bool) {
	e, ok := r.entries[id]
	if !ok || !e.caps.Rotate {
		return nil, false
	}
	return e.adapter.(Rotator), true
}

// IDs returns the registered service ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns copies of all descriptors sorted by id.
func (r *Registry) List() []Descriptor {
	ids := r.IDs()
	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id].descriptor.clone())
	}
	return out
}

func (r *Registry) unknown(id string) error {
	return fmt.Errorf("%w: %q (available: %s)", ErrUnknownService, id, strings.Join(r.IDs(), ", "))
}
