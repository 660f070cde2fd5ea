package ecs

import (
	"crypto/sha256"
	"encoding/binary"
	"reflect"

	"github.com/argus-labs/netcode/pkg/assert"
	"github.com/argus-labs/netcode/pkg/internal/schema"
	"github.com/rotisserie/eris"
)

// Component is the interface that all components must implement.
// Components are pure data containers that can be attached to entities.
type Component interface { //nolint:iface // We may add more methods in the future.
	// Name returns a unique string identifier for the component type.
	// This should be consistent across program executions and across every peer.
	Name() string
}

// EntityMapper is implemented by components that hold references to other entities. The receiving
// side calls MapEntities to translate those references into its own ID space.
type EntityMapper interface {
	MapEntities(mapFn func(EntityID) (EntityID, bool)) Component
}

// Kind is the wire tag of a component type. Kinds are assigned in registration order, so every peer
// must register the same components in the same order.
type Kind uint16

// MaxKinds bounds the number of component types in a registry.
const MaxKinds = 1 << 10

// EncodedComponent is a component in its wire form.
type EncodedComponent struct {
	Kind Kind
	Data []byte
}

type kindInfo struct {
	name   string
	decode func([]byte) (Component, error)
	equal  func(a, b Component) bool
}

// Registry is the closed set of component types known to a protocol.
type Registry struct {
	catalog map[string]Kind // Component name -> kind
	kinds   []kindInfo      // Kind -> type info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		catalog: make(map[string]Kind),
		kinds:   make([]kindInfo, 0),
	}
}

// Register adds T to the registry and returns its kind. If the component is already registered,
// no-op. Values of T compare with T.ApproxEqual when T implements it, otherwise exactly.
func Register[T Component](r *Registry) (Kind, error) {
	var zero T
	name := zero.Name()
	if name == "" {
		return 0, eris.New("component name cannot be empty")
	}
	if kind, exists := r.catalog[name]; exists {
		return kind, nil
	}
	if len(r.kinds) >= MaxKinds {
		return 0, eris.Errorf("cannot register more than %d components", MaxKinds)
	}

	info := kindInfo{
		name: name,
		decode: func(data []byte) (Component, error) {
			var v T
			if err := schema.Deserialize(data, &v); err != nil {
				return nil, eris.Wrapf(err, "failed to decode component %s", name)
			}
			return v, nil
		},
		equal: func(a, b Component) bool {
			av, aok := a.(T)
			bv, bok := b.(T)
			if !aok || !bok {
				return false
			}
			if approx, ok := any(av).(interface{ ApproxEqual(other T) bool }); ok {
				return approx.ApproxEqual(bv)
			}
			return reflect.DeepEqual(av, bv)
		},
	}

	kind := Kind(len(r.kinds)) //nolint:gosec // bounded by MaxKinds
	r.catalog[name] = kind
	r.kinds = append(r.kinds, info)
	assert.That(int(kind)+1 == len(r.kinds), "component kind doesn't match number of components")

	return kind, nil
}

// MustRegister is Register for setup code where a failure is a programming error.
func MustRegister[T Component](r *Registry) Kind {
	kind, err := Register[T](r)
	if err != nil {
		panic(err)
	}
	return kind
}

// KindOf returns the kind of a registered component value.
func (r *Registry) KindOf(c Component) (Kind, error) {
	return r.KindByName(c.Name())
}

// KindByName returns a component's kind given its name.
func (r *Registry) KindByName(name string) (Kind, error) {
	kind, exists := r.catalog[name]
	if !exists {
		return 0, eris.Wrapf(ErrComponentNotFound, "component %s", name)
	}
	return kind, nil
}

// Name returns the registered name of kind.
func (r *Registry) Name(kind Kind) (string, bool) {
	if int(kind) >= len(r.kinds) {
		return "", false
	}
	return r.kinds[kind].name, true
}

// Len returns the number of registered kinds.
func (r *Registry) Len() int {
	return len(r.kinds)
}

// Valid reports whether kind was registered.
func (r *Registry) Valid(kind Kind) bool {
	return int(kind) < len(r.kinds)
}

// Equal compares two values of the same kind. Values of different kinds are never equal.
func (r *Registry) Equal(a, b Component) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	kind, err := r.KindOf(a)
	if err != nil || a.Name() != b.Name() {
		return false
	}
	return r.kinds[kind].equal(a, b)
}

// Encode converts a component into its wire form.
func (r *Registry) Encode(c Component) (EncodedComponent, error) {
	kind, err := r.KindOf(c)
	if err != nil {
		return EncodedComponent{}, err
	}
	data, err := schema.Serialize(c)
	if err != nil {
		return EncodedComponent{}, eris.Wrapf(err, "failed to encode component %s", c.Name())
	}
	return EncodedComponent{Kind: kind, Data: data}, nil
}

// Decode converts a wire component back into a value. Unknown kinds and malformed payloads are
// errors; the caller treats them as protocol violations.
func (r *Registry) Decode(ec EncodedComponent) (Component, error) {
	if !r.Valid(ec.Kind) {
		return nil, eris.Wrapf(ErrComponentNotFound, "kind %d", ec.Kind)
	}
	return r.kinds[ec.Kind].decode(ec.Data)
}

// EncodeAll encodes every component, preserving order.
func (r *Registry) EncodeAll(comps []Component) ([]EncodedComponent, error) {
	out := make([]EncodedComponent, 0, len(comps))
	for _, c := range comps {
		ec, err := r.Encode(c)
		if err != nil {
			return nil, err
		}
		out = append(out, ec)
	}
	return out, nil
}

// DecodeAll decodes every component, preserving order.
func (r *Registry) DecodeAll(encoded []EncodedComponent) ([]Component, error) {
	out := make([]Component, 0, len(encoded))
	for _, ec := range encoded {
		c, err := r.Decode(ec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Fingerprint identifies the registered component set. Two peers can only talk if their
// fingerprints match.
func (r *Registry) Fingerprint() uint64 {
	h := sha256.New()
	for _, info := range r.kinds {
		h.Write([]byte(info.name))
		h.Write([]byte{0})
	}
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}
