// Package codec implements the Value Codec described in spec.md §4.1: a
// registry of per-type pack/unpack pairs plus extraction of the movable
// resources (buffers) embedded in a value.
//
// Packed values travel as an Envelope whose Marker holds the type tag used
// on the receiving side to pick the inverse codec. A Registry also records
// a reserved marker field name (default "_cast_to_original_datatype" per
// spec.md §6), reported by MarkerField; that name is not stored in an
// Envelope. Values with no registered codec pass through Pack/Unpack
// unchanged, exactly as the zero-copy fast path for plain data.
package codec

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/zclconf/go-cty-debug/ctydebug"
	"github.com/zclconf/go-cty/cty"
)

// DefaultMarkerField is the reserved marker field name a Registry uses
// when none is given, fixed per pool per spec.md §6.
const DefaultMarkerField = "_cast_to_original_datatype"

// Envelope is the packed form of a value with a registered codec: Marker
// names the codec that produced it (the type tag), and Cty carries the
// structurally-comparable payload.
type Envelope struct {
	Marker string
	Cty    cty.Value
}

// Codec packs and unpacks one Go type, and reports the movable Buffers
// embedded in a value of that type.
type Codec struct {
	// Tag is the type tag stamped into the Marker field of an Envelope.
	Tag string
	// Matches reports whether v is a value this codec handles.
	Matches func(v any) bool
	// Pack converts v into its cty.Value payload.
	Pack func(v any) (cty.Value, error)
	// Unpack reverses Pack.
	Unpack func(payload cty.Value) (any, error)
	// Movables returns the Buffers embedded in v, in encounter order.
	Movables func(v any) []*Buffer
}

// Registry holds the codecs registered for a pool (or test harness). The
// zero value is not usable; use NewRegistry.
type Registry struct {
	markerField string
	byTag       map[string]*Codec
	order       []*Codec
}

// NewRegistry returns a Registry using markerField as the reserved marker
// key. Passing "" selects DefaultMarkerField.
func NewRegistry(markerField string) *Registry {
	if markerField == "" {
		markerField = DefaultMarkerField
	}
	return &Registry{
		markerField: markerField,
		byTag:       make(map[string]*Codec),
	}
}

// MarkerField returns the reserved marker field name this registry was
// created with.
func (r *Registry) MarkerField() string {
	return r.markerField
}

// Register adds c to the registry. Registration order matters only in that
// it is the order Matches is tried for values that could plausibly match
// more than one codec; the first match wins.
func (r *Registry) Register(c *Codec) {
	r.byTag[c.Tag] = c
	r.order = append(r.order, c)
}

// codecFor returns the first registered codec whose Matches reports true
// for v, or nil if none does.
func (r *Registry) codecFor(v any) *Codec {
	for _, c := range r.order {
		if c.Matches(v) {
			return c
		}
	}
	return nil
}

// Pack implements pack(value, false): if v's type has a registered codec,
// the result is an Envelope stamped with that codec's tag; otherwise v is
// returned unchanged.
func (r *Registry) Pack(v any) (any, error) {
	c := r.codecFor(v)
	if c == nil {
		return v, nil
	}
	payload, err := c.Pack(v)
	if err != nil {
		return nil, errors.Wrapf(err, "codec: pack %s", c.Tag)
	}
	return Envelope{Marker: c.Tag, Cty: payload}, nil
}

// Unpack implements unpack(packed): it consumes and strips the marker field
// of an Envelope, dispatching to the codec named by its Marker. A value
// without the marker (i.e. not an Envelope) is returned unchanged.
func (r *Registry) Unpack(packed any) (any, error) {
	env, ok := packed.(Envelope)
	if !ok {
		return packed, nil
	}
	c, ok := r.byTag[env.Marker]
	if !ok {
		return nil, errors.Errorf("codec: unpack: no codec registered for tag %q", env.Marker)
	}
	v, err := c.Unpack(env.Cty)
	if err != nil {
		return nil, errors.Wrapf(err, "codec: unpack %s", env.Marker)
	}
	return v, nil
}

// Movables implements pack(value, true): the list of movable resources
// embedded in v, or an empty slice if v's type has no registered codec or
// the codec reports none.
func (r *Registry) Movables(v any) []*Buffer {
	c := r.codecFor(v)
	if c == nil {
		return nil
	}
	return c.Movables(v)
}

// MovablesIn walks a slice of arbitrary argument values (as used for a
// Task's auto-detect movable scan) and collects every movable resource
// found in any of them, in order, via reflect.DeepEqual-free type dispatch.
func (r *Registry) MovablesIn(values []any) []*Buffer {
	var out []*Buffer
	for _, v := range values {
		out = append(out, r.Movables(v)...)
	}
	return out
}

// HasMovedBuffer reports whether any movable embedded in v currently
// reports zero length, i.e. the already-moved sentinel of spec.md §4.1.
func (r *Registry) HasMovedBuffer(v any) bool {
	for _, b := range r.Movables(v) {
		if b.IsMoved() {
			return true
		}
	}
	return false
}

// DebugString packs v (if it has a registered codec) and renders the result
// with go-cty-debug, giving a readable dump of an envelope's capsule
// contents for a debug-dump hook; a value with no codec is rendered as a
// plain Go %#v string instead, since it was never a cty.Value to begin with.
func (r *Registry) DebugString(v any) string {
	packed, err := r.Pack(v)
	if err != nil {
		return errors.Wrapf(err, "codec: debug string").Error()
	}
	env, ok := packed.(Envelope)
	if !ok {
		return fmt.Sprintf("%#v", v)
	}
	return ctydebug.ValueString(env.Cty)
}

// reflectTypeMatcher returns a Matches func for Codec registration that
// compares v's concrete type against typ.
func reflectTypeMatcher(typ reflect.Type) func(v any) bool {
	return func(v any) bool {
		if v == nil {
			return false
		}
		return reflect.TypeOf(v) == typ
	}
}
