package codec

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
)

// bufferCapsuleType is the cty capsule type used to carry a *Buffer through
// an Envelope's Cty payload, giving it a concrete cty.Type identity for
// structural-equality comparisons in round-trip tests.
var bufferCapsuleType = cty.Capsule("taskgraph.Buffer", reflect.TypeOf(Buffer{}))

// numericArrayCapsuleType carries a NumericArrayView the same way.
var numericArrayCapsuleType = cty.Capsule("taskgraph.NumericArrayView", reflect.TypeOf(NumericArrayView{}))

const (
	// TagBuffer is the type tag used for raw movable byte buffers.
	TagBuffer = "buffer"
	// TagNumericArray is the type tag used for fixed-width numeric array
	// views packed as {buffer, viewKind} per spec.md §4.1.
	TagNumericArray = "numeric_array"
)

// RegisterBuiltins registers the codecs spec.md §4.1 requires: raw byte
// buffers and fixed-width numeric array views, each listing their
// underlying *Buffer as a movable resource.
func RegisterBuiltins(r *Registry) {
	r.Register(&Codec{
		Tag:     TagBuffer,
		Matches: reflectTypeMatcher(reflect.TypeOf(&Buffer{})),
		Pack: func(v any) (cty.Value, error) {
			b := v.(*Buffer)
			return cty.CapsuleVal(bufferCapsuleType, b), nil
		},
		Unpack: func(payload cty.Value) (any, error) {
			if payload.Type() != bufferCapsuleType {
				return nil, errors.Errorf("codec: buffer: unexpected payload type %s", payload.Type().FriendlyName())
			}
			b, ok := payload.EncapsulatedValue().(*Buffer)
			if !ok {
				return nil, errors.New("codec: buffer: capsule did not hold a *Buffer")
			}
			return b, nil
		},
		Movables: func(v any) []*Buffer {
			return []*Buffer{v.(*Buffer)}
		},
	})

	r.Register(&Codec{
		Tag:     TagNumericArray,
		Matches: reflectTypeMatcher(reflect.TypeOf(&NumericArrayView{})),
		Pack: func(v any) (cty.Value, error) {
			view := v.(*NumericArrayView)
			return cty.CapsuleVal(numericArrayCapsuleType, view), nil
		},
		Unpack: func(payload cty.Value) (any, error) {
			if payload.Type() != numericArrayCapsuleType {
				return nil, errors.Errorf("codec: numeric_array: unexpected payload type %s", payload.Type().FriendlyName())
			}
			view, ok := payload.EncapsulatedValue().(*NumericArrayView)
			if !ok {
				return nil, errors.New("codec: numeric_array: capsule did not hold a *NumericArrayView")
			}
			return view, nil
		},
		Movables: func(v any) []*Buffer {
			view := v.(*NumericArrayView)
			if view.Buffer == nil {
				return nil
			}
			return []*Buffer{view.Buffer}
		},
	})
}
