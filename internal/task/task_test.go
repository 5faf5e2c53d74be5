package task

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reiner-dolp/taskgraph/internal/codec"
)

func newTestRegistry() *codec.Registry {
	r := codec.NewRegistry("")
	codec.RegisterBuiltins(r)
	return r
}

func TestRunSynchronousResultInvokesCallbackOnce(t *testing.T) {
	calls := 0
	fn := CallableFunc(func(args ...any) (any, error) {
		return args[0].(int) * 2, nil
	})
	tk := NewFunc(fn, []any{21}, true)

	var gotResult any
	result, err := tk.Run(nil, func(result any, self *Task) {
		calls++
		gotResult = result
		assert.Same(t, tk, self)
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 42, gotResult)
}

func TestRunResolvesLateStaticBinding(t *testing.T) {
	fn := CallableFunc(func(args ...any) (any, error) {
		return args[0], nil
	})
	tk := NewFunc(fn, []any{LateStaticBinding{VarName: "greeting"}}, true)

	resolver := stubResolver{values: map[string]any{"greeting": "hello"}}
	result, err := tk.Run(resolver, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestRunMissingVariableResolverIsFatal(t *testing.T) {
	fn := CallableFunc(func(args ...any) (any, error) { return nil, nil })
	tk := NewFunc(fn, []any{LateStaticBinding{VarName: "x"}}, true)

	_, err := tk.Run(nil, nil)
	require.Error(t, err)
}

func TestRunAsyncResultInjectsCallbackIntoMarkedSlot(t *testing.T) {
	var captured CallableFunc
	fn := CallableFunc(func(args ...any) (any, error) {
		captured = args[1].(CallableFunc)
		return "sync-ack", nil
	})
	tk := NewFunc(fn, []any{"payload", AsyncResult{}}, true)

	var asyncResult any
	syncResult, err := tk.Run(nil, func(result any, self *Task) {
		asyncResult = result
	})
	require.NoError(t, err)
	assert.Equal(t, "sync-ack", syncResult)
	assert.Nil(t, asyncResult, "callback must not fire until the callable invokes it")

	_, err = captured("late-value")
	require.NoError(t, err)
	assert.Equal(t, "late-value", asyncResult)
}

func TestRunResolvesCallableByLookupName(t *testing.T) {
	ns := map[string]any{
		"double": CallableFunc(func(args ...any) (any, error) {
			return args[0].(int) * 2, nil
		}),
	}
	tk := New("double", []any{5}, true)
	tk.SetLookupTable([]LookupBase{ns})

	result, err := tk.Run(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, result)
}

func TestRunPanicBecomesError(t *testing.T) {
	fn := CallableFunc(func(args ...any) (any, error) {
		panic("boom")
	})
	tk := NewFunc(fn, nil, true)

	_, err := tk.Run(nil, nil)
	require.Error(t, err)
}

func TestToTransferDescriptorRejectsFuncCallable(t *testing.T) {
	r := newTestRegistry()
	tk := NewFunc(CallableFunc(func(args ...any) (any, error) { return nil, nil }), nil, true)

	_, err := tk.ToTransferDescriptor(r)
	require.Error(t, err)
	var serErr *SerializationError
	assert.ErrorAs(t, err, &serErr)
}

func TestTransferDescriptorRoundTripPacksAndUnpacksArgs(t *testing.T) {
	r := newTestRegistry()
	buf := codec.NewBuffer([]byte("hello"))
	tk := New("handler.process", []any{buf, 7}, true)
	tk.SetReceiver("some-receiver")

	desc, err := tk.ToTransferDescriptor(r)
	require.NoError(t, err)
	assert.Equal(t, "handler.process", desc.CallableName)
	require.Len(t, desc.Movables, 1)
	assert.Same(t, buf, desc.Movables[0])

	rebuilt, err := FromTransferDescriptor(desc, r)
	require.NoError(t, err)
	assert.Equal(t, "handler.process", rebuilt.CallableName)
	require.Len(t, rebuilt.Args, 2)
	gotBuf, ok := rebuilt.Args[0].(*codec.Buffer)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), gotBuf.Bytes())
	assert.Equal(t, 7, rebuilt.Args[1])
	assert.Equal(t, "some-receiver", rebuilt.Receiver)
}

func TestRemoveMovableExcludesFromNextTransferOnly(t *testing.T) {
	r := newTestRegistry()
	buf := codec.NewBuffer([]byte("payload"))
	tk := New("noop", []any{buf}, true)

	tk.RemoveMovable(buf)
	desc, err := tk.ToTransferDescriptor(r)
	require.NoError(t, err)
	assert.Empty(t, desc.Movables, "excluded movable should not appear in this transfer")

	desc2, err := tk.ToTransferDescriptor(r)
	require.NoError(t, err)
	require.Len(t, desc2.Movables, 1, "exclusion is one-shot; the next transfer sees it again")
}

func TestHasMovedBufferReportsZeroLengthMovable(t *testing.T) {
	r := newTestRegistry()
	buf := codec.NewBuffer([]byte("x"))
	tk := New("noop", []any{buf}, true)
	assert.False(t, tk.HasMovedBuffer(r))

	buf.Move()
	assert.True(t, tk.HasMovedBuffer(r))
}

type stubResolver struct {
	values map[string]any
}

func (s stubResolver) ResolveVariable(name string) (any, error) {
	v, ok := s.values[name]
	if !ok {
		return nil, errors.Errorf("no such variable %q", name)
	}
	return v, nil
}
