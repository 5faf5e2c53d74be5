package task

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/reiner-dolp/taskgraph/internal/codec"
)

// AsyncResult marks the argument slot into which Run should inject a
// completion callback, per spec.md §3 and §4.2.
type AsyncResult struct{}

// LateStaticBinding is resolved at execution time from a process-wide
// VariableResolver, per spec.md §3.
type LateStaticBinding struct {
	VarName string
}

// VariableResolver resolves a LateStaticBinding's VarName into a concrete
// value at Run time.
type VariableResolver interface {
	ResolveVariable(name string) (any, error)
}

// WorkerError wraps an error raised while running a callable, with file
// location context the way spec.md §7 describes for errors surfaced from a
// worker.
type WorkerError struct {
	Cause  error
	File   string
	Line   int
	Column int
}

func (e *WorkerError) Error() string {
	return errors.Wrapf(e.Cause, "task: worker error at %s:%d:%d", e.File, e.Line, e.Column).Error()
}

func (e *WorkerError) Unwrap() error { return e.Cause }

// SerializationError is returned by ToTransferDescriptor when a Task's
// callable cannot be shipped to a worker -- it was constructed from a
// native Go function value rather than a lookup name, and function values
// cannot be serialized across a worker boundary.
type SerializationError struct {
	CallableName string
}

func (e *SerializationError) Error() string {
	return "task: callable cannot be serialized for worker shipment (constructed from a function value, not a lookup name)"
}

// TransferDescriptor is the wire representation of a Task, matching
// spec.md §6's "controller -> worker task message": each argument packed,
// the callable identified by name (never by function value, see
// SerializationError), the flattened movable list, the packed receiver,
// the lookup table, and the opaque scheduler annotation bag.
type TransferDescriptor struct {
	Args         []any
	CallableName string
	Movables     []*codec.Buffer
	Receiver     any
	LookupTable  []LookupBase
	Data         map[string]any
}

// Task carries one callable invocation's identity, arguments, optional
// receiver and lookup table, movable-resource list, and an opaque
// scheduler annotation bag, per spec.md §4.2.
type Task struct {
	mu sync.Mutex

	// CallableName is the dotted lookup path used to resolve the callable.
	// Mutually exclusive with Func.
	CallableName string
	// Func is a native Go callable, usable only for in-process
	// (single-threaded) dispatch; ToTransferDescriptor refuses to ship it
	// to a worker (SerializationError).
	Func CallableFunc

	Args     []any
	Receiver any

	LookupTable []LookupBase

	// Data is the opaque bag the scheduler uses to annotate a task with
	// a pipeline-task flag, its execution context's slot index, and its
	// original name (spec.md §3
	// and §4.6's "_data._is_pipeline_task" stamp).
	Data map[string]any

	autoDetectMovables   bool
	explicitMovables     []*codec.Buffer
	excludedFromTransfer map[*codec.Buffer]bool
}

// New constructs a Task that resolves its callable by lookup name at run
// time. autoDetectMovables, when true, makes ToTransferDescriptor walk Args
// (and Receiver) through registry.MovablesIn to collect the movable list;
// when false, callers must supply movables explicitly via SetMovables.
func New(callableName string, args []any, autoDetectMovables bool) *Task {
	return &Task{
		CallableName:       callableName,
		Args:               args,
		autoDetectMovables: autoDetectMovables,
		Data:               make(map[string]any),
	}
}

// NewFunc constructs a Task from a native Go callable. Such a task can only
// ever be dispatched inline (single-threaded); dispatching it to a worker
// pool yields a SerializationError.
func NewFunc(fn CallableFunc, args []any, autoDetectMovables bool) *Task {
	return &Task{
		Func:               fn,
		Args:               args,
		autoDetectMovables: autoDetectMovables,
		Data:               make(map[string]any),
	}
}

// SetReceiver attaches the object the callable should be invoked against,
// and prepends it to the lookup chain used to resolve CallableName.
func (t *Task) SetReceiver(v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Receiver = v
}

// SetLookupTable attaches the ordered list of lookup bases consulted after
// the receiver when resolving CallableName.
func (t *Task) SetLookupTable(list []LookupBase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.LookupTable = list
}

// SetMovables explicitly sets the movable list, overriding auto-detection.
func (t *Task) SetMovables(movables []*codec.Buffer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.explicitMovables = movables
	t.autoDetectMovables = false
}

// RemoveMovable excludes buf from the next call to ToTransferDescriptor's
// movable list only -- used by the scheduler when a result has more than
// one dependent and so must be copied rather than moved to preserve it for
// the others (spec.md §4.6 step 6).
func (t *Task) RemoveMovable(buf *codec.Buffer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.excludedFromTransfer == nil {
		t.excludedFromTransfer = make(map[*codec.Buffer]bool)
	}
	t.excludedFromTransfer[buf] = true
}

// HasMovedBuffer reports whether any movable embedded in Args or Receiver
// currently has zero length -- the already-moved sentinel of spec.md §4.2.
func (t *Task) HasMovedBuffer(registry *codec.Registry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.movables(registry) {
		if b.IsMoved() {
			return true
		}
	}
	return false
}

// movables computes the task's movable list (auto-detected or explicit),
// minus the one-shot RemoveMovable exclusions. Callers must hold t.mu.
func (t *Task) movables(registry *codec.Registry) []*codec.Buffer {
	var all []*codec.Buffer
	if t.autoDetectMovables {
		all = registry.MovablesIn(t.Args)
		if t.Receiver != nil {
			all = append(all, registry.Movables(t.Receiver)...)
		}
	} else {
		all = t.explicitMovables
	}
	if len(t.excludedFromTransfer) == 0 {
		return all
	}
	out := make([]*codec.Buffer, 0, len(all))
	for _, b := range all {
		if !t.excludedFromTransfer[b] {
			out = append(out, b)
		}
	}
	return out
}

// ToTransferDescriptor packs the task for shipment to a worker: each
// argument and the receiver run through registry.Pack, the movable list is
// flattened, and the one-shot RemoveMovable exclusion list is cleared
// afterward (spec.md §4.2).
func (t *Task) ToTransferDescriptor(registry *codec.Registry) (*TransferDescriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Func != nil {
		return nil, &SerializationError{}
	}

	movables := t.movables(registry)
	t.excludedFromTransfer = nil

	packedArgs := make([]any, len(t.Args))
	var errs error
	for i, a := range t.Args {
		packed, err := registry.Pack(a)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "task: pack arg %d", i))
			continue
		}
		packedArgs[i] = packed
	}
	if errs != nil {
		return nil, errs
	}

	var packedReceiver any
	if t.Receiver != nil {
		packed, err := registry.Pack(t.Receiver)
		if err != nil {
			return nil, errors.Wrap(err, "task: pack receiver")
		}
		packedReceiver = packed
	}

	return &TransferDescriptor{
		Args:         packedArgs,
		CallableName: t.CallableName,
		Movables:     movables,
		Receiver:     packedReceiver,
		LookupTable:  t.LookupTable,
		Data:         t.Data,
	}, nil
}

// FromTransferDescriptor reconstructs a Task on the worker side, running
// each argument and the receiver through registry.Unpack.
func FromTransferDescriptor(d *TransferDescriptor, registry *codec.Registry) (*Task, error) {
	args := make([]any, len(d.Args))
	var errs error
	for i, a := range d.Args {
		unpacked, err := registry.Unpack(a)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "task: unpack arg %d", i))
			continue
		}
		args[i] = unpacked
	}
	if errs != nil {
		return nil, errs
	}

	var receiver any
	if d.Receiver != nil {
		unpacked, err := registry.Unpack(d.Receiver)
		if err != nil {
			return nil, errors.Wrap(err, "task: unpack receiver")
		}
		receiver = unpacked
	}

	t := &Task{
		CallableName: d.CallableName,
		Args:         args,
		Receiver:     receiver,
		LookupTable:  d.LookupTable,
		Data:         d.Data,
	}
	t.SetMovables(d.Movables)
	return t, nil
}

// effectiveLookup prepends the task's receiver to its lookup table, per
// spec.md §4.2's "ordered lookup list of base selectors (defaults: the
// current receiver, then the process-wide global)".
func (t *Task) effectiveLookup() []LookupBase {
	if t.Receiver == nil {
		return t.LookupTable
	}
	out := make([]LookupBase, 0, len(t.LookupTable)+1)
	out = append(out, t.Receiver)
	out = append(out, t.LookupTable...)
	return out
}

// Run resolves late bindings in Args, finds the callable (by lookup name or
// the attached Func), invokes it, and handles the AsyncResult convention:
// if no argument slot was marked AsyncResult, the synchronous result is
// returned and callback (if non-nil) is invoked once with it; otherwise a
// completion callback is substituted into the marked slot and callback is
// invoked when (and if) the callable calls it, while Run itself still
// returns the callable's synchronous return value.
func (t *Task) Run(resolver VariableResolver, callback func(result any, self *Task)) (result any, err error) {
	t.mu.Lock()
	args := make([]any, len(t.Args))
	copy(args, t.Args)
	fn := t.Func
	name := t.CallableName
	lookup := t.effectiveLookup()
	t.mu.Unlock()

	asyncIdx := -1
	for i, a := range args {
		switch v := a.(type) {
		case LateStaticBinding:
			if resolver == nil {
				return nil, errors.Errorf("task: run: LateStaticBinding %q but no VariableResolver configured", v.VarName)
			}
			resolved, rerr := resolver.ResolveVariable(v.VarName)
			if rerr != nil {
				return nil, errors.Wrapf(rerr, "task: run: resolving variable %q", v.VarName)
			}
			args[i] = resolved
		case AsyncResult:
			asyncIdx = i
		}
	}

	if fn == nil {
		fn, err = Resolve(name, lookup)
		if err != nil {
			return nil, err
		}
	}

	if asyncIdx >= 0 {
		args[asyncIdx] = CallableFunc(func(cbArgs ...any) (any, error) {
			var asyncResult any
			if len(cbArgs) > 0 {
				asyncResult = cbArgs[0]
			}
			if callback != nil {
				callback(asyncResult, t)
			}
			return nil, nil
		})
	}

	result, err = invoke(fn, args)
	if err != nil {
		return nil, err
	}
	if asyncIdx < 0 && callback != nil {
		callback(result, t)
	}
	return result, nil
}

// invoke runs fn, converting any panic into an error the way
// internal/errorhandling.Safe2 does in the teacher.
func invoke(fn CallableFunc, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if asErr, ok := r.(error); ok {
				err = errors.Wrap(asErr, "task: callable panicked")
				return
			}
			err = errors.Errorf("task: callable panicked: %v", r)
		}
	}()
	return fn(args...)
}
