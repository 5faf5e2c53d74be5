// Package workerhost implements the worker-side half of spec.md §4.4: the
// code that runs inside one isolated worker, handling its one-time init
// message and then each task message that arrives after it.
package workerhost

import (
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/reiner-dolp/taskgraph/internal/codec"
	"github.com/reiner-dolp/taskgraph/internal/task"
)

// InitMessage is the controller -> worker one-time init payload of
// spec.md §6.
type InitMessage struct {
	WorkerIndex int
	MarkerName  string
	ScriptRoot  string
	LoadScripts []string
	// LookupTable, when non-nil, replaces the worker's default lookup.
	LookupTable []task.LookupBase
}

// DispatchMessage is the controller -> worker task message of spec.md §6: a
// transfer descriptor accompanied by the raw bytes of each of its
// flattened movables, captured by the sender's call to Buffer.Move()
// immediately before the message was sent.
type DispatchMessage struct {
	Desc       *task.TransferDescriptor
	MovedBytes [][]byte
}

// ResultMessage is the worker -> controller message of spec.md §6. The
// backtransfer bundles both the result's own movables and the task's input
// movables, de-duplicated, returning ownership of every buffer the worker
// touched to the controller.
type ResultMessage struct {
	Result            any
	WorkerIndex       int
	Backtransfer      []*codec.Buffer
	BacktransferBytes [][]byte
}

// Host is the single-worker-side state described in spec.md §4.4: it holds
// the worker's index, its codec registry, and the lookup table it resolves
// callables against.
type Host struct {
	index              int
	registry           *codec.Registry
	defaultLookupTable []task.LookupBase
	lookupTable        []task.LookupBase
	resolver           task.VariableResolver
	log                hclog.Logger
	initialized        bool
}

// NewHost constructs a worker-side Host. resolver, if non-nil, is consulted
// to resolve any LateStaticBinding placeholder left in a dispatched task's
// arguments. A nil logger is replaced with a null logger.
func NewHost(index int, registry *codec.Registry, defaultLookupTable []task.LookupBase, resolver task.VariableResolver, log hclog.Logger) *Host {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Host{
		index:              index,
		registry:           registry,
		defaultLookupTable: defaultLookupTable,
		lookupTable:        defaultLookupTable,
		resolver:           resolver,
		log:                log.Named("workerhost").With("worker", index),
	}
}

// HandleInit validates and applies the worker's one-time init message. It
// is an error to call it more than once.
func (h *Host) HandleInit(msg InitMessage) error {
	if h.initialized {
		return errors.New("workerhost: init message received more than once")
	}
	if msg.WorkerIndex != h.index {
		return errors.Errorf("workerhost: init message worker index %d does not match host index %d", msg.WorkerIndex, h.index)
	}
	if msg.LookupTable != nil {
		h.lookupTable = msg.LookupTable
	}
	h.initialized = true
	return nil
}

// HandleTask reconstructs the task carried by msg, attaching each moved
// buffer's bytes before running it, runs it to completion, and packages the
// result along with the automatic backtransfer bundle.
func (h *Host) HandleTask(msg DispatchMessage) (*ResultMessage, error) {
	h.log.Trace("handling task", "callable", msg.Desc.CallableName, "movables", len(msg.Desc.Movables))
	if len(msg.MovedBytes) != len(msg.Desc.Movables) {
		return nil, errors.Errorf("workerhost: dispatch carries %d moved buffers but %d byte payloads", len(msg.Desc.Movables), len(msg.MovedBytes))
	}
	for i, buf := range msg.Desc.Movables {
		buf.Attach(msg.MovedBytes[i])
	}

	t, err := task.FromTransferDescriptor(msg.Desc, h.registry)
	if err != nil {
		return nil, errors.Wrap(err, "workerhost: reconstructing task")
	}
	if t.LookupTable == nil {
		t.SetLookupTable(h.lookupTable)
	}

	var delivered bool
	var asyncResult any
	result, err := t.Run(h.resolver, func(r any, _ *task.Task) {
		delivered = true
		asyncResult = r
	})
	if err != nil {
		return nil, err
	}
	// Run returns its callable's synchronous return value even when an
	// AsyncResult argument was marked; in that case the real outcome is
	// whatever value the callable hands to the injected callback, captured
	// here and used in place of the synchronous value.
	if delivered {
		result = asyncResult
	}

	packed, err := h.registry.Pack(result)
	if err != nil {
		return nil, errors.Wrap(err, "workerhost: packing result")
	}

	backtransfer := dedupeBuffers(append(append([]*codec.Buffer{}, h.registry.Movables(result)...), msg.Desc.Movables...))
	backBytes := make([][]byte, len(backtransfer))
	for i, buf := range backtransfer {
		backBytes[i] = buf.Move()
	}

	return &ResultMessage{
		Result:            packed,
		WorkerIndex:       h.index,
		Backtransfer:      backtransfer,
		BacktransferBytes: backBytes,
	}, nil
}

func dedupeBuffers(bufs []*codec.Buffer) []*codec.Buffer {
	seen := make(map[*codec.Buffer]bool, len(bufs))
	out := make([]*codec.Buffer, 0, len(bufs))
	for _, b := range bufs {
		if b == nil || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}
