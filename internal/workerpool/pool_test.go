package workerpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reiner-dolp/taskgraph/internal/codec"
	"github.com/reiner-dolp/taskgraph/internal/task"
)

func newTestRegistry() *codec.Registry {
	r := codec.NewRegistry("")
	codec.RegisterBuiltins(r)
	return r
}

// doneRecorder collects worker_done events on a channel so tests can
// synchronize with the pool's asynchronous dispatch loop without sleeping
// on a fixed delay.
type doneRecorder struct {
	ch chan doneEvent
}

type doneEvent struct {
	result      any
	t           *task.Task
	workerIndex int
}

func newDoneRecorder() *doneRecorder {
	return &doneRecorder{ch: make(chan doneEvent, 16)}
}

func (d *doneRecorder) onWorkerDone(result any, t *task.Task, workerIndex int) {
	d.ch <- doneEvent{result: result, t: t, workerIndex: workerIndex}
}

func (d *doneRecorder) await(t *testing.T) doneEvent {
	t.Helper()
	select {
	case ev := <-d.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker_done")
		return doneEvent{}
	}
}

func TestRunTaskDispatchesToIdleWorker(t *testing.T) {
	r := newTestRegistry()
	ns := map[string]any{"double": task.CallableFunc(func(args ...any) (any, error) {
		return args[0].(int) * 2, nil
	})}
	recorder := newDoneRecorder()
	p := New(Options{
		WorkerCount: 1,
		Registry:    r,
		LookupTable: []task.LookupBase{ns},
		Events:      Events{OnWorkerDone: recorder.onWorkerDone},
	})
	defer p.Terminate()

	tk := task.New("double", []any{21}, true)
	require.NoError(t, p.RunTask(tk))

	ev := recorder.await(t)
	assert.Equal(t, 42, ev.result)
	assert.Same(t, tk, ev.t)
	assert.Equal(t, 0, ev.workerIndex)
}

func TestRunTaskQueuesWhenNoWorkerIdle(t *testing.T) {
	r := newTestRegistry()
	release := make(chan struct{})
	ns := map[string]any{
		"block": task.CallableFunc(func(args ...any) (any, error) {
			<-release
			return "first", nil
		}),
		"fast": task.CallableFunc(func(args ...any) (any, error) {
			return "second", nil
		}),
	}
	recorder := newDoneRecorder()
	p := New(Options{
		WorkerCount: 1,
		Registry:    r,
		LookupTable: []task.LookupBase{ns},
		Events:      Events{OnWorkerDone: recorder.onWorkerDone},
	})
	defer p.Terminate()

	first := task.New("block", nil, true)
	second := task.New("fast", nil, true)
	require.NoError(t, p.RunTask(first))
	require.NoError(t, p.RunTask(second))

	close(release)
	ev1 := recorder.await(t)
	ev2 := recorder.await(t)
	assert.Equal(t, "first", ev1.result)
	assert.Equal(t, "second", ev2.result)
}

func TestSharedBufferSecondTaskWaitsForBacktransfer(t *testing.T) {
	r := newTestRegistry()
	buf := codec.NewBuffer([]byte("shared"))
	release := make(chan struct{})
	ns := map[string]any{
		"holdAndReturn": task.CallableFunc(func(args ...any) (any, error) {
			b := args[0].(*codec.Buffer)
			<-release
			return b, nil
		}),
		"readLen": task.CallableFunc(func(args ...any) (any, error) {
			return args[0].(*codec.Buffer).Len(), nil
		}),
	}
	recorder := newDoneRecorder()
	p := New(Options{
		WorkerCount: 1,
		Registry:    r,
		LookupTable: []task.LookupBase{ns},
		Events:      Events{OnWorkerDone: recorder.onWorkerDone},
	})
	defer p.Terminate()

	first := task.New("holdAndReturn", []any{buf}, true)
	second := task.New("readLen", []any{buf}, true)

	require.NoError(t, p.RunTask(first))
	require.NoError(t, p.RunTask(second))

	close(release)
	ev1 := recorder.await(t)
	ev2 := recorder.await(t)
	assert.Equal(t, buf, ev1.result)
	assert.Equal(t, 6, ev2.result, "second task only saw the buffer after backtransfer restored its bytes")
}

func TestWorkerErrorAbortsPool(t *testing.T) {
	r := newTestRegistry()
	ns := map[string]any{"boom": task.CallableFunc(func(args ...any) (any, error) {
		panic("deliberate failure")
	})}
	errCh := make(chan error, 1)
	p := New(Options{
		WorkerCount: 1,
		Registry:    r,
		LookupTable: []task.LookupBase{ns},
		Events:      Events{OnError: func(err error) { errCh <- err }},
	})
	defer p.Terminate()

	require.NoError(t, p.RunTask(task.New("boom", nil, true)))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pool error")
	}
	assert.True(t, p.IsTerminated())
}

func TestRunTaskRejectedAfterTerminate(t *testing.T) {
	r := newTestRegistry()
	p := New(Options{WorkerCount: 1, Registry: r})
	p.Terminate()

	err := p.RunTask(task.New("whatever", nil, true))
	require.Error(t, err)
	var termErr *TerminatedError
	assert.ErrorAs(t, err, &termErr)
}

func TestNumberOfCPUsIsPositive(t *testing.T) {
	assert.Greater(t, NumberOfCPUs(), 0)
}
