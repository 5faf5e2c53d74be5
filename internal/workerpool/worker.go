package workerpool

import (
	"github.com/reiner-dolp/taskgraph/internal/task"
	"github.com/reiner-dolp/taskgraph/internal/workerhost"
)

// dispatchEnvelope is the message handed to one worker's inbox: the
// controller -> worker task message (spec.md §6) plus the original *Task,
// threaded through so worker_done can report it back to the caller.
type dispatchEnvelope struct {
	msg workerhost.DispatchMessage
	t   *task.Task
}

// resultEnvelope is the message a worker goroutine posts back to the
// pool's dispatch loop once HandleTask returns.
type resultEnvelope struct {
	workerIndex int
	t           *task.Task
	res         *workerhost.ResultMessage
	err         error
}

// workerLoop is the body of one isolated worker: it pulls dispatch
// messages off its inbox, runs them through its Host, and posts the
// outcome to the pool's shared results channel. The loop exits when the
// inbox is closed (Terminate).
func (p *Pool) workerLoop(index int, host *workerhost.Host, inbox <-chan dispatchEnvelope) error {
	for env := range inbox {
		res, err := host.HandleTask(env.msg)
		p.resultsCh <- resultEnvelope{workerIndex: index, t: env.t, res: res, err: err}
	}
	return nil
}

// dispatchToWorker packs t, performs the move (detaching each movable
// buffer's bytes on the sending side), and hands the message to the
// worker at workerIdx's inbox. Callers must hold p.mu.
func (p *Pool) dispatchToWorker(workerIdx int, t *task.Task) error {
	desc, err := t.ToTransferDescriptor(p.registry)
	if err != nil {
		return err
	}
	movedBytes := make([][]byte, len(desc.Movables))
	for i, buf := range desc.Movables {
		movedBytes[i] = buf.Move()
	}
	p.inboxes[workerIdx] <- dispatchEnvelope{
		msg: workerhost.DispatchMessage{Desc: desc, MovedBytes: movedBytes},
		t:   t,
	}
	return nil
}

// tryDispatchNextLocked scans the wait queue for the first task with no
// moved buffer and dispatches it to the now-idle worker at workerIdx,
// reporting whether a task was found. Callers must hold p.mu.
func (p *Pool) tryDispatchNextLocked(workerIdx int) (bool, error) {
	for i, t := range p.waitQueue {
		if t.HasMovedBuffer(p.registry) {
			continue
		}
		p.waitQueue = append(p.waitQueue[:i], p.waitQueue[i+1:]...)
		p.idle[workerIdx] = false
		if err := p.dispatchToWorker(workerIdx, t); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// firstIdleLocked returns the index of an idle worker, or -1 if every
// worker is busy. Callers must hold p.mu.
func (p *Pool) firstIdleLocked() int {
	for i, isIdle := range p.idle {
		if isIdle {
			return i
		}
	}
	return -1
}
