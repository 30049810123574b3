// Package task implements the Task Tracker (spec.md §4.7): a bounded
// worker pool exposing background provisioning/renewal/revocation jobs
// through a uniform submit/status/cancel contract.
package task

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shibukawa/acmeclient/internal/acmeerr"
	"github.com/shibukawa/acmeclient/internal/logger"
)

// Kind identifies the class of background job.
type Kind string

const (
	KindProvision Kind = "provision"
	KindRenew     Kind = "renew"
	KindRevoke    Kind = "revoke"
)

// State is a task's lifecycle stage. Transitions only move forward:
// Pending -> Running -> (Succeeded | Failed | Cancelled).
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Task is the snapshot returned by Status. Result is populated exactly
// once, on the transition into a terminal state, before State itself is
// updated — so a reader observing a terminal State is guaranteed to see
// Result (spec.md §4.7).
type Task struct {
	ID        string
	Kind      Kind
	State     State
	Progress  string
	Result    any
	Err       error
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job is the unit of work a caller submits. Run must poll ctx.Done() at
// every suspension point and return promptly on cancellation. progress
// lets the job narrate status without exposing the Tracker's internals.
type Job struct {
	Kind Kind
	// Priority jumps the FIFO queue when driven by the renewal scheduler
	// (spec.md §4.8); zero is the default (first-come-first-served) lane.
	Priority int
	Run      func(ctx context.Context, progress func(string)) (any, error)
}

type entry struct {
	mu   sync.Mutex
	task Task
	done chan struct{}
}

// Tracker runs jobs on a bounded worker pool, with FIFO-within-priority
// dequeue ordering and configurable backpressure (spec.md §5: "the Task
// Tracker's queue exceeds a configurable threshold... submit fails with
// Overloaded").
type Tracker struct {
	logger     *logger.Logger
	errHandler *acmeerr.Handler
	workers    int
	queueLimit int
	retention  time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*entry
	cancels map[string]context.CancelFunc
	queue   priorityQueue
	nextSeq int64
	closed  bool

	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type queuedJob struct {
	id  string
	job Job
	seq int64
}

// priorityQueue is a min-heap ordered by (-priority, seq) so higher
// priority jobs dequeue first and equal-priority jobs stay FIFO — the
// "priority-aware dequeue" the renewal scheduler needs (spec.md §4.8).
type priorityQueue []queuedJob

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].job.Priority != q[j].job.Priority {
		return q[i].job.Priority > q[j].job.Priority
	}
	return q[i].seq < q[j].seq
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)   { *q = append(*q, x.(queuedJob)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// NewTracker creates a Tracker with workers concurrent slots and a queue
// that rejects submissions once queueLimit jobs are pending or running.
func NewTracker(workers, queueLimit int, retention time.Duration, log *logger.Logger) *Tracker {
	if workers < 1 {
		workers = 1
	}
	if queueLimit < 1 {
		queueLimit = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	trackerLog := log.WithComponent("task-tracker")
	t := &Tracker{
		logger:     trackerLog,
		errHandler: acmeerr.NewHandler(trackerLog, acmeerr.NewLogAlerter(trackerLog)),
		workers:    workers,
		queueLimit: queueLimit,
		retention:  retention,
		entries:    make(map[string]*entry),
		cancels:    make(map[string]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}
	t.cond = sync.NewCond(&t.mu)
	go func() {
		<-ctx.Done()
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	}()
	for i := 0; i < workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return t
}

// Submit enqueues job and returns its task_id immediately.
func (t *Tracker) Submit(job Job) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", acmeerr.Cancelled()
	}
	active := 0
	for _, e := range t.entries {
		e.mu.Lock()
		if !isTerminal(e.task.State) {
			active++
		}
		e.mu.Unlock()
	}
	if active >= t.queueLimit {
		return "", acmeerr.Overloaded()
	}

	id := uuid.NewString()
	now := time.Now()
	e := &entry{
		task: Task{ID: id, Kind: job.Kind, State: StatePending, CreatedAt: now, UpdatedAt: now},
		done: make(chan struct{}),
	}
	t.entries[id] = e
	t.nextSeq++
	heap.Push(&t.queue, queuedJob{id: id, job: job, seq: t.nextSeq})
	t.cond.Signal()
	return id, nil
}

// Status returns a snapshot of task_id's state, or NotFound.
func (t *Tracker) Status(taskID string) (Task, bool) {
	t.mu.Lock()
	e, ok := t.entries[taskID]
	t.mu.Unlock()
	if !ok {
		return Task{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, true
}

// Cancel cooperatively signals cancellation to a pending or running task.
// Returns false if the task is already terminal or unknown.
func (t *Tracker) Cancel(taskID string) bool {
	t.mu.Lock()
	cancel, ok := t.cancels[taskID]
	e := t.entries[taskID]
	queued := false
	for i := range t.queue {
		if t.queue[i].id == taskID {
			heap.Remove(&t.queue, i)
			queued = true
			break
		}
	}
	t.mu.Unlock()

	if e == nil {
		return false
	}
	e.mu.Lock()
	terminal := isTerminal(e.task.State)
	if queued && !terminal {
		e.task.Err = acmeerr.Cancelled()
		e.task.State = StateCancelled
		e.task.UpdatedAt = time.Now()
		close(e.done)
		t.scheduleEviction(taskID)
	}
	e.mu.Unlock()
	if terminal {
		return false
	}
	if ok && cancel != nil {
		cancel()
	}
	return true
}

func isTerminal(s State) bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

func (t *Tracker) worker() {
	defer t.wg.Done()
	for {
		qj, ok := t.dequeue()
		if !ok {
			return
		}
		t.run(qj)
	}
}

// dequeue blocks until a job is available, the tracker is closed, or the
// context is cancelled.
func (t *Tracker) dequeue() (queuedJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.queue) == 0 && !t.closed {
		if t.ctx.Err() != nil {
			return queuedJob{}, false
		}
		t.cond.Wait()
	}
	if len(t.queue) == 0 {
		return queuedJob{}, false
	}
	return heap.Pop(&t.queue).(queuedJob), true
}

func (t *Tracker) run(qj queuedJob) {
	t.mu.Lock()
	e := t.entries[qj.id]
	jobCtx, cancel := context.WithCancel(t.ctx)
	t.cancels[qj.id] = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.cancels, qj.id)
		t.mu.Unlock()
		cancel()
	}()

	if e == nil {
		return
	}

	e.mu.Lock()
	e.task.State = StateRunning
	e.task.UpdatedAt = time.Now()
	e.mu.Unlock()

	progress := func(p string) {
		e.mu.Lock()
		e.task.Progress = p
		e.task.UpdatedAt = time.Now()
		e.mu.Unlock()
	}

	result, err := t.runJob(qj, jobCtx, progress)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case err != nil && jobCtx.Err() != nil:
		e.task.Err = acmeerr.Cancelled()
		e.task.Result = nil
		e.task.State = StateCancelled
	case err != nil:
		e.task.Err = err
		e.task.Result = nil
		e.task.State = StateFailed
	default:
		e.task.Result = result
		e.task.State = StateSucceeded
	}
	e.task.UpdatedAt = time.Now()
	close(e.done)

	t.scheduleEviction(qj.id)
}

// runJob invokes the job body with panic recovery, so a job that panics
// fails its own task instead of permanently killing the worker goroutine
// that runs it (spec.md §5: worker-pool isolation).
func (t *Tracker) runJob(qj queuedJob, ctx context.Context, progress func(string)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered := acmeerr.New(acmeerr.KindProtocol, fmt.Sprintf("task %s panicked: %v", qj.id, r), acmeerr.SeverityCritical).
				WithContext("task_id", qj.id).WithContext("kind", string(qj.job.Kind))
			t.errHandler.Handle(recovered)
			result, err = nil, recovered
		}
	}()
	return qj.job.Run(ctx, progress)
}

// scheduleEviction removes a terminal task from memory after retention
// has elapsed (spec.md §4.7: "retained in memory for at least 1 hour...
// then eligible for eviction").
func (t *Tracker) scheduleEviction(taskID string) {
	if t.retention <= 0 {
		return
	}
	time.AfterFunc(t.retention, func() {
		t.mu.Lock()
		delete(t.entries, taskID)
		t.mu.Unlock()
	})
}

// Shutdown stops accepting new work and cancels every in-flight job.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
}
