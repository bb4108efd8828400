package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dudu/edgeguard/internal/camera"
)

var (
	// ErrPoolClosed is returned by Submit after Close and by TakeResult once
	// the pool is closed and drained
	ErrPoolClosed = errors.New("pool closed")

	// ErrPoolInit is returned when a pool cannot load all of its instances
	ErrPoolInit = errors.New("pool initialisation failed")
)

// Stats holds task counters of a pool
type Stats struct {
	Submitted uint64
	Completed uint64
	// Dropped counts tasks that never produced a result because the pool
	// shut down first
	Dropped uint64
	// Failed counts tasks that returned an error or panicked
	Failed uint64
	// QueueDrops counts results evicted from a full result queue
	QueueDrops uint64
}

// processFunc runs one task on the instance picked for it
type processFunc func(ctx context.Context, task Task) (Result, error)

// pool is the scheduling core shared by the face and security pools: a
// round robin over the instances, a fixed set of workers and a bounded
// result queue
type pool struct {
	name    string
	log     logrus.FieldLogger
	state   atomic.Int32
	rr      *RoundRobin
	workers *workerpool.WorkerPool
	results *ResultQueue
	process processFunc

	// Submit holds the read side, Close the write side
	mu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

func newPool(name string, size, queueCapacity int, log logrus.FieldLogger) *pool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		name:    name,
		log:     log.WithField("component", name),
		rr:      NewRoundRobin(size),
		results: NewResultQueue(queueCapacity),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.state.Store(int32(StateLoading))
	return p
}

// start launches the workers once every instance is loaded
func (p *pool) start(process processFunc) {
	p.process = process
	p.workers = workerpool.New(p.rr.Size())
	p.state.Store(int32(StateReady))
	p.log.WithField("workers", p.rr.Size()).Info("pool ready")
}

// fail tears down a pool whose construction did not complete
func (p *pool) fail(err error) error {
	p.log.WithError(err).Error("pool initialisation failed")
	p.cancel()
	p.results.Close()
	closeErr := p.closeInstances()
	p.state.Store(int32(StateDestroyed))
	return errors.Join(fmt.Errorf("%w: %s: %w", ErrPoolInit, p.name, err), closeErr)
}

func (p *pool) submit(frame camera.Frame, enroll bool) (uuid.UUID, error) {
	if err := frame.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("submit: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.State() != StateReady {
		return uuid.Nil, ErrPoolClosed
	}

	task := Task{
		ID:        uuid.New(),
		Frame:     frame,
		Instance:  p.rr.Next(),
		Enroll:    enroll,
		Submitted: time.Now(),
	}
	p.submitted.Add(1)
	p.workers.Submit(func() { p.execute(task) })
	return task.ID, nil
}

// execute runs one task. Errors and panics end the task here: the frame is
// dropped and the worker moves on.
func (p *pool) execute(task Task) {
	entry := p.log.WithFields(logrus.Fields{"task": task.ID, "instance": task.Instance})
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			entry.WithField("panic", r).Error("task panicked, frame dropped")
		}
	}()

	if p.ctx.Err() != nil {
		p.dropped.Add(1)
		return
	}

	start := time.Now()
	res, err := p.process(p.ctx, task)
	if err != nil {
		p.failed.Add(1)
		entry.WithError(err).Warn("task failed, frame dropped")
		return
	}
	res.TaskID = task.ID
	res.Instance = task.Instance
	res.Timing.Total = time.Since(start)

	if !p.results.Push(res) {
		p.dropped.Add(1)
		return
	}
	p.completed.Add(1)
	entry.WithField("total", res.Timing.Total).Trace("task done")
}

// TakeResult blocks until a result is available. It returns ErrPoolClosed
// once the pool is closed and every remaining result has been taken.
func (p *pool) TakeResult() (Result, error) {
	return p.results.Take()
}

// TryTakeResult returns the oldest result without waiting
func (p *pool) TryTakeResult() (Result, bool) {
	return p.results.TryTake()
}

// PeekResult returns a copy of the oldest result and leaves it queued
func (p *pool) PeekResult() (Result, bool) {
	return p.results.Peek()
}

// ClearResults drops every queued result
func (p *pool) ClearResults() int {
	return p.results.Clear()
}

// PendingResults returns the number of queued results
func (p *pool) PendingResults() int {
	return p.results.Len()
}

// InFlight returns the number of submitted tasks that have not finished
func (p *pool) InFlight() int {
	s := p.Stats()
	done := s.Completed + s.Failed + s.Dropped
	if s.Submitted <= done {
		return 0
	}
	return int(s.Submitted - done)
}

// Size returns the number of instances
func (p *pool) Size() int {
	return p.rr.Size()
}

// State returns the lifecycle stage
func (p *pool) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of the task counters
func (p *pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Dropped:    p.dropped.Load(),
		Failed:     p.failed.Load(),
		QueueDrops: p.results.Drops(),
	}
}

// Close stops accepting tasks, lets running tasks finish, abandons queued
// ones, wakes blocked TakeResult callers and releases every instance.
// Calling it again returns the first result.
func (p *pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		if p.State() != StateReady {
			p.mu.Unlock()
			return
		}
		p.state.Store(int32(StateShuttingDown))
		p.mu.Unlock()

		p.workers.Stop()
		p.cancel()
		p.results.Close()

		s := p.Stats()
		if done := s.Completed + s.Failed + s.Dropped; s.Submitted > done {
			p.dropped.Add(s.Submitted - done)
		}

		p.closeErr = p.closeInstances()
		p.state.Store(int32(StateDestroyed))

		s = p.Stats()
		p.log.WithFields(logrus.Fields{
			"submitted": s.Submitted,
			"completed": s.Completed,
			"dropped":   s.Dropped,
			"failed":    s.Failed,
		}).Info("pool closed")
	})
	return p.closeErr
}

func (p *pool) closeInstances() error {
	var errs []error
	for _, c := range p.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
