// Package executor implements the bounded worker pool that dispatches
// command containers onto leased environments, adapted from the teacher's
// pkg/tasks.TaskManager goroutine-plus-stop-channel idiom and generalized
// from "one interruptible foreground task" to a fixed-size worker pool
// draining a priority queue.
package executor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/sshtoolkit/sshtoolkit/pkg/container"
	"github.com/sshtoolkit/sshtoolkit/pkg/environment"
	tkerrors "github.com/sshtoolkit/sshtoolkit/pkg/errors"
)

// Pool is the subset of pool.Pool the executor needs to lease and release
// environments for the containers it runs. Defined here, consumer-side, so
// this package doesn't import pkg/pool (pkg/pool instead depends on
// nothing from here, keeping the dependency one-directional).
type Pool interface {
	Lease(ctx context.Context, opts environment.LeaseOptions) (*environment.Environment, error)
	Release(env *environment.Environment)
}

type job struct {
	c        *container.Container
	priority int
	index    int
	submitAt time.Time
}

// jobQueue is a min-heap ordered by ascending priority, with submission
// order as a tiebreaker (spec §4.5: "higher-priority values scheduled
// later").
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].submitAt.Before(q[j].submitAt)
}
func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *jobQueue) Push(x interface{}) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}
func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

// Executor is a bounded worker pool sized 2x the pool's session cap (spec
// §4.6), consuming containers off a priority queue and running each to
// completion on a leased environment.
type Executor struct {
	pool Pool
	rt   container.Runtime
	log  *logrus.Entry

	mutex   deadlock.Mutex
	queue   jobQueue
	wakeup  chan struct{}
	running int
	total   int

	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// New builds an Executor with workers workers, sharing rt (the buffer and
// environment controllers every container's leaf commands run against) and
// leasing environments from pool.
func New(workers int, pool Pool, rt container.Runtime, log *logrus.Entry) *Executor {
	if workers < 1 {
		workers = 1
	}
	e := &Executor{
		pool:   pool,
		rt:     rt,
		log:    log,
		wakeup: make(chan struct{}, workers),
		quit:   make(chan struct{}),
	}
	e.rt.Dispatcher = e
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Submit enqueues a root container at the given priority. Workers dequeue
// in priority order, lease an environment, and run the container.
func (e *Executor) Submit(c *container.Container, priority int) {
	e.mutex.Lock()
	heap.Push(&e.queue, &job{c: c, priority: priority, submitAt: time.Now()})
	e.total++
	e.mutex.Unlock()

	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

// Dispatch runs child to completion on its own leased environment,
// synchronously, satisfying container.Dispatcher for batched children. It
// does not go through the queue: batched children run immediately,
// concurrently, each in its own goroutine already started by the parent
// (see container.runBatched).
func (e *Executor) Dispatch(ctx context.Context, child *container.Container) error {
	env, err := e.pool.Lease(ctx, environment.LeaseOptions{AutoCreate: true})
	if err != nil {
		child.ForceComplete(tkerrors.New(tkerrors.KindExecutionFailure, "lease environment for batched child", err))
		return err
	}
	child.Env = env
	defer e.pool.Release(env)

	return child.Execute(ctx, e.rt)
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		j := e.dequeue()
		if j == nil {
			select {
			case <-e.quit:
				return
			case <-e.wakeup:
				continue
			}
		}

		e.mutex.Lock()
		e.running++
		e.mutex.Unlock()

		ctx := context.Background()
		env, err := e.pool.Lease(ctx, environment.LeaseOptions{AutoCreate: true})
		if err != nil {
			j.c.ForceComplete(tkerrors.New(tkerrors.KindExecutionFailure, "lease environment", err))
		} else {
			j.c.Env = env
			if runErr := j.c.Execute(ctx, e.rt); runErr != nil {
				e.log.WithError(runErr).WithField("container", j.c.Key).Debug("container finished with failure")
			}
			e.pool.Release(env)
		}

		e.mutex.Lock()
		e.running--
		e.total--
		e.mutex.Unlock()
	}
}

func (e *Executor) dequeue() *job {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&e.queue).(*job)
}

// WaitIdle blocks until there are no queued or running containers, or until
// timeout elapses, polling every delay.
func (e *Executor) WaitIdle(ctx context.Context, timeout, delay time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		e.mutex.Lock()
		idle := e.total == 0
		e.mutex.Unlock()
		if idle {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return tkerrors.New(tkerrors.KindTotalTimeout, "executor did not reach idle before timeout", nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown quiesces the executor: waits for outstanding work (up to
// timeout), stops accepting new workers, and joins the worker goroutines.
// It does not disconnect any environment.
func (e *Executor) Shutdown(ctx context.Context, timeout time.Duration) error {
	err := e.WaitIdle(ctx, timeout, 20*time.Millisecond)

	e.quitOnce.Do(func() { close(e.quit) })
	e.wg.Wait()

	return err
}
