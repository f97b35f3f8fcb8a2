// Package queue runs tasks one after another on a single goroutine.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pipcam/pipcam/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrClosed = errors.New("queue is closed")

var dropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pipcam", Subsystem: "queue", Name: "dropped_total",
	Help: "Tasks dropped because the queue was full.",
}, []string{"queue"})

// Queue is a bounded serial executor. Tasks pushed into it never run
// concurrently with each other.
type Queue struct {
	name   string
	tasks  chan func()
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	// senders hold it for reading, Close waits them out
	mu      sync.RWMutex
	dropped atomic.Uint64
	drops   prometheus.Counter
	log     *logger.Logger
}

func New(name string, size int, log *logger.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		name:  name,
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
		drops: dropped.WithLabelValues(name),
		log:   log.Extend(log.With().Str("q", name)),
	}
}

func (q *Queue) Name() string { return q.name }

// Run executes tasks until ctx is done or Close is called.
// The queue is closed on exit and the tasks left in it are run
// before Run returns.
func (q *Queue) Run(ctx context.Context) {
	defer q.drain()
	defer q.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case fn := <-q.tasks:
			q.exec(fn)
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case fn := <-q.tasks:
			q.exec(fn)
		default:
			return
		}
	}
}

func (q *Queue) exec(fn func()) {
	defer func() {
		if err := recover(); err != nil {
			q.log.Error().Msgf("task panic: %v", err)
		}
	}()
	fn()
}

// Push adds a task without blocking. When the queue is full the task
// is dropped and false is returned.
func (q *Queue) Push(fn func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return false
	}
	select {
	case q.tasks <- fn:
		return true
	default:
		q.dropped.Add(1)
		q.drops.Inc()
		return false
	}
}

// Sync runs fn on the queue and waits for it.
func (q *Queue) Sync(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	task := func() { defer close(ran); fn() }
	if err := q.send(ctx, task); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) send(ctx context.Context, task func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.tasks <- task:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped is the number of tasks dropped on overflow.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Close stops Run after the tasks already queued. Once it returns
// nothing more gets into the queue.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.closed.Store(true)
		close(q.done)
		q.mu.Lock()
		q.mu.Unlock()
	})
}
