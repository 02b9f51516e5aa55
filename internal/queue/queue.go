// Package queue provides a single-consumer work queue that never runs more
// than one unit of work at a time.
package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"tradesim/internal/errors"
)

// Policy decides what happens to items enqueued while the worker is busy.
type Policy int

const (
	// Append buffers every item and processes them in arrival order.
	Append Policy = iota
	// ReplacePending keeps only the most recent waiting item.
	ReplacePending
)

func (p Policy) String() string {
	if p == ReplacePending {
		return "replace-pending"
	}
	return "append"
}

// Worker processes one item.
type Worker[T any] func(ctx context.Context, item T) error

// Stats holds queue counters.
type Stats struct {
	Processed uint64
	Failed    uint64
	Replaced  uint64
	Pending   int
}

// Queue serializes calls to its worker.
type Queue[T any] struct {
	worker Worker[T]
	policy Policy
	ctx    context.Context
	logger zerolog.Logger

	mu      sync.Mutex
	pending []T
	busy    bool
	closed  bool
	idle    chan struct{}
	stats   Stats
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	policy Policy
	ctx    context.Context
	logger zerolog.Logger
}

// WithPolicy sets the buffering policy.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithContext sets the context passed to the worker.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithLogger sets the logger used to report worker failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New creates a queue around worker.
func New[T any](worker Worker[T], opts ...Option) *Queue[T] {
	o := options{
		policy: Append,
		ctx:    context.Background(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	idle := make(chan struct{})
	close(idle)

	return &Queue[T]{
		worker: worker,
		policy: o.policy,
		ctx:    o.ctx,
		logger: o.logger.With().Str("queue_policy", o.policy.String()).Logger(),
		idle:   idle,
	}
}

// Enqueue schedules item without blocking. It returns false once the queue is closed.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if q.busy {
		if q.policy == ReplacePending && len(q.pending) > 0 {
			q.pending[0] = item
			q.stats.Replaced++
		} else {
			q.pending = append(q.pending, item)
		}
		return true
	}

	q.busy = true
	q.idle = make(chan struct{})
	go q.drain(item)
	return true
}

func (q *Queue[T]) drain(item T) {
	for {
		err := q.process(item)

		q.mu.Lock()
		if err != nil {
			q.stats.Failed++
		} else {
			q.stats.Processed++
		}
		if len(q.pending) == 0 || q.closed {
			q.pending = nil
			q.busy = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		item = q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
	}
}

func (q *Queue[T]) process(item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Recovered(r)
		}
		if err != nil {
			q.logger.Error().Err(err).Msg("Queue worker failed")
		}
	}()
	return q.worker(q.ctx, item)
}

// Wait blocks until no item is in flight or buffered.
func (q *Queue[T]) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops buffered items and rejects new ones. The in-flight item completes.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
}

// Pending returns the number of buffered items.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether an item is in flight.
func (q *Queue[T]) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.pending)
	return s
}
