package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval bounds how long the worker waits for a task before
// re-checking the stop signal.
const DefaultPollInterval = 500 * time.Millisecond

const textNotConnected = "Error: Not connected to server"

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithPollInterval overrides DefaultPollInterval. Non-positive values are ignored.
func WithPollInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithQueueLogger sets the logger used by the worker.
func WithQueueLogger(logger *zerolog.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.log = logger
		}
	}
}

// Queue runs operations one at a time, in enqueue order, on a single
// background worker. Errors and panics raised by an operation are handed to
// the sink; the worker keeps running.
type Queue struct {
	conn      Connectivity
	presenter Presenter
	sink      func(error)
	poll      time.Duration
	log       *zerolog.Logger

	mu      sync.Mutex
	tasks   []Task
	started bool
	stopped bool

	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue creates a stopped queue. Call Start to launch the worker.
func NewQueue(conn Connectivity, presenter Presenter, sink func(error), opts ...QueueOption) *Queue {
	nop := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		conn:      conn,
		presenter: presenter,
		sink:      sink,
		poll:      DefaultPollInterval,
		log:       &nop,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a task. It never blocks and may be called from any
// goroutine. Tasks enqueued after Stop are dropped.
func (q *Queue) Enqueue(op *Operation, args ...string) {
	bound := make([]string, len(args))
	copy(bound, args)

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.log.Debug().Str("op", op.Name).Msg("queue stopped, task dropped")
		return
	}
	q.tasks = append(q.tasks, Task{op: op, args: bound})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Start launches the worker. Calling Start more than once, or after Stop,
// has no effect.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.run()
}

// Stop signals the worker to exit and waits for it. A running task sees its
// context cancelled; tasks still queued are dropped. Stop is idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		started := q.started
		q.mu.Unlock()
		if started {
			<-q.done
		}
		return
	}
	q.stopped = true
	dropped := len(q.tasks)
	q.tasks = nil
	started := q.started
	q.mu.Unlock()

	close(q.stop)
	q.cancel()
	if started {
		<-q.done
	}
	if dropped > 0 {
		q.log.Debug().Int("dropped", dropped).Msg("queue stopped with pending tasks")
	}
}

func (q *Queue) run() {
	defer close(q.done)
	q.log.Debug().Dur("poll", q.poll).Msg("queue worker started")

	for {
		task, ok := q.next()
		if !ok {
			select {
			case <-q.stop:
				q.log.Debug().Msg("queue worker stopped")
				return
			case <-q.wake:
			case <-time.After(q.poll):
			}
			continue
		}

		select {
		case <-q.stop:
			q.log.Debug().Msg("queue worker stopped")
			return
		default:
		}
		q.execute(task)
	}
}

func (q *Queue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || len(q.tasks) == 0 {
		return Task{}, false
	}
	task := q.tasks[0]
	q.tasks[0] = Task{}
	q.tasks = q.tasks[1:]
	return task, true
}

func (q *Queue) execute(task Task) {
	if task.op.RequireConnection && !q.conn.Connected() {
		q.presenter.DrawClientInfo(textNotConnected)
		q.presenter.DrawHelp(CommandConnect)
		return
	}

	q.log.Debug().Str("op", task.op.Name).Strs("args", task.args).Msg("running operation")
	err := q.call(task)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) && q.ctx.Err() != nil {
		q.log.Debug().Str("op", task.op.Name).Msg("operation cancelled by stop")
		return
	}
	q.report(task, fmt.Errorf("%s: %w", task.op.Name, err))
}

// call runs the operation, turning a panic into an error.
func (q *Queue) call(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.op.Fn(q.ctx, task.args)
}

func (q *Queue) report(task Task, err error) {
	q.log.Error().Err(err).Str("op", task.op.Name).Msg("operation failed")
	if q.sink != nil {
		q.sink(err)
	}
}
