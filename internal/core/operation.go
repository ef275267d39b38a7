package core

import "context"

// OperationFunc is the body of an operation. args holds the positional
// arguments bound at enqueue time.
type OperationFunc func(ctx context.Context, args []string) error

// Operation is a named session action executed by the queue worker.
// Params lists the required positional arguments and Optional the trailing
// optional ones; both are used for arity checks and help rendering.
type Operation struct {
	Name              string
	Fn                OperationFunc
	RequireConnection bool
	Params            []string
	Optional          []string
}

// Accepts reports whether n positional arguments fit the declared arity.
func (o *Operation) Accepts(n int) bool {
	return n >= len(o.Params) && n <= len(o.Params)+len(o.Optional)
}

// Task is an operation with its arguments bound, waiting in the queue.
type Task struct {
	op   *Operation
	args []string
}

// Name returns the name of the queued operation.
func (t Task) Name() string {
	return t.op.Name
}
