// Package cq wraps asynchronous gRPC calls in a completion-queue style
// runtime: every operation is a typed record with a completion callback,
// and a single reaper goroutine dispatches all completions for a runtime
// instance.
//
// The runtime keeps shared ownership of every in-flight operation in a
// pending map keyed by tag. A completion removes the entry before the
// user callback runs, so each callback fires exactly once, and the
// operation record stays readable inside the callback body.
//
// An Interceptor sits between every public operation and the transport.
// Production uses the pass-through interceptor; tests substitute one
// that records operations and completes them synchronously with an
// arbitrary ok flag, which makes every state machine built on the
// runtime testable without a live server.
package cq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
)

// DefaultPollInterval bounds how long the reaper sleeps between checks
// of the shutdown flag, keeping shutdown responsive.
const DefaultPollInterval = 250 * time.Millisecond

// Operation is the common surface of the typed operation records.
type Operation interface {
	// Name is the diagnostic label given at submission.
	Name() string
	tag() int64
	setTag(int64)
	dispatch(ok bool)
}

type baseOp struct {
	name string
	id   int64
}

func (o *baseOp) Name() string   { return o.name }
func (o *baseOp) tag() int64     { return o.id }
func (o *baseOp) setTag(t int64) { o.id = t }

type completion struct {
	op Operation
	ok bool
}

// Interceptor is the seam between public operations and the transport.
// Launch starts the real asynchronous work; a test interceptor may
// ignore it and complete the operation itself via Runtime.Complete.
type Interceptor interface {
	Intercept(op Operation, launch func())
}

type passThrough struct{}

func (passThrough) Intercept(_ Operation, launch func()) { launch() }

// PassThrough returns the production interceptor, which forwards every
// operation to the transport unchanged.
func PassThrough() Interceptor { return passThrough{} }

// Runtime is one completion queue: a pending-operation map plus the
// reaper loop that dispatches completions.
type Runtime struct {
	conn         *grpc.ClientConn
	interceptor  Interceptor
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[int64]Operation
	nextTag atomic.Int64

	completions  chan completion
	shuttingDown atomic.Bool
	drained      chan struct{}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithInterceptor substitutes the operation interceptor.
func WithInterceptor(i Interceptor) Option {
	return func(rt *Runtime) { rt.interceptor = i }
}

// WithPollInterval overrides the reaper's shutdown-check interval.
func WithPollInterval(d time.Duration) Option {
	return func(rt *Runtime) { rt.pollInterval = d }
}

// New creates a runtime over conn. conn may be nil when every operation
// is intercepted, as in tests.
func New(conn *grpc.ClientConn, opts ...Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		conn:         conn,
		interceptor:  PassThrough(),
		pollInterval: DefaultPollInterval,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[int64]Operation),
		completions:  make(chan completion, 1024),
		drained:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Context is the runtime's lifetime context; it is canceled on
// Shutdown, aborting every in-flight transport call.
func (rt *Runtime) Context() context.Context { return rt.ctx }

// register assigns a tag and takes shared ownership of the operation.
// Operations registered after shutdown complete immediately with
// ok=false once the reaper sees them.
func (rt *Runtime) register(op Operation) {
	op.setTag(rt.nextTag.Add(1))
	rt.mu.Lock()
	rt.pending[op.tag()] = op
	rt.mu.Unlock()
	if rt.shuttingDown.Load() {
		rt.post(op, false)
	}
}

// post queues a completion for the reaper. After the reaper has exited
// the completion is dropped; dispatch idempotence makes that safe.
func (rt *Runtime) post(op Operation, ok bool) {
	select {
	case rt.completions <- completion{op: op, ok: ok}:
	case <-rt.drained:
	}
}

// Complete finishes an operation as if the transport had. It exists for
// interceptors under test; production code never calls it.
func (rt *Runtime) Complete(op Operation, ok bool) {
	rt.post(op, ok)
}

// Run executes the reaper loop until Shutdown. It dispatches each
// completion on this goroutine, waking at the poll interval to check
// the shutdown flag.
func (rt *Runtime) Run() {
	timer := time.NewTimer(rt.pollInterval)
	defer timer.Stop()
	for {
		select {
		case c := <-rt.completions:
			rt.dispatch(c.op, c.ok)
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(rt.pollInterval)
		if rt.shuttingDown.Load() {
			rt.drain()
			close(rt.drained)
			return
		}
	}
}

// dispatch pops the operation from the pending map and invokes its
// callback. A tag no longer in the map was already dispatched.
func (rt *Runtime) dispatch(op Operation, ok bool) {
	rt.mu.Lock()
	if _, live := rt.pending[op.tag()]; !live {
		rt.mu.Unlock()
		return
	}
	delete(rt.pending, op.tag())
	rt.mu.Unlock()
	op.dispatch(ok)
}

// drain completes everything still pending with ok=false so user
// callbacks can observe the shutdown.
func (rt *Runtime) drain() {
	for {
		select {
		case c := <-rt.completions:
			rt.dispatch(c.op, c.ok)
			continue
		default:
		}
		break
	}
	rt.mu.Lock()
	ops := make([]Operation, 0, len(rt.pending))
	for _, op := range rt.pending {
		ops = append(ops, op)
	}
	rt.pending = make(map[int64]Operation)
	rt.mu.Unlock()
	for _, op := range ops {
		op.dispatch(false)
	}
}

// Shutdown cancels in-flight transport calls and stops the reaper at
// its next iteration; pending operations then complete with ok=false.
func (rt *Runtime) Shutdown() {
	if rt.shuttingDown.Swap(true) {
		return
	}
	rt.cancel()
}

// PendingOps returns the number of in-flight operations, for tests and
// the admin surface.
func (rt *Runtime) PendingOps() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.pending)
}
