package cq

import (
	"sync"
	"time"
)

// TimerOp is a one-shot timer. The callback receives ok=true when the
// deadline fires and ok=false when the timer is canceled or the runtime
// shuts down first; cancellation has no other side effects.
type TimerOp struct {
	baseOp
	Deadline time.Time
	callback func(*TimerOp, bool)

	rt *Runtime
	mu sync.Mutex
	t  *time.Timer
}

func (o *TimerOp) dispatch(ok bool) {
	if o.callback != nil {
		o.callback(o, ok)
	}
}

// Cancel stops the timer if it has not fired; the pending callback then
// runs with ok=false. Canceling a fired timer is a no-op.
func (o *TimerOp) Cancel() {
	o.mu.Lock()
	t := o.t
	o.mu.Unlock()
	if t == nil {
		// Never launched (intercepted); complete as canceled.
		o.rt.post(o, false)
		return
	}
	if t.Stop() {
		o.rt.post(o, false)
	}
}

// MakeDeadlineTimer schedules a one-shot timer at an absolute time.
func (rt *Runtime) MakeDeadlineTimer(deadline time.Time, name string, cb func(op *TimerOp, ok bool)) *TimerOp {
	op := &TimerOp{
		baseOp:   baseOp{name: name},
		Deadline: deadline,
		callback: cb,
		rt:       rt,
	}
	rt.register(op)
	rt.interceptor.Intercept(op, func() {
		op.mu.Lock()
		op.t = time.AfterFunc(time.Until(deadline), func() {
			rt.post(op, rt.ctx.Err() == nil)
		})
		op.mu.Unlock()
	})
	return op
}

// MakeRelativeTimer schedules a one-shot timer after a delay.
func (rt *Runtime) MakeRelativeTimer(d time.Duration, name string, cb func(op *TimerOp, ok bool)) *TimerOp {
	return rt.MakeDeadlineTimer(time.Now().Add(d), name, cb)
}
