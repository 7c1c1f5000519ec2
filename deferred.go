package sup

import (
	"context"
	"errors"
	"sync"
)

// ErrDeferredCanceled is returned from Join when the waiting context is
// done before the Deferred resolves or rejects -- the generic
// descendant of promise.go's Nonblock sentinel.
var ErrDeferredCanceled = errors.New("sup: deferred canceled before resolution")

type deferredState uint8

const (
	deferredState_Pending deferredState = iota
	deferredState_Resolved
	deferredState_Rejected
)

var deferredTransitions = map[deferredState][]deferredState{
	deferredState_Pending: {deferredState_Resolved, deferredState_Rejected},
}

// Deferred is a single-shot promise: Join blocks until Resolve or Reject
// is called exactly once. A second resolution (by either method, in
// either order) is an invariant error, enforced by the embedded FSM
// rather than by an ad-hoc boolean flag.
//
// This is the generic, FSM-guarded descendant of the teacher's
// promise.go: same mutex-plus-closed-channel shape, parameterized over
// the resolved value type instead of interface{}, and used here to
// rendezvous an outbound SupervisionRequest with its eventual
// SupervisionResponse (spec.md §4.3).
type Deferred[T any] struct {
	fsm *FSM[deferredState]

	mu     sync.Mutex
	value  T
	err    error
	waitCh chan struct{}
}

// NewDeferred returns a new, unresolved Deferred.
func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{
		fsm:    NewFSM(deferredState_Pending, deferredTransitions),
		waitCh: make(chan struct{}),
	}
}

// Resolve sets the value and wakes every waiter. Panics (via the FSM) on
// a second call.
func (d *Deferred[T]) Resolve(v T) {
	d.fsm.TransitionTo(deferredState_Resolved)
	d.mu.Lock()
	d.value = v
	d.mu.Unlock()
	close(d.waitCh)
}

// Reject sets the rejection reason and wakes every waiter. Panics (via
// the FSM) on a second call.
func (d *Deferred[T]) Reject(reason error) {
	d.fsm.TransitionTo(deferredState_Rejected)
	d.mu.Lock()
	d.err = reason
	d.mu.Unlock()
	close(d.waitCh)
}

// Join blocks until the Deferred resolves, rejects, or ctx is done
// (returning ErrDeferredCanceled in the last case).
func (d *Deferred[T]) Join(ctx context.Context) (T, error) {
	select {
	case <-d.waitCh:
		d.mu.Lock()
		v, err := d.value, d.err
		d.mu.Unlock()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ErrDeferredCanceled
	}
}
