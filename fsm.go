package sup

import (
	"fmt"
	"sync"
)

// FSM is a generic, declared-transition state machine: a pure
// current-state gate with no history and no timers. It exists so that
// every Executor branch can begin with an Assert, and so illegal
// re-entries surface immediately as an InvariantError instead of
// silently corrupting downstream state.
//
// This generalizes the ad-hoc Phase/phaseFn enums the teacher wrote
// once per supervisor variant (engineForkJoin.go, engineStream.go) into
// a single reusable, declared-transition-table primitive.
type FSM[S comparable] struct {
	mu      sync.Mutex
	state   S
	allowed map[S]map[S]struct{}
}

// NewFSM builds an FSM starting at initial, with allowed[from] listing
// every state from is permitted to transition to.
func NewFSM[S comparable](initial S, allowed map[S][]S) *FSM[S] {
	table := make(map[S]map[S]struct{}, len(allowed))
	for from, tos := range allowed {
		set := make(map[S]struct{}, len(tos))
		for _, to := range tos {
			set[to] = struct{}{}
		}
		table[from] = set
	}
	return &FSM[S]{state: initial, allowed: table}
}

// State returns the current state.
func (f *FSM[S]) State() S {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Test reports whether pred holds of the current state, without
// panicking if it doesn't.
func (f *FSM[S]) Test(pred func(S) bool) bool {
	return pred(f.State())
}

// Assert panics with an FSMInvariantError if pred rejects the current
// state. Use this at the top of every Executor branch.
func (f *FSM[S]) Assert(pred func(S) bool) {
	s := f.State()
	if !pred(s) {
		panic(InvariantError{
			Kind:    FSMInvariantError,
			Message: "assertion failed against current state",
		})
	}
}

// TransitionTo moves to next, panicking with an FSMInvariantError if
// that transition was not declared from the current state.
func (f *FSM[S]) TransitionTo(next S) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.allowed[f.state]
	if !ok {
		panic(InvariantError{
			Kind:    FSMInvariantError,
			Message: fmt.Sprintf("current state %v declares no outgoing transitions (attempted %v)", f.state, next),
		})
	}
	if _, ok := set[next]; !ok {
		panic(InvariantError{
			Kind:    FSMInvariantError,
			Message: fmt.Sprintf("illegal transition: %v -> %v is not in the declared transition table", f.state, next),
		})
	}
	f.state = next
}
