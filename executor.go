package sup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// ExecutorState is the closed set of states an Executor's FSM can be in
// (spec.md §3). Unlike the teacher's stringly-adjacent TaskState
// (supervision.go), this is the only executor-state enum in the package:
// Host and the pool never invent states of their own.
type ExecutorState uint8

const (
	ExecutorState_Start ExecutorState = iota
	ExecutorState_Sleeping
	ExecutorState_Receiving
	ExecutorState_Supervising
	ExecutorState_Raising
	ExecutorState_Terminating
	ExecutorState_End
)

func (s ExecutorState) String() string {
	switch s {
	case ExecutorState_Start:
		return "start"
	case ExecutorState_Sleeping:
		return "sleeping"
	case ExecutorState_Receiving:
		return "receiving"
	case ExecutorState_Supervising:
		return "supervising"
	case ExecutorState_Raising:
		return "raising"
	case ExecutorState_Terminating:
		return "terminating"
	case ExecutorState_End:
		return "end"
	default:
		return "unknown"
	}
}

var executorTransitions = map[ExecutorState][]ExecutorState{
	ExecutorState_Start:       {ExecutorState_Sleeping},
	ExecutorState_Sleeping:    {ExecutorState_Terminating, ExecutorState_Supervising, ExecutorState_Receiving, ExecutorState_Raising},
	ExecutorState_Receiving:   {ExecutorState_Raising, ExecutorState_Sleeping},
	ExecutorState_Supervising: {ExecutorState_Raising, ExecutorState_Sleeping},
	ExecutorState_Raising:     {ExecutorState_Terminating, ExecutorState_Sleeping},
	ExecutorState_Terminating: {ExecutorState_End},
	ExecutorState_End:         {},
}

// Tick is a sampled wall-clock reading, returned from a resume step that
// found nothing to do.
type Tick struct {
	Wallclock float64
}

// executorHandle is the non-generic façade Host and the pool use to
// drive any Executor[S] without knowing S -- the same type-erasure
// technique packet.go uses for scheduling payloads. This is the
// concrete realization of spec.md §9's "give Executors a trait/interface
// object populated with bound callables" guidance, applied in the other
// direction: Host holds Executors only through this interface.
type executorHandle interface {
	Self() Reference
	State() ExecutorState
	PushMessage(Message) error
	PushSupervisionRequest(SupervisionRequest) error
	Start()
	Wake()
	Kill(reason error)
	Done() <-chan struct{}

	resumeStep()
}

// executorContext is the set of bound callables an Executor depends on
// from its Host (spec.md §4.4's Executor.Context). Host builds exactly
// one of these per instance and hands it to every Executor it
// constructs; no Executor ever sees a *Host directly, breaking the
// cyclic reference spec.md §9 calls out.
type executorContext interface {
	createProcess(parent Reference, stance schedulingPayload, name string) (Reference, error)
	releaseProcess(ref Reference) error
	dispatchMessage(Message) error
	dispatchSupervisionResponse(SupervisionResponse) error
	supervise(ctx context.Context, req SupervisionRequest) (SupervisionEffect, error)
	terminateProcess(target Reference, reason error) error
	tick() Tick
	schedule(executorHandle)
	idGenerator() string
}

// Executor owns one Process's runtime: identity, current Stance, the
// children it spawned, its message and supervision-request queues, and
// the FSM gating all of the above (spec.md §3/§4.4).
type Executor[S any] struct {
	self Reference
	ectx executorContext
	fsm  *FSM[ExecutorState]

	mu       sync.Mutex
	stance   Stance[S]
	children map[string]Reference

	termRequested bool
	termReason    error

	messages *queue[Message]
	requests *queue[SupervisionRequest]

	queued   int32 // 0 or 1: at most one resumeStep scheduled/running at a time
	doneCh   chan struct{}
}

func newExecutor[S any](self Reference, stance Stance[S], ectx executorContext) *Executor[S] {
	return &Executor[S]{
		self:     self,
		ectx:     ectx,
		fsm:      NewFSM(ExecutorState_Start, executorTransitions),
		stance:   stance,
		children: make(map[string]Reference),
		messages: newQueue[Message](),
		requests: newQueue[SupervisionRequest](),
		doneCh:   make(chan struct{}),
	}
}

// Self returns this actor's own Reference.
func (e *Executor[S]) Self() Reference { return e.self }

// State reports the Executor's current FSM state.
func (e *Executor[S]) State() ExecutorState { return e.fsm.State() }

// Done is closed exactly when the Executor reaches the end state.
func (e *Executor[S]) Done() <-chan struct{} { return e.doneCh }

// PushMessage enqueues m. Asserts the Executor is not already in the
// end state and that m.Receiver matches this Executor's own identity
// (spec.md: "pushMessage rejects otherwise").
func (e *Executor[S]) PushMessage(m Message) error {
	e.fsm.Assert(func(s ExecutorState) bool { return s != ExecutorState_End })
	if !m.Receiver.Equal(e.self) {
		panic(InvariantError{
			Kind:    ExecutorInvariantError,
			Message: fmt.Sprintf("message receiver %s does not match executor %s", m.Receiver, e.self),
		})
	}
	e.messages.push(m)
	return nil
}

// PushSupervisionRequest enqueues r. Asserts the Executor is not
// already in the end state.
func (e *Executor[S]) PushSupervisionRequest(r SupervisionRequest) error {
	e.fsm.Assert(func(s ExecutorState) bool { return s != ExecutorState_End })
	e.requests.push(r)
	return nil
}

// Start transitions start -> sleeping.
func (e *Executor[S]) Start() {
	e.fsm.TransitionTo(ExecutorState_Sleeping)
}

// Wake schedules a resume step if one isn't already scheduled or
// running. Concurrent wakes collapse to at most one pending resume
// (spec.md §4.4): the queued flag is a single-flight gate, and
// resumeStep re-arms and re-drains itself if work arrives while it was
// mid-pass, instead of depending on the caller to notice.
func (e *Executor[S]) Wake() {
	if e.fsm.Test(func(s ExecutorState) bool { return s == ExecutorState_End }) {
		return
	}
	if atomic.CompareAndSwapInt32(&e.queued, 0, 1) {
		e.ectx.schedule(e)
	}
}

// Kill sets the termination flag (with reason) and wakes the Executor.
// Per spec.md §9's open question about kill's synchronous contract,
// this implementation decides Kill is fire-and-forget: it does not
// block until the Executor reaches end. Callers that need to observe
// actual termination should select on Done().
func (e *Executor[S]) Kill(reason error) {
	e.mu.Lock()
	e.termRequested = true
	e.termReason = reason
	e.mu.Unlock()
	e.Wake()
}

func (e *Executor[S]) isTermRequested() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.termRequested, e.termReason
}

func (e *Executor[S]) hasPendingWork() bool {
	if requested, _ := e.isTermRequested(); requested {
		return true
	}
	return e.requests.len() > 0 || e.messages.len() > 0
}

// resumeStep is the entry point the Host's launcher invokes. It drains
// all currently visible work via resume(), then atomically checks
// whether more arrived during the pass; if so, it reclaims the queued
// flag and loops itself rather than leaving that work for some later,
// possibly-already-given-up Wake() caller to notice.
func (e *Executor[S]) resumeStep() {
	for {
		if e.fsm.Test(func(s ExecutorState) bool { return s == ExecutorState_End }) {
			return
		}
		e.resume()
		atomic.StoreInt32(&e.queued, 0)
		if !e.hasPendingWork() {
			return
		}
		if !atomic.CompareAndSwapInt32(&e.queued, 0, 1) {
			// A concurrent Wake() just re-armed the flag; its scheduled
			// goroutine will drive the next pass.
			return
		}
	}
}

// resume is the resume loop from spec.md §4.4. Precondition: state is
// sleeping. It drains termination, then supervision requests, then
// messages -- in that priority order -- looping internally ("re-enter
// resume") until nothing is left, at which point it returns a fresh
// Tick instead of recursing.
func (e *Executor[S]) resume() Tick {
	e.fsm.Assert(func(s ExecutorState) bool { return s == ExecutorState_Sleeping })
	for {
		if requested, reason := e.isTermRequested(); requested {
			e.fsm.TransitionTo(ExecutorState_Terminating)
			e.terminate(reason)
			return Tick{}
		}
		if e.requests.len() > 0 {
			req := e.requests.pop()
			e.fsm.TransitionTo(ExecutorState_Supervising)
			if !e.doSupervise(req) {
				return Tick{}
			}
			continue
		}
		if e.messages.len() > 0 {
			msg := e.messages.pop()
			e.fsm.TransitionTo(ExecutorState_Receiving)
			if !e.doReceive(msg) {
				return Tick{}
			}
			continue
		}
		return e.ectx.tick()
	}
}

// doReceive runs behavior.Handle for msg. On success it adopts the
// returned Stance (become) and returns to sleeping, reporting true so
// resume's loop continues. On failure it enters raising.
func (e *Executor[S]) doReceive(msg Message) bool {
	pctx := e.newContext()
	next, err := e.safeHandle(pctx, msg.Payload)
	if err != nil {
		e.fsm.TransitionTo(ExecutorState_Raising)
		return e.raise(err)
	}
	e.become(next)
	e.fsm.TransitionTo(ExecutorState_Sleeping)
	return true
}

// doSupervise runs behavior.Supervise for req. On success it publishes
// the chosen effect and returns to sleeping. On failure it first
// publishes the safe default (stop) -- protecting the failed child's
// parent subtree -- and only then escalates its own failure.
func (e *Executor[S]) doSupervise(req SupervisionRequest) bool {
	pctx := e.newContext()
	effect, err := e.safeSupervise(pctx, req)
	if err != nil {
		_ = e.ectx.dispatchSupervisionResponse(SupervisionResponse{ID: req.ID, Child: req.Child, Effect: EffectStop})
		e.fsm.TransitionTo(ExecutorState_Raising)
		return e.raise(err)
	}
	if err := e.ectx.dispatchSupervisionResponse(SupervisionResponse{ID: req.ID, Child: req.Child, Effect: effect}); err != nil {
		e.fsm.TransitionTo(ExecutorState_Raising)
		return e.raise(err)
	}
	e.fsm.TransitionTo(ExecutorState_Sleeping)
	return true
}

// raise builds a SupervisionRequest for reason and awaits its effect.
// A transport failure from context.supervise itself is treated as
// fatal, per spec.md §7.3.
func (e *Executor[S]) raise(reason error) bool {
	req := SupervisionRequest{ID: e.ectx.idGenerator(), Child: e.self, Reason: reason}
	effect, err := e.ectx.supervise(context.Background(), req)
	if err != nil {
		e.fsm.TransitionTo(ExecutorState_Terminating)
		e.terminate(err)
		return false
	}
	switch effect {
	case EffectResume:
		e.fsm.TransitionTo(ExecutorState_Sleeping)
		return true
	case EffectStop:
		e.fsm.TransitionTo(ExecutorState_Terminating)
		e.terminate(reason)
		return false
	default:
		panic(InvariantError{Kind: UnreachableInvariantError, Message: fmt.Sprintf("unknown supervision effect %v", effect)})
	}
}

// terminate releases this Process from the pool and moves to end.
// Release failing is itself an invariant error: "release must not
// fail" per spec.md §4.4.
func (e *Executor[S]) terminate(reason error) {
	_ = reason
	if err := e.ectx.releaseProcess(e.self); err != nil {
		panic(InvariantError{
			Kind:    ExecutorInvariantError,
			Message: fmt.Sprintf("releaseProcess failed for %s: %v", e.self, err),
		})
	}
	e.fsm.TransitionTo(ExecutorState_End)
	close(e.doneCh)
}

// become replaces the current Stance. Valid only while receiving, and
// atomic from the user's perspective -- no intermediate state is ever
// observable (spec.md §4.4). Note, per spec.md §9's open question, that
// become is never called after a successful supervise dispatch: a
// supervision request can change the Effect, not the actor's own state.
func (e *Executor[S]) become(next Stance[S]) {
	e.fsm.Assert(func(s ExecutorState) bool { return s == ExecutorState_Receiving })
	e.mu.Lock()
	e.stance = next
	e.mu.Unlock()
}

func (e *Executor[S]) send(target Reference, payload any) error {
	e.fsm.Assert(func(s ExecutorState) bool { return s == ExecutorState_Receiving })
	return e.ectx.dispatchMessage(Message{Sender: e.self, Receiver: target, Payload: payload})
}

func (e *Executor[S]) spawn(stance Stance[S], name string) (Reference, error) {
	return e.spawnBoxed(stanceBox[S]{stance}, name)
}

func (e *Executor[S]) spawnBoxed(boxed schedulingPayload, name string) (Reference, error) {
	e.fsm.Assert(func(s ExecutorState) bool { return s == ExecutorState_Receiving })
	child, err := e.ectx.createProcess(e.self, boxed, name)
	if err != nil {
		return Reference{}, err
	}
	e.mu.Lock()
	e.children[child.String()] = child
	e.mu.Unlock()
	return child, nil
}

func (e *Executor[S]) newContext() *ProcessContext[S] {
	e.mu.Lock()
	state := e.stance.State
	e.mu.Unlock()
	return &ProcessContext[S]{ctx: context.Background(), self: e.self, state: state, exec: e}
}

func (e *Executor[S]) currentBehavior() Behavior[S] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stance.Behavior
}

// safeHandle and safeSupervise catch any panic escaping user behavior
// code and convert it to a plain error, the same distinction the
// teacher's childLaunch/siftError pair drew between a task's returned
// error and one that escaped via panic (engineShared.go).
func (e *Executor[S]) safeHandle(pctx *ProcessContext[S], payload any) (next Stance[S], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverToError(r)
		}
	}()
	return e.currentBehavior().Handle(pctx, payload)
}

func (e *Executor[S]) safeSupervise(pctx *ProcessContext[S], req SupervisionRequest) (effect SupervisionEffect, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverToError(r)
		}
	}()
	return e.currentBehavior().Supervise(pctx, req)
}
