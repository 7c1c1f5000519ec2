package sup

import "context"

// Behavior is the current handler for an actor, generic over its state
// type S. It pairs a message handler with the actor's own supervision
// strategy for its children -- spec.md's "behavior is a callable that
// given (context, payload) asynchronously yields the next Stance, plus
// a supervise callable."
//
// A callable-with-an-attached-strategy doesn't port cleanly to Go (spec
// §9); Behavior is instead a two-method interface, same shape as the
// teacher's Task/NamedTask split (tasks.go) but carrying both methods
// on one type instead of using marker interfaces.
type Behavior[S any] interface {
	// Handle processes one message and returns the Stance to become.
	Handle(ctx *ProcessContext[S], payload any) (Stance[S], error)
	// Supervise decides the fate of a failed child.
	Supervise(ctx *ProcessContext[S], req SupervisionRequest) (SupervisionEffect, error)
}

// Stance is the mutable pair {state, behavior} describing an actor.
// Stances are fully replaced each message; there is no in-place
// mutation (spec.md §3).
type Stance[S any] struct {
	State    S
	Behavior Behavior[S]
}

// BehaviorOfFunc builds a Behavior from two plain functions, the
// generic descendant of the teacher's TaskOfFunc/simpleTask pair
// (task.go). A nil supervise func defaults to always stopping the
// child -- the same safe default spec.md §4.4 assigns when a parent's
// own strategy fails.
func BehaviorOfFunc[S any](
	handle func(*ProcessContext[S], any) (Stance[S], error),
	supervise func(*ProcessContext[S], SupervisionRequest) (SupervisionEffect, error),
) Behavior[S] {
	return funcBehavior[S]{handle, supervise}
}

type funcBehavior[S any] struct {
	handle    func(*ProcessContext[S], any) (Stance[S], error)
	supervise func(*ProcessContext[S], SupervisionRequest) (SupervisionEffect, error)
}

func (b funcBehavior[S]) Handle(ctx *ProcessContext[S], payload any) (Stance[S], error) {
	return b.handle(ctx, payload)
}

func (b funcBehavior[S]) Supervise(ctx *ProcessContext[S], req SupervisionRequest) (SupervisionEffect, error) {
	if b.supervise == nil {
		return EffectStop, nil
	}
	return b.supervise(ctx, req)
}

// ProcessContext is what user code sees during one dispatch: the
// actor's own identity, a read-only snapshot of its state for this
// dispatch, and the two effects it's allowed to cause (Send, Spawn).
// A fresh ProcessContext is issued per dispatch, per spec.md §3.
type ProcessContext[S any] struct {
	ctx   context.Context
	self  Reference
	state S
	exec  *Executor[S]
}

// Context returns the Go context bound to this dispatch. Kill does not
// preempt a running Handle/Supervise call (spec.md §5: "there is no
// preemption"), so this context carries no cancellation signal from
// Kill; it exists for the user's own downstream calls to honor.
func (c *ProcessContext[S]) Context() context.Context { return c.ctx }

// Self returns this actor's own Reference.
func (c *ProcessContext[S]) Self() Reference { return c.self }

// State returns the read-only snapshot of this actor's state for the
// current dispatch.
func (c *ProcessContext[S]) State() S { return c.state }

// Send publishes a Message to target. Valid only while the Executor is
// in the receiving state (spec.md §4.4); even same-Host targets go
// through the Host's dispatchMessage for ordering uniformity, no
// local-delivery shortcut.
func (c *ProcessContext[S]) Send(target Reference, payload any) error {
	return c.exec.send(target, payload)
}

// Spawn creates a child Process sharing this actor's state type S, the
// common case. For a child of a different state type, use the
// package-level SpawnChild.
func (c *ProcessContext[S]) Spawn(stance Stance[S], name string) (Reference, error) {
	return c.exec.spawn(stance, name)
}

func (c *ProcessContext[S]) spawnBoxed(boxed schedulingPayload, name string) (Reference, error) {
	return c.exec.spawnBoxed(boxed, name)
}

// processContextInternal is the unexported seam SpawnChild uses to
// reach spawnBoxed on any ProcessContext[S], regardless of S.
type processContextInternal interface {
	spawnBoxed(schedulingPayload, string) (Reference, error)
}

// SpawnChild spawns a child Process whose state type S2 differs from
// its parent's. This is the escape hatch spec.md §9 calls for
// ("parameterize Stance<S>... with a top-level tagged-variant Packet
// whose payload branches carry the erased form used on the wire"):
// Go's type system can't let ProcessContext[S].Spawn accept a Stance of
// a different type parameter, so the heterogeneous case is a free
// function instead of a method.
func SpawnChild[S2 any](ctx processContextInternal, stance Stance[S2], name string) (Reference, error) {
	return ctx.spawnBoxed(stanceBox[S2]{stance}, name)
}
