package sup

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// TransportContext is the abstract collaborator spec.md §1 scopes
// outside this core: the mechanism that actually moves packets between
// Hosts (multi-worker, network, in-memory). The core only ever speaks
// to this interface; looptransport (in this module, but not this
// package) is the in-process stand-in used by the demos and tests.
type TransportContext interface {
	Wallclock() float64
	Publish(Packet) error
	Acquire(hostRef Reference) error
	Release(hostRef Reference) error
}

// HostOption configures a Host at construction time, the functional-
// options shape the teacher used for engine.go's SetLauncher and
// supervision.go's SetReturnOnEmpty/SetErrorReactor/SetWarningHandler.
type HostOption func(*Host)

// WithLauncher overrides the goroutine source used to run each
// Executor's resume steps. Mirrors engine.go's EngineBuilder.SetLauncher
// doc comment almost verbatim: "the launcher func will be called for
// each launch of a task... it is generally expected that the launcher
// func should return immediately, and is implemented by launching a new
// goroutine."
func WithLauncher(launch func(func())) HostOption {
	return func(h *Host) { h.launcher = launch }
}

// WithIDGenerator overrides the supervision-request id generator, the
// same seam supervision_nss.go left for name selection, redirected to
// id generation so tests can use deterministic ids.
func WithIDGenerator(gen IDGenerator) HostOption {
	return func(h *Host) { h.idGen = gen }
}

// WithWarningHandler installs a callback for conditions that almost
// certainly indicate a programming error but aren't outright invariant
// violations. Mirrors Supervisor.SetWarningHandler; unlike the teacher,
// this module carries no logging dependency (see SPEC_FULL.md's Ambient
// Stack), so the default handler is a no-op rather than printing
// anywhere. The Host stores the handler but no code path in this
// package calls it: supervision deferrals still pending when a child is
// released are rejected by the pool without any warning being raised.
func WithWarningHandler(fn func(error)) HostOption {
	return func(h *Host) { h.warningHandler = fn }
}

// Host orchestrates a set of Executors, routes Packets in and out via
// the TransportContext, and provides executorContext (the flat
// dictionary of bound callables Executors depend on) through
// boundExecutorContext, so that Executors reach the Host only through
// that interface (spec.md §9's "break the cycle" guidance).
type Host struct {
	ref       Reference
	transport TransportContext
	pool      *executorPool

	launcher       func(func())
	idGen          IDGenerator
	warningHandler func(error)

	ectx         executorContext
	rootGuardian executorHandle
}

// NewHost constructs a Host identified by ref, wired to transport.
func NewHost(ref Reference, transport TransportContext, opts ...HostOption) (*Host, error) {
	if ref.Kind() != ReferenceKind_Host {
		return nil, fmt.Errorf("sup: %s is not a host reference", ref)
	}
	h := &Host{
		ref:       ref,
		transport: transport,
		pool:      newExecutorPool(),
		launcher:  func(fn func()) { go fn() },
		idGen:     IDStrategy.Default,
		warningHandler: func(error) {
			// Default: swallow. See WithWarningHandler's doc comment.
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.ectx = boundExecutorContext{h}
	root, err := h.newRootGuardian()
	if err != nil {
		return nil, err
	}
	h.rootGuardian = root
	return h, nil
}

// Ref returns this Host's own Reference.
func (h *Host) Ref() Reference { return h.ref }

// Acquire claims this Host's identity in the cluster via the transport.
func (h *Host) Acquire() error { return h.transport.Acquire(h.ref) }

// Release gives up this Host's identity in the cluster via the
// transport.
func (h *Host) Release() error { return h.transport.Release(h.ref) }

func (h *Host) newRootGuardian() (executorHandle, error) {
	ref, err := ProcessRootOf(h.ref)
	if err != nil {
		return nil, err
	}
	stance := Stance[struct{}]{
		Behavior: BehaviorOfFunc[struct{}](
			func(ctx *ProcessContext[struct{}], _ any) (Stance[struct{}], error) {
				panic(InvariantError{Kind: UnreachableInvariantError, Message: "root guardian never receives ordinary messages"})
			},
			func(ctx *ProcessContext[struct{}], req SupervisionRequest) (SupervisionEffect, error) {
				// The implicit top-level supervisor's strategy: stop
				// the failed top-level subtree. There is no further
				// parent to escalate to.
				return EffectStop, nil
			},
		),
	}
	ex := newExecutor[struct{}](ref, stance, h.ectx)
	ex.Start()
	return ex, nil
}

func (h *Host) isRootGuardian(ref Reference) bool {
	return ref.Equal(h.rootGuardian.Self())
}

// Receive is the boundary method: it turns a transport-delivered Packet
// into an Executor event, or resolves a Deferred, or creates/kills an
// Executor, per spec.md §4.6.
func (h *Host) Receive(pkt Packet) error {
	switch p := pkt.(type) {
	case Message:
		if !p.Receiver.IsLocalTo(h.ref) {
			return InvariantError{Kind: HostInvariantError, Message: fmt.Sprintf("message receiver %s is not local to host %s", p.Receiver, h.ref)}
		}
		ex := h.pool.getExecutor(p.Receiver)
		if err := ex.PushMessage(p); err != nil {
			return err
		}
		ex.Wake()
		return nil

	case SupervisionRequest:
		parent, err := p.Child.Parent()
		if err != nil {
			return InvariantError{Kind: HostInvariantError, Message: fmt.Sprintf("supervision request for %s has no parent to route to", p.Child)}
		}
		if !parent.IsLocalTo(h.ref) {
			_ = h.transport.Publish(SupervisionResponse{ID: p.ID, Child: p.Child, Effect: EffectStop})
			panic(InvariantError{Kind: HostInvariantError, Message: fmt.Sprintf("supervision request for %s routed to host %s, which does not own its parent %s", p.Child, h.ref, parent)})
		}
		var target executorHandle
		if h.isRootGuardian(parent) {
			target = h.rootGuardian
		} else {
			target = h.pool.getExecutor(parent)
		}
		if err := target.PushSupervisionRequest(p); err != nil {
			return err
		}
		target.Wake()
		return nil

	case SupervisionResponse:
		h.pool.resolveDeferredSupervisionRequest(p)
		return nil

	case SchedulingCreate:
		handle := p.Stance.newExecutor(p.Child, h.ectx)
		h.pool.insertProcess(p.Child, handle)
		handle.Start()
		handle.Wake()
		return nil

	case SchedulingTerminate:
		ex := h.pool.getExecutor(p.Target)
		ex.Kill(p.Reason)
		return nil

	default:
		panic(InvariantError{Kind: NotImplementedInvariantError, Message: fmt.Sprintf("unknown packet kind %T", pkt)})
	}
}

// Run blocks until ctx is done, then shuts every local Executor down
// and waits for them to drain -- mirroring Supervisor.Run's contract
// ("returns only when all submitted tasks have returned").
func (h *Host) Run(ctx context.Context) error {
	<-ctx.Done()
	return h.Shutdown(context.Background())
}

// Shutdown kills every locally hosted Executor (including the implicit
// root guardian) and waits for each to reach its terminal state. This
// replaces the teacher's hand-rolled fork-join bookkeeping
// (engineForkJoin.go's awaiting/results maps) with golang.org/x/sync's
// errgroup, since draining a fixed, homogeneous batch of local
// Executors to completion is exactly the fan-out-then-collect shape
// errgroup exists for.
func (h *Host) Shutdown(ctx context.Context) error {
	execs := h.pool.snapshotExecutors()
	execs = append(execs, h.rootGuardian)
	g, gctx := errgroup.WithContext(ctx)
	for _, ex := range execs {
		ex := ex
		g.Go(func() error {
			ex.Kill(context.Canceled)
			select {
			case <-ex.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// boundExecutorContext is the flat dictionary of bound callables the
// spec.md text describes Host binding "once at construction" -- a small
// struct wrapping the *Host, seen by Executors only as the
// executorContext interface, so they can never reach back into Host
// internals beyond what's exposed here.
type boundExecutorContext struct {
	h *Host
}

func (b boundExecutorContext) createProcess(parent Reference, stance schedulingPayload, name string) (Reference, error) {
	child, err := parent.Child(name)
	if err != nil {
		return Reference{}, err
	}
	if err := b.h.transport.Publish(SchedulingCreate{Child: child, Stance: stance}); err != nil {
		return Reference{}, err
	}
	return child, nil
}

func (b boundExecutorContext) releaseProcess(ref Reference) error {
	if b.h.isRootGuardian(ref) {
		// The root guardian is held by the Host, never inserted into the pool.
		return nil
	}
	b.h.pool.deleteProcess(ref)
	return nil
}

func (b boundExecutorContext) dispatchMessage(m Message) error {
	return b.h.transport.Publish(m)
}

func (b boundExecutorContext) dispatchSupervisionResponse(r SupervisionResponse) error {
	return b.h.transport.Publish(r)
}

// supervise registers a fresh Deferred against the child's pool entry,
// publishes the request, and awaits the deferred -- the only
// suspension point that crosses Hosts (spec.md §4.6). There is no
// built-in timeout; spec.md §9 leaves that as an open extension, and
// ctx is threaded through so a future caller-supplied deadline can be
// wired in without changing this signature.
func (b boundExecutorContext) supervise(ctx context.Context, req SupervisionRequest) (SupervisionEffect, error) {
	d := NewDeferred[SupervisionResponse]()
	b.h.pool.insertDeferredSupervisionRequest(req, d)
	if err := b.h.transport.Publish(req); err != nil {
		return 0, err
	}
	resp, err := d.Join(ctx)
	if err != nil {
		return 0, err
	}
	if resp.ID != req.ID || !resp.Child.Equal(req.Child) {
		panic(InvariantError{Kind: HostInvariantError, Message: "supervision response does not match its request"})
	}
	return resp.Effect, nil
}

func (b boundExecutorContext) terminateProcess(target Reference, reason error) error {
	return b.h.transport.Publish(SchedulingTerminate{Target: target, Reason: reason})
}

func (b boundExecutorContext) tick() Tick {
	return Tick{Wallclock: b.h.transport.Wallclock()}
}

func (b boundExecutorContext) schedule(handle executorHandle) {
	b.h.launcher(handle.resumeStep)
}

func (b boundExecutorContext) idGenerator() string {
	return b.h.idGen()
}
