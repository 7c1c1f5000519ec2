package sup

import (
	"fmt"
	"sync"
)

// poolEntry is the Host-local bookkeeping record for one locally hosted
// Process: its Executor, plus any supervision deferrals this Host has
// registered against it, keyed by request id. This generalizes the
// teacher's boundTask (taskInternals.go) -- which paired a Task with its
// assigned name -- into a pair the pool itself needs: an Executor plus
// its correlation table.
type poolEntry struct {
	executor executorHandle
	pending  map[string]*Deferred[SupervisionResponse]
}

// executorPool is the Host-local index from canonical Reference string
// to running Executor (spec.md §4.5). It is the only place supervision
// responses are correlated back to their waiters, and the canonical
// source of truth for which Processes are local to this Host.
type executorPool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

func newExecutorPool() *executorPool {
	return &executorPool{entries: make(map[string]*poolEntry)}
}

func (p *executorPool) hasProcess(ref Reference) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[ref.String()]
	return ok
}

func (p *executorPool) getExecutor(ref Reference) executorHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[ref.String()]
	if !ok {
		panic(InvariantError{Kind: HostInvariantError, Message: fmt.Sprintf("no executor registered for %s", ref)})
	}
	return entry.executor
}

func (p *executorPool) insertProcess(ref Reference, ex executorHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[ref.String()]; ok {
		panic(InvariantError{Kind: HostInvariantError, Message: fmt.Sprintf("process %s already registered", ref)})
	}
	p.entries[ref.String()] = &poolEntry{
		executor: ex,
		pending:  make(map[string]*Deferred[SupervisionResponse]),
	}
}

// deleteProcess removes ref from the pool. Any supervision deferrals
// still pending against it are rejected rather than resolved
// synthetically: spec.md §4.5 calls this "fail-fast orphaning rather
// than synthetic responses" -- a released child will never answer, and
// pretending otherwise would hide a bug.
func (p *executorPool) deleteProcess(ref Reference) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[ref.String()]
	if !ok {
		panic(InvariantError{Kind: HostInvariantError, Message: fmt.Sprintf("process %s not registered", ref)})
	}
	for id, d := range entry.pending {
		d.Reject(fmt.Errorf("sup: child %s released with supervision request %s still pending", ref, id))
	}
	delete(p.entries, ref.String())
}

func (p *executorPool) insertDeferredSupervisionRequest(req SupervisionRequest, d *Deferred[SupervisionResponse]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[req.Child.String()]
	if !ok {
		panic(InvariantError{Kind: HostInvariantError, Message: fmt.Sprintf("no executor for supervision child %s", req.Child)})
	}
	if _, exists := entry.pending[req.ID]; exists {
		panic(InvariantError{Kind: HostInvariantError, Message: fmt.Sprintf("request id %s already registered for %s", req.ID, req.Child)})
	}
	entry.pending[req.ID] = d
}

func (p *executorPool) resolveDeferredSupervisionRequest(resp SupervisionResponse) {
	p.mu.Lock()
	entry, ok := p.entries[resp.Child.String()]
	if !ok {
		p.mu.Unlock()
		panic(InvariantError{Kind: HostInvariantError, Message: fmt.Sprintf("no executor for supervision child %s", resp.Child)})
	}
	d, ok := entry.pending[resp.ID]
	if !ok {
		p.mu.Unlock()
		panic(InvariantError{Kind: HostInvariantError, Message: fmt.Sprintf("request id %s not registered for %s", resp.ID, resp.Child)})
	}
	delete(entry.pending, resp.ID)
	p.mu.Unlock()
	d.Resolve(resp)
}

func (p *executorPool) snapshotExecutors() []executorHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]executorHandle, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.executor)
	}
	return out
}
