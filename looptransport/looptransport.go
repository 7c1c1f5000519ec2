// Package looptransport is the in-process stand-in for the cluster
// transport sup.TransportContext abstracts over. It is scaffolding for
// demos and tests, not a production backend: every Host registered with
// one Loop lives in the same process and shares the same wall clock, so
// Publish can resolve a packet's destination Host synchronously instead
// of going over a network.
package looptransport

import (
	"fmt"
	"sync"
	"time"

	sup "github.com/relaymesh/actorsup"
)

// Loop is a shared in-memory bus: every sup.Host that calls Register on
// the same Loop can reach every other registered Host's packets by
// authority (the Reference's URL host component). This is the
// multi-Host analogue of a single Host's own loopback delivery, used
// by this module's demos and tests (each of which registers a single
// Host).
type Loop struct {
	mu    sync.Mutex
	hosts map[string]*sup.Host
	start time.Time
}

// NewLoop constructs an empty Loop. Wallclock readings are the seconds
// of real time elapsed since the Loop's own construction, not an
// absolute wall-clock time.
func NewLoop() *Loop {
	return &Loop{hosts: make(map[string]*sup.Host), start: time.Now()}
}

// Transport returns a TransportContext bound to hostRef, for passing to
// sup.NewHost. The returned value doesn't hold the *sup.Host itself
// (that doesn't exist until NewHost returns); call Register once
// construction completes.
func (l *Loop) Transport(hostRef sup.Reference) sup.TransportContext {
	return &loopTransport{loop: l, hostRef: hostRef}
}

// Register makes h reachable by other Hosts sharing this Loop. Must be
// called once, after sup.NewHost succeeds.
func (l *Loop) Register(h *sup.Host) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hosts[h.Ref().HostAuthority()] = h
}

// Unregister removes a Host from the Loop, e.g. once its Shutdown has
// drained.
func (l *Loop) Unregister(hostRef sup.Reference) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hosts, hostRef.HostAuthority())
}

func (l *Loop) hostFor(authority string) (*sup.Host, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hosts[authority]
	return h, ok
}

func (l *Loop) wallclock() float64 {
	return time.Since(l.start).Seconds()
}

// loopTransport is the per-Host TransportContext handed to sup.NewHost;
// it closes over the Host's own authority so Publish knows which
// registered Host owns each packet's destination.
type loopTransport struct {
	loop    *Loop
	hostRef sup.Reference
}

func (t *loopTransport) Wallclock() float64 { return t.loop.wallclock() }

// Publish routes pkt to the Host owning its Destination's authority.
// Unlike a real cluster transport this never actually crosses a
// process boundary, but it still goes through Host.Receive rather than
// any shortcut, so ordering and invariant behavior match production.
func (t *loopTransport) Publish(pkt sup.Packet) error {
	dest := pkt.Destination()
	if dest.IsZero() {
		return fmt.Errorf("looptransport: packet %s has no resolvable destination", pkt.Kind())
	}
	target, ok := t.loop.hostFor(dest.HostAuthority())
	if !ok {
		return fmt.Errorf("looptransport: no host registered for authority %q (packet %s)", dest.HostAuthority(), pkt.Kind())
	}
	return target.Receive(pkt)
}

// Acquire and Release are no-ops: a Loop has no external coordination
// service to claim identity against, every authority is just a map key.
func (t *loopTransport) Acquire(sup.Reference) error { return nil }
func (t *loopTransport) Release(sup.Reference) error { return nil }
