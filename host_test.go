package sup_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	sup "github.com/relaymesh/actorsup"
	"github.com/relaymesh/actorsup/looptransport"
)

type echoState struct{}

type echoPayload struct {
	ReplyTo sup.Reference
	Body    string
}

func echoBehavior() sup.Behavior[echoState] {
	return sup.BehaviorOfFunc[echoState](
		func(ctx *sup.ProcessContext[echoState], payload any) (sup.Stance[echoState], error) {
			msg := payload.(echoPayload)
			if err := ctx.Send(msg.ReplyTo, msg.Body); err != nil {
				return sup.Stance[echoState]{}, err
			}
			return sup.Stance[echoState]{State: ctx.State(), Behavior: echoBehavior()}, nil
		},
		nil,
	)
}

// probeState accumulates every payload it has ever received, behind a
// mutex a test can poll without racing the Executor goroutine.
type probeState struct {
	mu       *sync.Mutex
	received *[]any
}

func probeBehavior() sup.Behavior[probeState] {
	return sup.BehaviorOfFunc[probeState](
		func(ctx *sup.ProcessContext[probeState], payload any) (sup.Stance[probeState], error) {
			st := ctx.State()
			st.mu.Lock()
			*st.received = append(*st.received, payload)
			st.mu.Unlock()
			return sup.Stance[probeState]{State: st, Behavior: probeBehavior()}, nil
		},
		nil,
	)
}

func newProbeStance() (sup.Stance[probeState], *[]any) {
	var mu sync.Mutex
	received := []any{}
	st := probeState{mu: &mu, received: &received}
	return sup.Stance[probeState]{State: st, Behavior: probeBehavior()}, &received
}

// flakyState fails its first message, then succeeds on every message
// after.
type flakyState struct {
	failed *bool
}

func flakyBehavior() sup.Behavior[flakyState] {
	return sup.BehaviorOfFunc[flakyState](
		func(ctx *sup.ProcessContext[flakyState], _ any) (sup.Stance[flakyState], error) {
			st := ctx.State()
			if !*st.failed {
				*st.failed = true
				return sup.Stance[flakyState]{}, errors.New("boom")
			}
			return sup.Stance[flakyState]{State: st, Behavior: flakyBehavior()}, nil
		},
		nil,
	)
}

func parentBehaviorWithEffect(effect sup.SupervisionEffect) sup.Behavior[echoState] {
	return sup.BehaviorOfFunc[echoState](
		func(ctx *sup.ProcessContext[echoState], _ any) (sup.Stance[echoState], error) {
			return sup.Stance[echoState]{State: ctx.State(), Behavior: parentBehaviorWithEffect(effect)}, nil
		},
		func(ctx *sup.ProcessContext[echoState], req sup.SupervisionRequest) (sup.SupervisionEffect, error) {
			return effect, nil
		},
	)
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func newTestHost(t *testing.T, loop *looptransport.Loop, authority string) *sup.Host {
	t.Helper()
	ref, err := sup.NewHostReference("host://" + authority + "/")
	if err != nil {
		t.Fatalf("NewHostReference: %v", err)
	}
	h, err := sup.NewHost(ref, loop.Transport(ref))
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	loop.Register(h)
	return h
}

// TestEchoActor is spec scenario 1: an echo actor replies to its sender
// with the payload it was sent.
func TestEchoActor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	loop := looptransport.NewLoop()
	h := newTestHost(t, loop, "a")

	root, _ := sup.ProcessRootOf(h.Ref())
	echoRef, _ := root.Child("echo")
	probeRef, _ := root.Child("probe")

	probeStance, received := newProbeStance()
	if err := h.Receive(sup.SchedulingCreate{Child: probeRef, Stance: sup.NewSchedulingStance(probeStance)}); err != nil {
		t.Fatalf("create probe: %v", err)
	}
	if err := h.Receive(sup.SchedulingCreate{Child: echoRef, Stance: sup.NewSchedulingStance(sup.Stance[echoState]{Behavior: echoBehavior()})}); err != nil {
		t.Fatalf("create echo: %v", err)
	}

	msg := sup.Message{Sender: probeRef, Receiver: echoRef, Payload: echoPayload{ReplyTo: probeRef, Body: "hi"}}
	if err := h.Receive(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	pollUntil(t, time.Second, func() bool { return len(*received) == 1 })
	if (*received)[0].(string) != "hi" {
		t.Fatalf("probe received %v, want %q", (*received)[0], "hi")
	}

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// TestSupervisionResume is spec scenario 2: a child that fails once and
// whose parent resumes it still accepts the next message. That the next
// message is actually processed is checked by
// ExampleHost_supervisionResume.
func TestSupervisionResume(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	loop := looptransport.NewLoop()
	h := newTestHost(t, loop, "a")

	root, _ := sup.ProcessRootOf(h.Ref())
	parentRef, _ := root.Child("parent")
	childRef, _ := parentRef.Child("c")

	parentStance := sup.Stance[echoState]{Behavior: parentBehaviorWithEffect(sup.EffectResume)}
	if err := h.Receive(sup.SchedulingCreate{Child: parentRef, Stance: sup.NewSchedulingStance(parentStance)}); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	failed := false
	childStance := sup.Stance[flakyState]{State: flakyState{failed: &failed}, Behavior: flakyBehavior()}
	if err := h.Receive(sup.SchedulingCreate{Child: childRef, Stance: sup.NewSchedulingStance(childStance)}); err != nil {
		t.Fatalf("create child: %v", err)
	}

	if err := h.Receive(sup.Message{Sender: parentRef, Receiver: childRef, Payload: 1}); err != nil {
		t.Fatalf("send m1: %v", err)
	}
	pollUntil(t, time.Second, func() bool { return failed })

	if err := h.Receive(sup.Message{Sender: parentRef, Receiver: childRef, Payload: 2}); err != nil {
		t.Fatalf("send m2: %v", err)
	}

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// TestSupervisionStop is spec scenario 3: a parent that stops a failed
// child removes it from the pool, and a subsequent message to it raises
// an invariant error in Host.Receive.
func TestSupervisionStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	loop := looptransport.NewLoop()
	h := newTestHost(t, loop, "a")

	root, _ := sup.ProcessRootOf(h.Ref())
	parentRef, _ := root.Child("parent")
	childRef, _ := parentRef.Child("c")

	parentStance := sup.Stance[echoState]{Behavior: parentBehaviorWithEffect(sup.EffectStop)}
	if err := h.Receive(sup.SchedulingCreate{Child: parentRef, Stance: sup.NewSchedulingStance(parentStance)}); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	failed := false
	childStance := sup.Stance[flakyState]{State: flakyState{failed: &failed}, Behavior: flakyBehavior()}
	if err := h.Receive(sup.SchedulingCreate{Child: childRef, Stance: sup.NewSchedulingStance(childStance)}); err != nil {
		t.Fatalf("create child: %v", err)
	}

	if err := h.Receive(sup.Message{Sender: parentRef, Receiver: childRef, Payload: 1}); err != nil {
		t.Fatalf("send m1: %v", err)
	}
	pollUntil(t, time.Second, func() bool { return failed })

	// terminate() races this goroutine's own send: poll (recovering the
	// expected panic each attempt) until the pool has actually dropped
	// the child's entry.
	var sawInvariantPanic bool
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !sawInvariantPanic {
		func() {
			defer func() {
				if recover() != nil {
					sawInvariantPanic = true
				}
			}()
			_ = h.Receive(sup.Message{Sender: parentRef, Receiver: childRef, Payload: 2})
		}()
		if !sawInvariantPanic {
			time.Sleep(time.Millisecond)
		}
	}
	if !sawInvariantPanic {
		t.Fatal("sending to a stopped child should eventually panic via the pool's invariant check")
	}

	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// ExampleHost_echoActor is spec scenario 1: a message sent to an echo
// actor comes back to the sender unchanged.
func ExampleHost_echoActor() {
	loop := looptransport.NewLoop()
	ref, _ := sup.NewHostReference("host://example/")
	h, _ := sup.NewHost(ref, loop.Transport(ref))
	loop.Register(h)

	root, _ := sup.ProcessRootOf(h.Ref())
	echoRef, _ := root.Child("echo")
	probeRef, _ := root.Child("probe")

	reply := make(chan string, 1)
	var replyBehavior sup.Behavior[echoState]
	replyBehavior = sup.BehaviorOfFunc[echoState](
		func(ctx *sup.ProcessContext[echoState], payload any) (sup.Stance[echoState], error) {
			reply <- payload.(string)
			return sup.Stance[echoState]{State: ctx.State(), Behavior: replyBehavior}, nil
		},
		nil,
	)

	h.Receive(sup.SchedulingCreate{Child: probeRef, Stance: sup.NewSchedulingStance(sup.Stance[echoState]{Behavior: replyBehavior})})
	h.Receive(sup.SchedulingCreate{Child: echoRef, Stance: sup.NewSchedulingStance(sup.Stance[echoState]{Behavior: echoBehavior()})})
	h.Receive(sup.Message{Sender: probeRef, Receiver: echoRef, Payload: echoPayload{ReplyTo: probeRef, Body: "hi"}})

	select {
	case got := <-reply:
		fmt.Println(got)
	case <-time.After(time.Second):
		fmt.Println("timed out")
	}
	h.Shutdown(context.Background())

	// Output:
	// hi
}

// ExampleHost_supervisionResume is spec scenario 2: a parent that resumes
// a failed child keeps that child alive to process the next message.
func ExampleHost_supervisionResume() {
	loop := looptransport.NewLoop()
	ref, _ := sup.NewHostReference("host://example/")
	h, _ := sup.NewHost(ref, loop.Transport(ref))
	loop.Register(h)

	root, _ := sup.ProcessRootOf(h.Ref())
	parentRef, _ := root.Child("parent")
	childRef, _ := parentRef.Child("c")

	processed := make(chan int, 2)
	failed := false

	parentStance := sup.Stance[echoState]{Behavior: parentBehaviorWithEffect(sup.EffectResume)}
	h.Receive(sup.SchedulingCreate{Child: parentRef, Stance: sup.NewSchedulingStance(parentStance)})
	childStance := sup.Stance[flakyState]{State: flakyState{failed: &failed}, Behavior: flakyBehaviorNotifying(processed)}
	h.Receive(sup.SchedulingCreate{Child: childRef, Stance: sup.NewSchedulingStance(childStance)})

	h.Receive(sup.Message{Sender: parentRef, Receiver: childRef, Payload: 1})
	deadline := time.Now().Add(time.Second)
	for !failed && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.Receive(sup.Message{Sender: parentRef, Receiver: childRef, Payload: 2})

	select {
	case got := <-processed:
		fmt.Printf("child survived and processed %d\n", got)
	case <-time.After(time.Second):
		fmt.Println("timed out")
	}
	h.Shutdown(context.Background())

	// Output:
	// child survived and processed 2
}

// flakyBehaviorNotifying is flakyBehavior, but reports every message it
// successfully processes on ch instead of discarding it.
func flakyBehaviorNotifying(ch chan int) sup.Behavior[flakyState] {
	var behavior sup.Behavior[flakyState]
	behavior = sup.BehaviorOfFunc[flakyState](
		func(ctx *sup.ProcessContext[flakyState], payload any) (sup.Stance[flakyState], error) {
			st := ctx.State()
			if !*st.failed {
				*st.failed = true
				return sup.Stance[flakyState]{}, errors.New("boom")
			}
			ch <- payload.(int)
			return sup.Stance[flakyState]{State: st, Behavior: behavior}, nil
		},
		nil,
	)
	return behavior
}

// ExampleHost_supervisionStop is spec scenario 3: a parent that stops a
// failed child removes it, and a subsequent send to that child is
// rejected by the pool's own invariant check rather than silently
// dropped.
func ExampleHost_supervisionStop() {
	loop := looptransport.NewLoop()
	ref, _ := sup.NewHostReference("host://example/")
	h, _ := sup.NewHost(ref, loop.Transport(ref))
	loop.Register(h)

	root, _ := sup.ProcessRootOf(h.Ref())
	parentRef, _ := root.Child("parent")
	childRef, _ := parentRef.Child("c")

	parentStance := sup.Stance[echoState]{Behavior: parentBehaviorWithEffect(sup.EffectStop)}
	h.Receive(sup.SchedulingCreate{Child: parentRef, Stance: sup.NewSchedulingStance(parentStance)})
	failed := false
	childStance := sup.Stance[flakyState]{State: flakyState{failed: &failed}, Behavior: flakyBehavior()}
	h.Receive(sup.SchedulingCreate{Child: childRef, Stance: sup.NewSchedulingStance(childStance)})

	h.Receive(sup.Message{Sender: parentRef, Receiver: childRef, Payload: 1})

	deadline := time.Now().Add(time.Second)
	var sawInvariantPanic bool
	for time.Now().Before(deadline) && !sawInvariantPanic {
		func() {
			defer func() {
				if recover() != nil {
					sawInvariantPanic = true
				}
			}()
			h.Receive(sup.Message{Sender: parentRef, Receiver: childRef, Payload: 2})
		}()
		if !sawInvariantPanic {
			time.Sleep(time.Millisecond)
		}
	}
	fmt.Println(sawInvariantPanic)
	h.Shutdown(context.Background())

	// Output:
	// true
}
