package testutils

import (
	"fmt"
	"sync"
	"time"

	"github.com/srg/buttond/internal/events"
)

// EventRecorder collects delivered notifications. Its Listen method is an events.Listener.
type EventRecorder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []events.Event
}

func NewEventRecorder() *EventRecorder {
	r := &EventRecorder{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *EventRecorder) Listen(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.cond.Broadcast()
}

func (r *EventRecorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *EventRecorder) Names() []events.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]events.Name, 0, len(r.events))
	for _, ev := range r.events {
		names = append(names, ev.Name)
	}
	return names
}

// Count returns how many recorded events carry name.
func (r *EventRecorder) Count(name events.Name) int {
	n := 0
	for _, got := range r.Names() {
		if got == name {
			n++
		}
	}
	return n
}

func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// WaitFor blocks until at least n events were recorded or timeout elapses.
func (r *EventRecorder) WaitFor(n int, timeout time.Duration) ([]events.Event, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cond.Broadcast()
	})
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.events) < n {
		if !time.Now().Before(deadline) {
			return append([]events.Event(nil), r.events...),
				fmt.Errorf("timed out waiting for %d events, got %d", n, len(r.events))
		}
		r.cond.Wait()
	}
	return append([]events.Event(nil), r.events...), nil
}
