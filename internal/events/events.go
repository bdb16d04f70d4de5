// Package events delivers ledger notifications to interested parties: the
// WebSocket hub, a Redis bus for other processes, and the settlement
// archive.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/bdag/prediction-ledger/internal/model"
)

// Notifier receives events after the mutation that produced them has
// committed. Implementations must not call back into the ledger.
type Notifier interface {
	Notify(ctx context.Context, ev model.Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev model.Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev model.Event) error { return f(ctx, ev) }

// Multi fans an event out to every notifier, in order. One failing notifier
// does not stop the rest.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event it sees. Handy in tests and for debugging.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *Recorder) Notify(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t model.EventType) []model.Event {
	var out []model.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
