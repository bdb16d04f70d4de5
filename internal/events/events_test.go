package events

import (
	"context"
	"errors"
	"testing"

	"github.com/bdag/prediction-ledger/internal/model"
)

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	var a, b Recorder
	boom := errors.New("boom")
	failing := NotifierFunc(func(context.Context, model.Event) error { return boom })

	m := Multi{&a, failing, nil, &b}
	err := m.Notify(context.Background(), model.Event{Type: model.EventPositionTaken, MarketID: 1})
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to contain boom, got %v", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("every notifier should receive the event: a=%d b=%d", len(a.Events()), len(b.Events()))
	}
}

func TestRecorder_OfType(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	r.Notify(ctx, model.Event{Type: model.EventMarketCreated})
	r.Notify(ctx, model.Event{Type: model.EventPositionTaken})
	r.Notify(ctx, model.Event{Type: model.EventPositionTaken})

	if got := len(r.OfType(model.EventPositionTaken)); got != 2 {
		t.Errorf("expected 2 position events, got %d", got)
	}
	if got := len(r.OfType(model.EventPayoutClaimed)); got != 0 {
		t.Errorf("expected no claim events, got %d", got)
	}
}
