package events

import (
	"sync"
	"testing"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(EventStateChanged, 1)
	b, unsubB := bus.Subscribe(EventStateChanged, 1)
	defer unsubA()
	defer unsubB()

	bus.Publish(EventStateChanged, StateChange{Action: "toggle"})
	for _, ch := range []<-chan any{a, b} {
		got := (<-ch).(StateChange)
		if got.Action != "toggle" {
			t.Fatalf("unexpected payload %+v", got)
		}
	}
}

func TestUnsubscribeIdempotentDuringPublish(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventFeedFailed, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Publish(EventFeedFailed, FeedFailure{Timeframe: "1m"})
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
	if n := bus.Subscribers(EventFeedFailed); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}
