package notify

import (
	"sync"
	"testing"
	"time"
)

const (
	testEventName   = "TestThingHappened"
	deliveryTimeout = 5 * time.Second
)

func TestPostDeliversOffCallerGoroutine(t *testing.T) {
	t.Parallel()

	center := NewCenter()
	defer center.Close()

	// The poster holds callerMu across Post. A synchronous delivery would
	// deadlock inside the handler, so a received event proves the handler
	// ran on another goroutine.
	var callerMu sync.Mutex

	delivered := make(chan Event, 1)

	center.Subscribe(testEventName, func(ev Event) {
		callerMu.Lock()
		callerMu.Unlock() //nolint:staticcheck // Lock cycle only probes for synchronous delivery.

		delivered <- ev
	})

	callerMu.Lock()
	center.Post(testEventName, "payload")
	callerMu.Unlock()

	select {
	case ev := <-delivered:
		if ev.Name != testEventName {
			t.Fatalf("delivered event name = %q, want %q", ev.Name, testEventName)
		}
		if ev.Payload != "payload" {
			t.Fatalf("delivered payload = %v, want %q", ev.Payload, "payload")
		}
	case <-time.After(deliveryTimeout):
		t.Fatal("event was not delivered before timeout")
	}
}

func TestEventsDeliverInPostOrder(t *testing.T) {
	t.Parallel()

	center := NewCenter()

	var got []int

	// Handlers run on the dispatch goroutine, so the append needs no lock.
	center.Subscribe(testEventName, func(ev Event) {
		value, ok := ev.Payload.(int)
		if !ok {
			t.Errorf("payload type = %T, want int", ev.Payload)

			return
		}

		got = append(got, value)
	})

	const posted = 20

	for i := 0; i < posted; i++ {
		center.Post(testEventName, i)
	}

	center.Close()

	if len(got) != posted {
		t.Fatalf("delivered %d events, want %d", len(got), posted)
	}
	for i, value := range got {
		if value != i {
			t.Fatalf("event %d carried payload %d, want %d", i, value, i)
		}
	}
}

func TestAllSubscribersReceiveEachEvent(t *testing.T) {
	t.Parallel()

	center := NewCenter()

	var first, second int

	center.Subscribe(testEventName, func(Event) { first++ })
	center.Subscribe(testEventName, func(Event) { second++ })
	center.Subscribe("SomethingElseHappened", func(Event) {
		t.Error("handler for an unrelated event name was invoked")
	})

	center.Post(testEventName, nil)
	center.Post(testEventName, nil)
	center.Close()

	if first != 2 || second != 2 {
		t.Fatalf("subscriber deliveries = %d and %d, want 2 and 2", first, second)
	}
}

func TestPostAfterCloseIsNoOp(t *testing.T) {
	t.Parallel()

	center := NewCenter()

	center.Subscribe(testEventName, func(Event) {
		t.Error("handler invoked for an event posted after Close")
	})

	center.Close()
	center.Post(testEventName, nil)

	// A second Close must also be safe.
	center.Close()
}
