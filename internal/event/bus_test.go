package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/replex/internal/logging"
)

func TestBus_PublishToSubscriber(t *testing.T) {
	bus := NewBus(nil)

	var got Event
	id := bus.Subscribe(TypeSwapApplied, func(e Event) { got = e })
	if id == "" {
		t.Fatal("Subscribe returned empty ID")
	}

	bus.Publish(NewSwapAppliedEvent(0, 2, 1, 0.8, 0.5))
	if got == nil {
		t.Fatal("handler did not receive the event")
	}
	swap, ok := got.(SwapEvent)
	if !ok {
		t.Fatalf("event type = %T, want SwapEvent", got)
	}
	if swap.EventType() != TypeSwapApplied || swap.I != 2 || swap.J != 1 || !swap.Accepted {
		t.Errorf("unexpected event %+v", swap)
	}
}

func TestBus_OtherTypesNotDelivered(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TypeTerminal, func(Event) {
		t.Error("handler called for a different event type")
	})
	bus.Publish(NewPolledEvent(0, false, time.Second))
}

func TestBus_SpecificBeforeWildcard(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(TypeInitialized, func(Event) { order = append(order, "first") })
	bus.Subscribe(TypeInitialized, func(Event) { order = append(order, "second") })

	bus.Publish(NewInitializedEvent("run", 4))

	want := []string{"first", "second", "all"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	keep := bus.Subscribe(TypeResubmitted, func(Event) { calls++ })
	drop := bus.Subscribe(TypeResubmitted, func(Event) { calls += 100 })

	if !bus.Unsubscribe(drop) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(drop) {
		t.Error("second Unsubscribe should report false")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount = %d, want 1", bus.SubscriptionCount())
	}

	bus.Publish(NewResubmittedEvent(1, 4))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	bus.Unsubscribe(keep)
}

func TestBus_PanicIsRecovered(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.NewLoggerWithWriter(&buf, "DEBUG"))

	after := false
	bus.Subscribe(TypeTerminal, func(Event) { panic("boom") })
	bus.Subscribe(TypeTerminal, func(Event) { after = true })

	bus.Publish(NewTerminalEvent(2, 2))

	if !after {
		t.Error("handlers after a panicking one must still run")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewPolledEvent(i, true, 0))
		}()
	}
	wg.Wait()

	if count != 20 {
		t.Errorf("count = %d, want 20", count)
	}
}

func TestSwapEventConstructors(t *testing.T) {
	sel := NewSwapSelectedEvent(3, 1, 0, 0.1, 0.5, false)
	if sel.EventType() != TypeSwapSelected || sel.Accepted {
		t.Errorf("selected = %+v", sel)
	}
	fin := NewSwapFinalizedEvent(3, 1, 0, 0.1, 0.5, true)
	if fin.EventType() != TypeSwapFinalized || fin.Attempt != 3 {
		t.Errorf("finalized = %+v", fin)
	}
	if fin.Timestamp().IsZero() {
		t.Error("timestamp not set")
	}
}
