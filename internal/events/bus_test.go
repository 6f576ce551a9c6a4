package events

import (
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/tether/internal/testutil"
)

func TestBus_PublishToAllSubscribers(t *testing.T) {
	logger := testutil.NewTestLogger()
	bus := NewBus[string]("test", 10*time.Millisecond, logger.Logger())

	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	if n := bus.Publish("hello"); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}

	for _, sub := range []*Subscription[string]{a, b} {
		select {
		case msg := <-sub.C():
			if msg != "hello" {
				t.Errorf("unexpected message %q", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus[int]("test", 0, testutil.NewTestLogger().Logger())

	sub := bus.Subscribe(4)
	sub.Unsubscribe()
	sub.Unsubscribe()

	if n := bus.Publish(1); n != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", n)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("expected channel to be closed")
	}
	if bus.Len() != 0 {
		t.Errorf("expected no subscriptions, got %d", bus.Len())
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	logger := testutil.NewTestLogger()
	bus := NewBus[int]("slow", 5*time.Millisecond, logger.Logger())

	slow := bus.Subscribe(1)
	fast := bus.Subscribe(10)

	for i := 0; i < 3; i++ {
		bus.Publish(i)
	}

	stats := slow.Stats()
	if stats.TotalSent != 1 || stats.DroppedCount != 2 {
		t.Errorf("expected 1 sent and 2 dropped, got %+v", stats)
	}
	if fast.Stats().TotalSent != 3 {
		t.Errorf("expected fast subscriber to get everything, got %+v", fast.Stats())
	}
	if fast.Stats().MaxDepthSeen != 3 {
		t.Errorf("expected max depth 3, got %d", fast.Stats().MaxDepthSeen)
	}
	if !logger.HasWarning() {
		t.Error("expected a warning for dropped events")
	}
}

func TestBus_Listen(t *testing.T) {
	bus := NewBus[int]("listen", 50*time.Millisecond, testutil.NewTestLogger().Logger())

	var mu sync.Mutex
	var got []int
	stop := bus.Listen(8, func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	bus.Publish(1)
	bus.Publish(2)

	testutil.WaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, "listener to receive events")

	stop()
	bus.Publish(3)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected [1 2], got %v", got)
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus[int]("close", 0, testutil.NewTestLogger().Logger())
	sub := bus.Subscribe(1)

	bus.Close()
	bus.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("expected subscription closed")
	}
	sub.Unsubscribe()

	late := bus.Subscribe(1)
	if _, ok := <-late.C(); ok {
		t.Error("expected subscription on a closed bus to be closed")
	}
	if n := bus.Publish(1); n != 0 {
		t.Errorf("expected no deliveries, got %d", n)
	}
}
