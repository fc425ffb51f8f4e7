package eventbus_test

import (
	"testing"

	"wayfarer/internal/eventbus"
)

func TestPublishFansOut(t *testing.T) {
	bus := eventbus.New[int]()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	if got := bus.Publish(7); got != 2 {
		t.Fatalf("expected delivery to 2 subscribers, got %d", got)
	}
	if v := <-a.C(); v != 7 {
		t.Fatalf("subscriber a got %d", v)
	}
	if v := <-b.C(); v != 7 {
		t.Fatalf("subscriber b got %d", v)
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	bus := eventbus.New[string]()
	sub := bus.Subscribe(1)

	bus.Publish("first")
	if got := bus.Publish("second"); got != 0 {
		t.Fatalf("expected full subscriber to be skipped, got %d deliveries", got)
	}
	if sub.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", sub.Dropped())
	}
	if v := <-sub.C(); v != "first" {
		t.Fatalf("expected first event, got %q", v)
	}
}

func TestCloseSubscriptionDetaches(t *testing.T) {
	bus := eventbus.New[int]()
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()

	if bus.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", bus.Len())
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel")
	}
	if got := bus.Publish(1); got != 0 {
		t.Fatalf("expected no deliveries, got %d", got)
	}
}

func TestCloseBusClosesSubscribers(t *testing.T) {
	bus := eventbus.New[int]()
	sub := bus.Subscribe(1)
	bus.Close()
	bus.Close()

	if _, ok := <-sub.C(); ok {
		t.Fatal("expected subscriber channel closed")
	}
	late := bus.Subscribe(1)
	if _, ok := <-late.C(); ok {
		t.Fatal("expected subscription on closed bus to be closed")
	}
	sub.Close()
}
