package eventbus

import (
	"testing"
	"time"
)

func TestFanout(t *testing.T) {
	b := New()
	ch1, un1 := b.Subscribe(4)
	ch2, un2 := b.Subscribe(4)
	defer un1()
	defer un2()

	b.Publish(Event{Type: "island.shown", Data: Island{App: "a", Category: "call"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "island.shown" {
				t.Fatalf("sub %d: Type = %q, want island.shown", i, e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: Time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, un := b.Subscribe(1)
	defer un()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "flood"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, un := b.Subscribe(2)
	defer un()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "burst"})
	}
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			if n != 2 {
				t.Fatalf("delivered = %d, want the buffer size 2", n)
			}
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, un := b.Subscribe(1)
	un()
	un() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "late"})
}
