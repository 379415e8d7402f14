package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: RunStarted, Data: "DETROIT_METRO"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != RunStarted {
				t.Fatalf("type = %q", e.Type)
			}
			if e.Time.IsZero() {
				t.Fatal("publish should stamp time")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: RunFinished})
	b.Publish(Event{Type: RunFinished})

	if got := Dropped(b); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: RunFailed})
}
