package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	Emit(b, TaskCompleted, time.Unix(1, 0), "x")
	Emit(b, TaskDropped, time.Time{}, "y")

	if e := <-a; e.Type != TaskCompleted {
		t.Fatalf("first event = %s, want %s", e.Type, TaskCompleted)
	}
	if got := len(c); got != 2 {
		t.Fatalf("buffered events = %d, want 2", got)
	}
	if Dropped(b) != 1 {
		t.Fatalf("Dropped = %d, want 1", Dropped(b))
	}

	unsubA()
	unsubA()
	Emit(b, TaskStarted, time.Now(), nil)
}

func TestEmitNilBus(t *testing.T) {
	Emit(nil, TaskStarted, time.Now(), nil)
}
