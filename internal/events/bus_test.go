package events

import (
	"testing"
	"time"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	b.Publish(LogMsg{TaskKey: "t1", Stream: "stdout", Line: "hello"})

	for i, ch := range []<-chan Msg{ch1, ch2} {
		select {
		case msg := <-ch:
			lm, ok := msg.(LogMsg)
			if !ok || lm.Line != "hello" {
				t.Fatalf("subscriber %d got %#v, want LogMsg hello", i, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received message", i)
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(LogMsg{Line: "one"})
	b.Publish(LogMsg{Line: "two"}) // buffer full, must drop without blocking

	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	// Publishing after cancel must not panic.
	b.Publish(LogMsg{Line: "x"})
}

func TestBusClose(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe(1)
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after bus Close")
	}
	b.Publish(LogMsg{Line: "x"}) // no-op, no panic

	chAfter, _ := b.Subscribe(1)
	if _, ok := <-chAfter; ok {
		t.Fatal("Subscribe after Close returned open channel")
	}
}
