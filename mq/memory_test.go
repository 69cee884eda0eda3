package mq

import (
	"testing"

	"github.com/JellyTony/kuproxy/events"
	"github.com/pkg/errors"
)

func TestMemoryQueuePubSub(t *testing.T) {
	q := NewMemoryQueue(2)
	ch := q.Subscribe()
	_ = q.Publish(events.ShareEvent{User: "u", Accepted: true})
	_ = q.Publish(events.ShareEvent{User: "u2"})
	if err := q.Publish(events.ShareEvent{User: "u3"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	e1 := <-ch
	e2 := <-ch
	if e1.User != "u" || !e1.Accepted || e2.User != "u2" {
		t.Fatalf("unexpected events %+v %+v", e1, e2)
	}
	_ = q.Close()
	_ = q.Close()
	if err := q.Publish(events.ShareEvent{User: "late"}); err != nil {
		t.Fatalf("publish after close should be dropped silently, got %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("subscription should be closed")
	}
}
