package mq

import (
	"sync"

	"github.com/JellyTony/kuproxy/events"
	"github.com/pkg/errors"
)

// ErrQueueFull is returned when a memory queue cannot take more events.
var ErrQueueFull = errors.New("share queue full")

type MemoryQueue struct {
	mu     sync.RWMutex
	ch     chan events.ShareEvent
	closed bool
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan events.ShareEvent, size)}
}

// Publish never blocks the caller: a full queue drops the event.
func (q *MemoryQueue) Publish(evt events.ShareEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil
	}
	select {
	case q.ch <- evt:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Subscribe() <-chan events.ShareEvent {
	return q.ch
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
