package server

import (
	"time"

	"github.com/JellyTony/kuproxy/events"
)

type ShutdownStatus struct {
	StartAt         time.Time
	EndAt           time.Time
	ListenersClosed bool
	MQStopped       bool
	MQPending       int
	StoreClosed     bool
	PoolsStopped    bool
	WorkersClosed   int
	Duration        time.Duration
}

// MessageQueue carries share events from the orchestrator to the metrics
// consumer.
type MessageQueue interface {
	Publish(evt events.ShareEvent) error
	Subscribe() <-chan events.ShareEvent
	Close() error
}

// Listen is one downstream listening socket.
type Listen struct {
	Address   string
	WebSocket bool
}
