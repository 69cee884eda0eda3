// Package stats stores hashrate samples captured by the recorder.
package stats

import (
	"strings"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/pkg/errors"
)

// Sample is the accepted and rejected hashrate of a pool or user at one instant.
type Sample struct {
	Name     string    `json:"name"`
	Accepted float64   `json:"accepted"`
	Rejected float64   `json:"rejected"`
	Time     time.Time `json:"time"`
}

// Store is a hashrate sink.
type Store interface {
	InsertSample(name string, accepted, rejected float64, t time.Time) error
	// DeleteOlderThan purges every sample captured before t.
	DeleteOlderThan(t time.Time) error
	// DeleteSamples purges every sample of name.
	DeleteSamples(name string) error
	// Samples returns the samples of name captured at or after since, oldest first.
	Samples(name string, since time.Time) ([]Sample, error)
	Close() error
}

// Pools and users share the sink, so sample names carry their entity.
const (
	EntityPool = "pool"
	EntityUser = "user"
)

// SampleName is the sink key of the samples of one pool or user.
func SampleName(entity, name string) string { return entity + ":" + name }

const (
	KindMemory   = "memory"
	KindBolt     = "bolt"
	KindPostgres = "pg"
)

// Open builds the store of the given kind. target is the bolt file path or
// the postgres DSN and is ignored for memory.
func Open(kind, target string) (Store, error) {
	switch strings.ToLower(kind) {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindBolt:
		return NewBoltStore(target)
	case KindPostgres:
		return NewPGStore(target)
	}
	return nil, errors.Wrapf(kuproxy.ErrBadParameter, "unknown hashrate store %q", kind)
}
