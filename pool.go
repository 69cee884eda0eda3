package kuproxy

import (
	"context"
	"time"

	"github.com/JellyTony/kuproxy/model"
	"github.com/JellyTony/kuproxy/protocol"
)

// PoolState is the lifecycle state of an upstream pool.
type PoolState int32

const (
	PoolDown PoolState = iota
	PoolConnecting
	PoolUp
	PoolStable
)

func (s PoolState) String() string {
	switch s {
	case PoolConnecting:
		return "CONNECTING"
	case PoolUp:
		return "UP"
	case PoolStable:
		return "STABLE"
	default:
		return "DOWN"
	}
}

// SubmitCallback receives the pool reply of one forwarded submission. It is
// invoked exactly once per forwarded submission.
type SubmitCallback func(req *protocol.SubmitRequest, resp *protocol.SubmitResponse)

// Pool is one upstream pool connection as seen by the routing core.
type Pool interface {
	Name() string
	Host() string
	// Priority returns nil when no priority is set. Lower is preferred.
	Priority() *int
	SetPriority(priority int)
	Weight() int
	Enabled() bool
	SetEnabled(enabled bool, owner PoolOwner) error
	State() PoolState
	IsReady() bool
	IsStable() bool
	UpSince() time.Time

	Difficulty() float64
	NumberOfSubmit() int
	Extranonce() (extranonce1 string, extranonce2Size int)
	TailSize() int
	AllocateTail() (string, error)
	ReleaseTail(tail string)
	CurrentJob() *protocol.NotifyParams

	AuthorizeWorker(ctx context.Context, req *protocol.AuthorizeParams) error
	SubmitShare(req *protocol.SubmitRequest, cb SubmitCallback)
	SuggestDifficulty(difficulty float64) error

	Start(owner PoolOwner) error
	Stop(reason string)

	ShareStats() *model.ShareStats
}

// PoolOwner receives lifecycle events and notifications from pools.
type PoolOwner interface {
	OnPoolStateChange(pool Pool)
	OnPoolStable(pool Pool)
	OnPoolSetDifficulty(pool Pool, params *protocol.SetDifficultyParams)
	OnPoolSetExtranonce(pool Pool, params *protocol.SetExtranonceParams)
	OnPoolNotify(pool Pool, params *protocol.NotifyParams)
}

// WorkerConnection is one downstream miner connection as seen by the routing core.
type WorkerConnection interface {
	ID() string
	ConnectionName() string
	RemoteAddress() string
	// LocalPort returns the listening port the connection arrived on, if known.
	LocalPort() (int, bool)
	Pool() Pool
	// AuthorizedWorkers returns a copy of worker name -> password.
	AuthorizedWorkers() map[string]string
	ExtranonceTail() string

	RebindToPool(pool Pool) error
	Close()

	OnPoolDifficultyChanged(params *protocol.SetDifficultyParams)
	OnPoolNotify(params *protocol.NotifyParams)
	OnPoolExtranonceChange() error
	OnPoolSubmitResponse(req *protocol.SubmitRequest, resp *protocol.SubmitResponse)

	ShareStats() *model.ShareStats
}

// DifficultyService computes the real difficulty of a submitted share.
type DifficultyService interface {
	RealShareDifficulty(job *protocol.NotifyParams, extranonce1Tail string, submit *protocol.SubmitParams, algo string) (float64, error)
}
