package proxy

import (
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/events"
	"github.com/JellyTony/kuproxy/pool"
)

// Publisher receives one event per pool reply.
type Publisher interface {
	Publish(evt events.ShareEvent) error
}

// HistoryPurger deletes the hashrate history of a removed pool.
type HistoryPurger interface {
	DeleteSamples(name string) error
}

// PoolFactory builds a pool from a validated configuration.
type PoolFactory func(cfg pool.Config) (kuproxy.Pool, error)

type Options struct {
	// Strategy is the initial pool switching strategy name.
	Strategy       string
	StrategyParams map[string]string
	// MinimumDifficulty is suggested upstream when a pool sets a lower one. Zero disables it.
	MinimumDifficulty float64
	Algo              string
	SamplingWindow    time.Duration
	// LogRealShareDifficulty logs the real difficulty of every share at Debug.
	LogRealShareDifficulty bool

	PoolFactory PoolFactory
	Publisher   Publisher
	Purger      HistoryPurger
	Difficulty  kuproxy.DifficultyService
}

func (o *Options) setDefaults() {
	if o.Strategy == "" {
		o.Strategy = "WorkerNameOrPort"
	}
	if o.Algo == "" {
		o.Algo = "sha256"
	}
	if o.PoolFactory == nil {
		window := o.SamplingWindow
		o.PoolFactory = func(cfg pool.Config) (kuproxy.Pool, error) {
			return pool.New(cfg, pool.WithSamplingWindow(window))
		}
	}
}
