package server

import (
	"strings"

	"github.com/JellyTony/kuproxy/app/proxy"
	"github.com/JellyTony/kuproxy/app/recorder"
	"github.com/JellyTony/kuproxy/config"
	"github.com/JellyTony/kuproxy/mq"
	"github.com/JellyTony/kuproxy/stats"
	"github.com/JellyTony/kuproxy/worker"
	"github.com/pkg/errors"
)

const memoryQueueSize = 4096

// Build wires an AppServer from a validated configuration and registers the
// configured pools. Nothing is started.
func Build(cfg *config.Config) (*AppServer, error) {
	target := cfg.Hashrate.BoltPath
	if strings.EqualFold(cfg.Hashrate.Store, stats.KindPostgres) {
		target = cfg.Hashrate.PGDSN
	}
	store, err := stats.Open(cfg.Hashrate.Store, target)
	if err != nil {
		return nil, errors.WithMessage(err, "hashrate store")
	}

	var queue MessageQueue
	if strings.EqualFold(cfg.MQ.Kind, "rabbit") {
		r, err := mq.NewRabbitMQ(cfg.MQ.URL, cfg.MQ.Queue)
		if err != nil {
			_ = store.Close()
			return nil, errors.WithMessage(err, "rabbitmq")
		}
		queue = r
	} else {
		queue = mq.NewMemoryQueue(memoryQueueSize)
	}

	inst, err := proxy.New(proxy.Options{
		Strategy:               cfg.Proxy.Strategy,
		StrategyParams:         cfg.Proxy.StrategyParams,
		MinimumDifficulty:      cfg.Proxy.MinimumDifficulty,
		SamplingWindow:         cfg.SamplingWindow(),
		LogRealShareDifficulty: cfg.Proxy.LogRealShareDifficulty,
		Publisher:              queue,
		Purger:                 store,
	})
	if err != nil {
		_ = queue.Close()
		_ = store.Close()
		return nil, err
	}
	for _, pc := range cfg.PoolConfigs() {
		if _, err := inst.AddPool(pc); err != nil {
			_ = queue.Close()
			_ = store.Close()
			return nil, errors.WithMessagef(err, "pool %s", pc.Host)
		}
	}

	listen := make([]Listen, 0, len(cfg.Listen))
	for _, l := range cfg.Listen {
		listen = append(listen, Listen{Address: l.Address, WebSocket: l.WebSocket})
	}
	opts := Options{
		Listen:      listen,
		AcceptRate:  cfg.Accept.Rate,
		AcceptBurst: cfg.Accept.Burst,
		Worker:      worker.Config{ParkTimeout: cfg.ParkTimeout(), SamplingWindow: cfg.SamplingWindow()},
		Recorder:    recorder.Config{Period: cfg.CapturePeriod(), Retention: cfg.Retention()},
	}
	return NewAppServer(opts, inst, queue, store), nil
}
