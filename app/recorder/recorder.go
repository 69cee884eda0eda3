// Package recorder periodically turns pool and user share counters into
// hashrate samples and hands them to a sink.
package recorder

import (
	"fmt"
	"sync"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/JellyTony/kuproxy/metrics"
	"github.com/JellyTony/kuproxy/model"
	"github.com/JellyTony/kuproxy/stats"
	"github.com/pkg/errors"
)

const (
	DefaultPeriod    = time.Minute
	DefaultRetention = 7 * 24 * time.Hour
)

// Source lists the entities sampled on each run.
type Source interface {
	Pools() []kuproxy.Pool
	Users() []*model.User
}

type Sink interface {
	InsertSample(name string, accepted, rejected float64, t time.Time) error
	DeleteOlderThan(t time.Time) error
}

type Config struct {
	Period    time.Duration
	Retention time.Duration
}

// Recorder runs one capture per period. The next run is armed only after the
// previous one returned, so slow sinks never overlap.
type Recorder struct {
	src  Source
	sink Sink
	cfg  Config
	now  func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	running bool
}

func New(src Source, sink Sink, cfg Config) *Recorder {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Recorder{src: src, sink: sink, cfg: cfg, now: time.Now}
}

func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.timer = time.AfterFunc(r.cfg.Period, r.tick)
	logger.WithFields(logger.Fields{"module": "app.recorder", "period": r.cfg.Period, "retention": r.cfg.Retention}).Info("hashrate recorder started")
}

// Stop cancels the pending run. A run already in progress completes.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Recorder) tick() {
	if err := r.safeCapture(); err != nil {
		logger.WithField("module", "app.recorder").WithError(err).Error("hashrate capture failed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.timer = time.AfterFunc(r.cfg.Period, r.tick)
	}
}

func (r *Recorder) safeCapture() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("capture panicked: %v", p)
		}
	}()
	return r.Capture()
}

// Capture takes one sample of every pool and user, then purges samples past
// the retention. Sink failures do not stop the run; the first one is returned.
func (r *Recorder) Capture() error {
	now := r.now()
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, p := range r.src.Pools() {
		acc, rej := p.ShareStats().Hashrates(now)
		metrics.ObserveHashrate("pool", p.Name(), acc, rej)
		keep(errors.WithMessagef(r.sink.InsertSample(stats.SampleName(stats.EntityPool, p.Name()), acc, rej, now), "pool %s", p.Name()))
	}
	for _, u := range r.src.Users() {
		acc, rej := u.ShareStats().Hashrates(now)
		metrics.ObserveHashrate("user", u.Name(), acc, rej)
		keep(errors.WithMessagef(r.sink.InsertSample(stats.SampleName(stats.EntityUser, u.Name()), acc, rej, now), "user %s", u.Name()))
	}
	keep(errors.WithMessage(r.sink.DeleteOlderThan(now.Add(-r.cfg.Retention)), "purge"))
	return first
}
