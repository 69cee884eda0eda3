package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/JellyTony/kuproxy/app/proxy"
	"github.com/JellyTony/kuproxy/app/recorder"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/JellyTony/kuproxy/metrics"
	"github.com/JellyTony/kuproxy/stats"
	"github.com/JellyTony/kuproxy/worker"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type Options struct {
	Listen      []Listen
	AcceptRate  float64
	AcceptBurst int
	Worker      worker.Config
	Recorder    recorder.Config
}

// AppServer owns the downstream listeners and everything that lives as long
// as the process: the orchestrator, the share queue, the hashrate store and
// its recorder.
type AppServer struct {
	opts     Options
	inst     *proxy.Instance
	mq       MessageQueue
	store    stats.Store
	recorder *recorder.Recorder

	acceptors   []*Acceptor
	stopConsume chan struct{}
	mqWG        sync.WaitGroup
	serveWG     sync.WaitGroup
	cancel      context.CancelFunc
	startedAt   time.Time

	smu    sync.Mutex
	status ShutdownStatus
}

func NewAppServer(opts Options, inst *proxy.Instance, mq MessageQueue, store stats.Store) *AppServer {
	return &AppServer{
		opts:        opts,
		inst:        inst,
		mq:          mq,
		store:       store,
		recorder:    recorder.New(inst, store, opts.Recorder),
		stopConsume: make(chan struct{}),
	}
}

func (a *AppServer) Instance() *proxy.Instance { return a.inst }

func (a *AppServer) Store() stats.Store { return a.store }

func (a *AppServer) StartedAt() time.Time { return a.startedAt }

// Addrs lists the bound listener addresses, useful with ":0".
func (a *AppServer) Addrs() []net.Addr {
	out := make([]net.Addr, 0, len(a.acceptors))
	for _, acc := range a.acceptors {
		out = append(out, acc.Addr())
	}
	return out
}

// Start binds every listener, starts pools, the recorder and the share
// consumer, then serves in the background.
func (a *AppServer) Start(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(a.opts.AcceptRate), a.opts.AcceptBurst)
	for _, l := range a.opts.Listen {
		ln, err := net.Listen("tcp", l.Address)
		if err != nil {
			for _, acc := range a.acceptors {
				_ = acc.Close()
			}
			return errors.Wrapf(err, "listen %s", l.Address)
		}
		a.acceptors = append(a.acceptors, NewAcceptor(ln, l.WebSocket, limiter, a.inst, a.opts.Worker))
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.startedAt = time.Now()
	a.mqWG.Add(1)
	go a.consume(ctx)
	a.inst.StartPools()
	a.recorder.Start()
	for _, acc := range a.acceptors {
		a.serveWG.Add(1)
		go func(acc *Acceptor) {
			defer a.serveWG.Done()
			_ = acc.Serve(ctx)
		}(acc)
	}
	logger.WithFields(logger.Fields{"module": "server", "listeners": len(a.acceptors), "pools": len(a.inst.Pools())}).Info("proxy started")
	return nil
}

func (a *AppServer) consume(ctx context.Context) {
	defer a.mqWG.Done()
	ch := a.mq.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopConsume:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			metrics.ObserveShare(evt)
		}
	}
}

func (a *AppServer) Shutdown(ctx context.Context) error {
	a.smu.Lock()
	defer a.smu.Unlock()
	a.status.StartAt = time.Now()

	for _, acc := range a.acceptors {
		_ = acc.Close()
	}
	a.serveWG.Wait()
	a.status.ListenersClosed = true

	a.recorder.Stop()
	a.status.WorkersClosed = len(a.inst.WorkerConnections())
	a.inst.CloseAllWorkerConnections()
	a.inst.StopPools()
	a.status.PoolsStopped = true

	close(a.stopConsume)
	done := make(chan struct{})
	go func() { a.mqWG.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
	case <-ctx.Done():
	}
	a.status.MQPending = len(a.mq.Subscribe())
	a.status.MQStopped = true
	if a.cancel != nil {
		a.cancel()
	}
	for _, acc := range a.acceptors {
		acc.Wait()
	}

	if err := retry(3, 2*time.Second, func() error { return a.mq.Close() }); err != nil {
		logger.WithError(err).Error("mq close failed")
	}
	if err := retry(3, 2*time.Second, func() error { return a.store.Close() }); err != nil {
		logger.WithError(err).Error("store close failed")
	} else {
		a.status.StoreClosed = true
	}
	a.status.EndAt = time.Now()
	a.status.Duration = a.status.EndAt.Sub(a.status.StartAt)
	logger.WithFields(logger.Fields{"module": "server", "duration": a.status.Duration, "workers": a.status.WorkersClosed}).Info("shutdown done")
	return nil
}

func retry(n int, backoff time.Duration, f func() error) error {
	var err error
	for i := 0; i < n; i++ {
		if err = f(); err == nil {
			return nil
		}
		time.Sleep(backoff)
	}
	return err
}

func (a *AppServer) Status() ShutdownStatus {
	a.smu.Lock()
	defer a.smu.Unlock()
	return a.status
}
