package server

import (
	"context"
	"net"
	"sync"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/JellyTony/kuproxy/metrics"
	"github.com/JellyTony/kuproxy/tcp"
	"github.com/JellyTony/kuproxy/websocket"
	"github.com/JellyTony/kuproxy/worker"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const handshakeTimeout = 10 * time.Second

// Acceptor accepts downstream miners on one listener, at most limiter's rate,
// and serves each as a worker connection.
type Acceptor struct {
	ln      net.Listener
	ws      bool
	limiter *rate.Limiter
	h       worker.Handler
	cfg     worker.Config
	wg      sync.WaitGroup
}

func NewAcceptor(ln net.Listener, ws bool, limiter *rate.Limiter, h worker.Handler, cfg worker.Config) *Acceptor {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok && cfg.LocalPort == 0 {
		cfg.LocalPort = addr.Port
	}
	return &Acceptor{ln: ln, ws: ws, limiter: limiter, h: h, cfg: cfg}
}

func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

func (a *Acceptor) log() *logger.Entry {
	return logger.WithFields(logger.Fields{"module": "app.acceptor", "listener": a.ln.Addr().String(), "websocket": a.ws})
}

// Serve returns when ctx ends or the listener is closed.
func (a *Acceptor) Serve(ctx context.Context) error {
	a.log().Info("accepting worker connections")
	for {
		if !a.limiter.Allow() {
			metrics.AcceptThrottled.WithLabelValues(a.ln.Addr().String()).Inc()
			if err := a.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		nc, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.log().WithError(err).Warn("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		a.wg.Add(1)
		go a.handle(ctx, nc)
	}
}

func (a *Acceptor) handle(ctx context.Context, nc net.Conn) {
	defer a.wg.Done()
	var conn kuproxy.Conn
	if a.ws {
		_ = nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
		wc, err := websocket.Upgrade(nc)
		if err != nil {
			a.log().WithFields(logger.Fields{"remote": nc.RemoteAddr().String(), "error": err}).Warn("websocket upgrade failed")
			_ = nc.Close()
			return
		}
		_ = nc.SetReadDeadline(time.Time{})
		conn = wc
	} else {
		conn = tcp.NewConn(nc)
	}
	_ = worker.New(conn, a.h, a.cfg).Serve(ctx)
}

// Close stops accepting. Served connections are closed by the orchestrator.
func (a *Acceptor) Close() error { return a.ln.Close() }

// Wait blocks until every served connection returned.
func (a *Acceptor) Wait() { a.wg.Wait() }
