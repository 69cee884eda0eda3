package worker

import (
	"context"
	"net"
	"sync"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/JellyTony/kuproxy/model"
	"github.com/JellyTony/kuproxy/protocol"
	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
)

const (
	DefaultParkTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

type Config struct {
	// ParkTimeout bounds how long a subscribed connection may wait for a pool.
	ParkTimeout    time.Duration
	WriteTimeout   time.Duration
	SamplingWindow time.Duration
	// LocalPort overrides the port read from the local address.
	LocalPort int
}

// Conn is one downstream miner connection.
type Conn struct {
	id        string
	conn      kuproxy.Conn
	h         Handler
	cfg       Config
	name      string
	localPort int
	stats     *model.ShareStats

	wmu sync.Mutex

	mu                   sync.RWMutex
	pool                 kuproxy.Pool
	tail                 string
	authorized           map[string]string
	subscribed           bool
	extranonceSubscribed bool
	pendingSubscribe     *int
	parkTimer            *time.Timer

	closeOnce sync.Once
	closed    chan struct{}
}

var _ kuproxy.WorkerConnection = (*Conn)(nil)

func New(conn kuproxy.Conn, h Handler, cfg Config) *Conn {
	if cfg.ParkTimeout <= 0 {
		cfg.ParkTimeout = DefaultParkTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	c := &Conn{
		id:         ksuid.New().String(),
		conn:       conn,
		h:          h,
		cfg:        cfg,
		stats:      model.NewShareStats(cfg.SamplingWindow),
		authorized: make(map[string]string),
		closed:     make(chan struct{}),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.name = addr.String()
	}
	c.localPort = cfg.LocalPort
	if c.localPort == 0 {
		if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
			c.localPort = addr.Port
		}
	}
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) ConnectionName() string { return c.name }

func (c *Conn) RemoteAddress() string {
	host, _, err := net.SplitHostPort(c.name)
	if err != nil {
		return c.name
	}
	return host
}

func (c *Conn) LocalPort() (int, bool) { return c.localPort, c.localPort > 0 }

func (c *Conn) ShareStats() *model.ShareStats { return c.stats }

func (c *Conn) Pool() kuproxy.Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

func (c *Conn) ExtranonceTail() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tail
}

func (c *Conn) AuthorizedWorkers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.authorized))
	for k, v := range c.authorized {
		out[k] = v
	}
	return out
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) log() *logger.Entry {
	return logger.WithFields(logger.Fields{"module": "worker", "connection": c.name, "id": c.id})
}

// Serve reads requests until the connection fails or ctx ends, then closes it.
func (c *Conn) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.closeWithCause(ctx.Err())
		case <-c.closed:
		}
	}()
	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			c.closeWithCause(err)
			return err
		}
		switch frame.GetOpCode() {
		case kuproxy.OpClose:
			err := errors.New("remote side close the connection")
			c.closeWithCause(err)
			return err
		case kuproxy.OpPing:
			_ = c.writeFrame(kuproxy.OpPong, nil)
			continue
		case kuproxy.OpBinary, kuproxy.OpText:
		default:
			continue
		}
		var req protocol.Request
		if err := protocol.Decode(frame.GetPayload(), &req); err != nil {
			c.log().WithError(err).Warn("undecodable request")
			continue
		}
		c.handle(ctx, &req)
		if c.isClosed() {
			return kuproxy.ErrConnectionClosed
		}
	}
}

func (c *Conn) handle(ctx context.Context, req *protocol.Request) {
	if req.ID == nil {
		c.log().WithField("method", req.Method).Debug("ignored notification")
		return
	}
	id := *req.ID
	switch req.Method {
	case protocol.MethodSubscribe:
		var p protocol.SubscribeParams
		_ = protocol.Decode(req.Params, &p)
		c.onSubscribe(id, &p)
	case protocol.MethodExtranonceSubscribe:
		c.mu.Lock()
		c.extranonceSubscribed = true
		c.mu.Unlock()
		c.reply(id, true)
	case protocol.MethodAuthorize:
		var p protocol.AuthorizeParams
		if err := protocol.Decode(req.Params, &p); err != nil || p.Username == "" {
			c.replyError(id, protocol.ErrCodeUnauthorized, "invalid authorize parameters")
			return
		}
		c.onAuthorize(ctx, id, &p)
	case protocol.MethodSubmit:
		var p protocol.SubmitParams
		if err := protocol.Decode(req.Params, &p); err != nil {
			c.replyError(id, protocol.ErrCodeUnknown, "invalid submit parameters")
			return
		}
		c.onSubmit(id, &p)
	default:
		c.replyError(id, protocol.ErrCodeUnknown, "unsupported method "+req.Method)
	}
}

func (c *Conn) onSubscribe(id int, p *protocol.SubscribeParams) {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		c.replyError(id, protocol.ErrCodeUnknown, "already subscribed")
		return
	}
	c.subscribed = true
	c.pendingSubscribe = &id
	c.mu.Unlock()

	_, err := c.h.OnSubscribeRequest(c, p)
	switch {
	case err == nil:
	case errors.Is(err, kuproxy.ErrNoPoolAvailable):
		c.park()
	default:
		c.log().WithError(err).Warn("subscribe failed")
		c.replyError(id, protocol.ErrCodeUnknown, err.Error())
		c.closeWithCause(err)
	}
}

// park waits for a lifecycle event or an authorize to bind the connection.
func (c *Conn) park() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingSubscribe == nil || c.parkTimer != nil {
		return
	}
	c.log().WithField("timeout", c.cfg.ParkTimeout).Info("no pool yet, connection parked")
	c.parkTimer = time.AfterFunc(c.cfg.ParkTimeout, func() {
		c.mu.RLock()
		waiting := c.pendingSubscribe != nil
		c.mu.RUnlock()
		if waiting {
			c.closeWithCause(errors.Wrap(kuproxy.ErrNoPoolAvailable, "parked connection timed out"))
		}
	})
}

func (c *Conn) onAuthorize(ctx context.Context, id int, p *protocol.AuthorizeParams) {
	c.mu.RLock()
	subscribed := c.subscribed
	c.mu.RUnlock()
	if !subscribed {
		c.replyError(id, protocol.ErrCodeNotSubscribed, "not subscribed")
		return
	}
	if err := c.h.CheckAuthorization(c, p); err != nil {
		c.replyError(id, protocol.ErrCodeUnauthorized, err.Error())
		return
	}
	if c.Pool() != nil {
		if err := c.h.OnAuthorizeRequest(ctx, c, p); err != nil {
			c.log().WithFields(logger.Fields{"worker": p.Username, "error": err}).Warn("authorize refused")
			c.replyError(id, protocol.ErrCodeUnauthorized, err.Error())
			return
		}
		c.mu.Lock()
		c.authorized[p.Username] = p.Password
		c.mu.Unlock()
		c.reply(id, true)
		return
	}

	// Unbound: the credential may be what selects the pool. Binding replays it
	// against the chosen pool.
	c.mu.Lock()
	c.authorized[p.Username] = p.Password
	c.mu.Unlock()
	c.h.UpdatePoolForConnection(ctx, c)
	if c.isClosed() {
		return
	}
	if c.Pool() == nil {
		c.mu.Lock()
		delete(c.authorized, p.Username)
		c.mu.Unlock()
		c.replyError(id, protocol.ErrCodeUnauthorized, kuproxy.ErrNoPoolAvailable.Error())
		c.closeWithCause(errors.Wrapf(kuproxy.ErrNoPoolAvailable, "no pool for worker %s", p.Username))
		return
	}
	c.reply(id, true)
}

func (c *Conn) onSubmit(id int, p *protocol.SubmitParams) {
	c.mu.RLock()
	bound, tail := c.pool != nil, c.tail
	_, authorized := c.authorized[p.WorkerName]
	c.mu.RUnlock()
	if !bound {
		c.replyError(id, protocol.ErrCodeNotSubscribed, "not subscribed")
		return
	}
	if !authorized {
		c.replyError(id, protocol.ErrCodeUnauthorized, "unauthorized worker "+p.WorkerName)
		return
	}
	req := &protocol.SubmitRequest{ID: id, SubmitParams: *p}
	req.Extranonce2 = tail + p.Extranonce2
	c.h.OnSubmitRequest(c, req)
}

// RebindToPool moves the connection to pool. The first bind answers the
// pending subscribe; later binds need extranonce subscription.
func (c *Conn) RebindToPool(pool kuproxy.Pool) error {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return kuproxy.ErrConnectionClosed
	}
	old := c.pool
	if old == pool {
		c.mu.Unlock()
		return nil
	}
	if old != nil && !c.extranonceSubscribed {
		c.mu.Unlock()
		return errors.Wrapf(kuproxy.ErrChangeExtranonceNotSupported, "connection %s", c.name)
	}
	tail, err := pool.AllocateTail()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if old != nil {
		old.ReleaseTail(c.tail)
	}
	c.pool, c.tail = pool, tail
	pending := c.pendingSubscribe
	c.pendingSubscribe = nil
	if c.parkTimer != nil {
		c.parkTimer.Stop()
		c.parkTimer = nil
	}
	c.mu.Unlock()

	ext1, size := c.extranonceFor(pool, tail)
	if pending != nil {
		c.reply(*pending, protocol.SubscribeResult{Extranonce1: ext1, Extranonce2Size: size})
	} else {
		c.notify(protocol.MethodSetExtranonce, protocol.SetExtranonceParams{Extranonce1: ext1, Extranonce2Size: size})
	}
	if d := pool.Difficulty(); d > 0 {
		c.notify(protocol.MethodSetDifficulty, protocol.SetDifficultyParams{Difficulty: d})
	}
	if job := pool.CurrentJob(); job != nil {
		job.CleanJobs = true
		c.notify(protocol.MethodNotify, job)
	}
	c.log().WithFields(logger.Fields{"pool": pool.Name(), "tail": tail}).Info("bound to pool")
	return nil
}

func (c *Conn) extranonceFor(pool kuproxy.Pool, tail string) (string, int) {
	ext1, size := pool.Extranonce()
	return ext1 + tail, size - pool.TailSize()
}

func (c *Conn) OnPoolDifficultyChanged(params *protocol.SetDifficultyParams) {
	c.notify(protocol.MethodSetDifficulty, params)
}

func (c *Conn) OnPoolNotify(params *protocol.NotifyParams) {
	c.notify(protocol.MethodNotify, params)
}

func (c *Conn) OnPoolExtranonceChange() error {
	c.mu.RLock()
	pool, tail, ok := c.pool, c.tail, c.extranonceSubscribed
	c.mu.RUnlock()
	if !ok {
		return errors.Wrapf(kuproxy.ErrChangeExtranonceNotSupported, "connection %s", c.name)
	}
	if pool == nil {
		return nil
	}
	ext1, size := c.extranonceFor(pool, tail)
	c.notify(protocol.MethodSetExtranonce, protocol.SetExtranonceParams{Extranonce1: ext1, Extranonce2Size: size})
	return nil
}

func (c *Conn) OnPoolSubmitResponse(req *protocol.SubmitRequest, resp *protocol.SubmitResponse) {
	data, err := protocol.EncodeSubmitResponse(resp)
	if err != nil {
		c.log().WithError(err).Error("encode submit response")
		return
	}
	_ = c.write(data)
}

// Close is idempotent. The handler hears about the disconnection once.
func (c *Conn) Close() { c.closeWithCause(kuproxy.ErrConnectionClosed) }

func (c *Conn) closeWithCause(cause error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.parkTimer != nil {
			c.parkTimer.Stop()
			c.parkTimer = nil
		}
		pool, tail := c.pool, c.tail
		c.mu.Unlock()
		if pool != nil && tail != "" {
			pool.ReleaseTail(tail)
		}
		_ = c.conn.Close()
		c.log().WithField("cause", cause).Info("connection closed")
		c.h.OnWorkerDisconnection(c, cause)
	})
}

func (c *Conn) reply(id int, result any) {
	data, err := protocol.NewResult(id, result)
	if err != nil {
		c.log().WithError(err).Error("encode result")
		return
	}
	_ = c.write(data)
}

func (c *Conn) replyError(id int, code int, msg string) {
	data, err := protocol.NewError(id, code, msg)
	if err != nil {
		return
	}
	_ = c.write(data)
}

func (c *Conn) notify(method string, params any) {
	data, err := protocol.NewRequest(nil, method, params)
	if err != nil {
		c.log().WithError(err).Error("encode notification")
		return
	}
	_ = c.write(data)
}

func (c *Conn) write(data []byte) error {
	return c.writeFrame(kuproxy.OpBinary, data)
}

func (c *Conn) writeFrame(code kuproxy.OpCode, data []byte) error {
	if c.isClosed() {
		return kuproxy.ErrConnectionClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteFrame(code, data); err != nil {
		return err
	}
	return c.conn.Flush()
}
