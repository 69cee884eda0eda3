package pool

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/JellyTony/kuproxy/model"
	"github.com/JellyTony/kuproxy/protocol"
	"github.com/JellyTony/kuproxy/tcp"
	"github.com/JellyTony/kuproxy/websocket"
	"github.com/pkg/errors"
)

// Dialer opens a framed upstream connection.
type Dialer func(ctx context.Context, host string, timeout time.Duration) (kuproxy.Conn, error)

// DefaultDialer uses a websocket for ws:// and wss:// hosts and framed TCP otherwise.
func DefaultDialer(ctx context.Context, host string, timeout time.Duration) (kuproxy.Conn, error) {
	if strings.HasPrefix(host, "ws://") || strings.HasPrefix(host, "wss://") {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		c, err := websocket.Dial(dctx, host)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	c, err := tcp.Dial(ctx, host, timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Option func(*Pool)

func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dial = d }
}

// WithSamplingWindow sets the rolling window of the pool share stats.
func WithSamplingWindow(w time.Duration) Option {
	return func(p *Pool) { p.stats = model.NewShareStats(w) }
}

// Pool is an upstream pool connection. It reconnects on its own until stopped.
type Pool struct {
	cfg   Config
	dial  Dialer
	tails *tails
	stats *model.ShareStats
	state atomic.Int32

	mu              sync.RWMutex
	priority        *int
	enabled         bool
	owner           kuproxy.PoolOwner
	sess            *session
	difficulty      float64
	extranonce1     string
	extranonce2Size int
	job             *protocol.NotifyParams
	upSince         time.Time
	stableTimer     *time.Timer
	cancel          context.CancelFunc
}

var _ kuproxy.Pool = (*Pool)(nil)

func New(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		dial:    DefaultDialer,
		tails:   newTails(cfg.TailSize),
		stats:   model.NewShareStats(model.DefaultSamplingWindow),
		enabled: cfg.Enabled,
	}
	if cfg.Priority != nil {
		v := *cfg.Priority
		p.priority = &v
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pool) Name() string { return p.cfg.Name }

func (p *Pool) Host() string { return p.cfg.Host }

func (p *Pool) Weight() int { return p.cfg.Weight }

func (p *Pool) NumberOfSubmit() int { return p.cfg.NumberOfSubmit }

func (p *Pool) TailSize() int { return p.cfg.TailSize }

func (p *Pool) ShareStats() *model.ShareStats { return p.stats }

// Config returns the pool configuration with the current priority and enabled flag.
func (p *Pool) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg := p.cfg
	cfg.Enabled = p.enabled
	cfg.Priority = nil
	if p.priority != nil {
		v := *p.priority
		cfg.Priority = &v
	}
	return cfg
}

func (p *Pool) Priority() *int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.priority == nil {
		return nil
	}
	v := *p.priority
	return &v
}

func (p *Pool) SetPriority(priority int) {
	p.mu.Lock()
	p.priority = &priority
	p.mu.Unlock()
}

func (p *Pool) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

func (p *Pool) SetEnabled(enabled bool, owner kuproxy.PoolOwner) error {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
	if enabled {
		return p.Start(owner)
	}
	p.Stop("pool disabled")
	return nil
}

func (p *Pool) State() kuproxy.PoolState { return kuproxy.PoolState(p.state.Load()) }

// IsReady reports an active session with a current job.
func (p *Pool) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sess != nil && p.job != nil
}

func (p *Pool) IsStable() bool { return p.State() == kuproxy.PoolStable }

func (p *Pool) UpSince() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.upSince
}

func (p *Pool) Difficulty() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.difficulty
}

// Extranonce returns the upstream extranonce1 and extranonce2 size, before
// any worker tail is applied.
func (p *Pool) Extranonce() (string, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.extranonce1, p.extranonce2Size
}

func (p *Pool) AllocateTail() (string, error) {
	tail, err := p.tails.allocate()
	if err != nil {
		return "", errors.WithMessagef(err, "pool %s", p.cfg.Name)
	}
	return tail, nil
}

func (p *Pool) ReleaseTail(tail string) { p.tails.release(tail) }

func (p *Pool) CurrentJob() *protocol.NotifyParams {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.job.Sanitize()
}

// Start launches the connect loop. It is a no-op when disabled or running.
func (p *Pool) Start(owner kuproxy.PoolOwner) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner != nil {
		p.owner = owner
	}
	if !p.enabled || p.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
	return nil
}

// Stop closes the session and ends the connect loop. Safe to repeat.
func (p *Pool) Stop(reason string) {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	sess := p.sess
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if sess != nil {
		sess.close()
	}
	p.toDown(errors.New(reason))
}

func (p *Pool) run(ctx context.Context) {
	for {
		err := p.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		p.toDown(err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RetryDelay):
		}
	}
}

// connect runs one session to completion.
func (p *Pool) connect(ctx context.Context) error {
	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		return ctx.Err()
	}
	p.setState(kuproxy.PoolConnecting)
	p.mu.Unlock()
	conn, err := p.dial(ctx, p.cfg.Host, p.cfg.ResponseTimeout)
	if err != nil {
		return errors.Wrapf(err, "dial %s", p.cfg.Host)
	}
	sess := newSession(conn, p, p.cfg.ResponseTimeout)
	errc := make(chan error, 1)
	go func() {
		err := sess.readLoop()
		sess.close()
		errc <- err
	}()
	if err := p.handshake(ctx, sess); err != nil {
		sess.close()
		return err
	}

	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		sess.close()
		return ctx.Err()
	}
	p.sess = sess
	p.mu.Unlock()
	p.checkUp()

	select {
	case <-ctx.Done():
		sess.close()
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func (p *Pool) handshake(ctx context.Context, sess *session) error {
	resp, err := sess.roundTrip(ctx, protocol.MethodSubscribe, protocol.SubscribeParams{UserAgent: "kuproxy"})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errors.Wrapf(resp.Error, "subscribe to %s", p.cfg.Name)
	}
	var res protocol.SubscribeResult
	if err := protocol.Decode(resp.Result, &res); err != nil {
		return errors.Wrap(err, "decode subscribe result")
	}
	if res.Extranonce2Size <= p.cfg.TailSize {
		return errors.Errorf("extranonce2 size %d leaves no room for a %d byte tail", res.Extranonce2Size, p.cfg.TailSize)
	}
	p.mu.Lock()
	p.extranonce1, p.extranonce2Size = res.Extranonce1, res.Extranonce2Size
	p.mu.Unlock()

	if p.cfg.ExtranonceSubscribe {
		resp, err := sess.roundTrip(ctx, protocol.MethodExtranonceSubscribe, struct{}{})
		if err != nil {
			return err
		}
		if resp.Error != nil {
			logger.WithFields(logger.Fields{"module": "pool", "pool": p.cfg.Name, "error": resp.Error}).Warn("extranonce subscribe refused")
		}
	}
	if !p.cfg.AppendWorkerNames {
		if err := p.authorize(ctx, sess, p.cfg.User, p.cfg.Password); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) authorize(ctx context.Context, sess *session, user, password string) error {
	resp, err := sess.roundTrip(ctx, protocol.MethodAuthorize, protocol.AuthorizeParams{Username: user, Password: password})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errors.Wrapf(kuproxy.ErrAuthorization, "pool %s refused %s: %s", p.cfg.Name, user, resp.Error.Message)
	}
	var ok bool
	if err := protocol.Decode(resp.Result, &ok); err != nil || !ok {
		return errors.Wrapf(kuproxy.ErrAuthorization, "pool %s refused %s", p.cfg.Name, user)
	}
	return nil
}

// AuthorizeWorker authorizes the worker upstream when worker names are
// appended. Otherwise the pool user authorized at connect covers every worker.
func (p *Pool) AuthorizeWorker(ctx context.Context, req *protocol.AuthorizeParams) error {
	p.mu.RLock()
	sess := p.sess
	p.mu.RUnlock()
	if sess == nil {
		return errors.Wrapf(kuproxy.ErrPoolNotReady, "pool %s", p.cfg.Name)
	}
	if !p.cfg.AppendWorkerNames {
		return nil
	}
	name := p.upstreamName(req.Username)
	if _, ok := sess.authorized.Load(name); ok {
		return nil
	}
	password := p.cfg.Password
	if p.cfg.UseWorkerPassword {
		password = req.Password
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ResponseTimeout)
	defer cancel()
	if err := p.authorize(ctx, sess, name, password); err != nil {
		return err
	}
	sess.authorized.Store(name, struct{}{})
	return nil
}

func (p *Pool) upstreamName(worker string) string {
	if !p.cfg.AppendWorkerNames {
		return p.cfg.User
	}
	if p.cfg.User == "" {
		return worker
	}
	return p.cfg.User + p.cfg.WorkerNameSeparator + worker
}

// SubmitShare forwards one share. cb runs exactly once.
func (p *Pool) SubmitShare(req *protocol.SubmitRequest, cb kuproxy.SubmitCallback) {
	p.mu.RLock()
	sess, ready := p.sess, p.job != nil
	p.mu.RUnlock()
	if sess == nil || !ready {
		cb(req, &protocol.SubmitResponse{ID: req.ID, Error: &protocol.Error{Code: protocol.ErrCodeUnknown, Message: "The target pool is no more ready."}})
		return
	}
	params := req.SubmitParams
	params.WorkerName = p.upstreamName(req.WorkerName)
	sess.call(protocol.MethodSubmit, params, func(r *protocol.Response) {
		resp := protocol.DecodeSubmitResponse(r)
		resp.ID = req.ID
		cb(req, resp)
	})
}

func (p *Pool) SuggestDifficulty(difficulty float64) error {
	p.mu.RLock()
	sess := p.sess
	p.mu.RUnlock()
	if sess == nil {
		return errors.Wrapf(kuproxy.ErrPoolNotReady, "pool %s", p.cfg.Name)
	}
	return sess.notify(protocol.MethodSuggestDifficulty, protocol.SuggestDifficultyParams{Difficulty: difficulty})
}

func (p *Pool) onSetDifficulty(params *protocol.SetDifficultyParams) {
	p.mu.Lock()
	p.difficulty = params.Difficulty
	owner := p.owner
	p.mu.Unlock()
	logger.WithFields(logger.Fields{"module": "pool", "pool": p.cfg.Name, "difficulty": params.Difficulty}).Debug("set difficulty")
	if owner != nil {
		owner.OnPoolSetDifficulty(p, params)
	}
}

func (p *Pool) onSetExtranonce(params *protocol.SetExtranonceParams) {
	if params.Extranonce2Size <= p.cfg.TailSize {
		logger.WithFields(logger.Fields{"module": "pool", "pool": p.cfg.Name, "extranonce2_size": params.Extranonce2Size}).Warn("extranonce2 size too small, reconnecting")
		p.mu.RLock()
		sess := p.sess
		p.mu.RUnlock()
		if sess != nil {
			sess.close()
		}
		return
	}
	p.mu.Lock()
	p.extranonce1, p.extranonce2Size = params.Extranonce1, params.Extranonce2Size
	owner := p.owner
	p.mu.Unlock()
	if owner != nil {
		owner.OnPoolSetExtranonce(p, params)
	}
}

func (p *Pool) onNotify(params *protocol.NotifyParams) {
	p.mu.Lock()
	p.job = params.Sanitize()
	owner := p.owner
	p.mu.Unlock()
	p.checkUp()
	if owner != nil && p.State() >= kuproxy.PoolUp {
		owner.OnPoolNotify(p, params)
	}
}

// checkUp moves CONNECTING to UP once the session is live and a job arrived,
// then arms the stability timer.
func (p *Pool) checkUp() {
	p.mu.Lock()
	if p.sess == nil || p.job == nil || !p.state.CompareAndSwap(int32(kuproxy.PoolConnecting), int32(kuproxy.PoolUp)) {
		p.mu.Unlock()
		return
	}
	sess := p.sess
	p.upSince = time.Now()
	p.stableTimer = time.AfterFunc(p.cfg.StabilityPeriod, func() { p.markStable(sess) })
	owner := p.owner
	p.mu.Unlock()
	logger.WithFields(logger.Fields{"module": "pool", "pool": p.cfg.Name}).Info("pool is up")
	if owner != nil {
		owner.OnPoolStateChange(p)
	}
}

func (p *Pool) markStable(sess *session) {
	p.mu.Lock()
	if p.sess != sess || !p.state.CompareAndSwap(int32(kuproxy.PoolUp), int32(kuproxy.PoolStable)) {
		p.mu.Unlock()
		return
	}
	owner := p.owner
	p.mu.Unlock()
	logger.WithFields(logger.Fields{"module": "pool", "pool": p.cfg.Name}).Info("pool is stable")
	if owner != nil {
		owner.OnPoolStable(p)
	}
}

func (p *Pool) setState(s kuproxy.PoolState) {
	p.state.Store(int32(s))
}

func (p *Pool) toDown(cause error) {
	p.mu.Lock()
	p.sess = nil
	p.job = nil
	if p.stableTimer != nil {
		p.stableTimer.Stop()
		p.stableTimer = nil
	}
	prev := kuproxy.PoolState(p.state.Swap(int32(kuproxy.PoolDown)))
	owner := p.owner
	p.mu.Unlock()
	if prev == kuproxy.PoolDown {
		return
	}
	entry := logger.WithFields(logger.Fields{"module": "pool", "pool": p.cfg.Name, "previous": prev.String(), "error": cause})
	if prev == kuproxy.PoolConnecting {
		entry.Warn("pool connection failed")
		return
	}
	entry.Warn("pool is down")
	if owner != nil {
		owner.OnPoolStateChange(p)
	}
}

func (p *Pool) hasSession() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sess != nil
}
