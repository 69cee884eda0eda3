package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/app/strategy"
	"github.com/JellyTony/kuproxy/events"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/JellyTony/kuproxy/model"
	"github.com/JellyTony/kuproxy/protocol"
	"github.com/JellyTony/kuproxy/worker"
	"github.com/pkg/errors"
)

// Instance routes worker connections to pools and relays shares and
// notifications between them.
type Instance struct {
	opts Options
	reg  *registry
	auth *AuthorizationManager

	smu      sync.Mutex
	strategy atomic.Pointer[managerBox]

	// binds serializes pool changes per connection id.
	binds sync.Map

	running atomic.Bool
}

type managerBox struct{ strategy.Manager }

var (
	_ kuproxy.PoolOwner = (*Instance)(nil)
	_ worker.Handler    = (*Instance)(nil)
	_ strategy.Host     = (*Instance)(nil)
)

func New(opts Options) (*Instance, error) {
	opts.setDefaults()
	i := &Instance{opts: opts, reg: newRegistry(), auth: NewAuthorizationManager()}
	if err := i.SetPoolSwitchingStrategy(opts.Strategy, opts.StrategyParams); err != nil {
		return nil, err
	}
	if opts.LogRealShareDifficulty && opts.Difficulty == nil {
		i.log().Warn("real share difficulty logging is on but no difficulty service is configured, nothing will be logged")
	}
	return i, nil
}

func (i *Instance) log() *logger.Entry {
	return logger.WithField("module", "app.proxy")
}

// Strategy returns the active pool switching strategy.
func (i *Instance) Strategy() strategy.Manager {
	if b := i.strategy.Load(); b != nil {
		return b.Manager
	}
	return nil
}

func (i *Instance) Authorization() *AuthorizationManager { return i.auth }

func (i *Instance) Pools() []kuproxy.Pool { return i.reg.poolList() }

func (i *Instance) Pool(name string) kuproxy.Pool { return i.reg.pool(name) }

func (i *Instance) Users() []*model.User { return i.reg.userList() }

func (i *Instance) User(name string) *model.User { return i.reg.user(name) }

func (i *Instance) WorkerConnections() []kuproxy.WorkerConnection { return i.reg.connList() }

// WorkerConnectionsOnPool lists connections bound to the named pool.
func (i *Instance) WorkerConnectionsOnPool(name string) ([]kuproxy.WorkerConnection, error) {
	p := i.reg.pool(name)
	if p == nil {
		return nil, errors.Wrapf(kuproxy.ErrNoPoolAvailable, "pool %s not found", name)
	}
	return i.reg.bound(p), nil
}

func (i *Instance) NumberOfWorkerConnectionsOnPool(name string) int {
	p := i.reg.pool(name)
	if p == nil {
		return 0
	}
	return i.reg.countBound(p)
}

func (i *Instance) bindLock(conn kuproxy.WorkerConnection) *sync.Mutex {
	mu, _ := i.binds.LoadOrStore(conn.ID(), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// OnSubscribeRequest asks the strategy for a pool and binds conn to it. A
// connection without pool stays tracked unbound so a later pool event can
// bind it.
func (i *Instance) OnSubscribeRequest(conn kuproxy.WorkerConnection, req *protocol.SubscribeParams) (kuproxy.Pool, error) {
	i.reg.addConn(conn)
	p, err := i.Strategy().PoolForConnection(conn)
	if err != nil {
		i.log().WithFields(logger.Fields{"connection": conn.ConnectionName(), "error": err}).Info("no pool for new connection")
		return nil, err
	}
	if err := i.SwitchPoolForConnection(context.Background(), conn, p); err != nil {
		return nil, err
	}
	i.log().WithFields(logger.Fields{"connection": conn.ConnectionName(), "pool": p.Name(), "connections": i.reg.countBound(p)}).Info("new worker connection subscribed")
	return p, nil
}

func (i *Instance) CheckAuthorization(conn kuproxy.WorkerConnection, req *protocol.AuthorizeParams) error {
	return i.auth.Check(conn, req)
}

// OnAuthorizeRequest checks the ban lists, authorizes the worker on the bound
// pool and links the connection to its user.
func (i *Instance) OnAuthorizeRequest(ctx context.Context, conn kuproxy.WorkerConnection, req *protocol.AuthorizeParams) error {
	if err := i.auth.Check(conn, req); err != nil {
		return err
	}
	p := conn.Pool()
	if p == nil {
		return errors.Wrapf(kuproxy.ErrNoPoolAvailable, "connection %s is not bound", conn.ConnectionName())
	}
	if err := p.AuthorizeWorker(ctx, req); err != nil {
		return errors.WithMessagef(err, "authorize %s on pool %s", req.Username, p.Name())
	}
	i.reg.userOrCreate(req.Username, i.opts.Algo, i.opts.SamplingWindow).AddConnection(conn)
	i.log().WithFields(logger.Fields{"worker": req.Username, "pool": p.Name(), "connection": conn.ConnectionName()}).Info("worker authorized")
	return nil
}

// UpdatePoolForConnection moves conn to the pool the strategy picks. Bound
// connections the strategy cannot place, or that fail to move, are closed.
func (i *Instance) UpdatePoolForConnection(ctx context.Context, conn kuproxy.WorkerConnection) {
	if ctx.Err() != nil {
		return
	}
	entry := i.log().WithField("connection", conn.ConnectionName())
	p, err := i.Strategy().PoolForConnection(conn)
	if err != nil {
		if errors.Is(err, kuproxy.ErrNoPoolAvailable) && conn.Pool() == nil {
			entry.WithError(err).Debug("connection still waiting for a pool")
			return
		}
		entry.WithError(err).Warn("no pool available, disconnecting")
		conn.Close()
		return
	}
	if p == conn.Pool() {
		return
	}
	entry.WithField("pool", p.Name()).Info("moving connection to pool")
	if err := i.SwitchPoolForConnection(ctx, conn, p); err != nil {
		switch {
		case errors.Is(err, kuproxy.ErrTooManyWorkers):
			entry.WithError(err).Warn("too many workers on pool, disconnecting")
		case errors.Is(err, kuproxy.ErrChangeExtranonceNotSupported):
			entry.WithError(err).Warn("extranonce change not supported, disconnecting")
		default:
			entry.WithError(err).Error("rebind failed, disconnecting")
		}
		conn.Close()
	}
}

// SwitchPoolForConnection is the only place a binding changes. It removes conn
// from its old pool set, rebinds it, adds it to the new set and replays every
// authorized credential on the new pool. A failed rebind leaves conn detached
// for the caller to close; a failed replay closes it here.
func (i *Instance) SwitchPoolForConnection(ctx context.Context, conn kuproxy.WorkerConnection, newPool kuproxy.Pool) error {
	mu := i.bindLock(conn)
	mu.Lock()
	old := conn.Pool()
	if old == newPool {
		mu.Unlock()
		return nil
	}
	if !i.reg.hasConn(conn) {
		i.binds.Delete(conn.ID())
		mu.Unlock()
		return errors.Wrapf(kuproxy.ErrConnectionClosed, "connection %s", conn.ConnectionName())
	}
	if old != nil {
		i.reg.set(old).remove(conn)
	}
	if err := conn.RebindToPool(newPool); err != nil {
		mu.Unlock()
		return err
	}
	i.reg.set(newPool).add(conn)
	mu.Unlock()

	entry := i.log().WithFields(logger.Fields{"connection": conn.ConnectionName(), "pool": newPool.Name()})
	if old != nil {
		entry = entry.WithField("previous", old.Name())
	}
	entry.Info("connection bound")

	for name, password := range conn.AuthorizedWorkers() {
		req := &protocol.AuthorizeParams{Username: name, Password: password}
		if err := i.OnAuthorizeRequest(ctx, conn, req); err != nil {
			entry.WithFields(logger.Fields{"worker": name, "error": err}).Warn("authorization replay failed, disconnecting")
			conn.Close()
			return err
		}
	}
	return nil
}

// OnSubmitRequest forwards the share NumberOfSubmit times to the bound pool,
// or rejects it at once when that pool is not ready.
func (i *Instance) OnSubmitRequest(conn kuproxy.WorkerConnection, req *protocol.SubmitRequest) {
	p := conn.Pool()
	if p == nil || !p.IsReady() {
		i.log().WithFields(logger.Fields{"worker": req.WorkerName, "connection": conn.ConnectionName()}).Warn("share rejected, pool not ready")
		conn.OnPoolSubmitResponse(req, &protocol.SubmitResponse{
			ID:    req.ID,
			Error: &protocol.Error{Code: protocol.ErrCodeUnknown, Message: "The target pool is no more ready."},
		})
		return
	}
	difficulty := p.Difficulty()
	if i.opts.LogRealShareDifficulty && i.opts.Difficulty != nil {
		i.logRealShareDifficulty(conn, p, req)
	}
	for n := 0; n < p.NumberOfSubmit(); n++ {
		p.SubmitShare(req, func(r *protocol.SubmitRequest, resp *protocol.SubmitResponse) {
			i.account(conn, p, difficulty, r, resp)
			conn.OnPoolSubmitResponse(r, resp)
		})
	}
}

// account folds one reply into the connection, pool and user stats.
func (i *Instance) account(conn kuproxy.WorkerConnection, p kuproxy.Pool, difficulty float64, req *protocol.SubmitRequest, resp *protocol.SubmitResponse) {
	share := model.Share{Difficulty: difficulty, Time: time.Now(), Accepted: resp.Accepted}
	conn.ShareStats().Add(share)
	p.ShareStats().Add(share)
	if u := i.reg.user(req.WorkerName); u != nil {
		u.ShareStats().Add(share)
	}
	if i.opts.Publisher == nil {
		return
	}
	evt := events.ShareEvent{
		Pool:       p.Name(),
		User:       req.WorkerName,
		Connection: conn.ConnectionName(),
		Difficulty: difficulty,
		Accepted:   resp.Accepted,
		Time:       share.Time,
	}
	if err := i.opts.Publisher.Publish(evt); err != nil {
		i.log().WithError(err).Debug("share event dropped")
	}
}

func (i *Instance) logRealShareDifficulty(conn kuproxy.WorkerConnection, p kuproxy.Pool, req *protocol.SubmitRequest) {
	job := p.CurrentJob()
	if job == nil {
		return
	}
	diff, err := i.opts.Difficulty.RealShareDifficulty(job, conn.ExtranonceTail(), &req.SubmitParams, i.opts.Algo)
	entry := i.log().WithFields(logger.Fields{"worker": req.WorkerName, "pool": p.Name(), "target": p.Difficulty()})
	if err != nil {
		entry.WithError(err).Debug("real share difficulty unavailable")
		return
	}
	entry.WithField("real", diff).Debug("real share difficulty")
}

// OnWorkerDisconnection forgets conn. Repeated calls are no-ops.
func (i *Instance) OnWorkerDisconnection(conn kuproxy.WorkerConnection, cause error) {
	mu := i.bindLock(conn)
	mu.Lock()
	removed := i.reg.removeConn(conn)
	p := conn.Pool()
	if p != nil {
		i.reg.set(p).remove(conn)
	}
	mu.Unlock()
	i.binds.Delete(conn.ID())
	if !removed {
		return
	}
	for _, u := range i.reg.userList() {
		u.RemoveConnection(conn)
	}
	fields := logger.Fields{"connection": conn.ConnectionName(), "cause": cause}
	if p != nil {
		fields["pool"] = p.Name()
		fields["connections"] = i.reg.countBound(p)
	}
	i.log().WithFields(fields).Info("worker connection closed")
}

// CloseAllWorkerConnections closes every tracked connection.
func (i *Instance) CloseAllWorkerConnections() {
	for _, c := range i.reg.connList() {
		c.Close()
	}
}
