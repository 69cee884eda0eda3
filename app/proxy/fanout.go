package proxy

import (
	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/JellyTony/kuproxy/protocol"
)

// OnPoolStateChange runs the strategy reaction off the pool's goroutine: a
// rebind may need a round trip on that very pool.
func (i *Instance) OnPoolStateChange(p kuproxy.Pool) {
	s := i.Strategy()
	if p.IsReady() {
		i.log().WithField("pool", p.Name()).Warn("pool is UP")
		go s.OnPoolUp(p)
		return
	}
	i.log().WithField("pool", p.Name()).Warn("pool is DOWN, moving connections")
	go s.OnPoolDown(p)
}

func (i *Instance) OnPoolStable(p kuproxy.Pool) {
	i.log().WithField("pool", p.Name()).Warn("pool is STABLE")
	go i.Strategy().OnPoolStable(p)
}

func (i *Instance) OnPoolSetDifficulty(p kuproxy.Pool, params *protocol.SetDifficultyParams) {
	entry := i.log().WithFields(logger.Fields{"pool": p.Name(), "difficulty": params.Difficulty})
	entry.Info("pool set difficulty")
	if floor := i.opts.MinimumDifficulty; floor > 0 && params.Difficulty < floor {
		if err := p.SuggestDifficulty(floor); err != nil {
			entry.WithError(err).Warn("suggest difficulty failed")
		}
	}
	conns := i.reg.bound(p)
	if len(conns) == 0 {
		entry.Debug("no worker connections on pool, set_difficulty not forwarded")
		return
	}
	for _, c := range conns {
		c.OnPoolDifficultyChanged(&protocol.SetDifficultyParams{Difficulty: params.Difficulty})
	}
}

// OnPoolSetExtranonce closes every bound connection that cannot follow the change.
func (i *Instance) OnPoolSetExtranonce(p kuproxy.Pool, params *protocol.SetExtranonceParams) {
	entry := i.log().WithField("pool", p.Name())
	entry.Info("pool set extranonce")
	conns := i.reg.bound(p)
	if len(conns) == 0 {
		entry.Debug("no worker connections on pool, set_extranonce not forwarded")
		return
	}
	for _, c := range conns {
		if err := c.OnPoolExtranonceChange(); err != nil {
			entry.WithFields(logger.Fields{"connection": c.ConnectionName(), "error": err}).Warn("closing connection")
			c.Close()
			i.OnWorkerDisconnection(c, err)
		}
	}
}

func (i *Instance) OnPoolNotify(p kuproxy.Pool, params *protocol.NotifyParams) {
	if params.CleanJobs {
		i.log().WithField("pool", p.Name()).Info("new block detected")
	}
	notify := params.Sanitize()
	conns := i.reg.bound(p)
	if len(conns) == 0 {
		i.log().WithField("pool", p.Name()).Debug("no worker connections on pool, notify not forwarded")
		return
	}
	for _, c := range conns {
		c.OnPoolNotify(notify)
	}
}
