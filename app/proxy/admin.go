package proxy

import (
	"context"
	"strings"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/app/strategy"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/JellyTony/kuproxy/pool"
	"github.com/JellyTony/kuproxy/stats"
	"github.com/pkg/errors"
)

// StartPools starts every registered pool. Pools added later start on AddPool.
func (i *Instance) StartPools() {
	i.running.Store(true)
	for _, p := range i.reg.poolList() {
		if err := p.Start(i); err != nil {
			i.log().WithFields(logger.Fields{"pool": p.Name(), "error": err}).Error("pool start failed")
		}
	}
}

func (i *Instance) StopPools() {
	i.running.Store(false)
	for _, p := range i.reg.poolList() {
		p.Stop("proxy shutdown")
	}
}

// AddPool validates cfg, registers the pool and starts it when the proxy runs.
func (i *Instance) AddPool(cfg pool.Config) (kuproxy.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimSpace(cfg.Host)
	}
	if i.reg.pool(cfg.Name) != nil {
		return nil, errors.Wrapf(kuproxy.ErrBadParameter, "pool %s already exists", cfg.Name)
	}
	p, err := i.opts.PoolFactory(cfg)
	if err != nil {
		return nil, err
	}
	if !i.reg.addPool(p) {
		return nil, errors.Wrapf(kuproxy.ErrBadParameter, "pool %s already exists", cfg.Name)
	}
	i.log().WithFields(logger.Fields{"pool": p.Name(), "host": p.Host()}).Info("pool added")
	if i.running.Load() {
		if err := p.Start(i); err != nil {
			i.log().WithFields(logger.Fields{"pool": p.Name(), "error": err}).Error("pool start failed")
		}
	}
	i.Strategy().OnPoolAdded(p)
	return p, nil
}

// RemovePool stops and forgets the named pool. Connections still bound to it
// afterwards are re-evaluated.
func (i *Instance) RemovePool(name string, keepHistory bool) error {
	p := i.reg.removePool(name)
	if p == nil {
		return errors.Wrapf(kuproxy.ErrNoPoolAvailable, "pool %s not found", name)
	}
	p.Stop("pool removed")
	i.Strategy().OnPoolRemoved(p)
	for _, c := range i.reg.bound(p) {
		i.UpdatePoolForConnection(context.Background(), c)
	}
	i.reg.dropSet(p)
	if !keepHistory && i.opts.Purger != nil {
		if err := i.opts.Purger.DeleteSamples(stats.SampleName(stats.EntityPool, name)); err != nil {
			i.log().WithFields(logger.Fields{"pool": name, "error": err}).Warn("hashrate history purge failed")
		}
	}
	i.log().WithField("pool", name).Info("pool removed")
	return nil
}

func (i *Instance) SetPoolPriority(name string, priority int) error {
	p := i.reg.pool(name)
	if p == nil {
		return errors.Wrapf(kuproxy.ErrNoPoolAvailable, "pool %s not found", name)
	}
	if priority < 0 {
		return errors.Wrap(kuproxy.ErrBadParameter, "priority has to be higher or equal to 0")
	}
	i.log().WithFields(logger.Fields{"pool": name, "priority": priority}).Info("changing pool priority")
	p.SetPriority(priority)
	i.Strategy().OnPoolUpdated(p)
	return nil
}

// SetPoolEnabled starts or stops the pool; its state changes drive the strategy.
func (i *Instance) SetPoolEnabled(name string, enabled bool) error {
	p := i.reg.pool(name)
	if p == nil {
		return errors.Wrapf(kuproxy.ErrNoPoolAvailable, "pool %s not found", name)
	}
	if p.Enabled() == enabled {
		return nil
	}
	i.log().WithFields(logger.Fields{"pool": name, "enabled": enabled}).Info("changing pool enabled flag")
	return p.SetEnabled(enabled, i)
}

// SetPoolSwitchingStrategy selects a strategy by name. Selecting the active
// one only applies params; an unknown name leaves the active one in place.
func (i *Instance) SetPoolSwitchingStrategy(name string, params map[string]string) error {
	i.smu.Lock()
	defer i.smu.Unlock()
	current := i.Strategy()
	if current != nil && strings.EqualFold(current.Name(), name) {
		return strategy.ApplyParameters(current, params)
	}
	next, err := strategy.New(name, i, params)
	if err != nil {
		return err
	}
	if current != nil {
		current.Stop()
	}
	i.strategy.Store(&managerBox{next})
	i.log().WithField("strategy", next.Name()).Info("pool switching strategy selected")
	return nil
}

func (i *Instance) BannedUsers() []string { return i.auth.BannedUsers() }

func (i *Instance) BannedAddresses() []string { return i.auth.BannedAddresses() }

// BanUser bans name and closes the connections authorized under it.
func (i *Instance) BanUser(name string) error {
	if err := i.auth.BanUser(name); err != nil {
		return err
	}
	for _, c := range i.reg.connList() {
		if _, ok := c.AuthorizedWorkers()[name]; ok {
			c.Close()
		}
	}
	return nil
}

func (i *Instance) UnbanUser(name string) error { return i.auth.UnbanUser(name) }

// BanAddress bans address and closes the connections coming from it.
func (i *Instance) BanAddress(address string) error {
	if err := i.auth.BanAddress(address); err != nil {
		return err
	}
	for _, c := range i.reg.connList() {
		if c.RemoteAddress() == address {
			c.Close()
		}
	}
	return nil
}

func (i *Instance) UnbanAddress(address string) error { return i.auth.UnbanAddress(address) }
