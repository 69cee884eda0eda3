package strategy

import (
	"math"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/pkg/errors"
)

const ManualName = "Manual"

// Manual never moves a bound connection. New connections go to the ready
// pool with the lowest priority.
type Manual struct {
	host Host
}

func NewManual(host Host) Manager { return &Manual{host: host} }

func (s *Manual) Name() string { return ManualName }

func (s *Manual) Description() string {
	return "Binds new connections to the best ready pool and never moves them afterwards."
}

func (s *Manual) ConfigurationParameters() map[string]string { return map[string]string{} }

func (s *Manual) Details() map[string]string { return map[string]string{} }

func (s *Manual) SetParameter(key, value string) error {
	return errors.Wrapf(kuproxy.ErrBadParameter, "strategy %s has no parameter %q", ManualName, key)
}

func (s *Manual) PoolForConnection(conn kuproxy.WorkerConnection) (kuproxy.Pool, error) {
	pools := s.host.Pools()
	if current := conn.Pool(); current != nil {
		for _, p := range pools {
			if p == current {
				return current, nil
			}
		}
	}
	var selection kuproxy.Pool
	best := math.MaxInt
	for _, p := range pools {
		if !p.IsReady() {
			continue
		}
		prio := math.MaxInt - 1
		if v := p.Priority(); v != nil {
			prio = *v
		}
		if selection == nil || prio < best {
			selection = p
			best = prio
		}
	}
	if selection == nil {
		return nil, errors.Wrap(kuproxy.ErrNoPoolAvailable, "no ready pool")
	}
	return selection, nil
}

func (s *Manual) OnPoolAdded(kuproxy.Pool)   {}
func (s *Manual) OnPoolRemoved(kuproxy.Pool) {}
func (s *Manual) OnPoolUpdated(kuproxy.Pool) {}
func (s *Manual) OnPoolDown(kuproxy.Pool)    {}
func (s *Manual) OnPoolUp(kuproxy.Pool)      {}
func (s *Manual) OnPoolStable(kuproxy.Pool)  {}

func (s *Manual) Stop() {}
