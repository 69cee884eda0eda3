package strategy

import (
	"strconv"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/pkg/errors"
)

const WorkerNameName = "WorkerName"

// WorkerName binds a connection to the stable pool whose id (the pool name
// without "@suffix") equals one of the connection's authorized worker names.
// A pool coming UP is ignored until it proves stable.
type WorkerName struct {
	*reevaluator
}

func NewWorkerName(host Host) Manager {
	return &WorkerName{reevaluator: newReevaluator(host, WorkerNameName)}
}

func (s *WorkerName) Name() string { return WorkerNameName }

func (s *WorkerName) Description() string {
	return "Binds each connection to the highest priority stable pool named after one of its authorized workers."
}

func (s *WorkerName) ConfigurationParameters() map[string]string { return parallelismParameter() }

func (s *WorkerName) Details() map[string]string { return s.details() }

func (s *WorkerName) SetParameter(key, value string) error {
	if key == ParamRebindParallelism {
		return s.setParallelism(value)
	}
	return errors.Wrapf(kuproxy.ErrBadParameter, "unknown parameter %q for strategy %s", key, WorkerNameName)
}

func (s *WorkerName) PoolForConnection(conn kuproxy.WorkerConnection) (kuproxy.Pool, error) {
	ids := make(map[string]struct{})
	for name := range conn.AuthorizedWorkers() {
		ids[name] = struct{}{}
	}
	return selectStablePool(s.host.Pools(), ids)
}

func (s *WorkerName) OnPoolAdded(pool kuproxy.Pool)   { s.updateConnections("added", pool) }
func (s *WorkerName) OnPoolRemoved(pool kuproxy.Pool) { s.updateConnections("removed", pool) }
func (s *WorkerName) OnPoolUpdated(pool kuproxy.Pool) { s.updateConnections("updated", pool) }
func (s *WorkerName) OnPoolDown(pool kuproxy.Pool)    { s.updateConnections("down", pool) }
func (s *WorkerName) OnPoolUp(pool kuproxy.Pool)      {}
func (s *WorkerName) OnPoolStable(pool kuproxy.Pool)  { s.updateConnections("stable", pool) }

func (s *WorkerName) Stop() { s.stop() }

const WorkerNameOrPortName = "WorkerNameOrPort"

// WorkerNameOrPort extends WorkerName with the names of users the connection
// is linked to and a synthetic "port:<local port>" id, so a pool can be
// selected purely by the listening port a miner connected to.
type WorkerNameOrPort struct {
	*reevaluator
}

func NewWorkerNameOrPort(host Host) Manager {
	return &WorkerNameOrPort{reevaluator: newReevaluator(host, WorkerNameOrPortName)}
}

func (s *WorkerNameOrPort) Name() string { return WorkerNameOrPortName }

func (s *WorkerNameOrPort) Description() string {
	return "Like WorkerName, also matching pools named after the connection's users or \"port:<listening port>\"."
}

func (s *WorkerNameOrPort) ConfigurationParameters() map[string]string {
	return parallelismParameter()
}

func (s *WorkerNameOrPort) Details() map[string]string { return s.details() }

func (s *WorkerNameOrPort) SetParameter(key, value string) error {
	if key == ParamRebindParallelism {
		return s.setParallelism(value)
	}
	return errors.Wrapf(kuproxy.ErrBadParameter, "unknown parameter %q for strategy %s", key, WorkerNameOrPortName)
}

func (s *WorkerNameOrPort) PoolForConnection(conn kuproxy.WorkerConnection) (kuproxy.Pool, error) {
	ids := make(map[string]struct{})
	for name := range conn.AuthorizedWorkers() {
		ids[name] = struct{}{}
	}
	for _, user := range s.host.Users() {
		if user.HasConnection(conn) {
			ids[user.Name()] = struct{}{}
		}
	}
	if port, ok := conn.LocalPort(); ok {
		ids[PortID(port)] = struct{}{}
	}
	return selectStablePool(s.host.Pools(), ids)
}

// PortID is the synthetic id matching connections accepted on port.
func PortID(port int) string { return "port:" + strconv.Itoa(port) }

func (s *WorkerNameOrPort) OnPoolAdded(pool kuproxy.Pool)   { s.updateConnections("added", pool) }
func (s *WorkerNameOrPort) OnPoolRemoved(pool kuproxy.Pool) { s.updateConnections("removed", pool) }
func (s *WorkerNameOrPort) OnPoolUpdated(pool kuproxy.Pool) { s.updateConnections("updated", pool) }
func (s *WorkerNameOrPort) OnPoolDown(pool kuproxy.Pool)    { s.updateConnections("down", pool) }
func (s *WorkerNameOrPort) OnPoolUp(kuproxy.Pool)           {}
func (s *WorkerNameOrPort) OnPoolStable(pool kuproxy.Pool)  { s.updateConnections("stable", pool) }

func (s *WorkerNameOrPort) Stop() { s.stop() }
