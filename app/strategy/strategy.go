package strategy

import (
	"context"
	"sort"
	"strings"
	"sync"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/model"
	"github.com/pkg/errors"
)

// Host is the orchestrator surface a strategy works against.
type Host interface {
	Pools() []kuproxy.Pool
	Users() []*model.User
	WorkerConnections() []kuproxy.WorkerConnection
	// UpdatePoolForConnection re-evaluates one connection and rebinds or
	// closes it. Failures are handled and logged by the host.
	UpdatePoolForConnection(ctx context.Context, conn kuproxy.WorkerConnection)
}

// Manager decides which pool a worker connection belongs to and reacts to
// pool lifecycle events.
type Manager interface {
	Name() string
	Description() string
	// ConfigurationParameters maps recognized parameter keys to what they do.
	ConfigurationParameters() map[string]string
	// Details maps parameter keys to their current value.
	Details() map[string]string
	SetParameter(key, value string) error

	PoolForConnection(conn kuproxy.WorkerConnection) (kuproxy.Pool, error)

	OnPoolAdded(pool kuproxy.Pool)
	OnPoolRemoved(pool kuproxy.Pool)
	OnPoolUpdated(pool kuproxy.Pool)
	OnPoolDown(pool kuproxy.Pool)
	OnPoolUp(pool kuproxy.Pool)
	OnPoolStable(pool kuproxy.Pool)

	Stop()
}

// Constructor builds a strategy bound to a host.
type Constructor func(host Host) Manager

var (
	mu           sync.RWMutex
	constructors = make(map[string]Constructor)
	displayNames = make(map[string]string)
)

// Register makes a strategy selectable by name. Names are case insensitive.
func Register(name string, ctor Constructor) {
	mu.Lock()
	defer mu.Unlock()
	key := strings.ToLower(name)
	constructors[key] = ctor
	displayNames[key] = name
}

// Names lists registered strategy names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(displayNames))
	for _, n := range displayNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// New builds the strategy registered under name and applies params.
func New(name string, host Host, params map[string]string) (Manager, error) {
	mu.RLock()
	ctor, ok := constructors[strings.ToLower(name)]
	mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(kuproxy.ErrUnsupportedStrategy, "strategy %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	m := ctor(host)
	if err := ApplyParameters(m, params); err != nil {
		m.Stop()
		return nil, err
	}
	return m, nil
}

// ApplyParameters sets every key of params, in key order.
func ApplyParameters(m Manager, params map[string]string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.SetParameter(k, params[k]); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	Register(ManualName, NewManual)
	Register(WorkerNameName, NewWorkerName)
	Register(WorkerNameOrPortName, NewWorkerNameOrPort)
}
