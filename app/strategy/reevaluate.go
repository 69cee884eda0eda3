package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/pkg/errors"
	"github.com/remeh/sizedwaitgroup"
)

const (
	ParamRebindParallelism   = "rebindParallelism"
	defaultRebindParallelism = 8
)

// reevaluator re-evaluates every tracked connection after a pool event.
type reevaluator struct {
	host        Host
	name        string
	parallelism atomic.Int64
	ctx         context.Context
	cancel      context.CancelFunc
}

func newReevaluator(host Host, name string) *reevaluator {
	ctx, cancel := context.WithCancel(context.Background())
	r := &reevaluator{host: host, name: name, ctx: ctx, cancel: cancel}
	r.parallelism.Store(defaultRebindParallelism)
	return r
}

func (r *reevaluator) updateConnections(reason string, pool kuproxy.Pool) {
	if r.ctx.Err() != nil {
		return
	}
	conns := r.host.WorkerConnections()
	logger.WithFields(logger.Fields{"module": "app.strategy", "strategy": r.name, "event": reason, "pool": pool.Name(), "connections": len(conns)}).Debug("re-evaluating bindings")
	swg := sizedwaitgroup.New(int(r.parallelism.Load()))
	for _, conn := range conns {
		swg.Add()
		go func(c kuproxy.WorkerConnection) {
			defer swg.Done()
			r.host.UpdatePoolForConnection(r.ctx, c)
		}(conn)
	}
	swg.Wait()
}

func (r *reevaluator) stop() { r.cancel() }

func (r *reevaluator) setParallelism(value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 1 {
		return errors.Wrapf(kuproxy.ErrBadParameter, "%s must be a positive integer, got %q", ParamRebindParallelism, value)
	}
	r.parallelism.Store(int64(n))
	return nil
}

func (r *reevaluator) details() map[string]string {
	return map[string]string{ParamRebindParallelism: strconv.FormatInt(r.parallelism.Load(), 10)}
}

func parallelismParameter() map[string]string {
	return map[string]string{ParamRebindParallelism: "Maximum number of connections re-evaluated concurrently after a pool event."}
}

// PoolID strips an optional "@suffix" from a pool name.
func PoolID(poolName string) string {
	if i := strings.IndexByte(poolName, '@'); i != -1 {
		return poolName[:i]
	}
	return poolName
}

// selectStablePool returns the stable pool matching ids with the lowest
// priority. Pools without priority rank just above the worst explicit one;
// ties go to the pool registered first.
func selectStablePool(pools []kuproxy.Pool, ids map[string]struct{}) (kuproxy.Pool, error) {
	var selection kuproxy.Pool
	best := math.MaxInt
	for _, p := range pools {
		if !p.IsStable() {
			continue
		}
		if _, ok := ids[PoolID(p.Name())]; !ok {
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
		return nil, errors.Wrapf(kuproxy.ErrNoPoolAvailable, "no pool found for ids %s", formatIDs(ids))
	}
	return selection, nil
}

func formatIDs(ids map[string]struct{}) string {
	keys := make([]string, 0, len(ids))
	for k := range ids {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%v", keys)
}
