package proxy

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/model"
)

// connSet is the set of connections bound to one pool.
type connSet struct {
	mu sync.RWMutex
	m  map[kuproxy.WorkerConnection]struct{}
}

func (s *connSet) add(c kuproxy.WorkerConnection) {
	s.mu.Lock()
	s.m[c] = struct{}{}
	s.mu.Unlock()
}

func (s *connSet) remove(c kuproxy.WorkerConnection) {
	s.mu.Lock()
	delete(s.m, c)
	s.mu.Unlock()
}

func (s *connSet) snapshot() []kuproxy.WorkerConnection {
	s.mu.RLock()
	out := make([]kuproxy.WorkerConnection, 0, len(s.m))
	for c := range s.m {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (s *connSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// registry holds pools and connections in copy-on-write slices so readers
// iterate a snapshot while writers replace it.
type registry struct {
	pmu   sync.Mutex
	pools atomic.Pointer[[]kuproxy.Pool]

	cmu   sync.Mutex
	conns atomic.Pointer[[]kuproxy.WorkerConnection]

	smu  sync.RWMutex
	sets map[kuproxy.Pool]*connSet

	umu   sync.RWMutex
	users map[string]*model.User
}

func newRegistry() *registry {
	r := &registry{
		sets:  make(map[kuproxy.Pool]*connSet),
		users: make(map[string]*model.User),
	}
	r.pools.Store(&[]kuproxy.Pool{})
	r.conns.Store(&[]kuproxy.WorkerConnection{})
	return r
}

func (r *registry) poolList() []kuproxy.Pool { return *r.pools.Load() }

func (r *registry) pool(name string) kuproxy.Pool {
	for _, p := range r.poolList() {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// addPool appends p unless a pool with the same name exists.
func (r *registry) addPool(p kuproxy.Pool) bool {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	old := *r.pools.Load()
	for _, q := range old {
		if q.Name() == p.Name() {
			return false
		}
	}
	next := make([]kuproxy.Pool, len(old), len(old)+1)
	copy(next, old)
	next = append(next, p)
	r.pools.Store(&next)
	return true
}

func (r *registry) removePool(name string) kuproxy.Pool {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	old := *r.pools.Load()
	for i, p := range old {
		if p.Name() != name {
			continue
		}
		next := make([]kuproxy.Pool, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		r.pools.Store(&next)
		return p
	}
	return nil
}

func (r *registry) connList() []kuproxy.WorkerConnection { return *r.conns.Load() }

func (r *registry) hasConn(c kuproxy.WorkerConnection) bool {
	for _, x := range r.connList() {
		if x == c {
			return true
		}
	}
	return false
}

// addConn tracks c once.
func (r *registry) addConn(c kuproxy.WorkerConnection) {
	r.cmu.Lock()
	defer r.cmu.Unlock()
	old := *r.conns.Load()
	for _, x := range old {
		if x == c {
			return
		}
	}
	next := make([]kuproxy.WorkerConnection, len(old), len(old)+1)
	copy(next, old)
	next = append(next, c)
	r.conns.Store(&next)
}

// removeConn reports whether c was tracked.
func (r *registry) removeConn(c kuproxy.WorkerConnection) bool {
	r.cmu.Lock()
	defer r.cmu.Unlock()
	old := *r.conns.Load()
	for i, x := range old {
		if x != c {
			continue
		}
		next := make([]kuproxy.WorkerConnection, 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		r.conns.Store(&next)
		return true
	}
	return false
}

func (r *registry) set(p kuproxy.Pool) *connSet {
	r.smu.RLock()
	s, ok := r.sets[p]
	r.smu.RUnlock()
	if ok {
		return s
	}
	r.smu.Lock()
	defer r.smu.Unlock()
	if s, ok = r.sets[p]; !ok {
		s = &connSet{m: make(map[kuproxy.WorkerConnection]struct{})}
		r.sets[p] = s
	}
	return s
}

func (r *registry) bound(p kuproxy.Pool) []kuproxy.WorkerConnection {
	r.smu.RLock()
	s, ok := r.sets[p]
	r.smu.RUnlock()
	if !ok {
		return nil
	}
	return s.snapshot()
}

func (r *registry) countBound(p kuproxy.Pool) int {
	r.smu.RLock()
	s, ok := r.sets[p]
	r.smu.RUnlock()
	if !ok {
		return 0
	}
	return s.len()
}

func (r *registry) dropSet(p kuproxy.Pool) {
	r.smu.Lock()
	delete(r.sets, p)
	r.smu.Unlock()
}

func (r *registry) user(name string) *model.User {
	r.umu.RLock()
	defer r.umu.RUnlock()
	return r.users[name]
}

func (r *registry) userOrCreate(name, algo string, window time.Duration) *model.User {
	if u := r.user(name); u != nil {
		return u
	}
	r.umu.Lock()
	defer r.umu.Unlock()
	u, ok := r.users[name]
	if !ok {
		u = model.NewUser(name, algo, window)
		r.users[name] = u
	}
	return u
}

// userList is ordered by name.
func (r *registry) userList() []*model.User {
	r.umu.RLock()
	out := make([]*model.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	r.umu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
