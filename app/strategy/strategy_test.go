package strategy

import (
	"context"
	"sort"
	"sync"
	"testing"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/model"
	"github.com/JellyTony/kuproxy/pool/pooltest"
	"github.com/JellyTony/kuproxy/worker/workertest"
	"github.com/pkg/errors"
)

type fakeHost struct {
	pools []kuproxy.Pool
	users []*model.User
	conns []kuproxy.WorkerConnection

	mu      sync.Mutex
	updated []string
}

func (h *fakeHost) Pools() []kuproxy.Pool                         { return h.pools }
func (h *fakeHost) Users() []*model.User                          { return h.users }
func (h *fakeHost) WorkerConnections() []kuproxy.WorkerConnection { return h.conns }

func (h *fakeHost) UpdatePoolForConnection(ctx context.Context, conn kuproxy.WorkerConnection) {
	h.mu.Lock()
	h.updated = append(h.updated, conn.ID())
	h.mu.Unlock()
}

func (h *fakeHost) updates() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := append([]string(nil), h.updated...)
	sort.Strings(out)
	return out
}

func TestWorkerNamePrefersLowerPriority(t *testing.T) {
	slow := pooltest.New("alice@slow").WithPriority(10)
	fast := pooltest.New("alice@fast").WithPriority(5)
	host := &fakeHost{pools: []kuproxy.Pool{slow, fast}}
	s := NewWorkerName(host)
	defer s.Stop()

	got, err := s.PoolForConnection(workertest.New("c1", nil).Authorize("alice", "x"))
	if err != nil {
		t.Fatal(err)
	}
	if got != fast {
		t.Fatalf("expected %s, got %s", fast.Name(), got.Name())
	}
}

func TestWorkerNameExplicitPriorityBeatsNone(t *testing.T) {
	none := pooltest.New("alice@a")
	three := pooltest.New("alice@b").WithPriority(3)
	for _, order := range [][]kuproxy.Pool{{none, three}, {three, none}} {
		s := NewWorkerName(&fakeHost{pools: order})
		got, err := s.PoolForConnection(workertest.New("c1", nil).Authorize("alice", "x"))
		s.Stop()
		if err != nil {
			t.Fatal(err)
		}
		if got != three {
			t.Fatalf("expected priority 3 pool, got %s", got.Name())
		}
	}
}

func TestWorkerNameTieGoesToFirstRegistered(t *testing.T) {
	first := pooltest.New("alice@1").WithPriority(1)
	second := pooltest.New("alice@2").WithPriority(1)
	s := NewWorkerName(&fakeHost{pools: []kuproxy.Pool{first, second}})
	defer s.Stop()
	got, err := s.PoolForConnection(workertest.New("c1", nil).Authorize("alice", "x"))
	if err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Fatalf("expected first registered pool, got %s", got.Name())
	}
}

func TestWorkerNameNeedsStableMatch(t *testing.T) {
	up := pooltest.New("alice")
	up.SetState(kuproxy.PoolUp)
	other := pooltest.New("bob")
	s := NewWorkerName(&fakeHost{pools: []kuproxy.Pool{up, other}})
	defer s.Stop()

	_, err := s.PoolForConnection(workertest.New("c1", nil).Authorize("alice", "x"))
	if !errors.Is(err, kuproxy.ErrNoPoolAvailable) {
		t.Fatalf("expected ErrNoPoolAvailable, got %v", err)
	}
	_, err = s.PoolForConnection(workertest.New("c2", nil))
	if !errors.Is(err, kuproxy.ErrNoPoolAvailable) {
		t.Fatalf("connection without workers: expected ErrNoPoolAvailable, got %v", err)
	}
}

func TestWorkerNameOrPortMatchesPortAndUsers(t *testing.T) {
	byPort := pooltest.New("port:3334")
	byUser := pooltest.New("carol@eu").WithPriority(1)
	conn := workertest.New("c1", nil)
	conn.SetLocalPort(3334)

	s := NewWorkerNameOrPort(&fakeHost{pools: []kuproxy.Pool{byPort, byUser}})
	got, err := s.PoolForConnection(conn)
	s.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if got != byPort {
		t.Fatalf("expected port pool, got %s", got.Name())
	}

	carol := model.NewUser("carol", "sha256", 0)
	carol.AddConnection(conn)
	s = NewWorkerNameOrPort(&fakeHost{pools: []kuproxy.Pool{byPort, byUser}, users: []*model.User{carol}})
	defer s.Stop()
	got, err = s.PoolForConnection(conn)
	if err != nil {
		t.Fatal(err)
	}
	if got != byUser {
		t.Fatalf("expected user pool with explicit priority, got %s", got.Name())
	}

	// WorkerName alone ignores ports.
	wn := NewWorkerName(&fakeHost{pools: []kuproxy.Pool{byPort}})
	defer wn.Stop()
	if _, err := wn.PoolForConnection(conn); !errors.Is(err, kuproxy.ErrNoPoolAvailable) {
		t.Fatalf("expected ErrNoPoolAvailable, got %v", err)
	}
}

func TestLifecycleReevaluation(t *testing.T) {
	p := pooltest.New("alice")
	conns := []kuproxy.WorkerConnection{workertest.New("c1", nil), workertest.New("c2", nil)}

	host := &fakeHost{pools: []kuproxy.Pool{p}, conns: conns}
	wn := NewWorkerName(host)
	defer wn.Stop()
	wn.OnPoolUp(p)
	if got := host.updates(); len(got) != 0 {
		t.Fatalf("WorkerName should ignore UP, re-evaluated %v", got)
	}
	for _, event := range []func(kuproxy.Pool){wn.OnPoolAdded, wn.OnPoolRemoved, wn.OnPoolUpdated, wn.OnPoolDown, wn.OnPoolStable} {
		host.updated = nil
		event(p)
		if got := host.updates(); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
			t.Fatalf("expected every connection re-evaluated, got %v", got)
		}
	}

	host = &fakeHost{pools: []kuproxy.Pool{p}, conns: conns}
	wnp := NewWorkerNameOrPort(host)
	defer wnp.Stop()
	wnp.OnPoolUp(p)
	if got := host.updates(); len(got) != 0 {
		t.Fatalf("WorkerNameOrPort should ignore UP, re-evaluated %v", got)
	}
	wnp.OnPoolStable(p)
	if got := host.updates(); len(got) != 2 {
		t.Fatalf("WorkerNameOrPort should react to STABLE, re-evaluated %v", got)
	}

	host = &fakeHost{pools: []kuproxy.Pool{p}, conns: conns}
	stopped := NewWorkerName(host)
	stopped.Stop()
	stopped.OnPoolStable(p)
	if got := host.updates(); len(got) != 0 {
		t.Fatalf("stopped strategy re-evaluated %v", got)
	}
}

func TestManualKeepsBinding(t *testing.T) {
	best := pooltest.New("best").WithPriority(0)
	current := pooltest.New("current").WithPriority(9)
	host := &fakeHost{pools: []kuproxy.Pool{current, best}}
	m := NewManual(host)

	conn := workertest.New("c1", nil)
	if err := conn.RebindToPool(current); err != nil {
		t.Fatal(err)
	}
	got, err := m.PoolForConnection(conn)
	if err != nil || got != current {
		t.Fatalf("manual should keep the current pool, got %v %v", got, err)
	}
	got, err = m.PoolForConnection(workertest.New("c2", nil))
	if err != nil || got != best {
		t.Fatalf("manual should pick the best ready pool, got %v %v", got, err)
	}
	best.SetReady(false)
	current.SetReady(false)
	if _, err := m.PoolForConnection(workertest.New("c3", nil)); !errors.Is(err, kuproxy.ErrNoPoolAvailable) {
		t.Fatalf("expected ErrNoPoolAvailable, got %v", err)
	}
	m.OnPoolDown(best)
	m.OnPoolStable(best)
	if len(host.updates()) != 0 {
		t.Fatal("manual strategy must not re-evaluate connections")
	}
}

func TestNewByName(t *testing.T) {
	host := &fakeHost{}
	m, err := New("workername", host, map[string]string{ParamRebindParallelism: "4"})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	if m.Name() != WorkerNameName {
		t.Fatalf("name = %s", m.Name())
	}
	if m.Details()[ParamRebindParallelism] != "4" {
		t.Fatalf("details = %v", m.Details())
	}
	if _, ok := m.ConfigurationParameters()[ParamRebindParallelism]; !ok {
		t.Fatal("rebindParallelism should be documented")
	}

	if _, err := New("roundrobin", host, nil); !errors.Is(err, kuproxy.ErrUnsupportedStrategy) {
		t.Fatalf("expected ErrUnsupportedStrategy, got %v", err)
	}
	if _, err := New(WorkerNameOrPortName, host, map[string]string{ParamRebindParallelism: "0"}); !errors.Is(err, kuproxy.ErrBadParameter) {
		t.Fatalf("expected ErrBadParameter, got %v", err)
	}
	if err := m.SetParameter("bogus", "1"); !errors.Is(err, kuproxy.ErrBadParameter) {
		t.Fatalf("expected ErrBadParameter, got %v", err)
	}
	names := Names()
	if len(names) < 3 {
		t.Fatalf("registered strategies = %v", names)
	}
}

func TestPoolID(t *testing.T) {
	cases := map[string]string{"alice@eu": "alice", "alice": "alice", "port:3333@x@y": "port:3333", "@x": ""}
	for in, want := range cases {
		if got := PoolID(in); got != want {
			t.Errorf("PoolID(%q) = %q, want %q", in, got, want)
		}
	}
}
