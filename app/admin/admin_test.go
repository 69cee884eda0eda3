package admin

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/app/proxy"
	"github.com/JellyTony/kuproxy/pool"
	"github.com/JellyTony/kuproxy/pool/pooltest"
	"github.com/JellyTony/kuproxy/stats"
	"github.com/bytedance/sonic"
)

func fakeFactory(cfg pool.Config) (kuproxy.Pool, error) {
	f := pooltest.New(cfg.Name)
	if cfg.Priority != nil {
		f.SetPriority(*cfg.Priority)
	}
	return f, nil
}

type testEnv struct {
	inst  *proxy.Instance
	store *stats.MemoryStore
	srv   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := stats.NewMemoryStore()
	inst, err := proxy.New(proxy.Options{Strategy: "Manual", PoolFactory: fakeFactory, Purger: store})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(New(inst, store, time.Now().Add(-time.Hour)))
	t.Cleanup(func() {
		srv.Close()
		inst.Strategy().Stop()
	})
	return &testEnv{inst: inst, store: store, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get(requestIDHeader) == "" {
		t.Errorf("%s %s: missing request id", method, path)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func TestPoolLifecycle(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, http.MethodPost, "/pools", `{"name":"a","host":"a:3333","user":"u","password":"p","priority":2}`)
	if code != http.StatusOK {
		t.Fatalf("add pool: %d %s", code, body)
	}
	added := decode[PoolView](t, body)
	if added.Name != "a" || !added.Enabled || added.Priority == nil || *added.Priority != 2 {
		t.Fatalf("unexpected view %+v", added)
	}

	code, body = e.do(t, http.MethodPost, "/pools", `{"name":"a","host":"a:3333","user":"u","password":"p"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("duplicate pool: %d %s", code, body)
	}
	code, _ = e.do(t, http.MethodPost, "/pools", `{"name":"b","host":"b:3333"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("missing credentials: %d", code)
	}
	code, _ = e.do(t, http.MethodPost, "/pools", `{not json`)
	if code != http.StatusBadRequest {
		t.Fatalf("broken body: %d", code)
	}

	code, _ = e.do(t, http.MethodPut, "/pools/a/priority", `{"priority":7}`)
	if code != http.StatusNoContent {
		t.Fatalf("set priority: %d", code)
	}
	if p := e.inst.Pool("a").Priority(); p == nil || *p != 7 {
		t.Fatalf("priority not applied: %v", p)
	}
	code, _ = e.do(t, http.MethodPut, "/pools/a/priority", `{"priority":-1}`)
	if code != http.StatusBadRequest {
		t.Fatalf("negative priority: %d", code)
	}
	code, _ = e.do(t, http.MethodPut, "/pools/zz/priority", `{"priority":1}`)
	if code != http.StatusNotFound {
		t.Fatalf("unknown pool: %d", code)
	}

	code, _ = e.do(t, http.MethodPut, "/pools/a/enabled", `{"enabled":false}`)
	if code != http.StatusNoContent {
		t.Fatalf("disable: %d", code)
	}
	if e.inst.Pool("a").Enabled() {
		t.Fatal("pool still enabled")
	}

	code, body = e.do(t, http.MethodGet, "/pools", "")
	pools := decode[[]PoolView](t, body)
	if code != http.StatusOK || len(pools) != 1 || pools[0].Enabled {
		t.Fatalf("list pools: %d %+v", code, pools)
	}

	code, _ = e.do(t, http.MethodGet, "/pools/a/connections", "")
	if code != http.StatusOK {
		t.Fatalf("pool connections: %d", code)
	}

	if err := e.store.InsertSample(stats.SampleName(stats.EntityPool, "a"), 1, 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	code, _ = e.do(t, http.MethodDelete, "/pools/a?keepHistory=nope", "")
	if code != http.StatusBadRequest {
		t.Fatalf("bad keepHistory: %d", code)
	}
	code, _ = e.do(t, http.MethodDelete, "/pools/a?keepHistory=true", "")
	if code != http.StatusNoContent {
		t.Fatalf("remove: %d", code)
	}
	if e.inst.Pool("a") != nil {
		t.Fatal("pool not removed")
	}
	if kept, _ := e.store.Samples(stats.SampleName(stats.EntityPool, "a"), time.Time{}); len(kept) != 1 {
		t.Fatalf("history purged despite keepHistory: %v", kept)
	}
	code, _ = e.do(t, http.MethodDelete, "/pools/a", "")
	if code != http.StatusNotFound {
		t.Fatalf("remove twice: %d", code)
	}
}

func TestRemovePoolPurgesHistory(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.inst.AddPool(pool.Config{Name: "a", Host: "a:3333", User: "u", Password: "p"}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.InsertSample(stats.SampleName(stats.EntityPool, "a"), 1, 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	if code, _ := e.do(t, http.MethodDelete, "/pools/a", ""); code != http.StatusNoContent {
		t.Fatalf("remove: %d", code)
	}
	got, err := e.store.Samples(stats.SampleName(stats.EntityPool, "a"), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("history kept: %v", got)
	}
}

func TestStrategyRoutes(t *testing.T) {
	e := newTestEnv(t)

	code, body := e.do(t, http.MethodGet, "/strategy", "")
	view := decode[StrategyView](t, body)
	if code != http.StatusOK || view.Name != "Manual" || len(view.Available) < 3 {
		t.Fatalf("get strategy: %d %+v", code, view)
	}

	code, body = e.do(t, http.MethodPut, "/strategy", `{"name":"Nope"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("unknown strategy: %d %s", code, body)
	}
	if e.inst.Strategy().Name() != "Manual" {
		t.Fatal("strategy replaced by an unknown one")
	}

	code, body = e.do(t, http.MethodPut, "/strategy", `{"name":"workername"}`)
	view = decode[StrategyView](t, body)
	if code != http.StatusOK || view.Name != "WorkerName" {
		t.Fatalf("set strategy: %d %+v", code, view)
	}
}

func TestBanRoutes(t *testing.T) {
	e := newTestEnv(t)

	if code, _ := e.do(t, http.MethodPut, "/bans/users/mallory", ""); code != http.StatusNoContent {
		t.Fatalf("ban user: %d", code)
	}
	if code, _ := e.do(t, http.MethodPut, "/bans/addresses/10.0.0.1", ""); code != http.StatusNoContent {
		t.Fatalf("ban address: %d", code)
	}
	code, body := e.do(t, http.MethodGet, "/bans", "")
	bans := decode[map[string][]string](t, body)
	if code != http.StatusOK || len(bans["users"]) != 1 || bans["users"][0] != "mallory" || len(bans["addresses"]) != 1 {
		t.Fatalf("bans: %d %v", code, bans)
	}
	if code, _ := e.do(t, http.MethodDelete, "/bans/users/mallory", ""); code != http.StatusNoContent {
		t.Fatalf("unban user: %d", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/bans/users/mallory", ""); code != http.StatusBadRequest {
		t.Fatalf("unban twice: %d", code)
	}
	if code, _ := e.do(t, http.MethodDelete, "/bans/addresses/10.0.0.1", ""); code != http.StatusNoContent {
		t.Fatalf("unban address: %d", code)
	}
}

func TestHashrateHistory(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now()
	for i, age := range []time.Duration{3 * time.Hour, 30 * time.Minute, time.Minute} {
		if err := e.store.InsertSample(stats.SampleName(stats.EntityUser, "alice"), float64(i+1), 0, now.Add(-age)); err != nil {
			t.Fatal(err)
		}
	}

	code, body := e.do(t, http.MethodGet, "/hashrate/user/alice", "")
	got := decode[[]HashrateSample](t, body)
	if code != http.StatusOK || len(got) != 2 || got[0].Accepted != 2 {
		t.Fatalf("default window: %d %+v", code, got)
	}

	code, body = e.do(t, http.MethodGet, "/hashrate/user/alice?since=5h", "")
	got = decode[[]HashrateSample](t, body)
	if code != http.StatusOK || len(got) != 3 {
		t.Fatalf("duration window: %d %+v", code, got)
	}

	since := now.Add(-10 * time.Minute).UTC().Format(time.RFC3339)
	code, body = e.do(t, http.MethodGet, "/hashrate/user/alice?since="+since, "")
	got = decode[[]HashrateSample](t, body)
	if code != http.StatusOK || len(got) != 1 {
		t.Fatalf("timestamp window: %d %+v", code, got)
	}

	if code, _ := e.do(t, http.MethodGet, "/hashrate/user/alice?since=yesterday", ""); code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", code)
	}

	if err := e.store.InsertSample(stats.SampleName(stats.EntityPool, "alice"), 99, 0, now); err != nil {
		t.Fatal(err)
	}
	code, body = e.do(t, http.MethodGet, "/hashrate/pool/alice", "")
	got = decode[[]HashrateSample](t, body)
	if code != http.StatusOK || len(got) != 1 || got[0].Accepted != 99 {
		t.Fatalf("pool history: %d %+v", code, got)
	}
	if code, _ := e.do(t, http.MethodGet, "/hashrate/team/alice", ""); code != http.StatusBadRequest {
		t.Fatalf("unknown entity: %d", code)
	}
}

func TestHealthMetricsAndListings(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.inst.AddPool(pool.Config{Name: "a", Host: "a:3333", User: "u", Password: "p"}); err != nil {
		t.Fatal(err)
	}

	code, body := e.do(t, http.MethodGet, "/health", "")
	health := decode[map[string]any](t, body)
	if code != http.StatusOK || health["status"] != "ok" || health["pools"] != float64(1) {
		t.Fatalf("health: %d %v", code, health)
	}

	code, body = e.do(t, http.MethodGet, "/metrics", "")
	if code != http.StatusOK || !strings.Contains(string(body), `kuproxy_pool_state{pool="a"}`) {
		t.Fatalf("metrics: %d", code)
	}
	if !strings.Contains(string(body), "kuproxy_uptime_seconds") {
		t.Fatal("uptime gauge missing")
	}

	for _, path := range []string{"/users", "/connections"} {
		code, body = e.do(t, http.MethodGet, path, "")
		if code != http.StatusOK || string(body) != "[]" {
			t.Fatalf("%s: %d %s", path, code, body)
		}
	}

	code, body = e.do(t, http.MethodGet, "/nowhere", "")
	if code != http.StatusNotFound || !strings.Contains(string(body), "no route") {
		t.Fatalf("not found: %d %s", code, body)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	got, err := parseSince("", now)
	if err != nil || !got.Equal(now.Add(-time.Hour)) {
		t.Fatalf("default: %v %v", got, err)
	}
	got, err = parseSince("90m", now)
	if err != nil || !got.Equal(now.Add(-90*time.Minute)) {
		t.Fatalf("duration: %v %v", got, err)
	}
	if _, err := parseSince("-5m", now); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestHumanDuration(t *testing.T) {
	if got := humanDuration(2*time.Hour + 5*time.Minute + 7*time.Second); got != "2 hours 5 minutes" {
		t.Fatalf("got %q", got)
	}
}
