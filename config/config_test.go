package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/pkg/errors"
)

const sample = `
admin_listen = "127.0.0.1:9000"

[[listen]]
address = ":3333"

[[listen]]
address = ":3334"
websocket = true

[proxy]
strategy = "WorkerName"
minimum_difficulty = 64.0
[proxy.strategy_params]
rebindParallelism = "4"

[pool_defaults]
stability_period = "1m"
tail_size = 2

[[pools]]
name = "alice@eu"
host = "eu.example.com:3333"
user = "acct"
password = "secret"
priority = 3
number_of_submit = 2

[[pools]]
host = "ws://us.example.com:80"
append_worker_names = true
use_worker_password = true
enabled = false

[hashrate]
store = "bolt"
bolt_path = "/tmp/h.db"
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kuproxy.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Listen) != 2 || !cfg.Listen[1].WebSocket || cfg.AdminListen != "127.0.0.1:9000" {
		t.Fatalf("listen = %+v admin = %s", cfg.Listen, cfg.AdminListen)
	}
	if cfg.Proxy.Strategy != "WorkerName" || cfg.Proxy.StrategyParams["rebindParallelism"] != "4" || cfg.Proxy.MinimumDifficulty != 64 {
		t.Fatalf("proxy = %+v", cfg.Proxy)
	}
	if cfg.Hashrate.Store != "bolt" || cfg.Retention() != 168*time.Hour {
		t.Fatalf("hashrate = %+v", cfg.Hashrate)
	}

	pools := cfg.PoolConfigs()
	if len(pools) != 2 {
		t.Fatalf("pools = %+v", pools)
	}
	eu := pools[0]
	if eu.Name != "alice@eu" || *eu.Priority != 3 || eu.NumberOfSubmit != 2 || !eu.Enabled {
		t.Fatalf("first pool = %+v", eu)
	}
	if eu.StabilityPeriod != time.Minute || eu.RetryDelay != 5*time.Second || eu.TailSize != 2 {
		t.Fatalf("pool defaults not applied: %+v", eu)
	}
	if us := pools[1]; us.Priority != nil || us.Enabled || !us.AppendWorkerNames {
		t.Fatalf("second pool = %+v", us)
	}
	if s := cfg.String(); strings.Contains(s, "secret") {
		t.Fatal("password leaked in String")
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Listen[0].Address != ":3333" || cfg.ParkTimeout() != 30*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestBrokenFile(t *testing.T) {
	if _, err := Load(writeFile(t, "[proxy\nstrategy=")); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"KUP_LISTEN":         ":4000, ws://:4001",
		"KUP_STORE":          "pg",
		"KUP_PG_DSN":         "postgres://x",
		"KUP_MIN_DIFFICULTY": "128",
		"KUP_ACCEPT_BURST":   "5",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Listen) != 2 || cfg.Listen[1].Address != ":4001" || !cfg.Listen[1].WebSocket {
		t.Fatalf("listen = %+v", cfg.Listen)
	}
	if cfg.Hashrate.Store != "pg" || cfg.Proxy.MinimumDifficulty != 128 || cfg.Accept.Burst != 5 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	env["KUP_ACCEPT_RATE"] = "fast"
	if err := Default().ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); !errors.Is(err, kuproxy.ErrBadParameter) {
		t.Fatalf("expected ErrBadParameter, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"no listen":        func(c *Config) { c.Listen = nil },
		"bad duration":     func(c *Config) { c.Hashrate.CapturePeriod = "soon" },
		"zero period":      func(c *Config) { c.Hashrate.Retention = "0s" },
		"unknown store":    func(c *Config) { c.Hashrate.Store = "redis" },
		"pg without dsn":   func(c *Config) { c.Hashrate.Store = "pg" },
		"unknown mq":       func(c *Config) { c.MQ.Kind = "kafka" },
		"no accept budget": func(c *Config) { c.Accept.Rate = 0 },
		"duplicate pools": func(c *Config) {
			c.Pools = []Pool{{Host: "a:1"}, {Name: "a:1", Host: "b:1"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, kuproxy.ErrBadParameter) {
				t.Fatalf("expected ErrBadParameter, got %v", err)
			}
		})
	}
}
