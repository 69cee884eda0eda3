package metrics

import (
	"net/http"

	"github.com/JellyTony/kuproxy/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kuproxy",
		Name:      "shares_total",
		Help:      "Pool replies to forwarded shares by pool and result.",
	}, []string{"pool", "result"})

	ShareDifficultyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kuproxy",
		Name:      "share_difficulty_total",
		Help:      "Sum of share difficulty by pool and result.",
	}, []string{"pool", "result"})

	WorkerConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kuproxy",
		Name:      "worker_connections",
		Help:      "Worker connections bound to each pool.",
	}, []string{"pool"})

	UnboundConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kuproxy",
		Name:      "unbound_worker_connections",
		Help:      "Worker connections waiting for a pool.",
	})

	PoolState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kuproxy",
		Name:      "pool_state",
		Help:      "Pool state: 0 down, 1 connecting, 2 up, 3 stable.",
	}, []string{"pool"})

	Hashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kuproxy",
		Name:      "hashrate",
		Help:      "Last captured hashrate in H/s by entity kind, name and result.",
	}, []string{"kind", "name", "result"})

	AcceptThrottled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kuproxy",
		Name:      "accept_throttled_total",
		Help:      "Downstream connections that waited on the accept limiter.",
	}, []string{"listener"})

	UptimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kuproxy",
		Name:      "uptime_seconds",
		Help:      "Proxy uptime in seconds.",
	})
)

func init() {
	prometheus.MustRegister(
		SharesTotal,
		ShareDifficultyTotal,
		WorkerConnections,
		UnboundConnections,
		PoolState,
		Hashrate,
		AcceptThrottled,
		UptimeSeconds,
	)
}

func result(accepted bool) string {
	if accepted {
		return "accepted"
	}
	return "rejected"
}

// ObserveShare folds one share event into the share counters.
func ObserveShare(evt events.ShareEvent) {
	r := result(evt.Accepted)
	SharesTotal.WithLabelValues(evt.Pool, r).Inc()
	ShareDifficultyTotal.WithLabelValues(evt.Pool, r).Add(evt.Difficulty)
}

// ObserveHashrate records the last sample of a pool or user.
func ObserveHashrate(kind, name string, accepted, rejected float64) {
	Hashrate.WithLabelValues(kind, name, "accepted").Set(accepted)
	Hashrate.WithLabelValues(kind, name, "rejected").Set(rejected)
}

// ForgetPool drops every series labelled with a removed pool.
func ForgetPool(name string) {
	SharesTotal.DeletePartialMatch(prometheus.Labels{"pool": name})
	ShareDifficultyTotal.DeletePartialMatch(prometheus.Labels{"pool": name})
	WorkerConnections.DeleteLabelValues(name)
	PoolState.DeleteLabelValues(name)
	Hashrate.DeletePartialMatch(prometheus.Labels{"kind": "pool", "name": name})
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
