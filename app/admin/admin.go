// Package admin exposes the proxy state and its administrative operations over HTTP.
package admin

import (
	"io"
	"net/http"
	"strconv"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/app/proxy"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/JellyTony/kuproxy/metrics"
	"github.com/JellyTony/kuproxy/pool"
	"github.com/JellyTony/kuproxy/stats"
	"github.com/bytedance/sonic"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
)

const (
	requestIDHeader = "X-Request-Id"
	maxBodySize     = 1 << 20
	defaultHistory  = time.Hour
)

// History reads captured hashrate samples.
type History interface {
	Samples(name string, since time.Time) ([]stats.Sample, error)
}

// Server serves the administration API of one proxy instance.
type Server struct {
	inst      *proxy.Instance
	history   History
	startedAt time.Time
	router    *httprouter.Router
	now       func() time.Time
}

// Error is the body of every non 2xx response.
type Error struct {
	Message string `json:"message"`
}

func New(inst *proxy.Instance, history History, startedAt time.Time) *Server {
	s := &Server{
		inst:      inst,
		history:   history,
		startedAt: startedAt,
		now:       time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *httprouter.Router {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, Error{"no route matches " + r.URL.Path}, http.StatusNotFound)
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		logger.WithFields(logger.Fields{"path": r.URL.Path, "panic": v}).Error("admin handler panic")
		writeError(w, Error{"internal error"}, http.StatusInternalServerError)
	}

	router.GET("/health", s.healthHandler)
	router.GET("/metrics", s.metricsHandler)

	router.GET("/pools", s.poolsHandler)
	router.POST("/pools", s.addPoolHandler)
	router.DELETE("/pools/:name", s.removePoolHandler)
	router.PUT("/pools/:name/priority", s.poolPriorityHandler)
	router.PUT("/pools/:name/enabled", s.poolEnabledHandler)
	router.GET("/pools/:name/connections", s.poolConnectionsHandler)

	router.GET("/users", s.usersHandler)
	router.GET("/connections", s.connectionsHandler)

	router.GET("/bans", s.bansHandler)
	router.PUT("/bans/users/:name", s.banUserHandler)
	router.DELETE("/bans/users/:name", s.unbanUserHandler)
	router.PUT("/bans/addresses/:address", s.banAddressHandler)
	router.DELETE("/bans/addresses/:address", s.unbanAddressHandler)

	router.GET("/strategy", s.strategyHandler)
	router.PUT("/strategy", s.setStrategyHandler)

	router.GET("/hashrate/:entity/:name", s.hashrateHandler)
	return router
}

// ServeHTTP tags every request with an id and logs it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = ksuid.New().String()
	}
	w.Header().Set(requestIDHeader, id)
	start := time.Now()
	s.router.ServeHTTP(w, r)
	logger.WithFields(logger.Fields{
		"request_id": id,
		"method":     r.Method,
		"path":       r.URL.Path,
		"cost":       time.Since(start).String(),
	}).Debug("admin request")
}

func writeJSON(w http.ResponseWriter, obj any) {
	body, err := sonic.Marshal(obj)
	if err != nil {
		writeError(w, Error{err.Error()}, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, e Error, code int) {
	body, _ := sonic.Marshal(e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeSuccess(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeFailure maps routing errors onto status codes.
func writeFailure(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errors.Cause(err) {
	case kuproxy.ErrBadParameter, kuproxy.ErrUnsupportedStrategy:
		code = http.StatusBadRequest
	case kuproxy.ErrNoPoolAvailable:
		code = http.StatusNotFound
	}
	writeError(w, Error{err.Error()}, code)
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errors.Wrap(kuproxy.ErrBadParameter, err.Error())
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return errors.Wrapf(kuproxy.ErrBadParameter, "invalid body: %v", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	ready := 0
	for _, p := range s.inst.Pools() {
		if p.IsReady() {
			ready++
		}
	}
	writeJSON(w, map[string]any{
		"status":      "ok",
		"uptime":      humanDuration(s.now().Sub(s.startedAt)),
		"pools":       len(s.inst.Pools()),
		"ready_pools": ready,
		"connections": len(s.inst.WorkerConnections()),
		"strategy":    s.inst.Strategy().Name(),
	})
}

// metricsHandler refreshes the gauges derived from the live state before exposing them.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	for _, p := range s.inst.Pools() {
		metrics.WorkerConnections.WithLabelValues(p.Name()).Set(float64(s.inst.NumberOfWorkerConnectionsOnPool(p.Name())))
		metrics.PoolState.WithLabelValues(p.Name()).Set(float64(p.State()))
	}
	unbound := 0
	for _, c := range s.inst.WorkerConnections() {
		if c.Pool() == nil {
			unbound++
		}
	}
	metrics.UnboundConnections.Set(float64(unbound))
	metrics.UptimeSeconds.Set(s.now().Sub(s.startedAt).Seconds())
	metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) poolsHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	now := s.now()
	views := make([]PoolView, 0)
	for _, p := range s.inst.Pools() {
		views = append(views, poolView(p, s.inst.NumberOfWorkerConnectionsOnPool(p.Name()), now))
	}
	writeJSON(w, views)
}

// AddPoolRequest is the body of POST /pools.
type AddPoolRequest struct {
	Name                string `json:"name"`
	Host                string `json:"host"`
	User                string `json:"user"`
	Password            string `json:"password"`
	Priority            *int   `json:"priority"`
	Weight              int    `json:"weight"`
	Enabled             *bool  `json:"enabled"`
	AppendWorkerNames   bool   `json:"append_worker_names"`
	WorkerNameSeparator string `json:"worker_name_separator"`
	UseWorkerPassword   bool   `json:"use_worker_password"`
	ExtranonceSubscribe bool   `json:"extranonce_subscribe"`
	NumberOfSubmit      int    `json:"number_of_submit"`
	TailSize            int    `json:"tail_size"`
}

func (req AddPoolRequest) config() pool.Config {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return pool.Config{
		Name:                req.Name,
		Host:                req.Host,
		User:                req.User,
		Password:            req.Password,
		Priority:            req.Priority,
		Weight:              req.Weight,
		Enabled:             enabled,
		AppendWorkerNames:   req.AppendWorkerNames,
		WorkerNameSeparator: req.WorkerNameSeparator,
		UseWorkerPassword:   req.UseWorkerPassword,
		ExtranonceSubscribe: req.ExtranonceSubscribe,
		NumberOfSubmit:      req.NumberOfSubmit,
		TailSize:            req.TailSize,
	}
}

func (s *Server) addPoolHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req AddPoolRequest
	if err := readJSON(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	p, err := s.inst.AddPool(req.config())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, poolView(p, 0, s.now()))
}

func (s *Server) removePoolHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	keep := false
	if v := r.URL.Query().Get("keepHistory"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeFailure(w, errors.Wrapf(kuproxy.ErrBadParameter, "keepHistory %q", v))
			return
		}
		keep = b
	}
	name := ps.ByName("name")
	if err := s.inst.RemovePool(name, keep); err != nil {
		writeFailure(w, err)
		return
	}
	metrics.ForgetPool(name)
	writeSuccess(w)
}

func (s *Server) poolPriorityHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Priority *int `json:"priority"`
	}
	if err := readJSON(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if req.Priority == nil {
		writeFailure(w, errors.Wrap(kuproxy.ErrBadParameter, "priority is required"))
		return
	}
	if err := s.inst.SetPoolPriority(ps.ByName("name"), *req.Priority); err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) poolEnabledHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := readJSON(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if req.Enabled == nil {
		writeFailure(w, errors.Wrap(kuproxy.ErrBadParameter, "enabled is required"))
		return
	}
	if err := s.inst.SetPoolEnabled(ps.ByName("name"), *req.Enabled); err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) poolConnectionsHandler(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	conns, err := s.inst.WorkerConnectionsOnPool(ps.ByName("name"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	views := make([]ConnectionView, 0, len(conns))
	for _, c := range conns {
		views = append(views, connectionView(c))
	}
	writeJSON(w, views)
}

func (s *Server) usersHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	now := s.now()
	views := make([]UserView, 0)
	for _, u := range s.inst.Users() {
		views = append(views, userView(u, now))
	}
	writeJSON(w, views)
}

func (s *Server) connectionsHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	views := make([]ConnectionView, 0)
	for _, c := range s.inst.WorkerConnections() {
		views = append(views, connectionView(c))
	}
	writeJSON(w, views)
}

func (s *Server) bansHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, map[string][]string{
		"users":     s.inst.BannedUsers(),
		"addresses": s.inst.BannedAddresses(),
	})
}

func (s *Server) banUserHandler(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if err := s.inst.BanUser(ps.ByName("name")); err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) unbanUserHandler(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if err := s.inst.UnbanUser(ps.ByName("name")); err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) banAddressHandler(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if err := s.inst.BanAddress(ps.ByName("address")); err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) unbanAddressHandler(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if err := s.inst.UnbanAddress(ps.ByName("address")); err != nil {
		writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) strategyHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, strategyView(s.inst.Strategy()))
}

// SetStrategyRequest is the body of PUT /strategy.
type SetStrategyRequest struct {
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters"`
}

func (s *Server) setStrategyHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req SetStrategyRequest
	if err := readJSON(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if req.Name == "" {
		req.Name = s.inst.Strategy().Name()
	}
	if err := s.inst.SetPoolSwitchingStrategy(req.Name, req.Parameters); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, strategyView(s.inst.Strategy()))
}

// HashrateSample is one point of GET /hashrate/:entity/:name.
type HashrateSample struct {
	Time     time.Time `json:"time"`
	Accepted float64   `json:"accepted"`
	Rejected float64   `json:"rejected"`
}

// hashrateHandler returns the history of a pool or user, entity being "pool"
// or "user". since is either an
// RFC3339 timestamp or a duration back from now; it defaults to one hour.
func (s *Server) hashrateHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.history == nil {
		writeError(w, Error{"hashrate history is not recorded"}, http.StatusNotFound)
		return
	}
	entity := ps.ByName("entity")
	if entity != stats.EntityPool && entity != stats.EntityUser {
		writeFailure(w, errors.Wrapf(kuproxy.ErrBadParameter, "unknown entity %q, want pool or user", entity))
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"), s.now())
	if err != nil {
		writeFailure(w, err)
		return
	}
	samples, err := s.history.Samples(stats.SampleName(entity, ps.ByName("name")), since)
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := make([]HashrateSample, 0, len(samples))
	for _, sm := range samples {
		out = append(out, HashrateSample{Time: sm.Time, Accepted: sm.Accepted, Rejected: sm.Rejected})
	}
	writeJSON(w, out)
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now.Add(-defaultHistory), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, errors.Wrapf(kuproxy.ErrBadParameter, "since %q is neither a timestamp nor a duration", v)
	}
	return now.Add(-d), nil
}
