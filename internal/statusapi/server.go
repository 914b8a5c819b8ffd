// Package statusapi exposes loader sessions, tracked resources and the
// rendering context over HTTP, and mirrors the context phase into a gRPC
// health service.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/pointcloud/internal/httputil"
	"github.com/banshee-data/pointcloud/internal/journal"
	"github.com/banshee-data/pointcloud/internal/loader"
	"github.com/banshee-data/pointcloud/internal/monitoring"
	"github.com/banshee-data/pointcloud/internal/recovery"
	"github.com/banshee-data/pointcloud/internal/resources"
)

var logf = monitoring.Tagged("StatusAPI")

const shutdownTimeout = 5 * time.Second

// ContextControl drives the rendering context from the operator endpoints.
type ContextControl interface {
	LoseContext() error
	RestoreContext() error
	ResetContext() error
}

// managerControl signals the recovery manager directly, for setups without
// a device that reports its own transitions.
type managerControl struct{ m *recovery.Manager }

func (c managerControl) LoseContext() error    { return c.m.OnContextLost() }
func (c managerControl) RestoreContext() error { c.m.OnContextRestored(); return nil }
func (c managerControl) ResetContext() error   { return c.m.ResetAfterFailure() }

// Config wires the server to the runtime. Tracker, Manager and Loader are
// required; Journal and Control are optional.
type Config struct {
	Tracker  *resources.Tracker
	Manager  *recovery.Manager
	Loader   *loader.Controller
	Journal  *journal.Store
	Control  ContextControl
	Registry *prometheus.Registry
}

// Server serves the status endpoints.
type Server struct {
	cfg      Config
	registry *prometheus.Registry
	health   *Health
	mux      *http.ServeMux
}

// New builds a server and registers its collectors with cfg.Registry, or a
// private registry when none is given.
func New(cfg Config) (*Server, error) {
	if cfg.Tracker == nil || cfg.Manager == nil || cfg.Loader == nil {
		return nil, errors.New("statusapi: tracker, manager and loader are required")
	}
	if cfg.Control == nil {
		cfg.Control = managerControl{cfg.Manager}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
	}
	for _, c := range []prometheus.Collector{
		resources.NewCollector(cfg.Tracker),
		recovery.NewCollector(cfg.Manager),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		health:   NewHealth(cfg.Manager),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/context", s.handleContext)
	s.mux.HandleFunc("/api/context/lost", s.handleContextLost)
	s.mux.HandleFunc("/api/context/restored", s.handleContextRestored)
	s.mux.HandleFunc("/api/context/reset", s.handleContextReset)
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/sessions/{id}", s.handleSession)
	s.mux.HandleFunc("/api/datasets", s.handleDatasets)
	s.mux.HandleFunc("/api/datasets/{id}/preview", s.handleDatasetPreview)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Health returns the gRPC health mirror.
func (s *Server) Health() *Health { return s.health }

// Close stops mirroring the context phase.
func (s *Server) Close() { s.health.Close() }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}
	errc := make(chan error, 1)
	go func() {
		logf("listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type statsResponse struct {
	Resources resources.Stats       `json:"resources"`
	Context   recovery.ContextState `json:"context"`
	Sessions  map[string]int        `json:"sessions"`
	Journal   map[string]int        `json:"journal,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := statsResponse{
		Resources: s.cfg.Tracker.Stats(),
		Context:   s.cfg.Manager.CurrentState(),
		Sessions:  make(map[string]int),
	}
	for _, info := range s.cfg.Loader.Sessions() {
		resp.Sessions[info.Status.String()]++
	}
	if s.cfg.Journal != nil {
		counts, err := s.cfg.Journal.StatusCounts(r.Context())
		if err != nil {
			logf("journal counts: %v", err)
		} else {
			resp.Journal = counts
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	type contextResponse struct {
		recovery.ContextState
		AcceptingRegistrations bool `json:"accepting_registrations"`
	}
	httputil.WriteJSONOK(w, contextResponse{
		ContextState:           s.cfg.Manager.CurrentState(),
		AcceptingRegistrations: s.cfg.Manager.AcceptingRegistrations(),
	})
}

func (s *Server) contextAction(w http.ResponseWriter, r *http.Request, action func() error) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	err := action()
	s.health.set(s.cfg.Manager.Phase())
	if err != nil {
		switch {
		case errors.Is(err, recovery.ErrCeilingExceeded), errors.Is(err, recovery.ErrNotFailed):
			httputil.Conflict(w, err.Error())
		default:
			httputil.InternalServerError(w, err.Error())
		}
		return
	}
	httputil.WriteJSONOK(w, s.cfg.Manager.CurrentState())
}

func (s *Server) handleContextLost(w http.ResponseWriter, r *http.Request) {
	s.contextAction(w, r, s.cfg.Control.LoseContext)
}

func (s *Server) handleContextRestored(w http.ResponseWriter, r *http.Request) {
	s.contextAction(w, r, s.cfg.Control.RestoreContext)
}

func (s *Server) handleContextReset(w http.ResponseWriter, r *http.Request) {
	s.contextAction(w, r, s.cfg.Control.ResetContext)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if r.URL.Query().Get("history") == "1" {
		if s.cfg.Journal == nil {
			httputil.NotFound(w, "journal disabled")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows, err := s.cfg.Journal.RecentSessions(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, rows)
		return
	}
	httputil.WriteJSONOK(w, s.cfg.Loader.Sessions())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	h, ok := s.lookup(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, h.Session())
	case http.MethodDelete:
		h.Cancel()
		if err := h.Release(); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, h.Session())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*loader.Handle, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httputil.BadRequest(w, "invalid session id")
		return nil, false
	}
	h, ok := s.cfg.Loader.Get(id)
	if !ok {
		httputil.NotFound(w, "session not found")
		return nil, false
	}
	return h, true
}
