// Package server exposes dump job submission and status, and the agent's telemetry
// controls, over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/and161185/vmstats/internal/control"
	"github.com/and161185/vmstats/internal/jobs"
	"github.com/and161185/vmstats/internal/server/middleware"
	"github.com/and161185/vmstats/model"
	"github.com/and161185/vmstats/storage"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Scheduler is the job side the handlers drive.
type Scheduler interface {
	Submit(key string) (model.DumpStatus, error)
	Query(key string) (model.DumpStatus, error)
	QueryAll() map[string]model.DumpStatus
}

// Telemetry is the agent's poll loop control.
type Telemetry interface {
	Start() bool
	Stop(ctx context.Context) (bool, error)
	Status() control.Status
	Entities() []model.Entity
	LiveEntities(ctx context.Context) ([]model.Entity, error)
	Config() any
	Diagnostic(ctx context.Context) control.Diagnostic
}

// Config of the HTTP surface.
type Config struct {
	Addr            string
	Key             string
	TrustedSubnet   string
	ShutdownTimeout time.Duration
}

// DumpRequest is the body of POST /api/dumps.
type DumpRequest struct {
	VMs []string `json:"vms"`
}

// Server serves the dump API. The agent runs one without Jobs and with Telemetry.
type Server struct {
	Config    Config
	Jobs      Scheduler
	Telemetry Telemetry    // served on /api/telemetry when set
	Metrics   http.Handler // served on /metrics when set
	Logger    *zap.SugaredLogger
}

// NewServer returns a Server with a no-op logger when logger is nil.
func NewServer(cfg Config, jobs Scheduler, metrics http.Handler, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{Config: cfg, Jobs: jobs, Metrics: metrics, Logger: logger}
}

// Router builds the handler tree with the middleware stack. /api/dumps needs a Scheduler and
// /api/telemetry needs Telemetry.
func (srv *Server) Router() (http.Handler, error) {
	trusted, err := middleware.TrustedCIDR(srv.Config.TrustedSubnet)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(chiMiddleware.RequestID)
	router.Use(chiMiddleware.StripSlashes)
	router.Use(chiMiddleware.Recoverer)
	router.Use(middleware.LogMiddleware(srv.Logger))
	router.Use(middleware.CompressMiddleware)

	router.Get("/ping", srv.PingHandler)
	if srv.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", srv.Metrics)
	}

	if srv.Jobs != nil {
		router.Route("/api/dumps", func(r chi.Router) {
			r.Use(trusted)
			r.Use(middleware.DecompressMiddleware)
			r.Use(middleware.VerifyHashMiddleware(srv.Config.Key))
			r.Post("/", srv.SubmitHandler)
			r.Get("/", srv.ListHandler)
			r.Get("/{vm}", srv.StatusHandler)
		})
	}
	if srv.Telemetry != nil {
		router.Route("/api/telemetry", func(r chi.Router) {
			r.Use(trusted)
			r.Post("/start", srv.StartTelemetryHandler)
			r.Post("/stop", srv.StopTelemetryHandler)
			r.Get("/status", srv.TelemetryStatusHandler)
			r.Get("/vms", srv.MonitoredVMsHandler)
			r.Get("/config", srv.TelemetryConfigHandler)
			r.Get("/live-vms", srv.LiveVMsHandler)
			r.Get("/diagnostic", srv.DiagnosticHandler)
		})
	}
	return router, nil
}

// Run serves until ctx is done, then shuts down within ShutdownTimeout.
func (srv *Server) Run(ctx context.Context) error {
	handler, err := srv.Router()
	if err != nil {
		return err
	}
	hs := &http.Server{
		Addr:              srv.Config.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.Logger.Infow("http server listening", "addr", srv.Config.Addr)
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := srv.Config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	srv.Logger.Infow("http server stopped")
	return nil
}

// SubmitHandler starts dumps for every key in the body and answers with their statuses.
// Any invalid key rejects the whole request before anything is submitted.
func (srv *Server) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	var req DumpRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	for _, vm := range req.VMs {
		if err := jobs.ValidateKey(vm); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	result := make(map[string]model.DumpStatus, len(req.VMs))
	for _, vm := range req.VMs {
		st, err := srv.Jobs.Submit(vm)
		if err != nil {
			srv.Logger.Errorw("submit dump failed", "vm", vm, "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result[vm] = st
	}
	srv.writeJSON(w, result)
}

// StatusHandler returns the latest status for one key.
func (srv *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	vm := chi.URLParam(r, "vm")
	st, err := srv.Jobs.Query(vm)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, fmt.Sprintf("no dump status for vm %q", vm), http.StatusNotFound)
			return
		}
		srv.Logger.Errorw("query dump status failed", "vm", vm, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	srv.writeJSON(w, st)
}

// ListHandler returns the statuses of every key ever submitted.
func (srv *Server) ListHandler(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, srv.Jobs.QueryAll())
}

// PingHandler answers liveness probes.
func (srv *Server) PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.Logger.Errorw("failed to write response JSON", "error", err)
	}
}
