package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero/experimental/sys"

	"github.com/caffeineduck/wasmfs/hostfunc"
	"github.com/caffeineduck/wasmfs/internal/logger"
	"github.com/caffeineduck/wasmfs/mount"
	"github.com/caffeineduck/wasmfs/readiness"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot the filesystem and serve its status over HTTP",
	Long: `Boot the filesystem, then start an HTTP server that reports its state.

Endpoints:
  GET    /health               Liveness, 503 when the handshake failed
  GET    /flags                Readiness flags
  PUT    /flags/capability     Set opfsFunctionsAvailable {"available":true}
  GET    /mounts               Mount table
  GET    /fs/stat?path=/home   Stat a namespace path
  POST   /fs/sync              Flush every mounted backend
  GET    /metrics              Prometheus metrics (when metrics.enabled)`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (default from config)")
	serveCmd.Flags().Bool("metrics", false, "Expose /metrics")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Server.Listen, _ = cmd.Flags().GetString("listen")
	}
	if enabled, _ := cmd.Flags().GetBool("metrics"); enabled {
		cfg.Metrics.Enabled = true
	}

	s, err := newSystem(cfg)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A failed handshake is still served so /flags can explain it.
	if err := s.boot(ctx); err != nil {
		logger.Error("boot failed", logger.KeyError, err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           newRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", "addr", cfg.Server.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down status server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(s *system) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/flags", s.handleFlags)
	r.Put("/flags/capability", s.handleSetCapability)
	r.Get("/mounts", s.handleMounts)
	r.Get("/fs/stat", s.handleStat)
	r.Post("/fs/sync", s.handleSync)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("request completed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.KeyDuration, time.Since(start).Milliseconds())
	})
}

type healthResponse struct {
	Status string `json:"status"`
	Phase  string `json:"phase"`
	Error  string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type capabilityRequest struct {
	Available *bool `json:"available"`
}

func (s *system) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Phase: s.dispatcher.Phase().String()}
	status := http.StatusOK
	if err := s.dispatcher.Failure(); err != nil {
		resp.Status = "failed"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *system) handleFlags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.channel.Snapshot())
}

func (s *system) handleSetCapability(w http.ResponseWriter, r *http.Request) {
	var req capabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Available == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"available":true|false}`})
		return
	}
	if err := s.coordinator.Announce(*req.Available); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	available, _ := s.channel.Get(readiness.KeyCapabilityAvailable)
	writeJSON(w, http.StatusOK, map[string]any{"opfsFunctionsAvailable": available})
}

func (s *system) handleMounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mounts())
}

func (s *system) handleStat(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "path required"})
		return
	}
	info, err := s.table.Stat(p)
	if err != nil {
		code := mount.Code(err)
		writeJSON(w, statusFor(code), errorResponse{Error: err.Error(), Code: mount.ErrnoName(code)})
		return
	}
	writeJSON(w, http.StatusOK, hostfunc.StatResponse(info))
}

func (s *system) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.table.Sync(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": len(s.table.Mounts())})
}

func statusFor(code sys.Errno) int {
	switch code {
	case sys.ENOENT:
		return http.StatusNotFound
	case sys.EINVAL, sys.ENAMETOOLONG, sys.ENOTDIR:
		return http.StatusBadRequest
	case sys.EEXIST, sys.EPERM:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("encode response", logger.KeyError, err)
	}
}
