// Package adminserver exposes the circulator's runner metrics over HTTP:
// a read-only observability surface (SPEC_FULL.md SUPPLEMENTED FEATURES),
// never part of the hot data path.
package adminserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/evbridge/circulator/src/circulator"
	"github.com/evbridge/circulator/src/config"
	"github.com/evbridge/circulator/src/record"
)

// Server is the admin HTTP surface: one mux.Router wrapping an http.Server,
// rate-limited per remote address.
type Server struct {
	cfg        config.AdminServerConfig
	ctx        *circulator.Context
	httpServer *http.Server
}

// New builds a Server. Call Start to begin serving.
func New(cfg config.AdminServerConfig, circ *circulator.Context) *Server {
	s := &Server{cfg: cfg, ctx: circ}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(rateLimitMiddleware(cfg.RateLimitPerSec, cfg.RateLimitBurst))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/runners", s.handleRunners).Methods(http.MethodGet)
	r.HandleFunc("/runners/{name}/metrics", s.handleRunnerMetrics).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the server in the foreground; callers typically invoke it in
// its own goroutine and use Shutdown to stop it.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("admin server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunners(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runners": s.ctx.Runners()})
}

type runnerMetricsResponse struct {
	Runner    string `json:"runner"`
	Transform *stage `json:"transform,omitempty"`
	Push      *stage `json:"push,omitempty"`
}

type stage struct {
	Cwnd     int `json:"cwnd"`
	Ssthresh int `json:"ssthresh"`
}

func (s *Server) handleRunnerMetrics(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	resp := runnerMetricsResponse{Runner: name}

	if tm, ok := s.ctx.GetTransformMetrics(record.RunnerName(name)); ok {
		resp.Transform = &stage{Cwnd: tm.Cwnd, Ssthresh: tm.Ssthresh}
	}
	if pm, ok := s.ctx.GetPushMetrics(record.RunnerName(name)); ok {
		resp.Push = &stage{Cwnd: pm.Cwnd, Ssthresh: pm.Ssthresh}
	}
	if resp.Transform == nil && resp.Push == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown runner %q", name)})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("admin server: failed to encode response")
	}
}
