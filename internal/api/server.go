// SPDX-License-Identifier: MIT

// Package api exposes the agent's admin surface: camera inventory CRUD,
// stream start/stop/status, worker log access and the HLS fileserver.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beachvar/camagent/internal/config"
	"github.com/beachvar/camagent/internal/log"
	"github.com/beachvar/camagent/internal/logfan"
	"github.com/beachvar/camagent/internal/registry"
	"github.com/beachvar/camagent/internal/stream"
)

// CameraStore is the registry access the API needs: reads for the engine
// plus the mutations the admin surface offers.
type CameraStore interface {
	registry.Reader
	Put(ctx context.Context, cam registry.Camera) error
	Delete(ctx context.Context, id string) error
}

// StreamController is the supervisor surface the API drives.
type StreamController interface {
	RequestStart(ctx context.Context, cameraID string) error
	RequestStop(ctx context.Context, cameraID string) error
	Status(ctx context.Context, cameraID string) (stream.StreamState, error)
	Statuses() []stream.StreamState
}

// Server holds the HTTP handler tree and its dependencies.
type Server struct {
	cfg    config.AppConfig
	reg    CameraStore
	sup    StreamController
	logs   *logfan.Fanout
	router chi.Router
}

// New assembles the router. The configured HLS root is served read-only
// under /hls/.
func New(cfg config.AppConfig, reg CameraStore, sup StreamController, logs *logfan.Fanout) *Server {
	s := &Server{cfg: cfg, reg: reg, sup: sup, logs: logs}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestID)
	r.Use(log.Middleware())
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitRPM > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitRPM, time.Minute))
		}

		r.Route("/cameras", func(r chi.Router) {
			r.Get("/", s.handleListCameras)
			r.Post("/", s.handleCreateCamera)

			r.Route("/{cameraID}", func(r chi.Router) {
				r.Use(s.cameraCtx)
				r.Get("/", s.handleGetCamera)
				r.Put("/", s.handlePutCamera)
				r.Delete("/", s.handleDeleteCamera)

				r.Post("/start", s.handleStartStream)
				r.Post("/stop", s.handleStopStream)
				r.Get("/status", s.handleStreamStatus)

				r.Get("/logs", s.handleRecentLogs)
				r.Get("/logs/stream", s.handleStreamLogs)
			})
		})

		r.Get("/streams", s.handleListStreams)
	})

	r.Mount("/hls", hlsFileServer(cfg.HLSRoot()))

	s.router = r
	return s
}

// Handler returns the assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// requestID assigns each request a correlation id, honoring one supplied by
// an upstream proxy.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), rid)))
	})
}

// cameraCtx validates the path id and stores it in the request context.
func (s *Server) cameraCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "cameraID")
		if !registry.IsValidID(id) {
			writeError(w, r, http.StatusBadRequest, "invalid camera id")
			return
		}
		next.ServeHTTP(w, r.WithContext(log.ContextWithCameraID(r.Context(), id)))
	})
}

func cameraID(r *http.Request) string {
	return chi.URLParam(r, "cameraID")
}
