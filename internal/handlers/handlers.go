// Package handlers exposes the SFTP, profile and progress REST API and the
// WebSocket gateway that carries terminal and transfer events.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/shellport/shellport/internal/database"
	"github.com/shellport/shellport/internal/logging"
	"github.com/shellport/shellport/internal/metrics"
	"github.com/shellport/shellport/internal/progress"
	"github.com/shellport/shellport/internal/pubsub"
	"github.com/shellport/shellport/internal/sftpfiles"
	"github.com/shellport/shellport/internal/terminal"
)

// ProfileStore lists stored profiles and reports database health.
type ProfileStore interface {
	ListProfiles(ctx context.Context) ([]database.Profile, error)
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface dispatches to.
type Deps struct {
	Files    *sftpfiles.Service
	Tracker  *progress.Tracker
	Relay    *terminal.Relay
	Broker   *pubsub.Broker
	Profiles ProfileStore
	Logger   *slog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	files    *sftpfiles.Service
	tracker  *progress.Tracker
	relay    *terminal.Relay
	broker   *pubsub.Broker
	profiles ProfileStore
	logger   *slog.Logger

	// ctx outlives individual requests; terminal dials started from a
	// WebSocket frame run under it.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(d Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		files:    d.Files,
		tracker:  d.Tracker,
		relay:    d.Relay,
		broker:   d.Broker,
		profiles: d.Profiles,
		logger:   logging.OrDiscard(d.Logger),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels work started on behalf of WebSocket clients.
func (s *Server) Close() { s.cancel() }

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", s.serveWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/profiles", s.listProfiles)

		r.Route("/sftp", func(r chi.Router) {
			r.Get("/progress/{transferId}", s.transferProgress)
			r.Post("/progress/{transferId}/cancel", s.cancelTransfer)

			r.Route("/{profileId}", func(r chi.Router) {
				r.Post("/connect", s.connect)
				r.Post("/connect-and-browse", s.connectAndBrowse)
				r.Get("/status", s.connectionStatus)
				r.Post("/disconnect", s.disconnect)
				r.Get("/list", s.listFiles)
				r.Get("/info", s.fileInfo)
				r.Get("/download", s.download)
				r.Post("/upload", s.upload)
				r.Post("/mkdir", s.mkdir)
				r.Delete("/delete", s.deleteFile)
				r.Put("/rename", s.rename)
			})
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	if s.profiles == nil {
		dbStatus = "disconnected"
	} else if err := s.profiles.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
	}
	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            status,
		"database":          dbStatus,
		"terminal_sessions": s.relay.Count(),
		"transfers":         s.tracker.Active(),
	})
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	rows, err := s.profiles.ListProfiles(r.Context())
	if err != nil {
		s.logger.Error("list profiles failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeSuccess(w, "", rows)
}
