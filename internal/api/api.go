// Package api serves health, metrics and read-only statistics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/samcm/jointracker/internal/ledger"
	"github.com/samcm/jointracker/internal/store"
	"github.com/samcm/jointracker/internal/tracker"
)

// Config holds HTTP server settings.
type Config struct {
	Listen string
}

// Stats is the query surface the API exposes.
type Stats interface {
	PairStats(ctx context.Context, guildID, a, b string) (ledger.PairStats, error)
	MemberStats(ctx context.Context, guildID, member string) (ledger.MemberStats, error)
	Guilds() []string
}

// Server is the HTTP server.
type Server struct {
	log      logrus.FieldLogger
	cfg      Config
	stats    Stats
	gatherer prometheus.Gatherer

	mu  sync.Mutex
	srv *http.Server
	wg  sync.WaitGroup
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates an API server. gatherer may be nil to disable /metrics.
func NewServer(log logrus.FieldLogger, cfg Config, stats Stats, gatherer prometheus.Gatherer) *Server {
	return &Server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		stats:    stats,
		gatherer: gatherer,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/stats", func(r chi.Router) {
		r.Get("/", s.handleGuilds)
		r.Get("/{guildID}/members/{memberID}", s.handleMember)
		r.Get("/{guildID}/pairs/{a}/{b}", s.handlePair)
	})

	return r
}

// Start listens and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server failed")
		}
	}()

	s.log.WithField("address", ln.Addr().String()).Info("HTTP server started")

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	s.wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}

	return nil
}

func (s *Server) handleGuilds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Guilds())
}

func (s *Server) handleMember(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.MemberStats(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "memberID"))
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.PairStats(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "a"), chi.URLParam(r, "b"))
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrUnknownGuild):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrInvalidKey):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.log.WithError(err).Warn("Stats query failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
