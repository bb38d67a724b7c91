// Package httpapi serves the public DankChat API: emote-set lookups, the badge
// catalogue, and the operational endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/dankchat-api/internal/core"
	"github.com/you/dankchat-api/internal/logging"
)

// EmoteSets is the cache fronting the resolver.
type EmoteSets interface {
	Get(ctx context.Context, id string) (core.EmoteSet, error)
	GetAll(ctx context.Context, ids []string) (map[string]core.EmoteSet, error)
}

type Badges interface {
	All(ctx context.Context) []core.Badge
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Registrar mounts extra routes, such as the admin endpoints.
type Registrar interface {
	Register(r chi.Router)
}

type Options struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	AccessLog   bool
	// NotFoundAs404 answers /set/{id} with 404 when no provider had the set
	// instead of 200 with the synthesized empty record.
	NotFoundAs404 bool
	Build         BuildInfo
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Metrics  *Metrics
	Health   Pinger
	Admin    Registrar
}

type Server struct {
	httpServer *http.Server
	handler    http.Handler
	sets       EmoteSets
	badges     Badges
	opts       Options
	metrics    *Metrics
	limiter    *ipRateLimiter
}

func New(sets EmoteSets, badges Badges, opts Options) *Server {
	srv := &Server{
		sets:    sets,
		badges:  badges,
		opts:    opts,
		metrics: opts.Metrics,
		limiter: newIPRateLimiter(opts.RateRPS, opts.RateBurst),
	}
	srv.handler = srv.routes()
	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return srv
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.observe)
	r.Use(chimiddleware.Recoverer)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", requestIDHeader},
			ExposedHeaders: []string{requestIDHeader},
			MaxAge:         300,
		}))
	}
	r.Use(compress)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/info", s.handleInfo)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/", s.handleRoot)
		r.Get("/set", s.handleMissingSetID)
		r.Get("/set/", s.handleMissingSetID)
		r.Get("/set/{id}", s.handleSet)
		r.Get("/sets", s.handleSets)
		r.Get("/badges", s.handleBadges)
	})

	if s.opts.Admin != nil {
		s.opts.Admin.Register(r)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("FeelsDankMan"))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health.Ping(ctx); err != nil {
			logging.Warn().Err(err).Msg("httpapi: health check failed")
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMissingSetID(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusBadRequest, "missing set id")
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		s.handleMissingSetID(w, r)
		return
	}

	set, err := s.sets.Get(r.Context(), id)
	if err != nil {
		s.lookupFailed(w, r, err)
		return
	}
	if set.Placeholder && s.opts.NotFoundAs404 {
		s.metrics.incNotFound("/set/{id}")
		writeError(w, http.StatusNotFound, "emote set not found")
		return
	}
	writeJSON(w, http.StatusOK, []core.EmoteSet{set})
}

// handleSets answers with the sets some provider actually had, in request
// order, and 404 when there are none.
func (s *Server) handleSets(w http.ResponseWriter, r *http.Request) {
	ids, err := ParseSetIDs(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "missing set ids")
		return
	}
	s.metrics.observeSetsRequested(len(ids))

	found, err := s.sets.GetAll(r.Context(), ids)
	if err != nil {
		s.lookupFailed(w, r, err)
		return
	}
	out := make([]core.EmoteSet, 0, len(found))
	for _, id := range ids {
		if set, ok := found[id]; ok && !set.Placeholder {
			out = append(out, set)
		}
	}
	if len(out) == 0 {
		s.metrics.incNotFound("/sets")
		writeError(w, http.StatusNotFound, "no emote sets found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBadges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.badges.All(r.Context()))
}

// lookupFailed only happens when the client went away or the request timed
// out while a load was still running.
func (s *Server) lookupFailed(w http.ResponseWriter, r *http.Request, err error) {
	logging.Warn().Err(err).Str("request_id", RequestID(r.Context())).Str("path", r.URL.Path).Msg("httpapi: lookup abandoned")
	writeError(w, http.StatusServiceUnavailable, "lookup did not complete")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("httpapi: encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is
// reported as http.ErrServerClosed.
func (s *Server) ListenAndServe() error {
	logging.Info().Str("addr", s.httpServer.Addr).Msg("httpapi: listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
