package httpadmin

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/you/dankchat-api/internal/listwatch"
	"github.com/you/dankchat-api/internal/logging"
)

// Reconciler queues a reconciliation run. It reports false when one is
// already queued.
type Reconciler interface {
	Trigger() bool
}

// Reloader re-reads the named list file, or every list when name is empty.
// A name it does not know yields listwatch.ErrUnknownList.
type Reloader interface {
	Reload(name string) error
}

type Server struct {
	rec Reconciler
	rel Reloader
}

func New(rec Reconciler, rel Reloader) *Server { return &Server{rec: rec, rel: rel} }

func (s *Server) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Post("/reconcile", s.handleReconcile)
		r.Post("/reload", s.handleReload)
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, _ *http.Request) {
	queued := s.rec.Trigger()
	logging.Info().Bool("queued", queued).Msg("admin: reconciliation requested")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "queued": queued})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	list := r.URL.Query().Get("list")
	if err := s.rel.Reload(list); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, listwatch.ErrUnknownList) {
			status = http.StatusBadRequest
		}
		http.Error(w, "reload failed: "+err.Error(), status)
		return
	}
	logging.Info().Str("list", list).Msg("admin: lists reloaded")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reloaded": true, "list": list})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
