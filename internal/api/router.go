// Package api exposes the session manager over HTTP: player control,
// event streaming over websockets, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/king-prawns/Tape/internal/engine"
	"github.com/king-prawns/Tape/internal/logger"
	"github.com/king-prawns/Tape/internal/session"
	"github.com/king-prawns/Tape/internal/taperr"
)

type API struct {
	sessionMgr *session.Manager
	logger     logger.Logger
}

type ctxKey struct{}

// New returns the HTTP handler of the control API.
func New(sessionMgr *session.Manager, log logger.Logger) http.Handler {
	api := &API{
		sessionMgr: sessionMgr,
		logger:     logger.WithComponent(log, "api"),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", api.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/assets", api.handleAssets)
	r.Route("/players", func(r chi.Router) {
		r.Get("/", api.handleListPlayers)
		r.Post("/", api.handleCreatePlayer)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(api.playerCtx)
			r.Get("/", api.handleStatus)
			r.Delete("/", api.handleDestroy)
			r.Get("/events", api.handleEvents)
			r.Post("/{action}", api.handleControl)
		})
	})

	return otelhttp.NewHandler(r, "tape-api")
}

func (a *API) playerCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, found := a.sessionMgr.Get(id)
		if !found {
			writeError(w, http.StatusNotFound, session.ErrNotFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sess)))
	})
}

func sessionFrom(r *http.Request) *session.Session {
	return r.Context().Value(ctxKey{}).(*session.Session)
}

type playerView struct {
	ID          string         `json:"id"`
	AssetID     string         `json:"asset_id,omitempty"`
	ManifestURL string         `json:"manifest_url"`
	CreatedAt   time.Time      `json:"created_at"`
	Status      *engine.Status `json:"status,omitempty"`
}

func viewOf(s *session.Session) playerView {
	return playerView{ID: s.ID, AssetID: s.AssetID, ManifestURL: s.ManifestURL, CreatedAt: s.CreatedAt}
}

type assetView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ManifestURL string `json:"manifest_url"`
	Protected   bool   `json:"protected"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "players": len(a.sessionMgr.List())})
}

func (a *API) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets := a.sessionMgr.Assets()
	out := make([]assetView, 0, len(assets))
	for _, asset := range assets {
		out = append(out, assetView{ID: asset.ID, Name: asset.Name, ManifestURL: asset.ManifestURL, Protected: len(asset.Keys) > 0})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	sessions := a.sessionMgr.List()
	out := make([]playerView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, viewOf(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := a.sessionMgr.Create(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, session.ErrAssetNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case taperr.CodeOf(err) == taperr.ManifestTypeUnsupported:
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	default:
		a.logger.Errorf("Failed to create player: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Location", "/players/"+sess.ID)
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	st, err := sess.Player.Status()
	if err != nil {
		writeError(w, http.StatusGone, err)
		return
	}
	view := viewOf(sess)
	view.Status = &st
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if err := a.sessionMgr.Destroy(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
