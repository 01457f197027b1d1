// Package api exposes location writes and live geo queries over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/geoquery/internal/auth"
	"github.com/example/geoquery/internal/geo"
	"github.com/example/geoquery/internal/geoquery"
	"github.com/example/geoquery/internal/locstore"
)

// Store is what the API needs from a location backend.
type Store interface {
	locstore.Store
	locstore.Writer
}

// Config tunes the HTTP surface.
type Config struct {
	// AuthSecret enables JWT checks on writes when set.
	AuthSecret string
	// StreamBuffer is the number of events a query stream may lag behind
	// before it is closed.
	StreamBuffer int
	Heartbeat    time.Duration
	Query        geoquery.Config
}

// HTTP serves /v1/locations and /v1/queries.
type HTTP struct {
	store   Store
	limiter *RateLimiter
	logger  *zap.Logger
	cfg     Config
}

// New constructs the handler. limiter may be nil.
func New(store Store, limiter *RateLimiter, logger *zap.Logger, cfg Config) *HTTP {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 256
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Query.Logger == nil {
		cfg.Query.Logger = logger
	}
	return &HTTP{store: store, limiter: limiter, logger: logger.Named("api"), cfg: cfg}
}

// Router builds the chi router.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Route("/v1/locations/{key}", func(r chi.Router) {
		r.Get("/", h.getLocation)
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.cfg.AuthSecret, auth.RoleWriter))
			r.Use(h.limiter.Middleware)
			r.Put("/", h.putLocation)
			r.Delete("/", h.deleteLocation)
		})
	})
	r.Get("/v1/queries/stream", h.streamQuery)
	return r
}

type locationResponse struct {
	Key string  `json:"key"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (h *HTTP) putLocation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var p geo.Point
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.store.Set(r.Context(), key, p); err != nil {
		if errors.Is(err, geo.ErrInvalidPoint) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("location write failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) getLocation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	raw, ok, err := h.store.Get(r.Context(), key)
	if err != nil {
		h.logger.Error("location read failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, "location not found", http.StatusNotFound)
		return
	}
	p, err := locstore.DecodeLocation(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, locationResponse{Key: key, Lat: p.Lat, Lng: p.Lng})
}

func (h *HTTP) deleteLocation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.store.Remove(r.Context(), key); err != nil {
		h.logger.Error("location delete failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
