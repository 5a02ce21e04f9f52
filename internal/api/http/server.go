package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	appGovernance "github.com/constituent/constituent/internal/application/governance"
	"github.com/constituent/constituent/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	governanceSvc *appGovernance.Service
	sseHub        *sse.Hub
	tokenHashes   []string
	logger        zerolog.Logger
}

func NewServer(
	governanceSvc *appGovernance.Service,
	sseHub *sse.Hub,
	tokenHashes []string,
	logger zerolog.Logger,
) *Server {
	return &Server{
		governanceSvc: governanceSvc,
		sseHub:        sseHub,
		tokenHashes:   tokenHashes,
		logger:        logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Route("/actions", func(r chi.Router) {
				r.Post("/", s.proposeAction)
				r.Get("/", s.listActions)
				r.Get("/{actionId}", s.getAction)
				r.Get("/{actionId}/transitions", s.getActionTransitions)
				r.Post("/{actionId}/approve", s.approveAction)
				r.Post("/{actionId}/reject", s.rejectAction)
				r.Post("/{actionId}/cancel", s.cancelAction)
			})

			r.Get("/events", s.sseEndpoint)
		})
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseIDParam(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, key), 10, 64)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
