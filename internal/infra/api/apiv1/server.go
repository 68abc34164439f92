package apiv1

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"telegram-session-bot/internal/infra/logging"
)

// FlowCounter reports how many generation flows are in progress.
type FlowCounter interface {
	ActiveFlows(ctx context.Context) (int, error)
}

type Server struct {
	flows FlowCounter
	log   *zerolog.Logger
}

func NewServer(flows FlowCounter, logger *zerolog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{flows: flows, log: logger}
}

// RegisterAPIV1 mounts the v1 routes on r.
func RegisterAPIV1(r chi.Router, s *Server) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/flows", s.handleFlows)
	})
}

type FlowsResponse struct {
	Active int `json:"active"`
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	n, err := s.flows.ActiveFlows(r.Context())
	if err != nil {
		logging.With(r.Context(), s.log).Error().Err(err).Msg("count active flows")
		writeError(w, http.StatusInternalServerError, "failed to count flows")
		return
	}
	writeJSON(w, http.StatusOK, FlowsResponse{Active: n})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
