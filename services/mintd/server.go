package mintd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
	"github.com/cutemonstersnft/solanapay-compression/gateway/middleware"
	"github.com/cutemonstersnft/solanapay-compression/integrations/webhooks"
)

const maxTriggerBody = 16 << 10

// Server exposes the authenticated trigger endpoint and task status.
type Server struct {
	processor *Processor
	auth      *middleware.Authenticator
	obs       *middleware.Observability
	logger    *slog.Logger
	router    chi.Router
}

// NewServer wires routes. Every /mint route sits behind auth so a rejected
// caller never reaches the processor or the ledger.
func NewServer(processor *Processor, auth *middleware.Authenticator, obs *middleware.Observability, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{processor: processor, auth: auth, obs: obs, logger: logger}
	r := chi.NewRouter()
	if obs != nil {
		r.Use(obs.Middleware)
	}
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Post("/mint", s.handleTrigger)
		r.Get("/mint/{reference}", s.handleStatus)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type triggerResponse struct {
	Reference string    `json:"reference"`
	State     TaskState `json:"state"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTriggerBody))
	if err != nil {
		middleware.WriteError(w, fmt.Errorf("%w: read body: %v", types.ErrInvalidInput, err))
		return
	}
	var trigger webhooks.MintTrigger
	if err := json.Unmarshal(body, &trigger); err != nil {
		middleware.WriteError(w, fmt.Errorf("%w: invalid JSON payload: %v", types.ErrInvalidInput, err))
		return
	}
	if claims := middleware.ClaimsFromContext(r.Context()); claims != nil {
		// a token minted for one reference cannot trigger another
		if ref, ok := claims["ref"].(string); ok && ref != trigger.Reference {
			s.logger.Warn("trigger reference does not match token", "reference", trigger.Reference)
			middleware.WriteError(w, fmt.Errorf("%w: token not valid for reference", types.ErrAuthentication))
			return
		}
	}
	task, created, err := s.processor.Submit(r.Context(), trigger)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, triggerResponse{
		Reference: task.Reference,
		State:     task.State,
		Duplicate: !created,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.processor.Status(r.Context(), chi.URLParam(r, "reference"))
	if errors.Is(err, ErrTaskNotFound) {
		middleware.WriteJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, task)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
