// Package api is the thin HTTP layer over the orchestration core: submit an
// enhancement, poll its status.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"enhancement-service/internal/producer"
	"enhancement-service/internal/ratelimit"
	"enhancement-service/internal/status"
	"enhancement-service/internal/telemetry"
)

// Server wires the HTTP handlers for the producer-side process.
type Server struct {
	producer *producer.Producer
	status   *status.Service
	limiter  *ratelimit.TokenBucket
	validate *validator.Validate
	logger   *zap.Logger
}

// New constructs the API server. The limiter may be nil to disable rate
// limiting.
func New(p *producer.Producer, st *status.Service, limiter *ratelimit.TokenBucket, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		producer: p,
		status:   st,
		limiter:  limiter,
		validate: validator.New(),
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/v1/enhancements", s.handleSubmit)
	r.Get("/api/v1/enhancements/{correlationId}", s.handleStatus)
	return r
}

type enhanceRequest struct {
	Section    string            `json:"section" validate:"required,max=64"`
	Content    string            `json:"content" validate:"required,max=20000"`
	Context    map[string]string `json:"context"`
	Parameters map[string]any    `json:"parameters"`
}

type enhanceResponse struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req enhanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	clientIP := clientIP(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientIP)
		if err != nil {
			s.logger.Error("rate limiter unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	correlationID, err := s.producer.Submit(r.Context(), producer.SubmitParams{
		Section:    req.Section,
		Content:    req.Content,
		Context:    req.Context,
		Parameters: req.Parameters,
		IPAddress:  clientIP,
		Source:     r.Header.Get("X-Source"),
	})
	if err != nil {
		s.logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue request")
		return
	}

	writeJSON(w, http.StatusAccepted, enhanceResponse{
		CorrelationID: correlationID,
		Status:        "pending",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationId")
	st, err := s.status.GetStatus(r.Context(), correlationID)
	if errors.Is(err, status.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("status lookup failed",
			zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read job status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func clientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
