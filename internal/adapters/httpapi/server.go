package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bnema/questd/internal/application"
	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/ports"
)

const maxRequestBytes = 64 << 10

// Coordinator is the part of the supervisor the control surface drives.
type Coordinator interface {
	Enroll(ctx context.Context, req application.EnrollRequest) (domain.SessionSnapshot, error)
	Start(ctx context.Context, id domain.IdentityID, bypass bool) (domain.SessionSnapshot, error)
	Stop(id domain.IdentityID) error
	Session(id domain.IdentityID) (domain.SessionSnapshot, error)
	Sessions() []domain.SessionSnapshot
	Status() application.StatusReport
}

// CredentialSource resolves the stored credential of an identity.
type CredentialSource interface {
	Credential(ctx context.Context, id domain.IdentityID) (string, error)
}

type Options struct {
	Coordinator Coordinator
	Credentials CredentialSource
	Solves      ports.SolveRepository
	Feed        *Feed
	Metrics     http.Handler
	Logger      *zap.Logger
}

type Server struct {
	coordinator Coordinator
	credentials CredentialSource
	solves      ports.SolveRepository
	feed        *Feed
	metrics     http.Handler
	logger      *zap.Logger
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		coordinator: opts.Coordinator,
		credentials: opts.Credentials,
		solves:      opts.Solves,
		feed:        opts.Feed,
		metrics:     opts.Metrics,
		logger:      logger.With(zap.String("component", "http-api")),
	}
}

type enrollRequest struct {
	Account string `json:"account"`
	Quest   string `json:"quest"`
}

type solvesResponse struct {
	Quest  string `json:"quest"`
	Solves int    `json:"solves"`
}

func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.requestLogger)

	router.Get("/healthz", s.handleHealthz)
	router.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleEnroll)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleStop)
		r.Post("/{id}/start", s.handleStart)
	})
	router.Get("/workers", s.handleWorkers)
	router.Get("/status", s.handleStatus)
	router.Get("/quests/{id}/solves", s.handleSolves)
	if s.feed != nil {
		router.Get("/events", s.feed.ServeHTTP)
	}
	if s.metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	return router
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.Sessions())
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: decode body: %v", errInvalidRequest, err))
		return
	}
	account := strings.TrimSpace(req.Account)
	quest := strings.TrimSpace(req.Quest)
	if account == "" || quest == "" {
		s.writeError(w, fmt.Errorf("%w: account and quest are required", errInvalidRequest))
		return
	}
	if s.credentials == nil {
		s.writeError(w, fmt.Errorf("%w: no credential source configured", errInvalidRequest))
		return
	}

	credential, err := s.credentials.Credential(r.Context(), domain.IdentityID(account))
	if err != nil {
		s.writeError(w, err)
		return
	}

	snapshot, err := s.coordinator.Enroll(r.Context(), application.EnrollRequest{Credential: credential, QuestID: quest})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshot)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.coordinator.Session(identityParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.coordinator.Start(r.Context(), identityParam(r), false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Stop(identityParam(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.Status().Workers)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.Status())
}

func (s *Server) handleSolves(w http.ResponseWriter, r *http.Request) {
	quest := strings.TrimSpace(chi.URLParam(r, "id"))
	if s.solves == nil {
		writeJSON(w, http.StatusOK, solvesResponse{Quest: quest})
		return
	}
	count, err := s.solves.Get(r.Context(), quest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, solvesResponse{Quest: quest, Solves: count})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(started)))
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func identityParam(r *http.Request) domain.IdentityID {
	return domain.IdentityID(strings.TrimSpace(chi.URLParam(r, "id")))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
