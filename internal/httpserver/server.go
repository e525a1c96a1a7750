// Package httpserver exposes the correlation core as JSON tool calls.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/aggregator"
	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/audit"
	"github.com/something1703/Nexus-Zero/internal/auth"
	"github.com/something1703/Nexus-Zero/internal/blast"
	"github.com/something1703/Nexus-Zero/internal/ingest"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/playbook"
	"github.com/something1703/Nexus-Zero/internal/remediation"
	"github.com/something1703/Nexus-Zero/internal/topology"
)

const (
	ActorHeader  = "X-Actor"
	defaultActor = "anonymous"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components behind the tool calls. Metrics may be nil.
type Deps struct {
	Store       Pinger
	Topology    *topology.Service
	Incidents   topology.IncidentLister
	Aggregator  *aggregator.Aggregator
	Ingest      *ingest.Pipeline
	Blast       *blast.Engine
	Matcher     *playbook.Matcher
	Remediation *remediation.Service
	Ledger      *audit.Ledger
	Approvers   *auth.Verifier
	Metrics     http.Handler
}

type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

type Server struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

func New(deps Deps, opts Options, logger *zap.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Server{deps: deps, opts: opts, logger: logging.OrNop(logger)}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/tools", func(r chi.Router) {
		r.Route("/topology", func(r chi.Router) {
			r.Post("/services", s.handleRegisterService)
			r.Get("/services", s.handleListServices)
			r.Get("/services/{name}", s.handleGetService)
			r.Get("/services/{name}/dependents", s.handleDependents)
			r.Put("/services/{name}/health", s.handleUpdateHealth)
			r.Post("/dependencies", s.handleAddDependency)
			r.Post("/deployments", s.handleRecordDeployment)
			r.Post("/config-changes", s.handleRecordConfigChange)
			r.Get("/health", s.handleHealthReport)
		})

		r.Route("/incidents", func(r chi.Router) {
			r.Post("/ingest", s.handleIngest)
			r.Get("/", s.handleListIncidents)
			r.Get("/{id}", s.handleGetIncident)
			r.Post("/{id}/transition", s.handleTransition)
			r.Post("/{id}/diagnosis", s.handleDiagnose)
			r.Post("/{id}/embedding", s.handleAttachEmbedding)
			r.Get("/{id}/similar", s.handleSimilar)
			r.Post("/{id}/close", s.handleCloseIncident)
		})

		r.Get("/blast-radius/{service}", s.handleBlastRadius)

		r.Route("/playbooks", func(r chi.Router) {
			r.Post("/", s.handleCreatePlaybook)
			r.Get("/", s.handleListPlaybooks)
			r.Post("/match", s.handleMatch)
			r.Post("/recommend", s.handleRecommend)
			r.Get("/{id}", s.handleGetPlaybook)
			r.Delete("/{id}", s.handleDeletePlaybook)
		})

		r.Post("/risk/assess", s.handleAssess)

		r.Route("/remediations", func(r chi.Router) {
			r.Post("/", s.handlePropose)
			r.Get("/{id}", s.handleGetRemediation)
			r.Get("/{id}/authorization", s.handleAuthorize)
			r.Post("/{id}/outcome", s.handleOutcome)
			r.Group(func(r chi.Router) {
				r.Use(s.approverAuth)
				r.Post("/{id}/approve", s.handleApprove)
				r.Post("/{id}/reject", s.handleReject)
			})
		})

		r.Get("/audit", s.handleQueryAudit)
		r.Get("/audit/verify", s.handleVerifyChain)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]any{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.deps.Store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("actor", r.Header.Get(ActorHeader)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type approverKey struct{}

func (s *Server) approverAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Approvers == nil {
			respondError(w, http.StatusUnauthorized, "NEXUS_UNAUTHENTICATED", "approver authentication is not configured")
			return
		}
		who, err := s.deps.Approvers.Approver(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "NEXUS_UNAUTHENTICATED", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), approverKey{}, who)))
	})
}

func approverFrom(ctx context.Context) string {
	who, _ := ctx.Value(approverKey{}).(string)
	return who
}

func actorOf(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return defaultActor
}

// recordTool audits an analysis tool call. Failing to audit does not fail
// the call.
// recordTool writes the ledger line for a finished tool call. A failed write
// is returned so the caller answers with an error instead of an unaudited
// success.
func (s *Server) recordTool(r *http.Request, action string, incidentID *uuid.UUID, service string, details any) error {
	_, err := s.deps.Ledger.Record(r.Context(), audit.Entry{
		Actor:       actorOf(r),
		ActionType:  action,
		Details:     details,
		IncidentID:  incidentID,
		ServiceName: service,
		Status:      models.AuditSuccess,
	})
	if err != nil {
		s.logger.Error("failed to audit tool call", zap.String("action", action), zap.Error(err))
	}
	return err
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperr.Validation("decode request", "invalid JSON body: %v", err)
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.Validation("parse path", "invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("parse query", "%s must be an integer", name)
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

// fail maps an error kind onto a status and a NEXUS_<KIND> code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict, apperr.KindInvalidTransition:
		status = http.StatusConflict
	case apperr.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	code := "NEXUS_INTERNAL"
	msg := "internal error"
	if kind != "" {
		code = "NEXUS_" + strings.ToUpper(string(kind))
		msg = err.Error()
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("tool call failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	respondError(w, status, code, msg)
}

func (s *Server) incidentParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return uuid.Nil, false
	}
	return id, true
}
