package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/audit"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/remediation"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var p remediation.Proposal
	if err := s.decodeJSON(w, r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.deps.Remediation.Propose(r.Context(), actorOf(r), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRemediation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.deps.Remediation.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	auth, err := s.deps.Remediation.Authorize(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, auth)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.deps.Remediation.Approve(r.Context(), id, approverFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body rejectRequest
	if err := s.decodeJSON(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.deps.Remediation.Reject(r.Context(), id, approverFrom(r.Context()), body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var out remediation.Outcome
	if err := s.decodeJSON(w, r, &out); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.deps.Remediation.ReportOutcome(r.Context(), actorOf(r), id, out)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func parseTime(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.Validation("parse query", "%s must be RFC3339", name)
	}
	return &t, nil
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", defaultAuditLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if limit <= 0 || limit > maxAuditLimit {
		s.fail(w, r, apperr.Validation("query audit", "limit must be within [1,%d]", maxAuditLimit))
		return
	}
	f := audit.Filter{
		Actor:      q.Get("actor"),
		ActionType: q.Get("actionType"),
		Status:     models.AuditStatus(q.Get("status")),
		PageSize:   limit,
	}
	if raw := q.Get("incidentId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.fail(w, r, apperr.Validation("query audit", "invalid incidentId"))
			return
		}
		f.IncidentID = &id
	}
	if raw := q.Get("requiresApproval"); raw != "" {
		v := strings.EqualFold(raw, "true")
		f.RequiresApproval = &v
	}
	if f.Since, err = parseTime("since", q.Get("since")); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.Until, err = parseTime("until", q.Get("until")); err != nil {
		s.fail(w, r, err)
		return
	}

	entries := make([]models.AuditLogEntry, 0, limit)
	for e, err := range s.deps.Ledger.Query(r.Context(), f) {
		if err != nil {
			s.fail(w, r, err)
			return
		}
		entries = append(entries, e)
		if len(entries) == limit {
			break
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Ledger.VerifyChain(r.Context())
	if err != nil {
		var broken *audit.ChainError
		if errors.As(err, &broken) {
			respondJSON(w, http.StatusConflict, map[string]any{"ok": false, "verified": n, "error": broken.Error()})
			return
		}
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "verified": n})
}
