package httpserver

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/playbook"
	"github.com/something1703/Nexus-Zero/internal/remediation"
)

func (s *Server) handleCreatePlaybook(w http.ResponseWriter, r *http.Request) {
	var spec playbook.Spec
	if err := s.decodeJSON(w, r, &spec); err != nil {
		s.fail(w, r, err)
		return
	}
	pb, err := s.deps.Matcher.CreatePlaybook(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, pb)
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	pbs, err := s.deps.Matcher.ListPlaybooks(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"playbooks": pbs})
}

func (s *Server) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pb, err := s.deps.Matcher.GetPlaybook(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, pb)
}

func (s *Server) handleDeletePlaybook(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Matcher.DeletePlaybook(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// matchRequest names a stored incident or describes one inline.
type matchRequest struct {
	IncidentID     *uuid.UUID      `json:"incidentId,omitempty"`
	Service        string          `json:"service,omitempty"`
	ErrorSignature string          `json:"errorSignature,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	Severity       models.Severity `json:"severity,omitempty"`
	Embedding      []float64       `json:"embedding,omitempty"`
}

func (s *Server) matchSubject(w http.ResponseWriter, r *http.Request) (models.Incident, bool) {
	var req matchRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return models.Incident{}, false
	}
	if req.IncidentID != nil {
		inc, err := s.deps.Aggregator.Get(r.Context(), *req.IncidentID)
		if err != nil {
			s.fail(w, r, err)
			return models.Incident{}, false
		}
		return inc, true
	}
	return models.Incident{
		Service:        req.Service,
		ErrorSignature: req.ErrorSignature,
		ErrorMessage:   req.ErrorMessage,
		Severity:       req.Severity,
		Embedding:      req.Embedding,
	}, true
}

func incidentRef(inc models.Incident) *uuid.UUID {
	if inc.ID == uuid.Nil {
		return nil
	}
	id := inc.ID
	return &id
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.matchSubject(w, r)
	if !ok {
		return
	}
	matches, err := s.deps.Matcher.Match(r.Context(), inc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.Playbook.Name)
	}
	if err := s.recordTool(r, "match_playbooks", incidentRef(inc), inc.Service, map[string]any{"matched": names}); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.matchSubject(w, r)
	if !ok {
		return
	}
	recs, err := s.deps.Matcher.Recommend(r.Context(), inc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.recordTool(r, "recommend_remediation", incidentRef(inc), inc.Service, map[string]any{"recommendations": len(recs)}); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	var p remediation.Proposal
	if err := s.decodeJSON(w, r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.deps.Remediation.Assess(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.recordTool(r, "assess_risk", &p.IncidentID, "", map[string]any{
		"playbookId": p.PlaybookID,
		"rank":       p.Rank,
		"level":      a.Level,
		"verdict":    a.Verdict,
	}); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}
