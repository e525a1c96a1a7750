package httpserver

import (
	"net/http"
	"strings"

	"github.com/something1703/Nexus-Zero/internal/aggregator"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/playbook"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev models.ErrorEvent
	if err := s.decodeJSON(w, r, &ev); err != nil {
		s.fail(w, r, err)
		return
	}
	ref, err := s.deps.Ingest.Process(r.Context(), actorOf(r), ev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if ref.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, ref)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f := aggregator.Filter{Service: r.URL.Query().Get("service"), Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, models.IncidentStatus(strings.TrimSpace(st)))
		}
	}
	incidents, err := s.deps.Aggregator.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := s.incidentParam(w, r)
	if !ok {
		return
	}
	inc, err := s.deps.Aggregator.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

type transitionRequest struct {
	From models.IncidentStatus `json:"from"`
	To   models.IncidentStatus `json:"to"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.incidentParam(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	inc, err := s.deps.Aggregator.Transition(r.Context(), id, req.From, req.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.recordTool(r, "transition_incident", &inc.ID, inc.Service, req); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	id, ok := s.incidentParam(w, r)
	if !ok {
		return
	}
	var d aggregator.Diagnosis
	if err := s.decodeJSON(w, r, &d); err != nil {
		s.fail(w, r, err)
		return
	}
	inc, err := s.deps.Aggregator.Diagnose(r.Context(), id, d)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.recordTool(r, "diagnose_incident", &inc.ID, inc.Service, d); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

type embeddingRequest struct {
	Embedding []float64 `json:"embedding"`
}

func (s *Server) handleAttachEmbedding(w http.ResponseWriter, r *http.Request) {
	id, ok := s.incidentParam(w, r)
	if !ok {
		return
	}
	var req embeddingRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Aggregator.AttachEmbedding(r.Context(), id, req.Embedding); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "dimensions": len(req.Embedding)})
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	id, ok := s.incidentParam(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	inc, err := s.deps.Aggregator.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	similar, err := s.deps.Matcher.SimilarIncidents(r.Context(), inc, playbook.SimilarQuery{
		Limit:       limit,
		SameService: r.URL.Query().Get("sameService") == "true",
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"incidentId": id, "similar": similar})
}

func (s *Server) handleCloseIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := s.incidentParam(w, r)
	if !ok {
		return
	}
	inc, err := s.deps.Remediation.CloseIncident(r.Context(), actorOf(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}
