package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/topology"
)

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var spec topology.ServiceSpec
	if err := s.decodeJSON(w, r, &spec); err != nil {
		s.fail(w, r, err)
		return
	}
	svc, err := s.deps.Topology.RegisterService(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, svc)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.deps.Topology.ListServices(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.deps.Topology.GetService(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, svc)
}

func (s *Server) handleDependents(w http.ResponseWriter, r *http.Request) {
	deps, err := s.deps.Topology.Dependents(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"dependents": deps})
}

type healthRequest struct {
	Status models.HealthStatus `json:"status"`
}

func (s *Server) handleUpdateHealth(w http.ResponseWriter, r *http.Request) {
	var req healthRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.deps.Topology.UpdateHealth(r.Context(), name, req.Status); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"service": name, "status": req.Status})
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	var spec topology.DependencySpec
	if err := s.decodeJSON(w, r, &spec); err != nil {
		s.fail(w, r, err)
		return
	}
	dep, err := s.deps.Topology.AddDependency(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, dep)
}

func (s *Server) handleRecordDeployment(w http.ResponseWriter, r *http.Request) {
	var spec topology.DeploymentSpec
	if err := s.decodeJSON(w, r, &spec); err != nil {
		s.fail(w, r, err)
		return
	}
	ev, err := s.deps.Topology.RecordDeployment(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleRecordConfigChange(w http.ResponseWriter, r *http.Request) {
	var spec topology.ConfigChangeSpec
	if err := s.decodeJSON(w, r, &spec); err != nil {
		s.fail(w, r, err)
		return
	}
	change, err := s.deps.Topology.RecordConfigChange(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, change)
}

func (s *Server) handleHealthReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Topology.HealthReport(r.Context(), s.deps.Incidents)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"services": report})
}

func (s *Server) handleBlastRadius(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	maxHops, err := queryInt(r, "maxHops", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	affected, err := s.deps.Blast.BlastRadius(r.Context(), service, maxHops)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.recordTool(r, "blast_radius", nil, service, map[string]any{"maxHops": maxHops, "size": len(affected)}); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"service":  service,
		"size":     len(affected),
		"affected": affected,
	})
}
