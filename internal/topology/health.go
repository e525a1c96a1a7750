package topology

import (
	"context"

	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/store"
)

// IncidentLister is the read access HealthReport needs.
type IncidentLister interface {
	ListIncidents(ctx context.Context, f store.IncidentFilter) ([]models.Incident, error)
}

type ServiceHealth struct {
	Service         string              `json:"service"`
	ReportedStatus  models.HealthStatus `json:"reportedStatus"`
	EffectiveStatus models.HealthStatus `json:"effectiveStatus"`
	OpenIncidents   int                 `json:"openIncidents"`
	WorstSeverity   models.Severity     `json:"worstSeverity,omitempty"`
	CurrentVersion  string              `json:"currentVersion"`
}

// HealthReport derives each service's effective status from its active
// incidents: a critical incident means down, high or medium means degraded.
func (s *Service) HealthReport(ctx context.Context, incidents IncidentLister) ([]ServiceHealth, error) {
	services, err := s.store.ListServices(ctx)
	if err != nil {
		return nil, translate("health report", err)
	}
	active, err := incidents.ListIncidents(ctx, store.IncidentFilter{
		Statuses: []models.IncidentStatus{models.IncidentOpen, models.IncidentInvestigating},
		Limit:    10000,
	})
	if err != nil {
		return nil, translate("health report", err)
	}

	type agg struct {
		count int
		worst models.Severity
	}
	byService := map[string]*agg{}
	for _, inc := range active {
		a, ok := byService[inc.Service]
		if !ok {
			a = &agg{worst: inc.Severity}
			byService[inc.Service] = a
		}
		a.count++
		a.worst = models.MaxSeverity(a.worst, inc.Severity)
	}

	out := make([]ServiceHealth, 0, len(services))
	for _, svc := range services {
		h := ServiceHealth{
			Service:         svc.Name,
			ReportedStatus:  svc.Status,
			EffectiveStatus: svc.Status,
			CurrentVersion:  svc.CurrentVersion,
		}
		if a, ok := byService[svc.Name]; ok {
			h.OpenIncidents = a.count
			h.WorstSeverity = a.worst
			switch a.worst {
			case models.SeverityCritical:
				h.EffectiveStatus = models.HealthDown
			case models.SeverityHigh, models.SeverityMedium:
				if h.EffectiveStatus == models.HealthHealthy {
					h.EffectiveStatus = models.HealthDegraded
				}
			}
		}
		out = append(out, h)
	}
	return out, nil
}
