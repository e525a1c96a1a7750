package playbook

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/retry"
	"github.com/something1703/Nexus-Zero/internal/store"
	"github.com/something1703/Nexus-Zero/internal/vector"
)

// historyDiscount scales confidence in an action taken on a past incident
// relative to a curated playbook.
const historyDiscount = 0.9

// closedPageSize bounds each history read; the whole closed set is scanned.
const closedPageSize = 500

type SimilarIncident struct {
	Incident models.Incident `json:"incident"`
	Score    float64         `json:"score"`
}

type SimilarQuery struct {
	Limit       int
	SameService bool
}

// SimilarIncidents finds closed incidents resembling inc: an identical
// signature scores 1, otherwise the embedding similarity must exceed the
// threshold. Results are ordered by score, then most recently resolved.
func (m *Matcher) SimilarIncidents(ctx context.Context, inc models.Incident, q SimilarQuery) ([]SimilarIncident, error) {
	const op = "similar incidents"
	if inc.ErrorSignature == "" && len(inc.Embedding) == 0 {
		return nil, apperr.Validation(op, "incident has no signature or embedding")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = m.cfg.MaxResults
	}
	var service string
	if q.SameService {
		service = inc.Service
	}

	var out []SimilarIncident
	if inc.ErrorSignature != "" {
		err := m.scanClosed(ctx, op, store.ClosedIncidentFilter{Service: service, ErrorSignature: inc.ErrorSignature}, func(c models.Incident) {
			if c.ID != inc.ID {
				out = append(out, SimilarIncident{Incident: c, Score: 1})
			}
		})
		if err != nil {
			return nil, err
		}
	}
	if len(inc.Embedding) > 0 {
		err := m.scanClosed(ctx, op, store.ClosedIncidentFilter{Service: service, HasEmbedding: true}, func(c models.Incident) {
			if c.ID == inc.ID || (inc.ErrorSignature != "" && c.ErrorSignature == inc.ErrorSignature) {
				return
			}
			sim, err := vector.Cosine(inc.Embedding, c.Embedding)
			if err != nil || sim <= m.cfg.SimilarityThreshold {
				return
			}
			out = append(out, SimilarIncident{Incident: c, Score: sim})
		})
		if err != nil {
			return nil, err
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return resolvedAt(out[i].Incident).After(resolvedAt(out[j].Incident))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// scanClosed visits every closed incident matching f, most recently closed
// first, one page at a time.
func (m *Matcher) scanClosed(ctx context.Context, op string, f store.ClosedIncidentFilter, visit func(models.Incident)) error {
	var after *store.IncidentCursor
	for {
		var page []models.Incident
		err := retry.ReadOnly(ctx, op, m.cfg.Timeout, m.cfg.Retries, func(ctx context.Context) error {
			out, err := m.incidents.ListClosedIncidents(ctx, f, after, closedPageSize)
			if err != nil {
				return translate(op, err)
			}
			page = out
			return nil
		})
		if err != nil {
			return err
		}
		for _, inc := range page {
			visit(inc)
		}
		if len(page) < closedPageSize {
			return nil
		}
		last := page[len(page)-1]
		if last.ClosedAt == nil {
			return nil
		}
		after = &store.IncidentCursor{ClosedAt: *last.ClosedAt, ID: last.ID}
	}
}

func resolvedAt(inc models.Incident) time.Time {
	if inc.ResolvedAt != nil {
		return *inc.ResolvedAt
	}
	return time.Time{}
}

type Source string

const (
	SourcePlaybook Source = "playbook"
	SourceHistory  Source = "history"
)

// Recommendation is a candidate remediation step with a confidence in [0,1].
type Recommendation struct {
	Source                    Source             `json:"source"`
	PlaybookID                *uuid.UUID         `json:"playbookId,omitempty"`
	PlaybookName              string             `json:"playbookName,omitempty"`
	IncidentID                *uuid.UUID         `json:"incidentId,omitempty"`
	Rank                      int                `json:"rank"`
	Description               string             `json:"description,omitempty"`
	Action                    models.Action      `json:"action"`
	Prerequisites             []models.Condition `json:"prerequisites,omitempty"`
	ExpectedResolutionMinutes int                `json:"expectedResolutionMinutes,omitempty"`
	Confidence                float64            `json:"confidence"`
}

// Recommend merges solutions of matched playbooks with actions that resolved
// similar incidents, ordered by confidence and then rank.
func (m *Matcher) Recommend(ctx context.Context, inc models.Incident) ([]Recommendation, error) {
	matches, err := m.Match(ctx, inc)
	if err != nil {
		return nil, err
	}
	var recs []Recommendation
	for _, match := range matches {
		pb := match.Playbook
		id := pb.ID
		for _, sol := range pb.Solutions {
			recs = append(recs, Recommendation{
				Source:                    SourcePlaybook,
				PlaybookID:                &id,
				PlaybookName:              pb.Name,
				Rank:                      sol.Rank,
				Description:               sol.Description,
				Action:                    sol.Action,
				Prerequisites:             sol.Prerequisites,
				ExpectedResolutionMinutes: sol.ExpectedResolutionMinutes,
				Confidence:                match.Score * pb.SuccessRate,
			})
		}
	}

	if inc.ErrorSignature != "" || len(inc.Embedding) > 0 {
		similar, err := m.SimilarIncidents(ctx, inc, SimilarQuery{})
		if err != nil {
			return nil, err
		}
		for _, s := range similar {
			if s.Incident.ResolutionAction == nil {
				continue
			}
			id := s.Incident.ID
			recs = append(recs, Recommendation{
				Source:     SourceHistory,
				IncidentID: &id,
				Rank:       1,
				Action:     *s.Incident.ResolutionAction,
				Confidence: s.Score * historyDiscount,
			})
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Confidence != recs[j].Confidence {
			return recs[i].Confidence > recs[j].Confidence
		}
		return recs[i].Rank < recs[j].Rank
	})
	return recs, nil
}
