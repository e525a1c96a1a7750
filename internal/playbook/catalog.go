package playbook

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/store"
)

type SolutionSpec struct {
	Rank                      int                `json:"rank"`
	Description               string             `json:"description"`
	Action                    models.Action      `json:"action"`
	Prerequisites             []models.Condition `json:"prerequisites"`
	PostChecks                []models.Condition `json:"postChecks"`
	ExpectedResolutionMinutes int                `json:"expectedResolutionMinutes"`
}

type Spec struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	TriggerPattern string         `json:"triggerPattern"`
	ServicePattern string         `json:"servicePattern"`
	Category       string         `json:"category"`
	Embedding      []float64      `json:"embedding,omitempty"`
	Solutions      []SolutionSpec `json:"solutions"`
}

func (s Spec) validate() error {
	const op = "create playbook"
	if strings.TrimSpace(s.Name) == "" {
		return apperr.Validation(op, "name is required")
	}
	if strings.TrimSpace(s.TriggerPattern) == "" {
		return apperr.Validation(op, "trigger pattern is required")
	}
	if _, err := regexp.Compile("(?i)" + s.TriggerPattern); err != nil {
		return apperr.Validation(op, "trigger pattern: %v", err)
	}
	for _, v := range s.Embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return apperr.Validation(op, "embedding contains non-finite values")
		}
	}
	if len(s.Solutions) == 0 {
		return apperr.Validation(op, "at least one solution is required")
	}
	ranks := map[int]bool{}
	for _, sol := range s.Solutions {
		if sol.Rank < 1 {
			return apperr.Validation(op, "solution rank must be positive")
		}
		if ranks[sol.Rank] {
			return apperr.Validation(op, "duplicate solution rank %d", sol.Rank)
		}
		ranks[sol.Rank] = true
		if sol.Action.Type == "" {
			return apperr.Validation(op, "solution %d has no action type", sol.Rank)
		}
		if sol.ExpectedResolutionMinutes < 0 {
			return apperr.Validation(op, "solution %d has a negative expected resolution time", sol.Rank)
		}
		for _, c := range append(append([]models.Condition{}, sol.Prerequisites...), sol.PostChecks...) {
			if c.Check == "" {
				return apperr.Validation(op, "solution %d has a condition without a check", sol.Rank)
			}
		}
	}
	return nil
}

func (m *Matcher) CreatePlaybook(ctx context.Context, spec Spec) (models.Playbook, error) {
	const op = "create playbook"
	if err := spec.validate(); err != nil {
		return models.Playbook{}, err
	}
	in := store.PlaybookInput{
		ID:             uuid.New(),
		Name:           strings.TrimSpace(spec.Name),
		Description:    spec.Description,
		TriggerPattern: strings.TrimSpace(spec.TriggerPattern),
		ServicePattern: strings.TrimSpace(spec.ServicePattern),
		Category:       spec.Category,
		Embedding:      spec.Embedding,
	}
	for _, sol := range spec.Solutions {
		in.Solutions = append(in.Solutions, store.SolutionInput{
			Rank:                      sol.Rank,
			Description:               sol.Description,
			Action:                    sol.Action,
			Prerequisites:             sol.Prerequisites,
			PostChecks:                sol.PostChecks,
			ExpectedResolutionMinutes: sol.ExpectedResolutionMinutes,
		})
	}
	pb, err := m.playbooks.CreatePlaybook(ctx, in)
	if err != nil {
		return models.Playbook{}, translate(op, err)
	}
	m.logger.Info("playbook created", zap.String("playbook_id", pb.ID.String()), zap.String("name", pb.Name))
	return pb, nil
}

func (m *Matcher) GetPlaybook(ctx context.Context, id uuid.UUID) (models.Playbook, error) {
	pb, err := m.playbooks.GetPlaybook(ctx, id)
	if err != nil {
		return models.Playbook{}, translate("get playbook", err)
	}
	return pb, nil
}

func (m *Matcher) ListPlaybooks(ctx context.Context) ([]models.Playbook, error) {
	pbs, err := m.playbooks.ListPlaybooks(ctx)
	if err != nil {
		return nil, translate("list playbooks", err)
	}
	return pbs, nil
}

// DeletePlaybook removes a playbook together with its solutions.
func (m *Matcher) DeletePlaybook(ctx context.Context, id uuid.UUID) error {
	if err := m.playbooks.DeletePlaybook(ctx, id); err != nil {
		return translate("delete playbook", err)
	}
	m.logger.Info("playbook deleted", zap.String("playbook_id", id.String()))
	return nil
}

// RecordUsage folds one use of a playbook into its statistics.
func (m *Matcher) RecordUsage(ctx context.Context, id uuid.UUID, success bool, resolutionMinutes float64) (models.Playbook, error) {
	const op = "record playbook usage"
	if resolutionMinutes < 0 || math.IsNaN(resolutionMinutes) {
		return models.Playbook{}, apperr.Validation(op, "resolution minutes must be non-negative")
	}
	pb, err := m.playbooks.RecordPlaybookUsage(ctx, id, success, resolutionMinutes)
	if err != nil {
		return models.Playbook{}, translate(op, err)
	}
	return pb, nil
}
