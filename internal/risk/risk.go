// Package risk turns an incident and a candidate remediation into a risk
// assessment and decides whether a human must approve it.
package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/metrics"
	"github.com/something1703/Nexus-Zero/internal/models"
)

const defaultDeploymentWindow = 24 * time.Hour

type Verdict string

const (
	VerdictProceed          Verdict = "proceed"
	VerdictRequiresApproval Verdict = "requires_approval"
	VerdictBlocked          Verdict = "blocked"
)

type BlastRadius interface {
	BlastRadius(ctx context.Context, service string, maxHops int) ([]models.BlastRadiusEntry, error)
}

// Topology supplies the service facts prerequisites are checked against.
type Topology interface {
	GetService(ctx context.Context, name string) (models.Service, error)
	RecentDeployments(ctx context.Context, service string, window time.Duration) ([]models.DeploymentEvent, error)
}

type Config struct {
	Guardrails Guardrails
	// DeploymentWindow bounds how far back deployments count as facts.
	DeploymentWindow time.Duration
}

type Gate struct {
	blast    BlastRadius
	topology Topology
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func New(blast BlastRadius, topology Topology, cfg Config, logger *zap.Logger) *Gate {
	if cfg.DeploymentWindow <= 0 {
		cfg.DeploymentWindow = defaultDeploymentWindow
	}
	return &Gate{
		blast:    blast,
		topology: topology,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Assessment is the gate's recommendation. RequiresApproval is never false
// when the level is high or critical, a prerequisite is unsatisfied or a
// guardrail is violated.
type Assessment struct {
	Level               models.Severity           `json:"level"`
	BlastRadiusSize     int                       `json:"blastRadiusSize"`
	AffectedServices    []models.BlastRadiusEntry `json:"affectedServices"`
	RequiresApproval    bool                      `json:"requiresApproval"`
	ApprovalReasons     []string                  `json:"approvalReasons,omitempty"`
	Checks              []CheckResult             `json:"checks"`
	GuardrailViolations []string                  `json:"guardrailViolations,omitempty"`
	Verdict             Verdict                   `json:"verdict"`
	ActionType          models.ActionType         `json:"actionType"`
	AssessedAt          time.Time                 `json:"assessedAt"`
}

func (g *Gate) Assess(ctx context.Context, inc models.Incident, sol models.PlaybookSolution) (Assessment, error) {
	const op = "assess risk"
	if strings.TrimSpace(inc.Service) == "" {
		return Assessment{}, apperr.Validation(op, "incident service is required")
	}
	if sol.Action.Type == "" {
		return Assessment{}, apperr.Validation(op, "solution action type is required")
	}

	affected, err := g.blast.BlastRadius(ctx, inc.Service, 0)
	if err != nil {
		return Assessment{}, err
	}
	facts, err := g.gatherFacts(ctx, inc.Service, sol, len(affected))
	if err != nil {
		return Assessment{}, err
	}

	a := Assessment{
		Level:            Level(inc.Severity, len(affected), sol.Action.Type),
		BlastRadiusSize:  len(affected),
		AffectedServices: affected,
		Checks:           make([]CheckResult, 0, len(sol.Prerequisites)),
		ActionType:       sol.Action.Type,
		AssessedAt:       g.now(),
	}
	if needsApproval(a.Level) {
		a.ApprovalReasons = append(a.ApprovalReasons, fmt.Sprintf("risk level is %s", a.Level))
	}
	for _, c := range sol.Prerequisites {
		res := Evaluate(c, facts)
		a.Checks = append(a.Checks, res)
		if !res.Satisfied {
			a.ApprovalReasons = append(a.ApprovalReasons, fmt.Sprintf("prerequisite %s not satisfied: %s", res.Check, res.Reason))
		}
	}
	a.GuardrailViolations = g.cfg.Guardrails.Violations(sol.Action, a.BlastRadiusSize, a.AssessedAt)
	a.ApprovalReasons = append(a.ApprovalReasons, a.GuardrailViolations...)
	a.RequiresApproval = len(a.ApprovalReasons) > 0

	switch {
	case len(a.GuardrailViolations) > 0:
		a.Verdict = VerdictBlocked
	case a.RequiresApproval:
		a.Verdict = VerdictRequiresApproval
	default:
		a.Verdict = VerdictProceed
	}

	metrics.RiskAssessed(string(a.Level), string(a.Verdict))
	g.logger.Info("risk assessed",
		zap.String("incident_id", inc.ID.String()),
		zap.String("service", inc.Service),
		zap.String("action", string(sol.Action.Type)),
		zap.String("level", string(a.Level)),
		zap.Int("blast_radius", a.BlastRadiusSize),
		zap.String("verdict", string(a.Verdict)),
	)
	return a, nil
}

func (g *Gate) gatherFacts(ctx context.Context, service string, sol models.PlaybookSolution, blastSize int) (Facts, error) {
	f := Facts{
		Service:         service,
		Services:        map[string]models.Service{},
		Deployments:     map[string][]models.DeploymentEvent{},
		BlastRadiusSize: blastSize,
	}
	names := []string{service}
	for _, c := range sol.Prerequisites {
		if c.Service != "" && c.Service != service {
			names = append(names, c.Service)
		}
	}
	for _, name := range names {
		if _, done := f.Services[name]; done {
			continue
		}
		svc, err := g.topology.GetService(ctx, name)
		if errors.Is(err, apperr.ErrNotFound) {
			// left out of the facts; checks against it stay unsatisfied
			continue
		}
		if err != nil {
			return Facts{}, err
		}
		f.Services[name] = svc
		deps, err := g.topology.RecentDeployments(ctx, name, g.cfg.DeploymentWindow)
		if err != nil {
			return Facts{}, err
		}
		f.Deployments[name] = deps
	}
	return f, nil
}
