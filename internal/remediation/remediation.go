// Package remediation is the boundary between analysis and execution. A
// remediation is proposed against an incident, gated by the risk assessment,
// approved or rejected by a human when required, and finally reported on by
// the executor. Every step is an entry in the audit ledger.
package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/audit"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/risk"
)

const (
	ActionRemediation   = "remediation"
	ActionCloseIncident = "close_incident"

	defaultApprovalTimeout = 30 * time.Minute
	expiryReason           = "approval timeout"
)

type Incidents interface {
	Get(ctx context.Context, id uuid.UUID) (models.Incident, error)
	Transition(ctx context.Context, id uuid.UUID, from, to models.IncidentStatus) (models.Incident, error)
	Resolve(ctx context.Context, id uuid.UUID, action *models.Action) (models.Incident, error)
	Close(ctx context.Context, id uuid.UUID) (models.Incident, error)
}

type Playbooks interface {
	GetPlaybook(ctx context.Context, id uuid.UUID) (models.Playbook, error)
	RecordUsage(ctx context.Context, id uuid.UUID, success bool, resolutionMinutes float64) (models.Playbook, error)
}

type Assessor interface {
	Assess(ctx context.Context, inc models.Incident, sol models.PlaybookSolution) (risk.Assessment, error)
}

type Config struct {
	// ApprovalTimeout is how long a proposal may wait for a human before
	// ExpirePending rejects it.
	ApprovalTimeout time.Duration
}

type Service struct {
	incidents Incidents
	playbooks Playbooks
	gate      Assessor
	ledger    *audit.Ledger
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func New(incidents Incidents, playbooks Playbooks, gate Assessor, ledger *audit.Ledger, cfg Config, logger *zap.Logger) *Service {
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = defaultApprovalTimeout
	}
	return &Service{
		incidents: incidents,
		playbooks: playbooks,
		gate:      gate,
		ledger:    ledger,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// proposal is the details payload of a remediation entry.
type proposal struct {
	IncidentID   uuid.UUID               `json:"incidentId"`
	PlaybookID   uuid.UUID               `json:"playbookId"`
	PlaybookName string                  `json:"playbookName"`
	Solution     models.PlaybookSolution `json:"solution"`
	Assessment   risk.Assessment         `json:"riskAssessment"`
}

// Request is a proposed remediation as seen through its ledger entry.
type Request struct {
	EntryID      uuid.UUID               `json:"entryId"`
	IncidentID   uuid.UUID               `json:"incidentId"`
	PlaybookID   uuid.UUID               `json:"playbookId"`
	PlaybookName string                  `json:"playbookName"`
	Solution     models.PlaybookSolution `json:"solution"`
	Risk         risk.Assessment         `json:"riskAssessment"`
	ProposedBy   string                  `json:"proposedBy"`
	Status       models.AuditStatus      `json:"status"`
	Approved     bool                    `json:"approved"`
	ApprovedBy   string                  `json:"approvedBy,omitempty"`
	Completed    bool                    `json:"completed"`
	ProposedAt   time.Time               `json:"proposedAt"`
}

func requestOf(op string, e models.AuditLogEntry) (Request, error) {
	if e.ActionType != ActionRemediation {
		return Request{}, apperr.NotFound(op, "entry %s is not a remediation", e.ID)
	}
	var p proposal
	if err := json.Unmarshal(e.Details, &p); err != nil {
		return Request{}, fmt.Errorf("%s: decode proposal %s: %w", op, e.ID, err)
	}
	r := Request{
		EntryID:      e.ID,
		IncidentID:   p.IncidentID,
		PlaybookID:   p.PlaybookID,
		PlaybookName: p.PlaybookName,
		Solution:     p.Solution,
		Risk:         p.Assessment,
		ProposedBy:   e.Actor,
		Status:       e.Status,
		Approved:     e.HumanApproved,
		Completed:    e.Completed(),
		ProposedAt:   e.CreatedAt,
	}
	if e.ApprovedBy != nil {
		r.ApprovedBy = *e.ApprovedBy
	}
	return r, nil
}

func requireActor(op, actor string) (string, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", apperr.Validation(op, "actor is required")
	}
	return actor, nil
}

// Proposal names the playbook solution to try on an incident.
type Proposal struct {
	IncidentID uuid.UUID `json:"incidentId"`
	PlaybookID uuid.UUID `json:"playbookId"`
	Rank       int       `json:"rank"`
}

type target struct {
	incident models.Incident
	playbook models.Playbook
	solution models.PlaybookSolution
}

func (s *Service) lookup(ctx context.Context, op string, p Proposal) (target, error) {
	if p.Rank < 1 {
		return target{}, apperr.Validation(op, "solution rank must be at least 1")
	}
	inc, err := s.incidents.Get(ctx, p.IncidentID)
	if err != nil {
		return target{}, err
	}
	if !inc.Status.Active() {
		return target{}, apperr.Conflict(op, "incident %s is %s", inc.ID, inc.Status)
	}
	pb, err := s.playbooks.GetPlaybook(ctx, p.PlaybookID)
	if err != nil {
		return target{}, err
	}
	for _, sol := range pb.Solutions {
		if sol.Rank == p.Rank {
			return target{incident: inc, playbook: pb, solution: sol}, nil
		}
	}
	return target{}, apperr.NotFound(op, "playbook %q has no solution of rank %d", pb.Name, p.Rank)
}

// Assess runs the risk gate for a proposal without recording anything.
func (s *Service) Assess(ctx context.Context, p Proposal) (risk.Assessment, error) {
	t, err := s.lookup(ctx, "assess remediation", p)
	if err != nil {
		return risk.Assessment{}, err
	}
	return s.gate.Assess(ctx, t.incident, t.solution)
}

// Propose assesses a playbook solution for an active incident and records it
// as a pending remediation. Approval is required whenever the assessment says
// so.
func (s *Service) Propose(ctx context.Context, actor string, p Proposal) (Request, error) {
	const op = "propose remediation"
	actor, err := requireActor(op, actor)
	if err != nil {
		return Request{}, err
	}
	t, err := s.lookup(ctx, op, p)
	if err != nil {
		return Request{}, err
	}
	inc, pb, sol := t.incident, t.playbook, t.solution

	assessment, err := s.gate.Assess(ctx, inc, sol)
	if err != nil {
		return Request{}, err
	}
	incidentID := inc.ID
	entry, err := s.ledger.Record(ctx, audit.Entry{
		Actor:      actor,
		ActionType: ActionRemediation,
		Details: proposal{
			IncidentID:   inc.ID,
			PlaybookID:   pb.ID,
			PlaybookName: pb.Name,
			Solution:     sol,
			Assessment:   assessment,
		},
		IncidentID:       &incidentID,
		ServiceName:      inc.Service,
		RequiresApproval: assessment.RequiresApproval,
		Status:           models.AuditPending,
	})
	if err != nil {
		return Request{}, err
	}
	s.logger.Info("remediation proposed",
		zap.String("entry_id", entry.ID.String()),
		zap.String("incident_id", inc.ID.String()),
		zap.String("playbook", pb.Name),
		zap.Int("rank", sol.Rank),
		zap.String("verdict", string(assessment.Verdict)),
	)
	return requestOf(op, entry)
}

func (s *Service) Get(ctx context.Context, entryID uuid.UUID) (Request, error) {
	const op = "get remediation"
	e, err := s.ledger.Get(ctx, entryID)
	if err != nil {
		return Request{}, err
	}
	return requestOf(op, e)
}

// Approve records a human approval. Blocked proposals cannot be approved;
// a new proposal has to be made once the guardrail no longer applies.
func (s *Service) Approve(ctx context.Context, entryID uuid.UUID, approver string) (Request, error) {
	const op = "approve remediation"
	req, err := s.Get(ctx, entryID)
	if err != nil {
		return Request{}, err
	}
	if req.Risk.Verdict == risk.VerdictBlocked {
		return Request{}, apperr.Conflict(op, "remediation is blocked by guardrails: %s", strings.Join(req.Risk.GuardrailViolations, "; "))
	}
	e, err := s.ledger.Approve(ctx, entryID, approver)
	if err != nil {
		return Request{}, err
	}
	return requestOf(op, e)
}

// Reject completes a proposal as rejected. It never executes afterwards.
func (s *Service) Reject(ctx context.Context, entryID uuid.UUID, approver, reason string) (Request, error) {
	const op = "reject remediation"
	approver, err := requireActor(op, approver)
	if err != nil {
		return Request{}, err
	}
	if _, err := s.Get(ctx, entryID); err != nil {
		return Request{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected by approver"
	}
	e, err := s.ledger.Complete(ctx, entryID, audit.Outcome{
		Status:       models.AuditRejected,
		Result:       map[string]string{"rejectedBy": approver, "reason": reason},
		ErrorMessage: reason,
	})
	if err != nil {
		return Request{}, err
	}
	s.logger.Info("remediation rejected", zap.String("entry_id", entryID.String()), zap.String("approver", approver))
	return requestOf(op, e)
}

type Authorization struct {
	EntryID    uuid.UUID `json:"entryId"`
	Authorized bool      `json:"authorized"`
	Reason     string    `json:"reason,omitempty"`
}

// Authorize is the executor's check before acting. It only says yes for an
// incomplete, unblocked proposal that either needs no approval or has one.
func (s *Service) Authorize(ctx context.Context, entryID uuid.UUID) (Authorization, error) {
	req, err := s.Get(ctx, entryID)
	if err != nil {
		return Authorization{}, err
	}
	auth := Authorization{EntryID: entryID}
	switch {
	case req.Completed:
		auth.Reason = fmt.Sprintf("remediation already completed as %s", req.Status)
	case req.Risk.Verdict == risk.VerdictBlocked:
		auth.Reason = "blocked by guardrails"
	case req.Risk.RequiresApproval && !req.Approved:
		auth.Reason = "awaiting human approval"
	default:
		auth.Authorized = true
	}
	return auth, nil
}

// Outcome is the executor's report on a remediation it ran.
type Outcome struct {
	Success      bool   `json:"success"`
	Result       any    `json:"result,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ReportOutcome completes the remediation entry. The ledger refuses a
// successful outcome for an unapproved proposal that required approval. A
// success resolves the incident with the solution's action.
func (s *Service) ReportOutcome(ctx context.Context, actor string, entryID uuid.UUID, out Outcome) (Request, error) {
	const op = "report remediation outcome"
	actor, err := requireActor(op, actor)
	if err != nil {
		return Request{}, err
	}
	req, err := s.Get(ctx, entryID)
	if err != nil {
		return Request{}, err
	}
	if req.Risk.Verdict == risk.VerdictBlocked && out.Success {
		return Request{}, apperr.Conflict(op, "remediation is blocked by guardrails")
	}
	var inc models.Incident
	if out.Success {
		inc, err = s.incidents.Get(ctx, req.IncidentID)
		if err != nil {
			return Request{}, err
		}
		if !inc.Status.Active() {
			return Request{}, apperr.Conflict(op, "incident %s is already %s", inc.ID, inc.Status)
		}
	}

	status := models.AuditFailed
	if out.Success {
		status = models.AuditSuccess
	}
	e, err := s.ledger.Complete(ctx, entryID, audit.Outcome{
		Status:       status,
		Result:       map[string]any{"reportedBy": actor, "result": out.Result},
		ErrorMessage: out.ErrorMessage,
	})
	if err != nil {
		return Request{}, err
	}
	if out.Success {
		if err := s.resolve(ctx, inc, req.Solution.Action); err != nil {
			s.logger.Error("remediation succeeded but incident could not be resolved",
				zap.String("entry_id", entryID.String()),
				zap.String("incident_id", inc.ID.String()),
				zap.Error(err),
			)
			return Request{}, err
		}
	}
	s.logger.Info("remediation outcome reported",
		zap.String("entry_id", entryID.String()),
		zap.String("incident_id", req.IncidentID.String()),
		zap.String("status", string(status)),
		zap.String("actor", actor),
	)
	return requestOf(op, e)
}

func (s *Service) resolve(ctx context.Context, inc models.Incident, action models.Action) error {
	if inc.Status == models.IncidentOpen {
		_, err := s.incidents.Transition(ctx, inc.ID, models.IncidentOpen, models.IncidentInvestigating)
		if err != nil && !errors.Is(err, apperr.ErrInvalidTransition) {
			return err
		}
	}
	_, err := s.incidents.Resolve(ctx, inc.ID, &action)
	return err
}

type usage struct {
	PlaybookID uuid.UUID `json:"playbookId"`
	Success    bool      `json:"success"`
}

// CloseIncident closes a resolved incident and folds every remediation that
// ran against it into its playbook's statistics. The playbook whose
// remediation succeeded counts as a success, the others as failures.
func (s *Service) CloseIncident(ctx context.Context, actor string, incidentID uuid.UUID) (models.Incident, error) {
	const op = "close incident"
	actor, err := requireActor(op, actor)
	if err != nil {
		return models.Incident{}, err
	}
	inc, err := s.incidents.Close(ctx, incidentID)
	if err != nil {
		return models.Incident{}, err
	}
	trail, err := s.ledger.Trail(ctx, incidentID)
	if err != nil {
		return models.Incident{}, err
	}

	var (
		order   []uuid.UUID
		success = map[uuid.UUID]bool{}
	)
	for _, e := range trail {
		if e.ActionType != ActionRemediation || (e.Status != models.AuditSuccess && e.Status != models.AuditFailed) {
			continue
		}
		req, err := requestOf(op, e)
		if err != nil {
			s.logger.Warn("skipping unreadable remediation entry", zap.String("entry_id", e.ID.String()), zap.Error(err))
			continue
		}
		if _, seen := success[req.PlaybookID]; !seen {
			order = append(order, req.PlaybookID)
			success[req.PlaybookID] = false
		}
		if e.Status == models.AuditSuccess {
			success[req.PlaybookID] = true
		}
	}

	var minutes float64
	if inc.ResolutionSeconds != nil {
		minutes = float64(*inc.ResolutionSeconds) / 60
	}
	updated := make([]usage, 0, len(order))
	for _, id := range order {
		ok := success[id]
		m := 0.0
		if ok {
			m = minutes
		}
		if _, err := s.playbooks.RecordUsage(ctx, id, ok, m); err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				s.logger.Warn("playbook vanished before usage could be recorded", zap.String("playbook_id", id.String()))
				continue
			}
			return models.Incident{}, err
		}
		updated = append(updated, usage{PlaybookID: id, Success: ok})
	}

	id := inc.ID
	if _, err := s.ledger.Record(ctx, audit.Entry{
		Actor:       actor,
		ActionType:  ActionCloseIncident,
		Details:     map[string]any{"playbookUsage": updated},
		IncidentID:  &id,
		ServiceName: inc.Service,
		Status:      models.AuditSuccess,
	}); err != nil {
		return models.Incident{}, err
	}
	s.logger.Info("incident closed",
		zap.String("incident_id", inc.ID.String()),
		zap.String("actor", actor),
		zap.Int("playbooks_updated", len(updated)),
	)
	return inc, nil
}

// ExpirePending rejects proposals that have waited for approval longer than
// the approval timeout. It returns how many were expired.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.ApprovalTimeout)
	requires := true
	stale, err := audit.Collect(s.ledger.Query(ctx, audit.Filter{
		ActionType:       ActionRemediation,
		Status:           models.AuditPending,
		RequiresApproval: &requires,
		Until:            &cutoff,
	}))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, e := range stale {
		if e.HumanApproved || e.Completed() {
			continue
		}
		_, err := s.ledger.Complete(ctx, e.ID, audit.Outcome{
			Status:           models.AuditRejected,
			Result:           map[string]string{"reason": expiryReason},
			ErrorMessage:     expiryReason,
			OnlyIfUnapproved: true,
		})
		if apperr.KindOf(err) == apperr.KindConflict {
			// Approved or completed since the list was read.
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("expired pending remediations", zap.Int("count", expired))
	}
	return expired, nil
}
