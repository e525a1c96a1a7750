// Package audit is the append-only ledger of every action taken by the
// analysis and remediation actors, plus its streaming to Kafka and S3.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/metrics"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/store"
)

const defaultPageSize = 100

type Ledger struct {
	store  store.AuditStore
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(st store.AuditStore, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  st,
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(op, "audit entry not found")
	case errors.Is(err, store.ErrImmutable):
		return apperr.Conflict(op, "audit entry can no longer be changed")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.FromContext(op, fmt.Errorf("%s: %w", op, err))
}

// Entry is a new ledger record. Details and Result may be any JSON
// marshalable value; nil becomes an empty object.
type Entry struct {
	Actor            string
	ActionType       string
	Details          any
	IncidentID       *uuid.UUID
	ServiceName      string
	RequiresApproval bool
	HumanApproved    bool
	ApprovedBy       string
	Status           models.AuditStatus
	Result           any
	ErrorMessage     string
}

func marshalJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(raw) {
			return nil, errors.New("invalid JSON")
		}
		return raw, nil
	}
	return json.Marshal(v)
}

func (l *Ledger) input(op string, e Entry, correcting *uuid.UUID) (store.AuditInput, error) {
	e.Actor = strings.TrimSpace(e.Actor)
	e.ActionType = strings.TrimSpace(e.ActionType)
	if e.Actor == "" {
		return store.AuditInput{}, apperr.Validation(op, "actor is required")
	}
	if e.ActionType == "" {
		return store.AuditInput{}, apperr.Validation(op, "action type is required")
	}
	if e.Status == "" {
		e.Status = models.AuditPending
	}
	if !e.Status.Valid() {
		return store.AuditInput{}, apperr.Validation(op, "invalid status %q", e.Status)
	}
	if e.HumanApproved && strings.TrimSpace(e.ApprovedBy) == "" {
		return store.AuditInput{}, apperr.Validation(op, "human approval requires an approver")
	}
	if e.Status == models.AuditSuccess && e.RequiresApproval && !e.HumanApproved {
		return store.AuditInput{}, apperr.Validation(op, "action requires human approval before it can succeed")
	}
	details, err := marshalJSON(e.Details)
	if err != nil {
		return store.AuditInput{}, apperr.Validation(op, "details: %v", err)
	}
	result, err := marshalJSON(e.Result)
	if err != nil {
		return store.AuditInput{}, apperr.Validation(op, "result: %v", err)
	}

	now := l.now()
	in := store.AuditInput{
		ID:               uuid.New(),
		Actor:            e.Actor,
		ActionType:       e.ActionType,
		Details:          details,
		IncidentID:       e.IncidentID,
		RequiresApproval: e.RequiresApproval,
		HumanApproved:    e.HumanApproved,
		Status:           e.Status,
		Result:           result,
		CorrectsID:       correcting,
	}
	if e.ServiceName != "" {
		name := e.ServiceName
		in.ServiceName = &name
	}
	if e.HumanApproved {
		approver := strings.TrimSpace(e.ApprovedBy)
		in.ApprovedBy = &approver
		in.ApprovedAt = &now
	}
	if e.ErrorMessage != "" {
		msg := e.ErrorMessage
		in.ErrorMessage = &msg
	}
	if e.Status.Terminal() {
		in.CompletedAt = &now
	}
	return in, nil
}

// Record appends an entry. An entry flagged as requiring approval cannot be
// recorded as successful without a human approver.
func (l *Ledger) Record(ctx context.Context, e Entry) (models.AuditLogEntry, error) {
	return l.append(ctx, "record audit", e, nil)
}

// Correct appends an entry amending original. The original is left as is.
func (l *Ledger) Correct(ctx context.Context, original uuid.UUID, e Entry) (models.AuditLogEntry, error) {
	return l.append(ctx, "correct audit", e, &original)
}

func (l *Ledger) append(ctx context.Context, op string, e Entry, correcting *uuid.UUID) (models.AuditLogEntry, error) {
	in, err := l.input(op, e, correcting)
	if err != nil {
		metrics.AuditWritten("record", "rejected")
		return models.AuditLogEntry{}, err
	}
	entry, err := l.store.AppendAudit(ctx, in)
	if err != nil {
		metrics.AuditWritten("record", "error")
		return models.AuditLogEntry{}, translate(op, err)
	}
	metrics.AuditWritten("record", string(entry.Status))
	l.logger.Debug("audit entry recorded",
		zap.String("entry_id", entry.ID.String()),
		zap.String("actor", entry.Actor),
		zap.String("action", entry.ActionType),
		zap.String("status", string(entry.Status)),
	)
	return entry, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (models.AuditLogEntry, error) {
	e, err := l.store.GetAudit(ctx, id)
	if err != nil {
		return models.AuditLogEntry{}, translate("get audit", err)
	}
	return e, nil
}

// Approve records a human approval on a pending, incomplete entry.
func (l *Ledger) Approve(ctx context.Context, id uuid.UUID, approver string) (models.AuditLogEntry, error) {
	const op = "approve audit"
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return models.AuditLogEntry{}, apperr.Validation(op, "approver is required")
	}
	e, err := l.store.ApproveAudit(ctx, id, approver, l.now())
	if err != nil {
		return models.AuditLogEntry{}, translate(op, err)
	}
	metrics.AuditWritten("approve", string(e.Status))
	l.logger.Info("audit entry approved", zap.String("entry_id", id.String()), zap.String("approver", approver))
	return e, nil
}

type Outcome struct {
	Status       models.AuditStatus `json:"status"`
	Result       any                `json:"result,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`

	// OnlyIfUnapproved makes the completion fail with a conflict if the entry
	// carries a human approval, even one written after this call began.
	OnlyIfUnapproved bool `json:"-"`
}

// Complete sets the terminal outcome of an entry. Completion happens once;
// afterwards the entry is immutable.
func (l *Ledger) Complete(ctx context.Context, id uuid.UUID, out Outcome) (models.AuditLogEntry, error) {
	const op = "complete audit"
	if !out.Status.Terminal() {
		return models.AuditLogEntry{}, apperr.Validation(op, "outcome status must be success, failed or rejected")
	}
	result, err := marshalJSON(out.Result)
	if err != nil {
		return models.AuditLogEntry{}, apperr.Validation(op, "result: %v", err)
	}
	current, err := l.store.GetAudit(ctx, id)
	if err != nil {
		return models.AuditLogEntry{}, translate(op, err)
	}
	if current.Completed() {
		return models.AuditLogEntry{}, apperr.Conflict(op, "audit entry is already completed")
	}
	if out.OnlyIfUnapproved && current.HumanApproved {
		return models.AuditLogEntry{}, apperr.Conflict(op, "audit entry was approved")
	}
	if out.Status == models.AuditSuccess && current.RequiresApproval && !current.HumanApproved {
		return models.AuditLogEntry{}, apperr.Validation(op, "action requires human approval before it can succeed")
	}
	in := store.CompletionInput{Status: out.Status, Result: result, At: l.now(), OnlyIfUnapproved: out.OnlyIfUnapproved}
	if out.ErrorMessage != "" {
		msg := out.ErrorMessage
		in.ErrorMessage = &msg
	}
	e, err := l.store.CompleteAudit(ctx, id, in)
	if err != nil {
		return models.AuditLogEntry{}, translate(op, err)
	}
	metrics.AuditWritten("complete", string(e.Status))
	l.logger.Info("audit entry completed", zap.String("entry_id", id.String()), zap.String("status", string(e.Status)))
	return e, nil
}

type Filter struct {
	Actor            string
	ActionType       string
	IncidentID       *uuid.UUID
	Status           models.AuditStatus
	RequiresApproval *bool
	Since            *time.Time
	Until            *time.Time
	// PageSize bounds each store read; it does not limit the sequence.
	PageSize int
}

// Query yields matching entries in created_at order. The sequence reads the
// store page by page and can be ranged over any number of times; each
// iteration starts from the beginning.
func (l *Ledger) Query(ctx context.Context, f Filter) iter.Seq2[models.AuditLogEntry, error] {
	const op = "query audit"
	page := f.PageSize
	if page <= 0 {
		page = defaultPageSize
	}
	sf := store.AuditFilter{
		Actor:            f.Actor,
		ActionType:       f.ActionType,
		IncidentID:       f.IncidentID,
		Status:           f.Status,
		RequiresApproval: f.RequiresApproval,
		Since:            f.Since,
		Until:            f.Until,
	}
	return func(yield func(models.AuditLogEntry, error) bool) {
		if f.Status != "" && !f.Status.Valid() {
			yield(models.AuditLogEntry{}, apperr.Validation(op, "invalid status %q", f.Status))
			return
		}
		var cursor *store.AuditCursor
		for {
			entries, err := l.store.ListAudit(ctx, sf, cursor, page)
			if err != nil {
				yield(models.AuditLogEntry{}, translate(op, err))
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
			if len(entries) < page {
				return
			}
			last := entries[len(entries)-1]
			cursor = &store.AuditCursor{CreatedAt: last.CreatedAt, Seq: last.Seq}
		}
	}
}

// Collect drains a query into a slice, stopping at the first error.
func Collect(seq iter.Seq2[models.AuditLogEntry, error]) ([]models.AuditLogEntry, error) {
	var out []models.AuditLogEntry
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Trail returns every entry referencing an incident, oldest first.
func (l *Ledger) Trail(ctx context.Context, incidentID uuid.UUID) ([]models.AuditLogEntry, error) {
	return Collect(l.Query(ctx, Filter{IncidentID: &incidentID}))
}
