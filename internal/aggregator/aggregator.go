// Package aggregator folds raw error events into incidents and drives the
// incident lifecycle.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/metrics"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/store"
)

const defaultConflictRetries = 5

type Config struct {
	// RecurrenceWindow reopens a closed incident when a matching event
	// arrives within this long of its closure. Zero always opens a new one.
	RecurrenceWindow time.Duration
	ConflictRetries  int
}

type Aggregator struct {
	store  store.IncidentStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(st store.IncidentStore, cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = defaultConflictRetries
	}
	return &Aggregator{
		store:  st,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(op, "incident not found")
	case errors.Is(err, store.ErrStatusMismatch):
		return apperr.InvalidTransition(op, "%v", err)
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict(op, "concurrent update")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.FromContext(op, fmt.Errorf("%s: %w", op, err))
}

// IncidentRef is the result of ingesting one event.
type IncidentRef struct {
	ID              uuid.UUID             `json:"id"`
	Service         string                `json:"service"`
	ErrorSignature  string                `json:"errorSignature"`
	Status          models.IncidentStatus `json:"status"`
	Severity        models.Severity       `json:"severity"`
	OccurrenceCount int                   `json:"occurrenceCount"`
	Created         bool                  `json:"created"`
	Reopened        bool                  `json:"reopened"`
}

func refOf(inc models.Incident) IncidentRef {
	return IncidentRef{
		ID:              inc.ID,
		Service:         inc.Service,
		ErrorSignature:  inc.ErrorSignature,
		Status:          inc.Status,
		Severity:        inc.Severity,
		OccurrenceCount: inc.OccurrenceCount,
	}
}

// errRace marks a lost find-or-create race; the attempt is repeated with
// fresh state.
var errRace = errors.New("find-or-create race")

// Ingest aggregates ev into the active incident for its (service, signature)
// pair, or opens a new one. Concurrent events for the same pair collapse into
// a single incident.
func (a *Aggregator) Ingest(ctx context.Context, ev models.ErrorEvent) (IncidentRef, error) {
	const op = "ingest"
	ev, err := a.normalize(ev)
	if err != nil {
		metrics.IncidentIngested("rejected")
		return IncidentRef{}, err
	}

	var ref IncidentRef
	attempt := func() error {
		r, err := a.findOrCreate(ctx, ev)
		if errors.Is(err, errRace) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		ref = r
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), uint64(a.cfg.ConflictRetries))
	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		metrics.IncidentIngested("error")
		if errors.Is(err, errRace) {
			return IncidentRef{}, apperr.Conflict(op, "incident for %s/%s kept changing", ev.Service, ev.ErrorSignature)
		}
		return IncidentRef{}, translate(op, err)
	}

	outcome := "aggregated"
	switch {
	case ref.Created:
		outcome = "created"
		a.logger.Info("incident opened",
			zap.String("incident_id", ref.ID.String()),
			zap.String("service", ref.Service),
			zap.String("signature", ref.ErrorSignature),
			zap.String("severity", string(ref.Severity)),
		)
	case ref.Reopened:
		outcome = "reopened"
		a.logger.Info("incident reopened",
			zap.String("incident_id", ref.ID.String()),
			zap.String("service", ref.Service),
		)
	}
	metrics.IncidentIngested(outcome)
	return ref, nil
}

func (a *Aggregator) normalize(ev models.ErrorEvent) (models.ErrorEvent, error) {
	const op = "ingest"
	ev.Service = strings.TrimSpace(ev.Service)
	ev.ErrorSignature = strings.TrimSpace(ev.ErrorSignature)
	if ev.Service == "" {
		return ev, apperr.Validation(op, "service is required")
	}
	if ev.ErrorSignature == "" {
		if ev.ErrorType == "" && strings.TrimSpace(ev.Message) == "" {
			return ev, apperr.Validation(op, "error_signature or message is required")
		}
		ev.ErrorSignature = Fingerprint(ev.ErrorType, ev.Message)
	}
	if ev.Severity == "" {
		ev.Severity = models.SeverityMedium
	}
	if !ev.Severity.Valid() {
		return ev, apperr.Validation(op, "invalid severity %q", ev.Severity)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return ev, nil
}

func (a *Aggregator) findOrCreate(ctx context.Context, ev models.ErrorEvent) (IncidentRef, error) {
	active, err := a.store.FindActiveIncident(ctx, ev.Service, ev.ErrorSignature)
	switch {
	case err == nil:
		inc, err := a.store.AggregateIncident(ctx, active.ID, ev.Timestamp, ev.Severity)
		if errors.Is(err, store.ErrNotFound) {
			// left the active set between lookup and update
			return IncidentRef{}, errRace
		}
		if err != nil {
			return IncidentRef{}, err
		}
		return refOf(inc), nil
	case !errors.Is(err, store.ErrNotFound):
		return IncidentRef{}, err
	}

	if a.cfg.RecurrenceWindow > 0 {
		ref, ok, err := a.tryReopen(ctx, ev)
		if err != nil || ok {
			return ref, err
		}
	}

	inc, err := a.store.CreateIncident(ctx, store.IncidentInput{
		ID:             uuid.New(),
		Service:        ev.Service,
		Severity:       ev.Severity,
		ErrorSignature: ev.ErrorSignature,
		ErrorMessage:   ev.Message,
		SeenAt:         ev.Timestamp,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		return IncidentRef{}, errRace
	case errors.Is(err, store.ErrNotFound):
		return IncidentRef{}, apperr.NotFound("ingest", "service %q not found", ev.Service)
	case err != nil:
		return IncidentRef{}, err
	}
	ref := refOf(inc)
	ref.Created = true
	return ref, nil
}

func (a *Aggregator) tryReopen(ctx context.Context, ev models.ErrorEvent) (IncidentRef, bool, error) {
	closed, err := a.store.FindLatestClosed(ctx, ev.Service, ev.ErrorSignature)
	if errors.Is(err, store.ErrNotFound) {
		return IncidentRef{}, false, nil
	}
	if err != nil {
		return IncidentRef{}, false, err
	}
	if closed.ClosedAt == nil || ev.Timestamp.Sub(*closed.ClosedAt) > a.cfg.RecurrenceWindow {
		return IncidentRef{}, false, nil
	}
	inc, err := a.store.ReopenIncident(ctx, closed.ID, ev.Timestamp, ev.Severity)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrStatusMismatch) {
		return IncidentRef{}, false, errRace
	}
	if err != nil {
		return IncidentRef{}, false, err
	}
	ref := refOf(inc)
	ref.Reopened = true
	return ref, true, nil
}

var forward = map[models.IncidentStatus]models.IncidentStatus{
	models.IncidentOpen:          models.IncidentInvestigating,
	models.IncidentInvestigating: models.IncidentResolved,
	models.IncidentResolved:      models.IncidentClosed,
}

// CanTransition reports whether from→to is an edge of the lifecycle.
func CanTransition(from, to models.IncidentStatus) bool {
	next, ok := forward[from]
	return ok && next == to
}

// Transition moves an incident from one status to the next. It fails with an
// invalid transition error when from→to is not a lifecycle edge or the
// incident is no longer in status from.
func (a *Aggregator) Transition(ctx context.Context, id uuid.UUID, from, to models.IncidentStatus) (models.Incident, error) {
	return a.transition(ctx, "transition", id, from, to, nil)
}

func (a *Aggregator) transition(ctx context.Context, op string, id uuid.UUID, from, to models.IncidentStatus, action *models.Action) (models.Incident, error) {
	if !from.Valid() || !to.Valid() {
		return models.Incident{}, apperr.Validation(op, "unknown status %q -> %q", from, to)
	}
	if !CanTransition(from, to) {
		metrics.IncidentTransition(string(to), false)
		return models.Incident{}, apperr.InvalidTransition(op, "%s -> %s is not allowed", from, to)
	}
	inc, err := a.store.TransitionIncident(ctx, id, from, to, store.TransitionPatch{
		At:               a.now(),
		ResolutionAction: action,
	})
	if err != nil {
		metrics.IncidentTransition(string(to), false)
		return models.Incident{}, translate(op, err)
	}
	metrics.IncidentTransition(string(to), true)
	a.logger.Info("incident transitioned",
		zap.String("incident_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return inc, nil
}

// Resolve moves an investigating incident to resolved and records the action
// that fixed it.
func (a *Aggregator) Resolve(ctx context.Context, id uuid.UUID, action *models.Action) (models.Incident, error) {
	return a.transition(ctx, "resolve", id, models.IncidentInvestigating, models.IncidentResolved, action)
}

func (a *Aggregator) Close(ctx context.Context, id uuid.UUID) (models.Incident, error) {
	return a.transition(ctx, "close", id, models.IncidentResolved, models.IncidentClosed, nil)
}

type Diagnosis struct {
	RootCause     string  `json:"rootCause"`
	SuspectChange *string `json:"suspectChange,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// Diagnose records a root cause on an active incident. An open incident is
// then moved to investigating; losing that race to another actor is fine.
func (a *Aggregator) Diagnose(ctx context.Context, id uuid.UUID, d Diagnosis) (models.Incident, error) {
	const op = "diagnose"
	d.RootCause = strings.TrimSpace(d.RootCause)
	if d.RootCause == "" {
		return models.Incident{}, apperr.Validation(op, "root cause is required")
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return models.Incident{}, apperr.Validation(op, "confidence must be within [0,1]")
	}
	inc, err := a.store.UpdateDiagnosis(ctx, id, store.DiagnosisInput{
		RootCause:     d.RootCause,
		SuspectChange: d.SuspectChange,
		Confidence:    d.Confidence,
	})
	if err != nil {
		return models.Incident{}, translate(op, err)
	}
	if inc.Status != models.IncidentOpen {
		return inc, nil
	}
	moved, err := a.transition(ctx, op, id, models.IncidentOpen, models.IncidentInvestigating, nil)
	if errors.Is(err, apperr.ErrInvalidTransition) {
		return a.Get(ctx, id)
	}
	if err != nil {
		return models.Incident{}, err
	}
	return moved, nil
}

func (a *Aggregator) AttachEmbedding(ctx context.Context, id uuid.UUID, embedding []float64) error {
	const op = "attach embedding"
	if len(embedding) == 0 {
		return apperr.Validation(op, "embedding is empty")
	}
	for _, v := range embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return apperr.Validation(op, "embedding contains non-finite values")
		}
	}
	return translate(op, a.store.SetIncidentEmbedding(ctx, id, embedding))
}

func (a *Aggregator) Get(ctx context.Context, id uuid.UUID) (models.Incident, error) {
	inc, err := a.store.GetIncident(ctx, id)
	if err != nil {
		return models.Incident{}, translate("get incident", err)
	}
	return inc, nil
}

type Filter struct {
	Statuses []models.IncidentStatus
	Service  string
	Limit    int
}

// List returns incidents ordered by severity then most recently seen.
func (a *Aggregator) List(ctx context.Context, f Filter) ([]models.Incident, error) {
	const op = "list incidents"
	for _, s := range f.Statuses {
		if !s.Valid() {
			return nil, apperr.Validation(op, "unknown status %q", s)
		}
	}
	if f.Limit < 0 || f.Limit > 1000 {
		return nil, apperr.Validation(op, "limit must be within [0,1000]")
	}
	out, err := a.store.ListIncidents(ctx, store.IncidentFilter{
		Statuses: f.Statuses,
		Service:  strings.TrimSpace(f.Service),
		Limit:    f.Limit,
	})
	if err != nil {
		return nil, translate(op, err)
	}
	return out, nil
}
