package store

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/something1703/Nexus-Zero/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict reports a uniqueness violation.
	ErrConflict = errors.New("record conflict")
	// ErrStatusMismatch reports a failed expected-status check.
	ErrStatusMismatch = errors.New("status mismatch")
	// ErrImmutable reports a write to a completed audit entry.
	ErrImmutable = errors.New("record is immutable")
)

type TopologyStore interface {
	UpsertService(ctx context.Context, in ServiceInput) (models.Service, error)
	GetService(ctx context.Context, name string) (models.Service, error)
	ListServices(ctx context.Context) ([]models.Service, error)
	UpdateServiceHealth(ctx context.Context, name string, status models.HealthStatus) error
	CreateDependency(ctx context.Context, in DependencyInput) (models.ServiceDependency, error)
	ListDependencies(ctx context.Context) ([]models.ServiceDependency, error)
	ListDependents(ctx context.Context, name string) ([]models.ServiceDependency, error)
	RecordDeployment(ctx context.Context, in DeploymentInput) (models.DeploymentEvent, error)
	ListDeployments(ctx context.Context, service string, since time.Time) ([]models.DeploymentEvent, error)
	RecordConfigChange(ctx context.Context, in ConfigChangeInput) (models.ConfigChange, error)
}

type IncidentStore interface {
	FindActiveIncident(ctx context.Context, service, signature string) (models.Incident, error)
	FindLatestClosed(ctx context.Context, service, signature string) (models.Incident, error)
	CreateIncident(ctx context.Context, in IncidentInput) (models.Incident, error)
	AggregateIncident(ctx context.Context, id uuid.UUID, seenAt time.Time, severity models.Severity) (models.Incident, error)
	ReopenIncident(ctx context.Context, id uuid.UUID, seenAt time.Time, severity models.Severity) (models.Incident, error)
	GetIncident(ctx context.Context, id uuid.UUID) (models.Incident, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]models.Incident, error)
	ListClosedIncidents(ctx context.Context, f ClosedIncidentFilter, after *IncidentCursor, limit int) ([]models.Incident, error)
	TransitionIncident(ctx context.Context, id uuid.UUID, from, to models.IncidentStatus, patch TransitionPatch) (models.Incident, error)
	UpdateDiagnosis(ctx context.Context, id uuid.UUID, in DiagnosisInput) (models.Incident, error)
	SetIncidentEmbedding(ctx context.Context, id uuid.UUID, embedding []float64) error
}

type PlaybookStore interface {
	CreatePlaybook(ctx context.Context, in PlaybookInput) (models.Playbook, error)
	GetPlaybook(ctx context.Context, id uuid.UUID) (models.Playbook, error)
	GetPlaybookByName(ctx context.Context, name string) (models.Playbook, error)
	ListPlaybooks(ctx context.Context) ([]models.Playbook, error)
	DeletePlaybook(ctx context.Context, id uuid.UUID) error
	RecordPlaybookUsage(ctx context.Context, id uuid.UUID, success bool, resolutionMinutes float64) (models.Playbook, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, in AuditInput) (models.AuditLogEntry, error)
	GetAudit(ctx context.Context, id uuid.UUID) (models.AuditLogEntry, error)
	ApproveAudit(ctx context.Context, id uuid.UUID, approver string, at time.Time) (models.AuditLogEntry, error)
	CompleteAudit(ctx context.Context, id uuid.UUID, in CompletionInput) (models.AuditLogEntry, error)
	ListAudit(ctx context.Context, f AuditFilter, after *AuditCursor, limit int) ([]models.AuditLogEntry, error)
	ClaimUnstreamed(ctx context.Context, limit, maxAttempts int) ([]models.AuditLogEntry, error)
	MarkStreamResult(ctx context.Context, id uuid.UUID, archiveKey string, streamErr error) error
}

type AgentStateStore interface {
	GetAgentState(ctx context.Context, actor string) (models.AgentState, error)
	PutAgentState(ctx context.Context, actor string, state json.RawMessage) (models.AgentState, error)
	DeleteAgentState(ctx context.Context, actor string) error
}

// Store is the full persistence contract of the correlation core.
type Store interface {
	TopologyStore
	IncidentStore
	PlaybookStore
	AuditStore
	AgentStateStore
	Ping(ctx context.Context) error
}

type ServiceInput struct {
	Name                string
	Type                string
	Environment         string
	Region              string
	CurrentVersion      string
	RollbackSafetyScore float64
	Status              models.HealthStatus
}

type DependencyInput struct {
	ID             uuid.UUID
	Service        string
	DependsOn      string
	DependencyType string
	Criticality    models.Severity
}

type DeploymentInput struct {
	ID              uuid.UUID
	Service         string
	Version         string
	PreviousVersion string
	CommitSHA       string
	DeployedBy      string
	Status          models.DeploymentStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
}

type ConfigChangeInput struct {
	ID         uuid.UUID
	Service    string
	ChangeType string
	Key        string
	OldValue   json.RawMessage
	NewValue   json.RawMessage
	ChangedBy  string
	Reason     string
}

type IncidentInput struct {
	ID             uuid.UUID
	Service        string
	Severity       models.Severity
	ErrorSignature string
	ErrorMessage   string
	SeenAt         time.Time
	Embedding      []float64
}

type IncidentFilter struct {
	Statuses []models.IncidentStatus
	Service  string
	Limit    int
}

// ClosedIncidentFilter narrows the closed history. Empty fields match all.
type ClosedIncidentFilter struct {
	Service        string
	ErrorSignature string
	HasEmbedding   bool
}

// IncidentCursor is a keyset position in (closed_at DESC, id DESC) order.
type IncidentCursor struct {
	ClosedAt time.Time
	ID       uuid.UUID
}

// TransitionPatch carries the fields a status change may set.
type TransitionPatch struct {
	At               time.Time
	ResolutionAction *models.Action
}

type DiagnosisInput struct {
	RootCause     string
	SuspectChange *string
	Confidence    float64
}

type PlaybookInput struct {
	ID                   uuid.UUID
	Name                 string
	Description          string
	TriggerPattern       string
	ServicePattern       string
	Category             string
	SuccessRate          float64
	SuccessCount         int
	TimesUsed            int
	AvgResolutionMinutes float64
	Embedding            []float64
	Solutions            []SolutionInput
}

type SolutionInput struct {
	Rank                      int
	Description               string
	Action                    models.Action
	Prerequisites             []models.Condition
	PostChecks                []models.Condition
	ExpectedResolutionMinutes int
}

type AuditInput struct {
	ID               uuid.UUID
	Actor            string
	ActionType       string
	Details          json.RawMessage
	IncidentID       *uuid.UUID
	ServiceName      *string
	RequiresApproval bool
	HumanApproved    bool
	ApprovedBy       *string
	ApprovedAt       *time.Time
	Status           models.AuditStatus
	Result           json.RawMessage
	ErrorMessage     *string
	CorrectsID       *uuid.UUID
	CompletedAt      *time.Time
}

type CompletionInput struct {
	Status       models.AuditStatus
	Result       json.RawMessage
	ErrorMessage *string
	At           time.Time

	// OnlyIfUnapproved refuses the completion with ErrImmutable when a human
	// approval is already on the entry.
	OnlyIfUnapproved bool
}

type AuditFilter struct {
	Actor            string
	ActionType       string
	IncidentID       *uuid.UUID
	Status           models.AuditStatus
	RequiresApproval *bool
	Since            *time.Time
	Until            *time.Time
}

// AuditCursor is the keyset position of the last entry of a page.
type AuditCursor struct {
	CreatedAt time.Time
	Seq       int64
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func sortSolutions(sols []models.PlaybookSolution) {
	slices.SortStableFunc(sols, func(a, b models.PlaybookSolution) int {
		return cmp.Compare(a.Rank, b.Rank)
	})
}
