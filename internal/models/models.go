package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

func (h HealthStatus) Valid() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthDown:
		return true
	}
	return false
}

// Severity is shared by incidents and dependency criticality.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities: critical is 3, low is 0, unknown is -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 0
	}
	return -1
}

func (s Severity) Valid() bool { return s.Rank() >= 0 }

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentClosed        IncidentStatus = "closed"
)

// Active reports whether the status participates in deduplication.
func (s IncidentStatus) Active() bool {
	return s == IncidentOpen || s == IncidentInvestigating
}

func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentOpen, IncidentInvestigating, IncidentResolved, IncidentClosed:
		return true
	}
	return false
}

type AuditStatus string

const (
	AuditPending  AuditStatus = "pending"
	AuditSuccess  AuditStatus = "success"
	AuditFailed   AuditStatus = "failed"
	AuditRejected AuditStatus = "rejected"
)

func (s AuditStatus) Valid() bool {
	switch s {
	case AuditPending, AuditSuccess, AuditFailed, AuditRejected:
		return true
	}
	return false
}

func (s AuditStatus) Terminal() bool { return s.Valid() && s != AuditPending }

// Service is a node in the topology graph.
type Service struct {
	ID                  uuid.UUID    `json:"id"`
	Name                string       `json:"name"`
	Type                string       `json:"type"`
	Environment         string       `json:"environment"`
	Region              string       `json:"region"`
	CurrentVersion      string       `json:"currentVersion"`
	RollbackSafetyScore float64      `json:"rollbackSafetyScore"`
	Status              HealthStatus `json:"status"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// ServiceDependency is a directed edge: Service depends on DependsOn.
type ServiceDependency struct {
	ID             uuid.UUID `json:"id"`
	Service        string    `json:"service"`
	DependsOn      string    `json:"dependsOn"`
	DependencyType string    `json:"dependencyType"`
	Criticality    Severity  `json:"criticality"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Incident struct {
	ID              uuid.UUID      `json:"id"`
	Service         string         `json:"service"`
	Severity        Severity       `json:"severity"`
	Status          IncidentStatus `json:"status"`
	ErrorSignature  string         `json:"errorSignature"`
	ErrorMessage    string         `json:"errorMessage"`
	OccurrenceCount int            `json:"occurrenceCount"`
	FirstSeenAt     time.Time      `json:"firstSeenAt"`
	LastSeenAt      time.Time      `json:"lastSeenAt"`

	RootCause     *string  `json:"rootCause,omitempty"`
	SuspectChange *string  `json:"suspectChange,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`

	ResolutionAction  *Action    `json:"resolutionAction,omitempty"`
	ResolutionSeconds *int64     `json:"resolutionSeconds,omitempty"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt          *time.Time `json:"closedAt,omitempty"`
	ReopenCount       int        `json:"reopenCount"`

	Embedding []float64 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Playbook struct {
	ID                   uuid.UUID          `json:"id"`
	Name                 string             `json:"name"`
	Description          string             `json:"description"`
	TriggerPattern       string             `json:"triggerPattern"`
	ServicePattern       string             `json:"servicePattern"`
	Category             string             `json:"category"`
	SuccessRate          float64            `json:"successRate"`
	SuccessCount         int                `json:"successCount"`
	TimesUsed            int                `json:"timesUsed"`
	AvgResolutionMinutes float64            `json:"avgResolutionMinutes"`
	Embedding            []float64          `json:"embedding,omitempty"`
	Solutions            []PlaybookSolution `json:"solutions"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// PlaybookSolution is one ranked step; lower rank is tried first.
type PlaybookSolution struct {
	ID                        uuid.UUID   `json:"id"`
	PlaybookID                uuid.UUID   `json:"playbookId"`
	Rank                      int         `json:"rank"`
	Description               string      `json:"description,omitempty"`
	Action                    Action      `json:"action"`
	Prerequisites             []Condition `json:"prerequisites"`
	PostChecks                []Condition `json:"postChecks"`
	ExpectedResolutionMinutes int         `json:"expectedResolutionMinutes"`
}

type AuditLogEntry struct {
	ID               uuid.UUID       `json:"id"`
	Seq              int64           `json:"seq"`
	Actor            string          `json:"actor"`
	ActionType       string          `json:"actionType"`
	Details          json.RawMessage `json:"details"`
	IncidentID       *uuid.UUID      `json:"incidentId,omitempty"`
	ServiceName      *string         `json:"serviceName,omitempty"`
	RequiresApproval bool            `json:"requiresApproval"`
	HumanApproved    bool            `json:"humanApproved"`
	ApprovedBy       *string         `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time      `json:"approvedAt,omitempty"`
	Status           AuditStatus     `json:"status"`
	Result           json.RawMessage `json:"result"`
	ErrorMessage     *string         `json:"errorMessage,omitempty"`
	CorrectsID       *uuid.UUID      `json:"correctsId,omitempty"`
	PrevHash         string          `json:"prevHash"`
	Hash             string          `json:"hash"`
	CreatedAt        time.Time       `json:"createdAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// Completed reports whether the entry is frozen.
func (e AuditLogEntry) Completed() bool { return e.CompletedAt != nil }

// AgentState is an opaque per-actor blob; safe to reset.
type AgentState struct {
	Actor     string          `json:"actor"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type DeploymentStatus string

const (
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentSucceeded  DeploymentStatus = "succeeded"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
)

type DeploymentEvent struct {
	ID              uuid.UUID        `json:"id"`
	Service         string           `json:"service"`
	Version         string           `json:"version"`
	PreviousVersion string           `json:"previousVersion,omitempty"`
	CommitSHA       string           `json:"commitSha,omitempty"`
	DeployedBy      string           `json:"deployedBy,omitempty"`
	Status          DeploymentStatus `json:"status"`
	StartedAt       time.Time        `json:"startedAt"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}

type ConfigChange struct {
	ID         uuid.UUID       `json:"id"`
	Service    string          `json:"service"`
	ChangeType string          `json:"changeType"`
	Key        string          `json:"key"`
	OldValue   json.RawMessage `json:"oldValue,omitempty"`
	NewValue   json.RawMessage `json:"newValue,omitempty"`
	ChangedBy  string          `json:"changedBy"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ErrorEvent is one record of the inbound monitoring stream.
type ErrorEvent struct {
	Service        string    `json:"service"`
	ErrorSignature string    `json:"error_signature"`
	ErrorType      string    `json:"error_type,omitempty"`
	Message        string    `json:"message"`
	Severity       Severity  `json:"severity"`
	Timestamp      time.Time `json:"timestamp"`
}

// BlastRadiusEntry is one affected service and its minimum hop distance.
type BlastRadiusEntry struct {
	Service string `json:"service"`
	Hops    int    `json:"hops"`
}
