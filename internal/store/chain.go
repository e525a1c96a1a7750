package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/something1703/Nexus-Zero/internal/canonical"
	"github.com/something1703/Nexus-Zero/internal/models"
)

// chainEnvelope holds the fields fixed at append time. Approval, status and
// completion change later and are not part of the chain.
type chainEnvelope struct {
	ID               uuid.UUID       `json:"id"`
	Actor            string          `json:"actor"`
	ActionType       string          `json:"actionType"`
	Details          json.RawMessage `json:"details"`
	IncidentID       *uuid.UUID      `json:"incidentId"`
	ServiceName      *string         `json:"serviceName"`
	RequiresApproval bool            `json:"requiresApproval"`
	CorrectsID       *uuid.UUID      `json:"correctsId"`
	CreatedAt        string          `json:"createdAt"`
}

// HashEntry computes sha256(canonical(envelope) || prevHash) as hex.
func HashEntry(e models.AuditLogEntry, prevHash string) (string, error) {
	env := chainEnvelope{
		ID:               e.ID,
		Actor:            e.Actor,
		ActionType:       e.ActionType,
		Details:          ensureJSON(e.Details, "{}"),
		IncidentID:       e.IncidentID,
		ServiceName:      e.ServiceName,
		RequiresApproval: e.RequiresApproval,
		CorrectsID:       e.CorrectsID,
		CreatedAt:        e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	canon, err := canonical.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	h := sha256.New()
	h.Write(canon)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func entryFromInput(in AuditInput, createdAt time.Time) models.AuditLogEntry {
	return models.AuditLogEntry{
		ID:               in.ID,
		Actor:            in.Actor,
		ActionType:       in.ActionType,
		Details:          ensureJSON(in.Details, "{}"),
		IncidentID:       in.IncidentID,
		ServiceName:      in.ServiceName,
		RequiresApproval: in.RequiresApproval,
		HumanApproved:    in.HumanApproved,
		ApprovedBy:       in.ApprovedBy,
		ApprovedAt:       in.ApprovedAt,
		Status:           in.Status,
		Result:           ensureJSON(in.Result, "{}"),
		ErrorMessage:     in.ErrorMessage,
		CorrectsID:       in.CorrectsID,
		CreatedAt:        createdAt,
		CompletedAt:      in.CompletedAt,
	}
}
