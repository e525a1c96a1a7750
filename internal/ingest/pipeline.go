// Package ingest feeds monitoring error events into the incident aggregator,
// either from the Kafka error stream or from the tool-call boundary.
package ingest

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/aggregator"
	"github.com/something1703/Nexus-Zero/internal/audit"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/models"
)

const ActionIngest = "ingest_event"

type Ingester interface {
	Ingest(ctx context.Context, ev models.ErrorEvent) (aggregator.IncidentRef, error)
}

type Recorder interface {
	Record(ctx context.Context, e audit.Entry) (models.AuditLogEntry, error)
}

type PipelineConfig struct {
	// Actor is recorded when the caller does not name one.
	Actor string
	// AuditAggregated also records events that only bumped an existing
	// incident's counter. Otherwise only opened and reopened incidents are
	// recorded.
	AuditAggregated bool
}

// Pipeline ingests one event and records what it did in the ledger.
type Pipeline struct {
	incidents Ingester
	ledger    Recorder
	cfg       PipelineConfig
	logger    *zap.Logger
}

func NewPipeline(incidents Ingester, ledger Recorder, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if cfg.Actor == "" {
		cfg.Actor = "ingest"
	}
	return &Pipeline{incidents: incidents, ledger: ledger, cfg: cfg, logger: logging.OrNop(logger)}
}

// Process ingests ev and audits an opened or reopened incident. When the
// audit write fails the incident ref comes back together with the error.
func (p *Pipeline) Process(ctx context.Context, actor string, ev models.ErrorEvent) (aggregator.IncidentRef, error) {
	ref, err := p.incidents.Ingest(ctx, ev)
	if err != nil {
		return aggregator.IncidentRef{}, err
	}
	if !ref.Created && !ref.Reopened && !p.cfg.AuditAggregated {
		return ref, nil
	}
	if strings.TrimSpace(actor) == "" {
		actor = p.cfg.Actor
	}
	id := ref.ID
	if _, err := p.ledger.Record(ctx, audit.Entry{
		Actor:       actor,
		ActionType:  ActionIngest,
		Details:     map[string]any{"event": ev, "incident": ref},
		IncidentID:  &id,
		ServiceName: ref.Service,
		Status:      models.AuditSuccess,
	}); err != nil {
		// The incident is already updated. The caller still sees the error;
		// a redelivered event aggregates into the same incident.
		p.logger.Error("failed to audit ingested event",
			zap.String("incident_id", ref.ID.String()),
			zap.String("actor", actor),
			zap.Error(err),
		)
		return ref, err
	}
	return ref, nil
}
