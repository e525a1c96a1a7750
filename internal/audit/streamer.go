package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/something1703/Nexus-Zero/internal/canonical"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/store"
)

type StreamerConfig struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
	// MaxAttempts stops retrying an entry after this many failed streams.
	MaxAttempts int
	// EntryTimeout bounds produce plus archive for one entry.
	EntryTimeout time.Duration
}

// Streamer ships completed ledger entries out of the database: it claims
// unstreamed entries, publishes each to Kafka, archives it to object storage
// and records the result so the database stays the source of truth for
// retries.
type Streamer struct {
	store    store.AuditStore
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	logger   *zap.Logger
}

// NewStreamer builds a streamer. archiver may be nil when archiving is off.
func NewStreamer(st store.AuditStore, producer Producer, archiver Archiver, cfg StreamerConfig, logger *zap.Logger) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = 30 * time.Second
	}
	return &Streamer{store: st, producer: producer, archiver: archiver, cfg: cfg, logger: logging.OrNop(logger)}
}

// Run polls until ctx is cancelled, then closes the producer.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info("audit streamer starting",
		zap.Int("batch", s.cfg.BatchSize),
		zap.Int("concurrency", s.cfg.MaxConcurrency),
	)
	defer func() {
		if s.producer != nil {
			_ = s.producer.Close()
		}
		s.logger.Info("audit streamer stopped")
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("audit streamer batch failed", zap.Error(err))
		}
		// a full batch means there may be more waiting
		if n == s.cfg.BatchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes a single batch, returning how many entries
// were claimed.
func (s *Streamer) RunOnce(ctx context.Context) (int, error) {
	entries, err := s.store.ClaimUnstreamed(ctx, s.cfg.BatchSize, s.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("claim unstreamed: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, e := range entries {
		g.Go(func() error {
			if err := s.process(gctx, e); err != nil {
				s.logger.Warn("audit entry not streamed", zap.String("entry_id", e.ID.String()), zap.Error(err))
			}
			// per-entry failures are recorded in the store, not returned
			return nil
		})
	}
	return len(entries), g.Wait()
}

func (s *Streamer) process(parent context.Context, e models.AuditLogEntry) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.EntryTimeout)
	defer cancel()

	fail := func(err error) error {
		if markErr := s.store.MarkStreamResult(context.WithoutCancel(parent), e.ID, "", err); markErr != nil {
			return errors.Join(err, fmt.Errorf("mark stream failure: %w", markErr))
		}
		return err
	}

	body, err := canonical.Marshal(e)
	if err != nil {
		return fail(fmt.Errorf("canonicalize entry: %w", err))
	}
	producedAt, err := s.producer.Produce(ctx, []byte(e.ID.String()), body)
	if err != nil {
		return fail(fmt.Errorf("kafka produce: %w", err))
	}
	var key string
	if s.archiver != nil {
		key, err = s.archiver.Archive(ctx, e)
		if err != nil {
			return fail(fmt.Errorf("archive: %w", err))
		}
	}
	if err := s.store.MarkStreamResult(context.WithoutCancel(parent), e.ID, key, nil); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}
	s.logger.Debug("audit entry streamed",
		zap.String("entry_id", e.ID.String()),
		zap.Time("produced_at", producedAt),
		zap.String("archive_key", key),
	)
	return nil
}
