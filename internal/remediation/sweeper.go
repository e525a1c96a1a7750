package remediation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/logging"
)

// SweeperActor is the agent state key the sweeper records its runs under.
const SweeperActor = "remediation-sweeper"

type Expirer interface {
	ExpirePending(ctx context.Context) (int, error)
}

type RunRecorder interface {
	MarkRun(ctx context.Context, actor string, at time.Time) error
}

// Sweeper runs ExpirePending on a cron schedule.
type Sweeper struct {
	expirer  Expirer
	runs     RunRecorder
	schedule cron.Schedule
	spec     string
	logger   *zap.Logger
	now      func() time.Time
}

// NewSweeper parses spec as a standard cron expression or descriptor
// ("@every 1m"). runs may be nil.
func NewSweeper(expirer Expirer, runs RunRecorder, spec string, logger *zap.Logger) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return &Sweeper{
		expirer:  expirer,
		runs:     runs,
		schedule: schedule,
		spec:     spec,
		logger:   logging.OrNop(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Sweep expires stale proposals once.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.expirer.ExpirePending(ctx)
	if err != nil {
		return n, err
	}
	if s.runs != nil {
		if err := s.runs.MarkRun(ctx, SweeperActor, s.now()); err != nil {
			s.logger.Warn("failed to record sweeper run", zap.Error(err))
		}
	}
	return n, nil
}

// Run blocks until ctx is done. Overlapping runs are skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	log := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithLogger(log), cron.WithChain(
		cron.Recover(log),
		cron.SkipIfStillRunning(log),
	))
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("approval expiry sweep failed", zap.Error(err))
		}
	}))
	c.Start()
	s.logger.Info("approval expiry sweeper started", zap.String("schedule", s.spec))
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("approval expiry sweeper stopped")
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	*zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.Errorw(msg, append(keysAndValues, "error", err)...)
}
