package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/something1703/Nexus-Zero/internal/agentstate"
	"github.com/something1703/Nexus-Zero/internal/aggregator"
	"github.com/something1703/Nexus-Zero/internal/apperr"
	"github.com/something1703/Nexus-Zero/internal/audit"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/store"
)

// fakeReader serves queued messages and then blocks until cancelled.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	if len(r.queue) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func message(t *testing.T, offset int64, ev any) kafka.Message {
	t.Helper()
	raw, ok := ev.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(ev)
		require.NoError(t, err)
	}
	return kafka.Message{Topic: "nexus.error-events", Partition: 0, Offset: offset, Value: raw}
}

type stack struct {
	st       *store.MemoryStore
	agg      *aggregator.Aggregator
	ledger   *audit.Ledger
	pipeline *Pipeline
	agents   *agentstate.Manager
}

func newStack(t *testing.T, auditAll bool) *stack {
	t.Helper()
	st := store.NewMemoryStore()
	_, err := st.UpsertService(context.Background(), store.ServiceInput{Name: "payment-api", Status: models.HealthHealthy})
	require.NoError(t, err)
	s := &stack{st: st, agg: aggregator.New(st, aggregator.Config{}, nil), ledger: audit.NewLedger(st, nil), agents: agentstate.NewManager(st, nil)}
	s.pipeline = NewPipeline(s.agg, s.ledger, PipelineConfig{AuditAggregated: auditAll}, nil)
	return s
}

func poolEvent() models.ErrorEvent {
	return models.ErrorEvent{
		Service:        "payment-api",
		ErrorSignature: "db_pool_exhaustion",
		Message:        "connection pool exhausted",
		Severity:       models.SeverityHigh,
		Timestamp:      time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestPipelineAuditsNewIncidentsOnly(t *testing.T) {
	s := newStack(t, false)
	ctx := context.Background()

	first, err := s.pipeline.Process(ctx, "", poolEvent())
	require.NoError(t, err)
	assert.True(t, first.Created)
	second, err := s.pipeline.Process(ctx, "", poolEvent())
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, 2, second.OccurrenceCount)

	trail, err := s.ledger.Trail(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, ActionIngest, trail[0].ActionType)
	assert.Equal(t, "ingest", trail[0].Actor)
}

func TestPipelineAuditAll(t *testing.T) {
	s := newStack(t, true)
	ctx := context.Background()
	for range 3 {
		_, err := s.pipeline.Process(ctx, "analysis-agent", poolEvent())
		require.NoError(t, err)
	}
	entries, err := audit.Collect(s.ledger.Query(ctx, audit.Filter{Actor: "analysis-agent"}))
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestPipelineRejectsInvalidEvent(t *testing.T) {
	s := newStack(t, true)
	_, err := s.pipeline.Process(context.Background(), "", models.ErrorEvent{ErrorSignature: "x"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func runConsumer(t *testing.T, c *Consumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	require.NoError(t, <-done)
	assert.True(t, r.closed)
}

func TestConsumerIngestsAndCommits(t *testing.T) {
	s := newStack(t, false)
	unknown := poolEvent()
	unknown.Service = "ghost-api"
	r := newFakeReader(
		message(t, 1, poolEvent()),
		message(t, 2, []byte("{not json")),
		message(t, 3, models.ErrorEvent{Service: "payment-api"}),
		message(t, 4, unknown),
		message(t, 5, poolEvent()),
	)
	c := NewConsumer(r, s.pipeline, s.agents, ConsumerConfig{RetryInterval: time.Millisecond}, nil)
	runConsumer(t, c, r)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, r.committed)
	open, err := s.agg.List(context.Background(), aggregator.Filter{Service: "payment-api"})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 2, open[0].OccurrenceCount)

	state, err := s.agents.Load(context.Background(), "error-stream-consumer")
	require.NoError(t, err)
	assert.Equal(t, "nexus.error-events/0/5", state.Cursor)
	assert.NotNil(t, state.LastRunAt)
}

type flakyProcessor struct {
	failures int
	calls    int
	err      error
}

func (p *flakyProcessor) Process(_ context.Context, _ string, ev models.ErrorEvent) (aggregator.IncidentRef, error) {
	p.calls++
	if p.calls <= p.failures {
		return aggregator.IncidentRef{}, p.err
	}
	return aggregator.IncidentRef{Service: ev.Service, OccurrenceCount: 1}, nil
}

func TestConsumerRetriesTransientErrors(t *testing.T) {
	p := &flakyProcessor{failures: 2, err: apperr.Timeout("ingest", context.DeadlineExceeded)}
	r := newFakeReader(message(t, 7, poolEvent()))
	c := NewConsumer(r, p, nil, ConsumerConfig{RetryInterval: time.Millisecond}, nil)
	runConsumer(t, c, r)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, []int64{7}, r.committed)
}

func TestConsumerGivesUpAfterMaxAttempts(t *testing.T) {
	p := &flakyProcessor{failures: 100, err: errors.New("connection reset")}
	r := newFakeReader(message(t, 9, poolEvent()))
	c := NewConsumer(r, p, nil, ConsumerConfig{MaxAttempts: 3, RetryInterval: time.Millisecond}, nil)
	runConsumer(t, c, r)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, []int64{9}, r.committed)
}

func TestConsumerDoesNotRetryValidation(t *testing.T) {
	p := &flakyProcessor{failures: 100, err: apperr.Validation("ingest", "service is required")}
	r := newFakeReader(message(t, 1, poolEvent()))
	c := NewConsumer(r, p, nil, ConsumerConfig{RetryInterval: time.Millisecond}, nil)
	runConsumer(t, c, r)
	assert.Equal(t, 1, p.calls)
}

func TestNewKafkaReaderValidation(t *testing.T) {
	_, err := NewKafkaReader(ReaderConfig{Topic: "t", GroupID: "g"})
	assert.Error(t, err)
	_, err = NewKafkaReader(ReaderConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaReader(ReaderConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"})
	assert.Error(t, err)
}

type brokenRecorder struct{ err error }

func (b brokenRecorder) Record(context.Context, audit.Entry) (models.AuditLogEntry, error) {
	return models.AuditLogEntry{}, b.err
}

func TestPipelineReturnsAuditFailure(t *testing.T) {
	s := newStack(t, false)
	ctx := context.Background()
	p := NewPipeline(s.agg, brokenRecorder{err: apperr.Timeout("record audit", context.DeadlineExceeded)}, PipelineConfig{}, nil)

	ref, err := p.Process(ctx, "", poolEvent())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTimeout))
	assert.True(t, ref.Created)

	// a redelivery lands on the same incident
	again, err := s.pipeline.Process(ctx, "", poolEvent())
	require.NoError(t, err)
	assert.Equal(t, ref.ID, again.ID)
	assert.Equal(t, 2, again.OccurrenceCount)
}
