package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/something1703/Nexus-Zero/internal/agentstate"
	"github.com/something1703/Nexus-Zero/internal/aggregator"
	"github.com/something1703/Nexus-Zero/internal/audit"
	"github.com/something1703/Nexus-Zero/internal/auth"
	"github.com/something1703/Nexus-Zero/internal/blast"
	"github.com/something1703/Nexus-Zero/internal/config"
	"github.com/something1703/Nexus-Zero/internal/httpserver"
	"github.com/something1703/Nexus-Zero/internal/ingest"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/metrics"
	"github.com/something1703/Nexus-Zero/internal/models"
	"github.com/something1703/Nexus-Zero/internal/playbook"
	"github.com/something1703/Nexus-Zero/internal/remediation"
	"github.com/something1703/Nexus-Zero/internal/risk"
	"github.com/something1703/Nexus-Zero/internal/seed"
	"github.com/something1703/Nexus-Zero/internal/store"
	"github.com/something1703/Nexus-Zero/internal/topology"
)

func main() {
	configPath := flag.String("config", "configs/nexus.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("nexus-core exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("nexus-core stopped")
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.Driver == config.DriverMemory {
		logger.Warn("using in-memory store; state is lost on exit")
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("connected to postgres")
	return store.NewPGStore(db), func() { _ = db.Close() }, nil
}

func guardrails(cfg config.RiskConfig) risk.Guardrails {
	g := risk.Guardrails{
		MaxBlastRadius: cfg.MaxBlastRadius,
		MaxScaleFactor: cfg.MaxScaleFactor,
		PeakHoursStart: cfg.PeakHoursStart,
		PeakHoursEnd:   cfg.PeakHoursEnd,
	}
	for _, a := range cfg.PeakBlocked {
		g.PeakBlocked = append(g.PeakBlocked, models.ActionType(a))
	}
	return g
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	topo := topology.New(st, topology.Config{SnapshotTTL: cfg.Topology.SnapshotTTL}, logger.Named("topology"))
	agg := aggregator.New(st, aggregator.Config{
		RecurrenceWindow: cfg.Aggregator.RecurrenceWindow,
		ConflictRetries:  cfg.Aggregator.ConflictRetries,
	}, logger.Named("aggregator"))
	engine := blast.New(topo, blast.Config{
		DefaultMaxHops: cfg.Blast.DefaultMaxHops,
		MaxHops:        cfg.Blast.MaxHops,
		Timeout:        cfg.Blast.Timeout,
		Retries:        cfg.Blast.Retries,
	}, logger.Named("blast"))
	matcher := playbook.New(st, st, playbook.Config{
		SimilarityThreshold: cfg.Matcher.SimilarityThreshold,
		MaxResults:          cfg.Matcher.MaxResults,
		Timeout:             cfg.Matcher.Timeout,
		Retries:             cfg.Matcher.Retries,
	}, logger.Named("playbook"))
	gate := risk.New(engine, topo, risk.Config{Guardrails: guardrails(cfg.Risk)}, logger.Named("risk"))
	ledger := audit.NewLedger(st, logger.Named("audit"))
	remediations := remediation.New(agg, matcher, gate, ledger, remediation.Config{
		ApprovalTimeout: cfg.Remediation.ApprovalTimeout,
	}, logger.Named("remediation"))
	states := agentstate.NewManager(st, logger.Named("agentstate"))
	pipeline := ingest.NewPipeline(agg, ledger, ingest.PipelineConfig{}, logger.Named("ingest"))

	if cfg.Seed.Path != "" {
		cat, err := seed.Load(cfg.Seed.Path)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, cat, topo, matcher, logger.Named("seed")); err != nil {
			return err
		}
	}

	var approvers *auth.Verifier
	if cfg.Auth.ApproverHMACSecret != "" || cfg.Auth.AllowDevApprover {
		approvers, err = auth.NewVerifier(auth.Config{
			HMACSecret:       cfg.Auth.ApproverHMACSecret,
			Scope:            cfg.Auth.ApproverScope,
			Issuer:           cfg.Auth.Issuer,
			AllowDevApprover: cfg.Auth.AllowDevApprover,
		})
		if err != nil {
			return fmt.Errorf("approver auth: %w", err)
		}
		if cfg.Auth.AllowDevApprover {
			logger.Warn("dev approver header enabled; do not use in production", zap.String("header", auth.DevApproverHeader))
		}
	} else {
		logger.Warn("approver auth not configured; approve and reject are disabled")
	}

	server := httpserver.New(httpserver.Deps{
		Store:       st,
		Topology:    topo,
		Incidents:   st,
		Aggregator:  agg,
		Ingest:      pipeline,
		Blast:       engine,
		Matcher:     matcher,
		Remediation: remediations,
		Ledger:      ledger,
		Approvers:   approvers,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, httpserver.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, logger.Named("http"))
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper, err := remediation.NewSweeper(remediations, states, cfg.Remediation.SweepSchedule, logger.Named("sweeper"))
	if err != nil {
		return err
	}

	background := []func(context.Context) error{sweeper.Run}
	if len(cfg.Kafka.Brokers) > 0 {
		reader, err := ingest.NewKafkaReader(ingest.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventsTopic,
			GroupID: cfg.Kafka.GroupID,
		})
		if err != nil {
			return err
		}
		consumer := ingest.NewConsumer(reader, pipeline, states, ingest.ConsumerConfig{
			MaxAttempts: cfg.Kafka.MaxAttempts,
		}, logger.Named("consumer"))
		background = append(background, consumer.Run)
	} else {
		logger.Info("error stream consumer not started: kafka.brokers is empty")
	}

	if cfg.Streamer.Enabled {
		producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.AuditTopic,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		var archiver audit.Archiver
		if cfg.Archive.S3Bucket != "" {
			s3, err := audit.NewS3Archiver(ctx, cfg.Archive.S3Bucket, cfg.Archive.Prefix, cfg.Archive.Region)
			if err != nil {
				_ = producer.Close()
				return fmt.Errorf("s3 archiver: %w", err)
			}
			archiver = s3
		}
		streamer := audit.NewStreamer(st, producer, archiver, audit.StreamerConfig{
			BatchSize:      cfg.Streamer.BatchSize,
			PollInterval:   cfg.Streamer.PollInterval,
			MaxConcurrency: cfg.Streamer.MaxConcurrency,
			MaxAttempts:    cfg.Streamer.MaxAttempts,
		}, logger.Named("streamer"))
		background = append(background, streamer.Run)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("nexus-core listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
		return nil
	})

	for _, fn := range background {
		g.Go(func() error { return fn(gctx) })
	}

	return g.Wait()
}
