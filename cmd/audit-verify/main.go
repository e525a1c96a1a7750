// Command audit-verify re-walks the audit ledger hash chain and reports the
// first broken link. It exits 2 when the chain is broken.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/something1703/Nexus-Zero/internal/audit"
	"github.com/something1703/Nexus-Zero/internal/config"
	"github.com/something1703/Nexus-Zero/internal/logging"
	"github.com/something1703/Nexus-Zero/internal/store"
)

type report struct {
	OK       bool   `json:"ok"`
	Verified int    `json:"verified"`
	EntryID  string `json:"entryId,omitempty"`
	Seq      int64  `json:"seq,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func main() {
	configPath := flag.String("config", "configs/nexus.yaml", "path to the YAML config file")
	databaseURL := flag.String("database-url", "", "overrides store.database_url")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall verification deadline")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil && *databaseURL == "" {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}
	if *databaseURL != "" {
		cfg.Store.DatabaseURL = *databaseURL
		cfg.Store.Driver = config.DriverPostgres
	}
	if cfg.Store.Driver != config.DriverPostgres || cfg.Store.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "audit-verify needs a postgres store.database_url")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rep, err := verify(ctx, cfg.Store.DatabaseURL, logger)
	if err != nil {
		logger.Error("verification failed", zap.Error(err))
		os.Exit(1)
	}
	_ = json.NewEncoder(os.Stdout).Encode(rep)
	if !rep.OK {
		os.Exit(2)
	}
}

func verify(ctx context.Context, dsn string, logger *zap.Logger) (report, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return report{}, fmt.Errorf("db open: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return report{}, fmt.Errorf("db ping: %w", err)
	}

	ledger := audit.NewLedger(store.NewPGStore(db), logger)
	n, err := ledger.VerifyChain(ctx)
	var broken *audit.ChainError
	switch {
	case errors.As(err, &broken):
		logger.Warn("audit chain broken",
			zap.String("entry_id", broken.EntryID.String()),
			zap.Int64("seq", broken.Seq),
			zap.String("reason", broken.Reason),
		)
		return report{Verified: n, EntryID: broken.EntryID.String(), Seq: broken.Seq, Reason: broken.Reason}, nil
	case err != nil:
		return report{}, err
	}
	logger.Info("audit chain intact", zap.Int("entries", n))
	return report{OK: true, Verified: n}, nil
}
