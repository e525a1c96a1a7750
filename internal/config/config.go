package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Log         LogConfig         `mapstructure:"log"`
	Aggregator  AggregatorConfig  `mapstructure:"aggregator"`
	Blast       BlastConfig       `mapstructure:"blast"`
	Matcher     MatcherConfig     `mapstructure:"matcher"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Remediation RemediationConfig `mapstructure:"remediation"`
	Topology    TopologyConfig    `mapstructure:"topology"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Streamer    StreamerConfig    `mapstructure:"streamer"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Seed        SeedConfig        `mapstructure:"seed"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DatabaseURL     string        `mapstructure:"database_url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AggregatorConfig struct {
	RecurrenceWindow time.Duration `mapstructure:"recurrence_window"`
	ConflictRetries  int           `mapstructure:"conflict_retries"`
}

type BlastConfig struct {
	DefaultMaxHops int           `mapstructure:"default_max_hops"`
	MaxHops        int           `mapstructure:"max_hops"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Retries        int           `mapstructure:"retries"`
}

type MatcherConfig struct {
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	MaxResults          int           `mapstructure:"max_results"`
	Timeout             time.Duration `mapstructure:"timeout"`
	Retries             int           `mapstructure:"retries"`
}

type RiskConfig struct {
	MaxBlastRadius int      `mapstructure:"max_blast_radius"`
	MaxScaleFactor float64  `mapstructure:"max_scale_factor"`
	PeakHoursStart int      `mapstructure:"peak_hours_start"`
	PeakHoursEnd   int      `mapstructure:"peak_hours_end"`
	PeakBlocked    []string `mapstructure:"peak_blocked"`
}

type RemediationConfig struct {
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
}

type TopologyConfig struct {
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	EventsTopic  string        `mapstructure:"events_topic"`
	GroupID      string        `mapstructure:"group_id"`
	AuditTopic   string        `mapstructure:"audit_topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type ArchiveConfig struct {
	S3Bucket string `mapstructure:"s3_bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
}

type StreamerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

type AuthConfig struct {
	ApproverHMACSecret string `mapstructure:"approver_hmac_secret"`
	ApproverScope      string `mapstructure:"approver_scope"`
	Issuer             string `mapstructure:"issuer"`
	AllowDevApprover   bool   `mapstructure:"allow_dev_approver"`
}

type SeedConfig struct {
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8047")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", int64(1<<20))

	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("store.migrate", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("aggregator.recurrence_window", time.Duration(0))
	v.SetDefault("aggregator.conflict_retries", 5)

	v.SetDefault("blast.default_max_hops", 5)
	v.SetDefault("blast.max_hops", 10)
	v.SetDefault("blast.timeout", 2*time.Second)
	v.SetDefault("blast.retries", 3)

	v.SetDefault("matcher.similarity_threshold", 0.7)
	v.SetDefault("matcher.max_results", 5)
	v.SetDefault("matcher.timeout", 2*time.Second)
	v.SetDefault("matcher.retries", 3)

	v.SetDefault("risk.max_blast_radius", 5)
	v.SetDefault("risk.max_scale_factor", 3.0)
	v.SetDefault("risk.peak_hours_start", 14)
	v.SetDefault("risk.peak_hours_end", 22)
	v.SetDefault("risk.peak_blocked", []string{"restart", "scale_down"})

	v.SetDefault("remediation.approval_timeout", 30*time.Minute)
	v.SetDefault("remediation.sweep_schedule", "@every 1m")

	v.SetDefault("topology.snapshot_ttl", 5*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.events_topic", "nexus.error-events")
	v.SetDefault("kafka.group_id", "nexus-core")
	v.SetDefault("kafka.audit_topic", "nexus.audit")
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("kafka.max_attempts", 5)

	v.SetDefault("archive.s3_bucket", "")
	v.SetDefault("archive.prefix", "nexus")
	v.SetDefault("archive.region", "")

	v.SetDefault("streamer.enabled", false)
	v.SetDefault("streamer.batch_size", 10)
	v.SetDefault("streamer.poll_interval", 3*time.Second)
	v.SetDefault("streamer.max_concurrency", 5)
	v.SetDefault("streamer.max_attempts", 5)

	v.SetDefault("auth.approver_hmac_secret", "")
	v.SetDefault("auth.approver_scope", "remediation:approve")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.allow_dev_approver", false)

	v.SetDefault("seed.path", "")
}

// Load reads defaults, then the optional YAML file at path, then NEXUS_*
// environment variables (NEXUS_STORE_DATABASE_URL for store.database_url).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Blast.DefaultMaxHops <= 0 || c.Blast.MaxHops < c.Blast.DefaultMaxHops {
		return fmt.Errorf("blast hops invalid: default %d, max %d", c.Blast.DefaultMaxHops, c.Blast.MaxHops)
	}
	if c.Matcher.SimilarityThreshold < 0 || c.Matcher.SimilarityThreshold > 1 {
		return fmt.Errorf("matcher.similarity_threshold must be within [0,1], got %v", c.Matcher.SimilarityThreshold)
	}
	if c.Matcher.MaxResults <= 0 {
		return errors.New("matcher.max_results must be positive")
	}
	if c.Aggregator.RecurrenceWindow < 0 {
		return errors.New("aggregator.recurrence_window must not be negative")
	}
	if c.Streamer.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("streamer.enabled requires kafka.brokers")
	}
	return nil
}
