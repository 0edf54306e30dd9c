// Package config loads the YAML configuration of the ingest daemon.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ingest "github.com/shogotsuneto/go-simple-ingest"
	"github.com/shogotsuneto/go-simple-ingest/codec"
)

// Schema provider kinds.
const (
	SchemaNone     = "none"
	SchemaFile     = "file"
	SchemaRegistry = "registry"
	SchemaS3       = "s3"
)

// ResetNone disables the reset policy so that new partitions fail the cycle.
const ResetNone = "none"

// Config defines the daemon configuration.
type Config struct {
	Table    TableConfig    `yaml:"table"`
	Source   SourceConfig   `yaml:"source"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
	Schema   SchemaConfig   `yaml:"schema"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	Service  ServiceConfig  `yaml:"service"`
	Log      LogConfig      `yaml:"log"`
}

type TableConfig struct {
	ID                     string `yaml:"id"`
	Mode                   string `yaml:"mode"`
	CompactionDeltaCommits int    `yaml:"compaction_delta_commits"`
}

type SourceConfig struct {
	// ID defaults to Topic; the two must match when both are set
	ID                 string `yaml:"id"`
	Topic              string `yaml:"topic"`
	Reset              string `yaml:"reset"`
	Codec              string `yaml:"codec"`
	EnrichMetadata     bool   `yaml:"enrich_metadata"`
	KeyField           string `yaml:"key_field"`
	MaxRecordsPerCycle int64  `yaml:"max_records_per_cycle"`
	FailOnDataLoss     bool   `yaml:"fail_on_data_loss"`
	InitialCheckpoint  string `yaml:"initial_checkpoint"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
}

type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

type SchemaConfig struct {
	Kind string `yaml:"kind"`
	// Path is the Avro schema file for kind file
	Path            string   `yaml:"path"`
	Registry        Registry `yaml:"registry"`
	S3              S3       `yaml:"s3"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
}

type Registry struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type S3 struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	KeyPrefix      string `yaml:"key_prefix"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

type EtcdConfig struct {
	Endpoints  []string `yaml:"endpoints"`
	Prefix     string   `yaml:"prefix"`
	TTLSeconds int      `yaml:"ttl_seconds"`
}

type ServiceConfig struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	MetricsAddr         string `yaml:"metrics_addr"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset optional values.
func (c *Config) ApplyDefaults() {
	if c.Table.CompactionDeltaCommits == 0 {
		c.Table.CompactionDeltaCommits = ingest.DefaultCompactionThreshold
	}
	if c.Source.ID == "" {
		c.Source.ID = c.Source.Topic
	}
	if c.Source.Reset == "" {
		c.Source.Reset = string(ingest.ResetLatest)
	}
	if c.Source.Codec == "" {
		c.Source.Codec = string(codec.KindJSON)
	}
	if c.Postgres.TablePrefix == "" {
		c.Postgres.TablePrefix = "ingest"
	}
	if c.Schema.Kind == "" {
		c.Schema.Kind = SchemaNone
	}
	if c.Service.PollIntervalSeconds == 0 {
		c.Service.PollIntervalSeconds = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	if c.Source.Topic != "" && c.Source.Topic != c.Source.ID {
		return &ingest.ConfigurationError{Field: "source.topic", Reason: fmt.Sprintf("must equal source.id %q", c.Source.ID)}
	}
	if _, err := c.ToOptions(); err != nil {
		return err
	}
	if len(c.Kafka.Brokers) == 0 {
		return &ingest.ConfigurationError{Field: "kafka.brokers", Reason: "at least one broker is required"}
	}
	if c.Postgres.DSN == "" {
		return &ingest.ConfigurationError{Field: "postgres.dsn", Reason: "must not be empty"}
	}
	if err := c.validateSchema(); err != nil {
		return err
	}
	if c.Service.PollIntervalSeconds < 0 {
		return &ingest.ConfigurationError{Field: "service.poll_interval_seconds", Reason: "must be positive"}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &ingest.ConfigurationError{Field: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	return nil
}

func (c Config) validateSchema() error {
	switch c.Schema.Kind {
	case SchemaNone:
		kind, _ := codec.ParseKind(c.Source.Codec)
		if kind.RequiresSchema() {
			return &ingest.ConfigurationError{Field: "schema.kind", Reason: fmt.Sprintf("codec %s requires a schema provider", kind)}
		}
	case SchemaFile:
		if c.Schema.Path == "" {
			return &ingest.ConfigurationError{Field: "schema.path", Reason: "must not be empty"}
		}
	case SchemaRegistry:
		if c.Schema.Registry.URL == "" {
			return &ingest.ConfigurationError{Field: "schema.registry.url", Reason: "must not be empty"}
		}
	case SchemaS3:
		if c.Schema.S3.Bucket == "" || c.Schema.S3.Region == "" {
			return &ingest.ConfigurationError{Field: "schema.s3", Reason: "bucket and region are required"}
		}
	default:
		return &ingest.ConfigurationError{Field: "schema.kind", Reason: fmt.Sprintf("unknown kind %q", c.Schema.Kind)}
	}
	return nil
}

// ToOptions converts the table and source sections into validated ingest options.
func (c Config) ToOptions() (ingest.Options, error) {
	mode, err := ingest.ParseTableMode(c.Table.Mode)
	if err != nil {
		return ingest.Options{}, err
	}

	resetValue := c.Source.Reset
	if resetValue == ResetNone {
		resetValue = ""
	}
	reset, err := ingest.ParseResetPolicy(resetValue)
	if err != nil {
		return ingest.Options{}, &ingest.ConfigurationError{Field: "source.reset", Reason: fmt.Sprintf("unknown policy %q (want earliest, latest or none)", c.Source.Reset)}
	}

	kind, err := codec.ParseKind(c.Source.Codec)
	if err != nil {
		return ingest.Options{}, &ingest.ConfigurationError{Field: "source.codec", Reason: err.Error()}
	}

	opts := ingest.Options{
		TableID:             c.Table.ID,
		Mode:                mode,
		CompactionThreshold: c.Table.CompactionDeltaCommits,
		Source: ingest.SourceConfig{
			SourceID:       c.Source.ID,
			Codec:          kind,
			EnrichMetadata: c.Source.EnrichMetadata,
			KeyField:       c.Source.KeyField,
		},
		Reset:              reset,
		MaxRecordsPerCycle: c.Source.MaxRecordsPerCycle,
		FailOnDataLoss:     c.Source.FailOnDataLoss,
		InitialCheckpoint:  c.Source.InitialCheckpoint,
	}
	if err := opts.Validate(); err != nil {
		return ingest.Options{}, err
	}
	return opts, nil
}

// PollInterval returns the pause between cycles.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Service.PollIntervalSeconds) * time.Second
}

// CacheTTL returns how long a fetched schema is reused.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Schema.CacheTTLSeconds) * time.Second
}
