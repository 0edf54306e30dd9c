// Command ingest runs ingestion cycles from a Kafka topic into a PostgreSQL backed table.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	ingest "github.com/shogotsuneto/go-simple-ingest"
	"github.com/shogotsuneto/go-simple-ingest/config"
	"github.com/shogotsuneto/go-simple-ingest/kafka"
	"github.com/shogotsuneto/go-simple-ingest/lease"
	"github.com/shogotsuneto/go-simple-ingest/metrics"
	"github.com/shogotsuneto/go-simple-ingest/postgres"
	"github.com/shogotsuneto/go-simple-ingest/schema"
	"github.com/shogotsuneto/go-simple-ingest/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	once := flag.Bool("once", false, "Run a single cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *once); err != nil {
		logger.Error("Ingest stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Ingest stopped")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, once bool) error {
	opts, err := cfg.ToOptions()
	if err != nil {
		return err
	}

	log, err := kafka.NewLog(kafka.Config{Brokers: cfg.Kafka.Brokers, ClientID: cfg.Kafka.ClientID})
	if err != nil {
		return err
	}
	defer log.Close()

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if err := postgres.InitSchema(db, cfg.Postgres.TablePrefix); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	table, err := postgres.NewTable(db, cfg.Postgres.TablePrefix)
	if err != nil {
		return err
	}

	schemas, err := newSchemaProvider(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := metrics.NewObserver(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	deps := ingest.Dependencies{
		Log:      log,
		Schemas:  schemas,
		Commits:  table,
		Writer:   table,
		Observer: observer,
		Logger:   logger,
	}
	if len(cfg.Etcd.Endpoints) > 0 {
		locker, err := lease.New(lease.Config{
			Endpoints:  cfg.Etcd.Endpoints,
			Prefix:     cfg.Etcd.Prefix,
			TTLSeconds: cfg.Etcd.TTLSeconds,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer locker.Close()
		deps.Locker = locker
	}

	controller, err := ingest.NewController(opts, deps)
	if err != nil {
		return err
	}

	if once {
		_, err := controller.RunCycle(ctx)
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Service.MetricsAddr != "" {
		g.Go(func() error {
			return server.Start(ctx, cfg.Service.MetricsAddr, server.Handler(reg, controller), logger)
		})
	}
	g.Go(func() error {
		logger.Info("Starting ingestion",
			zap.String("table", opts.TableID),
			zap.String("source", opts.Source.SourceID),
			zap.Duration("poll_interval", cfg.PollInterval()))
		err := controller.Run(ctx, cfg.PollInterval())
		if err != nil {
			return err
		}
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newSchemaProvider(ctx context.Context, cfg config.Config) (ingest.SchemaProvider, error) {
	switch cfg.Schema.Kind {
	case config.SchemaFile:
		return schema.FromFile(cfg.Source.ID, cfg.Schema.Path)
	case config.SchemaRegistry:
		return schema.NewRegistry(schema.RegistryConfig{
			URL:      cfg.Schema.Registry.URL,
			Username: cfg.Schema.Registry.Username,
			Password: cfg.Schema.Registry.Password,
			CacheTTL: cfg.CacheTTL(),
		})
	case config.SchemaS3:
		return schema.NewS3Provider(ctx, schema.S3Config{
			Bucket:         cfg.Schema.S3.Bucket,
			Region:         cfg.Schema.S3.Region,
			Endpoint:       cfg.Schema.S3.Endpoint,
			KeyPrefix:      cfg.Schema.S3.KeyPrefix,
			ForcePathStyle: cfg.Schema.S3.ForcePathStyle,
		})
	default:
		return nil, nil
	}
}
