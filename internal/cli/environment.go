package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/episurv/surveillance/internal/config"
	"github.com/episurv/surveillance/internal/events"
	"github.com/episurv/surveillance/internal/geocoding"
	"github.com/episurv/surveillance/internal/geocoding/providers"
	"github.com/episurv/surveillance/internal/jobs"
	"github.com/episurv/surveillance/internal/jobs/caseimport"
	"github.com/episurv/surveillance/internal/queue"
	"github.com/episurv/surveillance/internal/storage"
	"github.com/episurv/surveillance/internal/store"
)

// Environment holds what operator commands need: the store and, on postgres, a client
// that can insert and cancel tasks.
type Environment struct {
	Config *config.Config
	DB     *gorm.DB
	Store  store.Store
	Pool   *pgxpool.Pool
	Queue  *queue.Client
}

func NewEnvironment(ctx context.Context, cfg *config.Config) (*Environment, error) {
	db, err := store.InitDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing data store: %w", err)
	}

	env := &Environment{Config: cfg, DB: db, Store: store.NewStore(db)}
	if cfg.Database.Type != "pgsql" {
		if err := env.Store.InitialMigration(ctx); err != nil {
			env.Close()
			return nil, fmt.Errorf("running initial migration: %w", err)
		}
		return env, nil
	}

	env.Pool, err = store.InitPgxPool(ctx, cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Queue, err = queue.NewInsertOnlyClient(env.Pool, cfg)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("creating queue client: %w", err)
	}
	return env, nil
}

func (e *Environment) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
	if err := e.Store.Close(); err != nil {
		zap.S().Named("cli").Warnw("failed to close store", "error", err)
	}
}

// NewFiles gives access to job files on disk and, when an endpoint is configured, in S3.
func NewFiles(cfg *config.Config) (*storage.Files, error) {
	if cfg.Storage.S3Endpoint == "" {
		return storage.NewFiles(), nil
	}

	objects, err := storage.NewMinioStore(
		storage.WithEndpoint(cfg.Storage.S3Endpoint),
		storage.WithAccessKey(cfg.Storage.S3AccessKey),
		storage.WithSecretKey(cfg.Storage.S3SecretKey),
		storage.WithSSL(cfg.Storage.S3UseSSL),
	)
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	return storage.NewFiles(storage.WithObjectStore(objects)), nil
}

var registerProcessors sync.Once

// Processors registers every processor this binary ships into the process-wide registry and
// returns it. Later calls return the same registry and ignore files.
func Processors(files *storage.Files) *jobs.Registry {
	registerProcessors.Do(func() {
		caseimport.RegisterDefault(files)
	})
	return jobs.Default()
}

// NewGeocoder builds the concurrent geocoder for the configured provider. It returns nil when
// no provider is configured, which makes every batch disable its addresses.
func NewGeocoder(cfg *config.Config) (*geocoding.Geocoder, error) {
	provider, err := providers.New(cfg)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		zap.S().Named("cli").Warn("no geocoding provider configured, addresses will be disabled")
		return nil, nil
	}

	return geocoding.NewGeocoder(provider,
		geocoding.WithChunkSize(cfg.Geocoding.ChunkSize),
		geocoding.WithChunkDelay(cfg.Geocoding.ChunkDelay),
		geocoding.WithCallTimeout(cfg.Geocoding.CallTimeout),
		geocoding.WithRateLimit(cfg.Geocoding.RateLimit),
	), nil
}

// NewEventProducer returns the producer for the configured event writer, or nil when events
// are turned off.
func NewEventProducer(cfg *config.Config) (*events.EventProducer, error) {
	switch cfg.Events.Writer {
	case "":
		return nil, nil
	case "stdout":
		return events.NewEventProducer(&events.StdoutWriter{}, events.WithOutputTopic(cfg.Events.Topic)), nil
	default:
		return nil, fmt.Errorf("unknown event writer %q", cfg.Events.Writer)
	}
}

func BatchOptions(cfg *config.Config) geocoding.BatchOptions {
	return geocoding.BatchOptions{
		BatchSize:   cfg.Geocoding.BatchSize,
		MaxAttempts: cfg.Geocoding.MaxAttempts,
	}
}
