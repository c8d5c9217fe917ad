package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apiserver "github.com/episurv/surveillance/internal/api_server"
	"github.com/episurv/surveillance/internal/cli"
	"github.com/episurv/surveillance/internal/config"
	"github.com/episurv/surveillance/internal/geocoding"
	"github.com/episurv/surveillance/internal/jobs"
	"github.com/episurv/surveillance/internal/queue"
	"github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/pkg/migrations"
)

const queueStopTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the job and geocoding workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		zap.S().Info("starting episurv workers")
		defer zap.S().Info("episurv workers stopped")

		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalw("reading configuration", "error", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		zap.S().Info("initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalw("initializing data store", "error", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		pool, err := store.InitPgxPool(ctx, cfg)
		if err != nil {
			zap.S().Fatalw("initializing task queue pool", "error", err)
		}
		defer pool.Close()

		if err := migrations.MigrateStore(ctx, db, cfg.Service.MigrationFolder, pool); err != nil {
			zap.S().Fatalw("running migrations", "error", err)
		}

		files, err := cli.NewFiles(cfg)
		if err != nil {
			zap.S().Fatalw("initializing file storage", "error", err)
		}
		producer, err := cli.NewEventProducer(cfg)
		if err != nil {
			zap.S().Fatalw("initializing event producer", "error", err)
		}

		runnerOpts := []jobs.RunnerOption{jobs.WithResourceRemover(files)}
		deps := queue.Dependencies{Sweeper: s.Job()}
		if producer != nil {
			defer producer.Close()
			runnerOpts = append(runnerOpts, jobs.WithPublisher(producer))
			deps.Publisher = producer
		}
		runner := jobs.NewRunner(s, cli.Processors(files), runnerOpts...)

		geocoder, err := cli.NewGeocoder(cfg)
		if err != nil {
			zap.S().Fatalw("initializing geocoding provider", "error", err)
		}

		deps.Runner = runner
		deps.Scheduler = geocoding.NewScheduler(s, geocoder)

		client, err := queue.NewClient(pool, cfg, deps)
		if err != nil {
			zap.S().Fatalw("creating task queue client", "error", err)
		}
		if err := client.Start(ctx); err != nil {
			zap.S().Fatalw("starting task queue client", "error", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), queueStopTimeout)
			defer stopCancel()
			if err := client.Stop(stopCtx); err != nil {
				zap.S().Errorw("failed to stop task queue client", "error", err)
			}
		}()

		geocoding.NewStatsRefresher(s, cfg.Geocoding.StatsInterval).Start(ctx)

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				zap.S().Named("metrics_server").Fatalw("creating listener", "error", err)
			}

			health := func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			}
			metricsServer := apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener, cfg.Service.LogLevel, health)
			if err := metricsServer.Run(ctx); err != nil {
				zap.S().Named("metrics_server").Fatalw("serving metrics", "error", err)
			}
		}()

		<-ctx.Done()
		return nil
	},
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
