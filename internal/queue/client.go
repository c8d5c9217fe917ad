package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/episurv/surveillance/internal/config"
	"github.com/episurv/surveillance/internal/store/model"
)

// Dependencies are what the workers delegate to.
type Dependencies struct {
	Runner    JobRunner
	Scheduler BatchRunner
	Sweeper   Sweeper
	Publisher Publisher
}

type Client struct {
	*river.Client[pgx.Tx]
	jobMaxAttempts int
}

// NewClient builds a client that works the jobs, geocoding and maintenance queues and
// inserts the periodic geocoding seed and retention sweep.
func NewClient(pool *pgxpool.Pool, cfg *config.Config, deps Dependencies) (*Client, error) {
	c := &Client{jobMaxAttempts: cfg.Queue.JobMaxAttempts}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewRunJobWorker(deps.Runner, cfg.Queue.JobTimeout))
	river.AddWorker(workers, NewGeocodeBatchWorker(deps.Scheduler, c, cfg.Geocoding.RequeueDelay, deps.Publisher))
	river.AddWorker(workers, NewRetentionSweepWorker(deps.Sweeper, RetentionFromConfig(cfg)))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			DefaultQueue:     {MaxWorkers: cfg.Queue.MaxWorkers},
			GeocodingQueue:   {MaxWorkers: 1},
			MaintenanceQueue: {MaxWorkers: 1},
		},
		Workers:      workers,
		PeriodicJobs: periodicJobs(cfg),
	})
	if err != nil {
		return nil, err
	}

	c.Client = riverClient
	return c, nil
}

// NewInsertOnlyClient builds a client that can insert and cancel tasks but works none.
func NewInsertOnlyClient(pool *pgxpool.Pool, cfg *config.Config) (*Client, error) {
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		return nil, err
	}
	return &Client{Client: riverClient, jobMaxAttempts: cfg.Queue.JobMaxAttempts}, nil
}

func periodicJobs(cfg *config.Config) []*river.PeriodicJob {
	seed := GeocodeBatchArgs{
		BatchSize:   cfg.Geocoding.BatchSize,
		MaxAttempts: cfg.Geocoding.MaxAttempts,
		Seed:        true,
	}

	var periodic []*river.PeriodicJob
	if cfg.Geocoding.Interval > 0 {
		periodic = append(periodic, river.NewPeriodicJob(
			river.PeriodicInterval(cfg.Geocoding.Interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return seed, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}
	if cfg.Retention.Interval > 0 {
		periodic = append(periodic, river.NewPeriodicJob(
			river.PeriodicInterval(cfg.Retention.Interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return RetentionSweepArgs{}, nil
			},
			nil,
		))
	}
	return periodic
}

func RetentionFromConfig(cfg *config.Config) Retention {
	return Retention{
		model.JobStatusCompleted: cfg.Retention.Completed,
		model.JobStatusFailed:    cfg.Retention.Failed,
		model.JobStatusCancelled: cfg.Retention.Cancelled,
	}
}

// InsertRunJob enqueues the execution of a tracked job and returns the task id. Jobs with a
// higher priority are fetched first from the jobs queue.
func (c *Client) InsertRunJob(ctx context.Context, jobID string, priority int) (int64, error) {
	opts := &river.InsertOpts{
		Queue:       DefaultQueue,
		MaxAttempts: DefaultJobMaxAttempts,
		Priority:    RunJobPriority(priority),
	}
	if c.jobMaxAttempts > 0 {
		opts.MaxAttempts = c.jobMaxAttempts
	}

	result, err := c.Insert(ctx, RunJobArgs{JobID: jobID}, opts)
	if err != nil {
		return 0, err
	}
	return result.Job.ID, nil
}

// EnqueueGeocodeBatch enqueues a geocoding batch to run after delay.
func (c *Client) EnqueueGeocodeBatch(ctx context.Context, args GeocodeBatchArgs, delay time.Duration) (int64, error) {
	opts := &river.InsertOpts{Queue: GeocodingQueue}
	if delay > 0 {
		opts.ScheduledAt = time.Now().Add(delay)
	}

	result, err := c.Insert(ctx, args, opts)
	if err != nil {
		return 0, err
	}
	return result.Job.ID, nil
}

// ActiveGeocodeBatches counts geocoding batches waiting or running, other than excludeTaskID.
func (c *Client) ActiveGeocodeBatches(ctx context.Context, excludeTaskID int64) (int, error) {
	params := river.NewJobListParams().
		Kinds(GeocodeBatchKind).
		States(
			rivertype.JobStateAvailable,
			rivertype.JobStatePending,
			rivertype.JobStateRetryable,
			rivertype.JobStateRunning,
			rivertype.JobStateScheduled,
		).
		First(10)

	result, err := c.JobList(ctx, params)
	if err != nil {
		return 0, err
	}

	active := 0
	for _, row := range result.Jobs {
		if row.ID != excludeTaskID {
			active++
		}
	}
	return active, nil
}

// CancelTask asks the queue to cancel a task. A task the queue no longer knows is ignored.
func (c *Client) CancelTask(ctx context.Context, taskID int64) error {
	_, err := c.JobCancel(ctx, taskID)
	if err != nil && !errors.Is(err, river.ErrNotFound) {
		return err
	}
	return nil
}
