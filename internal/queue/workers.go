package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/episurv/surveillance/internal/events"
	"github.com/episurv/surveillance/internal/geocoding"
	"github.com/episurv/surveillance/internal/jobs"
	"github.com/episurv/surveillance/internal/store/model"
)

const (
	DefaultJobTimeout   = 30 * time.Minute
	GeocodeBatchTimeout = 15 * time.Minute
	SweepTimeout        = 5 * time.Minute
)

type JobRunner interface {
	Run(ctx context.Context, jobID string, externalTaskID string) (*jobs.Outcome, error)
}

type BatchRunner interface {
	RunBatch(ctx context.Context, opts geocoding.BatchOptions) (*geocoding.BatchResult, error)
}

// BatchEnqueuer schedules follow-up geocoding batches.
type BatchEnqueuer interface {
	EnqueueGeocodeBatch(ctx context.Context, args GeocodeBatchArgs, delay time.Duration) (int64, error)
	ActiveGeocodeBatches(ctx context.Context, excludeTaskID int64) (int, error)
}

type Sweeper interface {
	SweepOlderThan(ctx context.Context, status model.JobStatus, age time.Duration) (int64, error)
}

// Publisher announces processed geocoding batches.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}

type outputRecorder func(ctx context.Context, output any) error

// RunJobWorker runs one tracked job through the job runner.
type RunJobWorker struct {
	river.WorkerDefaults[RunJobArgs]
	runner  JobRunner
	timeout time.Duration
	record  outputRecorder
}

func NewRunJobWorker(runner JobRunner, timeout time.Duration) *RunJobWorker {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &RunJobWorker{runner: runner, timeout: timeout, record: river.RecordOutput}
}

func (w *RunJobWorker) Timeout(job *river.Job[RunJobArgs]) time.Duration {
	return w.timeout
}

func (w *RunJobWorker) Work(ctx context.Context, job *river.Job[RunJobArgs]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	outcome, err := w.runner.Run(ctx, job.Args.JobID, strconv.FormatInt(job.ID, 10))
	if err != nil {
		if isConfigurationFault(err) {
			zap.S().Named("run_job_worker").Errorw("job cannot run, not retrying", "job_id", job.Args.JobID, "error", err)
			return river.JobCancel(err)
		}
		return err
	}

	return w.record(ctx, outcome)
}

func isConfigurationFault(err error) bool {
	var notRegistered *jobs.NotRegisteredError
	var notFound *jobs.JobNotFoundError
	return errors.As(err, &notRegistered) || errors.As(err, &notFound)
}

// GeocodeBatchWorker runs one geocoding batch and schedules the next one while eligible
// addresses remain.
type GeocodeBatchWorker struct {
	river.WorkerDefaults[GeocodeBatchArgs]
	scheduler    BatchRunner
	enqueuer     BatchEnqueuer
	requeueDelay time.Duration
	publisher    Publisher
	record       outputRecorder
}

// NewGeocodeBatchWorker builds the batch worker. publisher may be nil.
func NewGeocodeBatchWorker(scheduler BatchRunner, enqueuer BatchEnqueuer, requeueDelay time.Duration, publisher Publisher) *GeocodeBatchWorker {
	return &GeocodeBatchWorker{
		scheduler:    scheduler,
		enqueuer:     enqueuer,
		requeueDelay: requeueDelay,
		publisher:    publisher,
		record:       river.RecordOutput,
	}
}

func (w *GeocodeBatchWorker) Timeout(job *river.Job[GeocodeBatchArgs]) time.Duration {
	return GeocodeBatchTimeout
}

func (w *GeocodeBatchWorker) Work(ctx context.Context, job *river.Job[GeocodeBatchArgs]) error {
	logger := zap.S().Named("geocode_batch_worker").With("task_id", job.ID)

	if job.Args.Seed {
		active, err := w.enqueuer.ActiveGeocodeBatches(ctx, job.ID)
		if err != nil {
			logger.Warnw("failed to look for running batches", "error", err)
		} else if active > 0 {
			logger.Debugw("geocoding chain already running, skipping seed", "active", active)
			return nil
		}
	}

	result, err := w.scheduler.RunBatch(ctx, geocoding.BatchOptions{
		BatchSize:   job.Args.BatchSize,
		MaxAttempts: job.Args.MaxAttempts,
	})
	if err != nil {
		return err
	}

	if result.MoreRemaining {
		next := GeocodeBatchArgs{BatchSize: job.Args.BatchSize, MaxAttempts: job.Args.MaxAttempts}
		taskID, err := w.enqueuer.EnqueueGeocodeBatch(ctx, next, w.requeueDelay)
		if err != nil {
			return errors.Wrap(err, "scheduling next geocoding batch")
		}
		logger.Infow("next geocoding batch scheduled", "next_task_id", taskID, "remaining", result.Remaining, "delay", w.requeueDelay)
	}

	w.publish(ctx, job.ID, result)
	return w.record(ctx, result)
}

func (w *GeocodeBatchWorker) publish(ctx context.Context, taskID int64, result *geocoding.BatchResult) {
	if w.publisher == nil || result.Status == geocoding.BatchNoPending {
		return
	}
	err := w.publisher.Publish(ctx, events.GeocodingBatchKind, events.GeocodingBatchEvent{
		TaskID:            taskID,
		Status:            string(result.Status),
		Selected:          result.Selected,
		Geocoded:          result.Geocoded,
		TransientFailures: result.TransientFailures,
		PermanentFailures: result.PermanentFailures,
		NotGeocodable:     result.NotGeocodable,
		Disabled:          result.Disabled,
		Remaining:         result.Remaining,
	})
	if err != nil {
		zap.S().Named("geocode_batch_worker").Warnw("failed to publish batch event", "task_id", taskID, "error", err)
	}
}

// Retention is the age after which finished jobs of each terminal status are deleted.
// A zero age keeps jobs of that status forever.
type Retention map[model.JobStatus]time.Duration

// RetentionSweepWorker deletes finished jobs older than their retention.
type RetentionSweepWorker struct {
	river.WorkerDefaults[RetentionSweepArgs]
	sweeper   Sweeper
	retention Retention
}

func NewRetentionSweepWorker(sweeper Sweeper, retention Retention) *RetentionSweepWorker {
	return &RetentionSweepWorker{sweeper: sweeper, retention: retention}
}

func (w *RetentionSweepWorker) Timeout(job *river.Job[RetentionSweepArgs]) time.Duration {
	return SweepTimeout
}

func (w *RetentionSweepWorker) Work(ctx context.Context, job *river.Job[RetentionSweepArgs]) error {
	logger := zap.S().Named("retention_sweep_worker")

	for _, status := range model.TerminalJobStatuses {
		age := w.retention[status]
		if age <= 0 {
			continue
		}
		deleted, err := w.sweeper.SweepOlderThan(ctx, status, age)
		if err != nil {
			return errors.Wrapf(err, "sweeping %s jobs", status)
		}
		if deleted > 0 {
			logger.Infow("swept finished jobs", "status", status, "older_than", age, "deleted", deleted)
		}
	}
	return nil
}
