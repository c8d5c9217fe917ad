package service

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/episurv/surveillance/internal/jobs"
	"github.com/episurv/surveillance/internal/queue"
	"github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/internal/store/model"
	"github.com/episurv/surveillance/internal/validator"
)

// TaskQueue is the part of the task queue client the job service drives.
type TaskQueue interface {
	InsertRunJob(ctx context.Context, jobID string, priority int) (int64, error)
	CancelTask(ctx context.Context, taskID int64) error
}

type JobService struct {
	store     store.Store
	queue     TaskQueue
	registry  *jobs.Registry
	validator *validator.Validator
}

func NewJobService(s store.Store, q TaskQueue, registry *jobs.Registry) *JobService {
	v := validator.NewValidator()
	v.Register(validator.NewJobValidationRules()...)
	return &JobService{store: s, queue: q, registry: registry, validator: v}
}

type SubmitRequest struct {
	JobType  string `validate:"required,job_type,max=100"`
	Input    map[string]any
	Priority int `validate:"gte=0,lte=100"`
}

type ListRequest struct {
	Statuses []model.JobStatus
	JobType  string `validate:"omitempty,job_type,max=100"`
	Limit    int    `validate:"gte=0,lte=1000"`
	Offset   int    `validate:"gte=0"`
}

// Submit creates a PENDING job and enqueues its execution. If the task cannot be enqueued
// the job is marked FAILED so it does not stay PENDING forever.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	logger := zap.S().Named("job_service").With("job_type", req.JobType)

	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	if s.queue == nil {
		return nil, ErrNoTaskQueue
	}
	// an unregistered type is still accepted; the runner records it as FAILED
	if s.registry != nil {
		if _, err := s.registry.Resolve(req.JobType); err != nil {
			logger.Warnw("submitting job type without a registered processor", "error", err)
		}
	}

	job, err := s.store.Job().Create(ctx, model.Job{
		JobType:   req.JobType,
		Priority:  req.Priority,
		InputData: datatypes.JSONMap(req.Input),
	})
	if err != nil {
		logger.Errorw("failed to create job", "error", err)
		return nil, err
	}
	logger = logger.With("job_id", job.ID)

	taskID, err := s.queue.InsertRunJob(ctx, job.ID, job.Priority)
	if err != nil {
		logger.Errorw("failed to enqueue job", "error", err)
		msg := "enqueueing job: " + err.Error()
		job.Status = model.JobStatusFailed
		job.ErrorMessage = &msg
		if _, ferr := s.store.Job().Finalize(ctx, job); ferr != nil {
			logger.Warnw("failed to mark unqueued job as failed", "error", ferr)
		}
		return nil, err
	}

	// the task may already have finished the job, in which case it recorded the id itself
	if err := s.store.Job().SetExternalTaskID(ctx, job.ID, strconv.FormatInt(taskID, 10)); err != nil && !errors.Is(err, store.ErrAlreadyTerminal) && !errors.Is(err, store.ErrStaleWrite) {
		logger.Warnw("failed to record task id", "task_id", taskID, "error", err)
	}

	logger.Infow("job submitted", "task_id", taskID)
	return s.Get(ctx, job.ID)
}

func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	return job, nil
}

func (s *JobService) List(ctx context.Context, req ListRequest) (model.JobList, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}

	filter := store.NewJobQueryFilter()
	if len(req.Statuses) > 0 {
		for _, status := range req.Statuses {
			if !status.Valid() {
				return nil, NewErrInvalidJobStatus(string(status))
			}
		}
		filter = filter.ByStatus(req.Statuses...)
	}
	if req.JobType != "" {
		filter = filter.ByJobType(req.JobType)
	}

	opts := store.NewJobQueryOptions().WithSortOrder(store.SortByCreatedTime)
	if req.Limit > 0 {
		opts = opts.WithLimit(req.Limit)
	}
	if req.Offset > 0 {
		opts = opts.WithOffset(req.Offset)
	}

	return s.store.Job().List(ctx, filter, opts)
}

// Cancel moves an unfinished job to CANCELLED and asks the task queue to drop its task.
// A processor that is already running is not interrupted; its late result is discarded.
func (s *JobService) Cancel(ctx context.Context, id string) (*model.Job, error) {
	logger := zap.S().Named("job_service").With("job_id", id)

	job, err := s.store.Job().Cancel(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRecordNotFound):
			return nil, NewErrJobNotFound(id)
		case errors.Is(err, store.ErrAlreadyTerminal):
			current, gerr := s.Get(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return nil, NewErrJobAlreadyFinished(id, current.Status)
		default:
			return nil, err
		}
	}

	taskID := s.taskOf(ctx, job)
	if taskID == nil || s.queue == nil {
		logger.Infow("job cancelled, no queued task found")
		return job, nil
	}

	if err := s.queue.CancelTask(ctx, *taskID); err != nil {
		logger.Warnw("job cancelled but its task could not be cancelled", "task_id", *taskID, "error", err)
		return job, nil
	}

	logger.Infow("job cancelled", "task_id", *taskID)
	return job, nil
}

func (s *JobService) taskOf(ctx context.Context, job *model.Job) *int64 {
	if job.ExternalTaskID != nil {
		if id, err := strconv.ParseInt(*job.ExternalTaskID, 10, 64); err == nil {
			return &id
		}
	}

	id, err := s.store.RiverJob().FindActiveTask(ctx, queue.RunJobKind, job.ID)
	if err != nil {
		zap.S().Named("job_service").Debugw("failed to look up queued task", "job_id", job.ID, "error", err)
		return nil
	}
	return id
}
