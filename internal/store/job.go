package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/episurv/surveillance/internal/store/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProgressUpdate is a progress checkpoint reported by a running job.
type ProgressUpdate struct {
	Percentage     int
	Step           string
	CompletedSteps int
	TotalSteps     int
}

// Job interface for job-record operations.
type Job interface {
	Create(ctx context.Context, job model.Job) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, job *model.Job) (*model.Job, error)
	UpdateProgress(ctx context.Context, id string, progress ProgressUpdate) error
	Finalize(ctx context.Context, job *model.Job) (*model.Job, error)
	Cancel(ctx context.Context, id string) (*model.Job, error)
	SetExternalTaskID(ctx context.Context, id string, taskID string) error
	List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error)
	SweepOlderThan(ctx context.Context, status model.JobStatus, age time.Duration) (int64, error)
}

// JobStore implements the Job interface
type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

// Create inserts a new PENDING job. An empty ID is replaced by a fresh uuid.
func (s *JobStore) Create(ctx context.Context, job model.Job) (*model.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.Status = model.JobStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now
	job.StartedAt = nil
	job.CompletedAt = nil

	if err := s.getDB(ctx).Create(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	result := s.getDB(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", result.Error)
	}
	return &job, nil
}

// Update persists every column of a non-terminal job. The stored row must still be
// PENDING or IN_PROGRESS, otherwise ErrAlreadyTerminal is returned and nothing is written.
func (s *JobStore) Update(ctx context.Context, job *model.Job) (*model.Job, error) {
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("update cannot move job %s to terminal status %s, use Finalize", job.ID, job.Status)
	}
	return s.guardedSave(ctx, job)
}

// Finalize writes a terminal state. It is a compare-and-set on the stored status: a job that
// is already COMPLETED, FAILED or CANCELLED is left untouched and ErrAlreadyTerminal is returned.
func (s *JobStore) Finalize(ctx context.Context, job *model.Job) (*model.Job, error) {
	if !job.Status.IsTerminal() {
		return nil, fmt.Errorf("finalize requires a terminal status, got %s", job.Status)
	}
	if job.CompletedAt == nil {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	return s.guardedSave(ctx, job)
}

func (s *JobStore) guardedSave(ctx context.Context, job *model.Job) (*model.Job, error) {
	job.UpdatedAt = time.Now().UTC()

	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ?", job.ID).
		Where("status IN ?", model.ActiveJobStatuses).
		Select("*").
		Omit("id", "created_at").
		Updates(job)
	if result.Error != nil {
		return nil, fmt.Errorf("updating job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, s.missOrTerminal(ctx, job.ID)
	}
	return job, nil
}

// UpdateProgress records a checkpoint. Only IN_PROGRESS jobs accept progress and the
// percentage never goes down; a rejected checkpoint returns ErrStaleWrite.
func (s *JobStore) UpdateProgress(ctx context.Context, id string, progress ProgressUpdate) error {
	pct := min(max(progress.Percentage, 0), 100)

	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ?", id).
		Where("status = ?", model.JobStatusInProgress).
		Where("progress_percentage <= ?", pct).
		Updates(map[string]any{
			"progress_percentage": pct,
			"current_step":        progress.Step,
			"completed_steps":     progress.CompletedSteps,
			"total_steps":         progress.TotalSteps,
			"updated_at":          time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("updating job progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleWrite
	}
	return nil
}

// Cancel moves a PENDING or IN_PROGRESS job to CANCELLED.
func (s *JobStore) Cancel(ctx context.Context, id string) (*model.Job, error) {
	now := time.Now().UTC()

	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ?", id).
		Where("status IN ?", model.ActiveJobStatuses).
		Updates(map[string]any{
			"status":       model.JobStatusCancelled,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("cancelling job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, s.missOrTerminal(ctx, id)
	}
	return s.Get(ctx, id)
}

// SetExternalTaskID records the task queue id of a job that has not finished yet.
// Only that column is written, so a concurrent runner update is never reverted.
func (s *JobStore) SetExternalTaskID(ctx context.Context, id string, taskID string) error {
	result := s.getDB(ctx).Model(&model.Job{}).
		Where("id = ?", id).
		Where("status IN ?", model.ActiveJobStatuses).
		Update("external_task_id", taskID)
	if result.Error != nil {
		return fmt.Errorf("updating job task id: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.missOrTerminal(ctx, id)
	}
	return nil
}

func (s *JobStore) List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error) {
	var jobs model.JobList
	tx := s.getDB(ctx).Model(&jobs)

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	} else {
		tx = tx.Order("created_at DESC")
	}

	if err := tx.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// SweepOlderThan deletes jobs in the given terminal status that completed more than age ago.
func (s *JobStore) SweepOlderThan(ctx context.Context, status model.JobStatus, age time.Duration) (int64, error) {
	if !status.IsTerminal() {
		return 0, fmt.Errorf("sweeping is only allowed for terminal statuses, got %s", status)
	}

	cutoff := time.Now().UTC().Add(-age)
	result := s.getDB(ctx).
		Where("status = ?", status).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&model.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("sweeping %s jobs: %w", status, result.Error)
	}
	return result.RowsAffected, nil
}

func (s *JobStore) missOrTerminal(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	return ErrStaleWrite
}

func (s *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}
