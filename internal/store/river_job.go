package store

import (
	"context"

	"gorm.io/gorm"
)

const (
	RiverJobStateAvailable = "available"
	RiverJobStateRunning   = "running"
	RiverJobStateRetryable = "retryable"
	RiverJobStateScheduled = "scheduled"
)

// RiverJob reads the task queue's own table. It is only available on postgres.
type RiverJob interface {
	FindActiveTask(ctx context.Context, kind string, jobID string) (*int64, error)
}

type RiverJobStore struct {
	db *gorm.DB
}

var _ RiverJob = (*RiverJobStore)(nil)

func NewRiverJobStore(db *gorm.DB) RiverJob {
	return &RiverJobStore{db: db}
}

// FindActiveTask finds the id of the newest unfinished task of the given kind whose args
// carry jobID. Returns nil if there is none.
func (r *RiverJobStore) FindActiveTask(ctx context.Context, kind string, jobID string) (*int64, error) {
	var taskID int64

	err := r.getDB(ctx).
		Table("river_job").
		Select("id").
		Where("kind = ?", kind).
		Where("state IN ?", []string{
			RiverJobStateAvailable,
			RiverJobStateRunning,
			RiverJobStateRetryable,
			RiverJobStateScheduled,
		}).
		Where("args->>'job_id' = ?", jobID).
		Order("id DESC").
		Limit(1).
		Scan(&taskID).Error

	if err != nil {
		return nil, err
	}

	if taskID == 0 {
		return nil, nil
	}

	return &taskID, nil
}

func (r *RiverJobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return r.db.WithContext(ctx)
}
