package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/episurv/surveillance/internal/geocoding"
	"github.com/episurv/surveillance/internal/queue"
	"github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/internal/store/model"
)

type BatchEnqueuer interface {
	EnqueueGeocodeBatch(ctx context.Context, args queue.GeocodeBatchArgs, delay time.Duration) (int64, error)
}

type BatchRunner interface {
	RunBatch(ctx context.Context, opts geocoding.BatchOptions) (*geocoding.BatchResult, error)
}

type GeocodingService struct {
	store     store.Store
	scheduler BatchRunner
	enqueuer  BatchEnqueuer
	opts      geocoding.BatchOptions
}

// NewGeocodingService builds the operator surface of the geocoding pipeline. Either the
// scheduler or the enqueuer may be nil when only inline or only queued batches are needed.
func NewGeocodingService(s store.Store, scheduler BatchRunner, enqueuer BatchEnqueuer, opts geocoding.BatchOptions) *GeocodingService {
	return &GeocodingService{store: s, scheduler: scheduler, enqueuer: enqueuer, opts: opts}
}

// TriggerResult tells whether a batch was queued or run in place.
type TriggerResult struct {
	TaskID int64                  `json:"task_id,omitempty"`
	Batch  *geocoding.BatchResult `json:"batch,omitempty"`
}

// TriggerBatch starts a batch chain through the task queue, or runs a single batch in place
// when there is no queue.
func (s *GeocodingService) TriggerBatch(ctx context.Context) (*TriggerResult, error) {
	if s.enqueuer != nil {
		taskID, err := s.enqueuer.EnqueueGeocodeBatch(ctx, queue.GeocodeBatchArgs{
			BatchSize:   s.opts.BatchSize,
			MaxAttempts: s.opts.MaxAttempts,
		}, 0)
		if err != nil {
			return nil, err
		}
		zap.S().Named("geocoding_service").Infow("geocoding batch enqueued", "task_id", taskID)
		return &TriggerResult{TaskID: taskID}, nil
	}

	result, err := s.scheduler.RunBatch(ctx, s.opts)
	if err != nil {
		return nil, err
	}
	return &TriggerResult{Batch: result}, nil
}

func (s *GeocodingService) Stats(ctx context.Context) (model.GeocodingStats, error) {
	return s.store.Address().CountByStatus(ctx)
}

// RequeueDisabled makes DISABLED addresses eligible again and triggers a batch when any moved.
func (s *GeocodingService) RequeueDisabled(ctx context.Context) (int64, error) {
	logger := zap.S().Named("geocoding_service")

	count, err := s.store.Address().RequeueDisabled(ctx)
	if err != nil {
		return 0, err
	}
	logger.Infow("disabled addresses requeued", "count", count)

	if count == 0 || s.enqueuer == nil {
		return count, nil
	}
	if _, err := s.TriggerBatch(ctx); err != nil {
		logger.Warnw("addresses requeued but no batch could be triggered", "error", err)
	}
	return count, nil
}
