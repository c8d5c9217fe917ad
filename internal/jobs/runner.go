package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/episurv/surveillance/internal/events"
	"github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/internal/store/model"
	"github.com/episurv/surveillance/pkg/metrics"
)

// ResourceRemover deletes job-scoped resources. Removing something already gone is not an error.
type ResourceRemover interface {
	Remove(ctx context.Context, uri string) error
}

// Publisher announces jobs that reached a terminal state.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// Outcome is the structured result of one runner invocation.
type Outcome struct {
	JobID   string          `json:"job_id"`
	JobType string          `json:"job_type"`
	Status  model.JobStatus `json:"status"`
	Output  map[string]any  `json:"output,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// Runner drives one job through its state machine:
// PENDING -> IN_PROGRESS -> COMPLETED | FAILED. CANCELLED is written out of band.
// terminalWriteTimeout bounds the writes that must happen after the task context is gone.
const terminalWriteTimeout = 10 * time.Second

type Runner struct {
	store     store.Store
	registry  *Registry
	remover   ResourceRemover
	publisher Publisher
}

type RunnerOption func(r *Runner)

func WithResourceRemover(remover ResourceRemover) RunnerOption {
	return func(r *Runner) {
		r.remover = remover
	}
}

func WithPublisher(publisher Publisher) RunnerOption {
	return func(r *Runner) {
		r.publisher = publisher
	}
}

func NewRunner(s store.Store, registry *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{store: s, registry: registry}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes the job identified by jobID. Expected domain failures are returned as a FAILED
// outcome with a nil error. Configuration faults (unknown job, unregistered type) and unexpected
// processor errors are returned as errors after the job has been marked FAILED.
func (r *Runner) Run(ctx context.Context, jobID string, externalTaskID string) (*Outcome, error) {
	logger := zap.S().Named("job_runner").With("job_id", jobID)

	job, err := r.store.Job().Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewJobNotFoundError(jobID)
		}
		return nil, err
	}
	logger = logger.With("job_type", job.JobType)

	if job.Status.IsTerminal() {
		logger.Infow("job already finished, nothing to run", "status", job.Status)
		return outcomeOf(job), nil
	}

	factory, err := r.registry.Resolve(job.JobType)
	if err != nil {
		logger.Errorw("no processor for job type", "error", err)
		finished, ferr := r.finalize(ctx, jobID, markFailed(err.Error(), fmt.Sprintf("%+v", errors.WithStack(err))))
		if ferr != nil && !errors.Is(ferr, store.ErrAlreadyTerminal) {
			logger.Errorw("failed to record job failure", "error", ferr)
		}
		if ferr == nil {
			r.finished(ctx, finished)
		}
		return outcomeOf(finished), err
	}

	now := time.Now().UTC()
	job.Status = model.JobStatusInProgress
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if externalTaskID != "" {
		job.ExternalTaskID = &externalTaskID
	}
	if job, err = r.store.Job().Update(ctx, job); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			current, gerr := r.store.Job().Get(ctx, jobID)
			if gerr != nil {
				return nil, gerr
			}
			logger.Infow("job finished before it started", "status", current.Status)
			return outcomeOf(current), nil
		}
		return nil, err
	}
	logger.Info("job started")

	processor := factory(r.store, r.progressFunc(ctx, jobID))
	input := map[string]any(job.InputData)
	defer r.cleanup(ctx, processor, input)

	txCtx, err := r.store.NewTransactionContext(ctx)
	if err != nil {
		return r.fail(ctx, jobID, errors.Wrap(err, "opening work transaction"))
	}

	result, err := safeRun(txCtx, processor, input)
	switch {
	case err != nil:
		rollback(txCtx, logger)
		return r.fail(ctx, jobID, err)
	case result != nil && result.Failure != nil:
		rollback(txCtx, logger)
		return r.businessFailure(ctx, jobID, result.Failure)
	}

	if _, err := store.Commit(txCtx); err != nil {
		return r.fail(ctx, jobID, errors.Wrap(err, "committing job work"))
	}

	var output map[string]any
	if result != nil {
		output = result.Output
	}
	finished, err := r.finalize(ctx, jobID, func(j *model.Job) {
		j.MergeOutput(output)
		j.Status = model.JobStatusCompleted
		j.ProgressPercentage = 100
		if j.TotalSteps > 0 {
			j.CompletedSteps = j.TotalSteps
		}
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			logger.Warnw("job reached a terminal state while running, result discarded", "status", finished.Status)
			return outcomeOf(finished), nil
		}
		return nil, err
	}

	logger.Info("job completed")
	r.finished(ctx, finished)
	return outcomeOf(finished), nil
}

func (r *Runner) businessFailure(ctx context.Context, jobID string, failure *Failure) (*Outcome, error) {
	logger := zap.S().Named("job_runner").With("job_id", jobID)

	detail, err := json.Marshal(failure)
	if err != nil {
		detail = []byte(failure.Error())
	}

	finished, err := r.finalize(ctx, jobID, func(j *model.Job) {
		markFailed(failure.Error(), string(detail))(j)
		j.MergeOutput(map[string]any{"failure": failure})
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			logger.Warnw("job reached a terminal state while running, failure discarded", "status", finished.Status)
			return outcomeOf(finished), nil
		}
		return nil, err
	}

	logger.Infow("job failed", "code", failure.Code, "reason", failure.Message)
	r.finished(ctx, finished)

	outcome := outcomeOf(finished)
	outcome.Failure = failure
	return outcome, nil
}

// fail records an unexpected error and hands it back so the task queue observes it too.
func (r *Runner) fail(ctx context.Context, jobID string, cause error) (*Outcome, error) {
	logger := zap.S().Named("job_runner").With("job_id", jobID)
	logger.Errorw("job raised an unexpected error", "error", cause)

	finished, err := r.finalize(ctx, jobID, markFailed(cause.Error(), errorDetail(cause)))
	if err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		logger.Errorw("failed to record job failure", "error", err)
		return nil, cause
	}
	if err == nil {
		r.finished(ctx, finished)
	}
	return outcomeOf(finished), cause
}

// finalize reloads the job in a fresh transaction, applies mutate and writes the terminal state.
// A job that is already terminal is returned untouched together with store.ErrAlreadyTerminal.
// A failed write is retried once on a newly loaded record.
func (r *Runner) finalize(ctx context.Context, jobID string, mutate func(j *model.Job)) (*model.Job, error) {
	ctx, cancel := detach(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		job, err := r.finalizeOnce(ctx, jobID, mutate)
		if err == nil || errors.Is(err, store.ErrAlreadyTerminal) || errors.Is(err, store.ErrRecordNotFound) {
			return job, err
		}
		lastErr = err
		zap.S().Named("job_runner").Warnw("terminal write failed, reloading", "job_id", jobID, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (r *Runner) finalizeOnce(ctx context.Context, jobID string, mutate func(j *model.Job)) (*model.Job, error) {
	txCtx, err := r.store.NewTransactionContext(ctx)
	if err != nil {
		return nil, err
	}

	job, err := r.store.Job().Get(txCtx, jobID)
	if err != nil {
		_, _ = store.Rollback(txCtx)
		return nil, err
	}
	if job.Status.IsTerminal() {
		_, _ = store.Rollback(txCtx)
		return job, store.ErrAlreadyTerminal
	}

	mutate(job)
	finished, err := r.store.Job().Finalize(txCtx, job)
	if err != nil {
		_, _ = store.Rollback(txCtx)
		if errors.Is(err, store.ErrAlreadyTerminal) {
			current, gerr := r.store.Job().Get(ctx, jobID)
			if gerr != nil {
				return nil, gerr
			}
			return current, err
		}
		return nil, err
	}

	if _, err := store.Commit(txCtx); err != nil {
		return nil, err
	}
	return finished, nil
}

// finished records a job that this runner moved to a terminal state.
func (r *Runner) finished(ctx context.Context, job *model.Job) {
	metrics.IncreaseJobsFinishedMetric(job.JobType, string(job.Status))

	if r.publisher == nil {
		return
	}
	ctx, cancel := detach(ctx)
	defer cancel()

	event := events.JobFinishedEvent{
		JobID:       job.ID,
		JobType:     job.JobType,
		Status:      string(job.Status),
		CompletedAt: job.CompletedAt,
	}
	if job.ErrorMessage != nil {
		event.Error = *job.ErrorMessage
	}
	if err := r.publisher.Publish(ctx, events.JobFinishedKind, event); err != nil {
		zap.S().Named("job_runner").Warnw("failed to publish job event", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) progressFunc(ctx context.Context, jobID string) ProgressFunc {
	return func(_ context.Context, progress store.ProgressUpdate) {
		ctx, cancel := detach(ctx)
		defer cancel()
		if err := r.store.Job().UpdateProgress(ctx, jobID, progress); err != nil {
			zap.S().Named("job_runner").Warnw("failed to persist job progress",
				"job_id", jobID, "percentage", progress.Percentage, "step", progress.Step, "error", err)
		}
	}
}

func (r *Runner) cleanup(ctx context.Context, processor Processor, input map[string]any) {
	holder, ok := processor.(TempResourceHolder)
	if !ok || r.remover == nil {
		return
	}
	uri := holder.TempResource(input)
	if uri == "" {
		return
	}
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := r.remover.Remove(ctx, uri); err != nil {
		zap.S().Named("job_runner").Warnw("failed to remove job resource", "uri", uri, "error", err)
	}
}

// detach keeps the values of ctx but drops its transaction and its cancellation, so terminal
// writes and cleanup still happen after the task deadline expired or the task was cancelled.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(store.WithoutTransaction(context.WithoutCancel(ctx)), terminalWriteTimeout)
}

func safeRun(ctx context.Context, processor Processor, input map[string]any) (result *Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return processor.Run(ctx, input)
}

func rollback(ctx context.Context, logger *zap.SugaredLogger) {
	if _, err := store.Rollback(ctx); err != nil {
		logger.Warnw("failed to roll back work transaction", "error", err)
	}
}

func markFailed(message, detail string) func(j *model.Job) {
	return func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.ErrorMessage = &message
		j.ErrorDetail = &detail
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func errorDetail(err error) string {
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return fmt.Sprintf("%v\n%s", panicErr.Value, panicErr.Stack)
	}
	var tracer stackTracer
	if errors.As(err, &tracer) {
		return fmt.Sprintf("%+v", err)
	}
	return fmt.Sprintf("%+v", errors.WithStack(err))
}

func outcomeOf(job *model.Job) *Outcome {
	if job == nil {
		return nil
	}
	return &Outcome{
		JobID:   job.ID,
		JobType: job.JobType,
		Status:  job.Status,
		Output:  job.OutputData,
	}
}
