package jobs_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/episurv/surveillance/internal/events"
	"github.com/episurv/surveillance/internal/jobs"
	st "github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/internal/store/model"
)

var _ = Describe("Runner", func() {
	var (
		store     st.Store
		registry  *jobs.Registry
		remover   *recordingRemover
		publisher *recordingPublisher
		runner    *jobs.Runner
		calls     int
	)

	BeforeEach(func() {
		store = newTestStore()
		registry = jobs.NewRegistry()
		remover = &recordingRemover{}
		publisher = &recordingPublisher{}
		runner = jobs.NewRunner(store, registry, jobs.WithResourceRemover(remover), jobs.WithPublisher(publisher))
		calls = 0
	})

	register := func(name string, run func(ctx context.Context, s st.Store, progress jobs.ProgressFunc, input map[string]any) (*jobs.Result, error)) {
		registry.Register(name, func(s st.Store, progress jobs.ProgressFunc) jobs.Processor {
			return &funcProcessor{
				resource: "/tmp/upload-" + name,
				run: func(ctx context.Context, input map[string]any) (*jobs.Result, error) {
					calls++
					return run(ctx, s, progress, input)
				},
			}
		})
	}

	create := func(jobType string, input map[string]any) *model.Job {
		job, err := store.Job().Create(context.TODO(), model.Job{JobType: jobType, InputData: input})
		Expect(err).To(BeNil())
		Expect(job.Status).To(Equal(model.JobStatusPending))
		return job
	}

	get := func(id string) *model.Job {
		job, err := store.Job().Get(context.TODO(), id)
		Expect(err).To(BeNil())
		return job
	}

	It("completes a job and merges its output", func() {
		register("echo", func(_ context.Context, _ st.Store, _ jobs.ProgressFunc, input map[string]any) (*jobs.Result, error) {
			return jobs.Succeeded(map[string]any{"echo": input["value"]}), nil
		})
		job := create("echo", map[string]any{"value": "hola"})

		outcome, err := runner.Run(context.TODO(), job.ID, "task-1")

		Expect(err).To(BeNil())
		Expect(outcome.Status).To(Equal(model.JobStatusCompleted))
		Expect(outcome.Output).To(HaveKeyWithValue("echo", "hola"))

		stored := get(job.ID)
		Expect(stored.Status).To(Equal(model.JobStatusCompleted))
		Expect(stored.ProgressPercentage).To(Equal(100))
		Expect(stored.StartedAt).ToNot(BeNil())
		Expect(stored.CompletedAt).ToNot(BeNil())
		Expect(*stored.ExternalTaskID).To(Equal("task-1"))
		Expect(stored.OutputData).To(HaveKeyWithValue("echo", "hola"))
		Expect(remover.Removed()).To(ConsistOf("/tmp/upload-echo"))

		Expect(publisher.Events()).To(HaveLen(1))
		event := publisher.Events()[0].(events.JobFinishedEvent)
		Expect(event.JobID).To(Equal(job.ID))
		Expect(event.JobType).To(Equal("echo"))
		Expect(event.Status).To(Equal("COMPLETED"))
		Expect(event.CompletedAt).ToNot(BeNil())
	})

	It("fails an unregistered job type without retrying", func() {
		job := create("unregistered_x", nil)

		outcome, err := runner.Run(context.TODO(), job.ID, "")

		Expect(err).ToNot(BeNil())
		var notRegistered *jobs.NotRegisteredError
		Expect(errors.As(err, &notRegistered)).To(BeTrue())
		Expect(notRegistered.JobType).To(Equal("unregistered_x"))
		Expect(outcome.Status).To(Equal(model.JobStatusFailed))

		stored := get(job.ID)
		Expect(stored.Status).To(Equal(model.JobStatusFailed))
		Expect(*stored.ErrorMessage).To(ContainSubstring("not registered"))
		Expect(stored.CompletedAt).ToNot(BeNil())

		Expect(publisher.Events()).To(HaveLen(1))
		Expect(publisher.Events()[0].(events.JobFinishedEvent).Error).To(ContainSubstring("not registered"))
	})

	It("reports a missing job", func() {
		_, err := runner.Run(context.TODO(), "does-not-exist", "")

		var notFound *jobs.JobNotFoundError
		Expect(errors.As(err, &notFound)).To(BeTrue())
		Expect(notFound.ID).To(Equal("does-not-exist"))
	})

	It("returns a business failure as a normal result and rolls back the work", func() {
		register("import", func(ctx context.Context, s st.Store, _ jobs.ProgressFunc, _ map[string]any) (*jobs.Result, error) {
			_, _, err := s.Address().EnsurePending(ctx, model.Address{Street: "Mitre", Number: "1", LocalityID: "1"})
			Expect(err).To(BeNil())
			return jobs.Failed("missing_columns", "no street column", map[string]any{"sheet": "Casos"}), nil
		})
		job := create("import", nil)

		outcome, err := runner.Run(context.TODO(), job.ID, "")

		Expect(err).To(BeNil())
		Expect(outcome.Status).To(Equal(model.JobStatusFailed))
		Expect(outcome.Failure).ToNot(BeNil())
		Expect(outcome.Failure.Code).To(Equal("missing_columns"))

		stored := get(job.ID)
		Expect(stored.Status).To(Equal(model.JobStatusFailed))
		Expect(*stored.ErrorMessage).To(Equal("missing_columns: no street column"))

		var detail jobs.Failure
		Expect(json.Unmarshal([]byte(*stored.ErrorDetail), &detail)).To(Succeed())
		Expect(detail.Details).To(HaveKeyWithValue("sheet", "Casos"))

		addresses, err := store.Address().List(context.TODO(), nil)
		Expect(err).To(BeNil())
		Expect(addresses).To(BeEmpty())
		Expect(remover.Removed()).To(ConsistOf("/tmp/upload-import"))
	})

	It("records an unexpected error with its stack and hands it back", func() {
		register("broken", func(context.Context, st.Store, jobs.ProgressFunc, map[string]any) (*jobs.Result, error) {
			return nil, errors.New("disk on fire")
		})
		job := create("broken", nil)

		outcome, err := runner.Run(context.TODO(), job.ID, "")

		Expect(err).To(MatchError(ContainSubstring("disk on fire")))
		Expect(outcome.Status).To(Equal(model.JobStatusFailed))

		stored := get(job.ID)
		Expect(*stored.ErrorMessage).To(Equal("disk on fire"))
		Expect(*stored.ErrorDetail).To(ContainSubstring("runner_test.go"))
		Expect(remover.Removed()).To(ConsistOf("/tmp/upload-broken"))
	})

	It("turns a panic into a failed job", func() {
		register("panicky", func(context.Context, st.Store, jobs.ProgressFunc, map[string]any) (*jobs.Result, error) {
			panic("nil map write")
		})
		job := create("panicky", nil)

		_, err := runner.Run(context.TODO(), job.ID, "")

		var panicErr *jobs.PanicError
		Expect(errors.As(err, &panicErr)).To(BeTrue())

		stored := get(job.ID)
		Expect(stored.Status).To(Equal(model.JobStatusFailed))
		Expect(*stored.ErrorMessage).To(ContainSubstring("nil map write"))
		Expect(*stored.ErrorDetail).To(ContainSubstring("goroutine"))
	})

	It("persists progress while the job runs", func() {
		var seen *model.Job
		register("slow", func(ctx context.Context, s st.Store, progress jobs.ProgressFunc, _ map[string]any) (*jobs.Result, error) {
			progress(ctx, st.ProgressUpdate{Percentage: 40, Step: "reading", CompletedSteps: 2, TotalSteps: 5})
			// a lower checkpoint is ignored
			progress(ctx, st.ProgressUpdate{Percentage: 10, Step: "late"})
			j, err := s.Job().Get(st.WithoutTransaction(ctx), jobIDFrom(ctx))
			Expect(err).To(BeNil())
			seen = j
			return jobs.Succeeded(nil), nil
		})
		job := create("slow", nil)

		_, err := runner.Run(withJobID(context.TODO(), job.ID), job.ID, "")

		Expect(err).To(BeNil())
		Expect(seen.Status).To(Equal(model.JobStatusInProgress))
		Expect(seen.ProgressPercentage).To(Equal(40))
		Expect(seen.CurrentStep).To(Equal("reading"))
		Expect(seen.TotalSteps).To(Equal(5))

		stored := get(job.ID)
		Expect(stored.ProgressPercentage).To(Equal(100))
		Expect(stored.CompletedSteps).To(Equal(5))
	})

	Context("task context ends while the job runs", func() {
		BeforeEach(func() {
			register("stuck", func(ctx context.Context, _ st.Store, progress jobs.ProgressFunc, _ map[string]any) (*jobs.Result, error) {
				<-ctx.Done()
				progress(ctx, st.ProgressUpdate{Percentage: 30, Step: "interrupted"})
				return nil, ctx.Err()
			})
		})

		It("fails the job once the deadline expires", func() {
			job := create("stuck", nil)
			ctx, cancel := context.WithTimeout(context.TODO(), 200*time.Millisecond)
			defer cancel()

			outcome, err := runner.Run(ctx, job.ID, "")

			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(outcome.Status).To(Equal(model.JobStatusFailed))

			stored := get(job.ID)
			Expect(stored.Status).To(Equal(model.JobStatusFailed))
			Expect(stored.CompletedAt).ToNot(BeNil())
			Expect(*stored.ErrorMessage).To(ContainSubstring("deadline exceeded"))
			Expect(stored.ProgressPercentage).To(Equal(30))
			Expect(remover.Removed()).To(ConsistOf("/tmp/upload-stuck"))
			Expect(publisher.Events()).To(HaveLen(1))
			Expect(publisher.Events()[0].(events.JobFinishedEvent).Status).To(Equal("FAILED"))
		})

		It("fails the job and removes its upload when the task is cancelled", func() {
			job := create("stuck", nil)
			ctx, cancel := context.WithCancel(context.TODO())
			time.AfterFunc(50*time.Millisecond, cancel)

			_, err := runner.Run(ctx, job.ID, "")

			Expect(errors.Is(err, context.Canceled)).To(BeTrue())

			stored := get(job.ID)
			Expect(stored.Status).To(Equal(model.JobStatusFailed))
			Expect(stored.CompletedAt).ToNot(BeNil())
			Expect(*stored.ErrorMessage).To(ContainSubstring("context canceled"))
			Expect(remover.Removed()).To(ConsistOf("/tmp/upload-stuck"))
		})
	})

	Context("terminal states", func() {
		It("does not run a job that already finished", func() {
			register("echo", func(context.Context, st.Store, jobs.ProgressFunc, map[string]any) (*jobs.Result, error) {
				return jobs.Succeeded(map[string]any{"n": 1}), nil
			})
			job := create("echo", nil)

			_, err := runner.Run(context.TODO(), job.ID, "")
			Expect(err).To(BeNil())
			first := get(job.ID)

			outcome, err := runner.Run(context.TODO(), job.ID, "")
			Expect(err).To(BeNil())
			Expect(outcome.Status).To(Equal(model.JobStatusCompleted))
			Expect(calls).To(Equal(1))
			Expect(*get(job.ID).CompletedAt).To(BeTemporally("==", *first.CompletedAt))
		})

		It("does not start a cancelled job", func() {
			register("echo", func(context.Context, st.Store, jobs.ProgressFunc, map[string]any) (*jobs.Result, error) {
				return jobs.Succeeded(nil), nil
			})
			job := create("echo", nil)
			_, err := store.Job().Cancel(context.TODO(), job.ID)
			Expect(err).To(BeNil())

			outcome, err := runner.Run(context.TODO(), job.ID, "")

			Expect(err).To(BeNil())
			Expect(outcome.Status).To(Equal(model.JobStatusCancelled))
			Expect(calls).To(Equal(0))
			Expect(publisher.Events()).To(BeEmpty())
		})

		It("keeps CANCELLED when a cancelled job completes late", func() {
			register("racy", func(ctx context.Context, s st.Store, _ jobs.ProgressFunc, _ map[string]any) (*jobs.Result, error) {
				_, err := s.Job().Cancel(st.WithoutTransaction(ctx), jobIDFrom(ctx))
				Expect(err).To(BeNil())
				return jobs.Succeeded(map[string]any{"late": true}), nil
			})
			job := create("racy", nil)

			outcome, err := runner.Run(withJobID(context.TODO(), job.ID), job.ID, "")

			Expect(err).To(BeNil())
			Expect(outcome.Status).To(Equal(model.JobStatusCancelled))

			stored := get(job.ID)
			Expect(stored.Status).To(Equal(model.JobStatusCancelled))
			Expect(stored.OutputData).ToNot(HaveKey("late"))
			Expect(publisher.Events()).To(BeEmpty())
		})
	})
})

type jobIDKey struct{}

func withJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

func jobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}
