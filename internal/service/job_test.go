package service_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/episurv/surveillance/internal/jobs"
	"github.com/episurv/surveillance/internal/service"
	"github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/internal/store/model"
	"github.com/episurv/surveillance/internal/validator"
)

var _ = Describe("job service", func() {
	var (
		s        store.Store
		q        *fakeQueue
		registry *jobs.Registry
		srv      *service.JobService
	)

	BeforeEach(func() {
		s = newTestStore()
		q = &fakeQueue{}
		registry = jobs.NewRegistry()
		registry.Register("noop", func(store.Store, jobs.ProgressFunc) jobs.Processor { return nil })
		srv = service.NewJobService(s, q, registry)
	})

	Context("submit", func() {
		It("creates a pending job and records its task id", func() {
			job, err := srv.Submit(context.TODO(), service.SubmitRequest{
				JobType:  "noop",
				Input:    map[string]any{"file_path": "/tmp/cases.xlsx"},
				Priority: 5,
			})
			Expect(err).To(BeNil())

			Expect(job.ID).ToNot(BeEmpty())
			Expect(job.Status).To(Equal(model.JobStatusPending))
			Expect(job.Priority).To(Equal(5))
			Expect(job.InputData).To(HaveKeyWithValue("file_path", "/tmp/cases.xlsx"))
			Expect(job.ExternalTaskID).ToNot(BeNil())
			Expect(*job.ExternalTaskID).To(Equal("1"))
			Expect(q.inserted).To(Equal([]string{job.ID}))
			Expect(q.priorities).To(Equal([]int{5}))
		})

		It("accepts a job type without a processor and lets the runner fail it", func() {
			job, err := srv.Submit(context.TODO(), service.SubmitRequest{JobType: "unregistered_x"})
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusPending))
			Expect(q.inserted).To(Equal([]string{job.ID}))

			_, err = jobs.NewRunner(s, registry).Run(context.TODO(), job.ID, *job.ExternalTaskID)
			var notRegistered *jobs.NotRegisteredError
			Expect(errors.As(err, &notRegistered)).To(BeTrue())

			failed, err := srv.Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(failed.Status).To(Equal(model.JobStatusFailed))
			Expect(*failed.ErrorMessage).To(ContainSubstring("not registered"))
			Expect(failed.CompletedAt).ToNot(BeNil())
		})

		It("rejects a malformed request before touching the store", func() {
			_, err := srv.Submit(context.TODO(), service.SubmitRequest{JobType: "Case Import", Priority: -3})

			var invalid *validator.ErrInvalidRequest
			Expect(errors.As(err, &invalid)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("JobType failed on job_type"))
			Expect(err.Error()).To(ContainSubstring("Priority failed on gte=0"))
			Expect(q.inserted).To(BeEmpty())
		})

		It("fails the job when it cannot be enqueued", func() {
			q.insertErr = errQueueDown

			_, err := srv.Submit(context.TODO(), service.SubmitRequest{JobType: "noop"})
			Expect(err).To(MatchError(errQueueDown))

			list, err := s.Job().List(context.TODO(), nil, nil)
			Expect(err).To(BeNil())
			Expect(list).To(HaveLen(1))
			Expect(list[0].Status).To(Equal(model.JobStatusFailed))
			Expect(*list[0].ErrorMessage).To(ContainSubstring("queue is down"))
		})
	})

	Context("get and list", func() {
		It("returns a typed error for a missing job", func() {
			_, err := srv.Get(context.TODO(), "missing")

			var notFound *service.ErrResourceNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("filters by status and type", func() {
			first, err := srv.Submit(context.TODO(), service.SubmitRequest{JobType: "noop"})
			Expect(err).To(BeNil())
			_, err = srv.Submit(context.TODO(), service.SubmitRequest{JobType: "noop"})
			Expect(err).To(BeNil())
			_, err = s.Job().Cancel(context.TODO(), first.ID)
			Expect(err).To(BeNil())

			cancelled, err := srv.List(context.TODO(), service.ListRequest{Statuses: []model.JobStatus{model.JobStatusCancelled}})
			Expect(err).To(BeNil())
			Expect(cancelled).To(HaveLen(1))
			Expect(cancelled[0].ID).To(Equal(first.ID))

			all, err := srv.List(context.TODO(), service.ListRequest{JobType: "noop", Limit: 1})
			Expect(err).To(BeNil())
			Expect(all).To(HaveLen(1))

			none, err := srv.List(context.TODO(), service.ListRequest{JobType: "other"})
			Expect(err).To(BeNil())
			Expect(none).To(BeEmpty())
		})

		It("rejects an unknown status", func() {
			_, err := srv.List(context.TODO(), service.ListRequest{Statuses: []model.JobStatus{"DONE"}})

			var invalid *service.ErrInvalidJobStatus
			Expect(errors.As(err, &invalid)).To(BeTrue())
		})
	})

	Context("cancel", func() {
		It("cancels the job and its queued task", func() {
			job, err := srv.Submit(context.TODO(), service.SubmitRequest{JobType: "noop"})
			Expect(err).To(BeNil())

			cancelled, err := srv.Cancel(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(cancelled.Status).To(Equal(model.JobStatusCancelled))
			Expect(cancelled.CompletedAt).ToNot(BeNil())
			Expect(q.cancelled).To(Equal([]int64{1}))
		})

		It("keeps the job cancelled when the task cannot be cancelled", func() {
			job, err := srv.Submit(context.TODO(), service.SubmitRequest{JobType: "noop"})
			Expect(err).To(BeNil())
			q.cancelErr = errQueueDown

			cancelled, err := srv.Cancel(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(cancelled.Status).To(Equal(model.JobStatusCancelled))
		})

		It("refuses to cancel a finished job", func() {
			job, err := srv.Submit(context.TODO(), service.SubmitRequest{JobType: "noop"})
			Expect(err).To(BeNil())
			job.Status = model.JobStatusCompleted
			_, err = s.Job().Finalize(context.TODO(), job)
			Expect(err).To(BeNil())

			_, err = srv.Cancel(context.TODO(), job.ID)

			var finished *service.ErrJobAlreadyFinished
			Expect(errors.As(err, &finished)).To(BeTrue())
			Expect(finished.Status).To(Equal(model.JobStatusCompleted))
			Expect(q.cancelled).To(BeEmpty())
		})

		It("returns a typed error for a missing job", func() {
			_, err := srv.Cancel(context.TODO(), "missing")

			var notFound *service.ErrResourceNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})
	})
})
