package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	st "github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/internal/store/model"
)

var _ = Describe("Store", func() {
	var (
		store  st.Store
		gormDB *gorm.DB
	)

	BeforeEach(func() {
		store, gormDB = newTestStore()
	})

	count := func() int {
		n := 0
		Expect(gormDB.Raw("SELECT COUNT(*) FROM jobs;").Scan(&n).Error).To(BeNil())
		return n
	}

	Context("transaction", func() {
		It("commits a job", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			_, err = store.Job().Create(ctx, model.Job{JobType: "noop"})
			Expect(err).To(BeNil())

			_, err = st.Commit(ctx)
			Expect(err).To(BeNil())
			Expect(count()).To(Equal(1))
		})

		It("rolls back a job", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			_, err = store.Job().Create(ctx, model.Job{JobType: "noop"})
			Expect(err).To(BeNil())

			_, err = st.Rollback(ctx)
			Expect(err).To(BeNil())
			Expect(count()).To(Equal(0))
		})

		It("reuses the transaction already in the context", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())
			inner, err := store.NewTransactionContext(ctx)
			Expect(err).To(BeNil())

			Expect(st.FromContext(inner)).To(BeIdenticalTo(st.FromContext(ctx)))
			_, err = st.Rollback(ctx)
			Expect(err).To(BeNil())
		})

		It("leaves the transaction behind", func() {
			ctx, err := store.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())
			defer func() { _, _ = st.Rollback(ctx) }()

			Expect(st.FromContext(ctx)).ToNot(BeNil())
			Expect(st.FromContext(st.WithoutTransaction(ctx))).To(BeNil())
		})
	})
})
