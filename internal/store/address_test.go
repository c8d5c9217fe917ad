package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	st "github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/internal/store/model"
)

var _ = Describe("address store", func() {
	var store st.Store

	BeforeEach(func() {
		store, _ = newTestStore()
	})

	ensure := func(street, number string) *model.Address {
		a, created, err := store.Address().EnsurePending(context.TODO(), model.Address{Street: street, Number: number, LocalityID: "82084", Locality: "Rosario"})
		Expect(err).To(BeNil())
		Expect(created).To(BeTrue())
		return a
	}

	claim := func(limit, maxAttempts int) (context.Context, model.AddressList) {
		ctx, err := store.NewTransactionContext(context.TODO())
		Expect(err).To(BeNil())
		claimed, err := store.Address().ClaimEligible(ctx, limit, maxAttempts)
		Expect(err).To(BeNil())
		return ctx, claimed
	}

	It("deduplicates addresses by street, number and locality", func() {
		first := ensure("Cordoba", "1200")

		again, created, err := store.Address().EnsurePending(context.TODO(), model.Address{Street: "Cordoba", Number: "1200", LocalityID: "82084"})
		Expect(err).To(BeNil())
		Expect(created).To(BeFalse())
		Expect(again.ID).To(Equal(first.ID))
	})

	Context("claim", func() {
		It("claims eligible addresses in id order up to the limit", func() {
			a := ensure("Cordoba", "1200")
			b := ensure("Mitre", "455")
			ensure("Sarmiento", "90")

			ctx, claimed := claim(2, 3)
			_, err := st.Commit(ctx)
			Expect(err).To(BeNil())

			Expect(claimed).To(HaveLen(2))
			Expect(claimed[0].ID).To(Equal(a.ID))
			Expect(claimed[1].ID).To(Equal(b.ID))

			stored, err := store.Address().Get(context.TODO(), a.ID)
			Expect(err).To(BeNil())
			Expect(stored.GeocodingStatus).To(Equal(model.GeocodingStatusProcessing))
			Expect(store.Address().CountEligible(context.TODO(), 3)).To(Equal(int64(1)))
		})

		It("skips addresses without attempts left", func() {
			a := ensure("Cordoba", "1200")

			ctx, claimed := claim(10, 1)
			claimed[0].GeocodingStatus = model.GeocodingStatusTransientFailure
			claimed[0].AttemptCount = 1
			Expect(store.Address().SaveOutcomes(ctx, claimed)).To(Succeed())
			_, err := st.Commit(ctx)
			Expect(err).To(BeNil())

			ctx, claimed = claim(10, 1)
			_, err = st.Rollback(ctx)
			Expect(err).To(BeNil())
			Expect(claimed).To(BeEmpty())

			ctx, claimed = claim(10, 2)
			_, err = st.Rollback(ctx)
			Expect(err).To(BeNil())
			Expect(claimed).To(HaveLen(1))
			Expect(claimed[0].ID).To(Equal(a.ID))
		})

		It("gives the addresses back when the batch rolls back", func() {
			ensure("Cordoba", "1200")

			ctx, claimed := claim(10, 3)
			Expect(claimed).To(HaveLen(1))
			_, err := st.Rollback(ctx)
			Expect(err).To(BeNil())

			Expect(store.Address().CountEligible(context.TODO(), 3)).To(Equal(int64(1)))
		})
	})

	Context("outcomes", func() {
		It("writes coordinates and never overwrites a geocoded address", func() {
			a := ensure("Cordoba", "1200")
			lat, lng, provider := -32.94, -60.64, "mapbox"

			ctx, claimed := claim(10, 3)
			claimed[0].GeocodingStatus = model.GeocodingStatusGeocoded
			claimed[0].Latitude = &lat
			claimed[0].Longitude = &lng
			claimed[0].Provider = &provider
			claimed[0].AttemptCount = 1
			Expect(store.Address().SaveOutcomes(ctx, claimed)).To(Succeed())
			_, err := st.Commit(ctx)
			Expect(err).To(BeNil())

			stored, err := store.Address().Get(context.TODO(), a.ID)
			Expect(err).To(BeNil())
			Expect(stored.GeocodingStatus).To(Equal(model.GeocodingStatusGeocoded))
			Expect(*stored.Latitude).To(Equal(lat))

			stale := *stored
			stale.GeocodingStatus = model.GeocodingStatusPermanentFailure
			err = store.Address().SaveOutcomes(context.TODO(), model.AddressList{stale})
			Expect(err).To(MatchError(st.ErrStaleWrite))
		})

		It("refuses addresses that still have no outcome", func() {
			ensure("Cordoba", "1200")

			ctx, claimed := claim(10, 3)
			defer func() { _, _ = st.Rollback(ctx) }()

			Expect(store.Address().SaveOutcomes(ctx, claimed)).To(MatchError(ContainSubstring("has no outcome")))
		})
	})

	It("counts every status and requeues disabled addresses", func() {
		ensure("Cordoba", "1200")
		ensure("Mitre", "455")

		ctx, claimed := claim(1, 3)
		claimed[0].GeocodingStatus = model.GeocodingStatusDisabled
		Expect(store.Address().SaveOutcomes(ctx, claimed)).To(Succeed())
		_, err := st.Commit(ctx)
		Expect(err).To(BeNil())

		stats, err := store.Address().CountByStatus(context.TODO())
		Expect(err).To(BeNil())
		Expect(stats).To(HaveLen(len(model.AllGeocodingStatuses)))
		Expect(stats[model.GeocodingStatusPending]).To(Equal(int64(1)))
		Expect(stats[model.GeocodingStatusDisabled]).To(Equal(int64(1)))
		Expect(stats.Total()).To(Equal(int64(2)))

		requeued, err := store.Address().RequeueDisabled(context.TODO())
		Expect(err).To(BeNil())
		Expect(requeued).To(Equal(int64(1)))

		queued, err := store.Address().List(context.TODO(), st.NewAddressQueryFilter().ByStatus(model.GeocodingStatusQueued))
		Expect(err).To(BeNil())
		Expect(queued).To(HaveLen(1))
	})
})
