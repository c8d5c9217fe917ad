package geocoding_test

import (
	"context"
	"fmt"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"github.com/episurv/surveillance/internal/geocoding"
	st "github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/internal/store/model"
)

var _ = Describe("Scheduler", func() {
	var (
		store    st.Store
		gormDB   *gorm.DB
		provider *fakeProvider
		sleeper  *recordingSleeper
	)

	BeforeEach(func() {
		store, gormDB = newTestStore()
		provider = &fakeProvider{}
		sleeper = &recordingSleeper{}
	})

	addAddress := func(street, number, locality string) *model.Address {
		a, created, err := store.Address().EnsurePending(context.TODO(), model.Address{
			Street:     street,
			Number:     number,
			LocalityID: locality,
			Locality:   "Rosario",
			Country:    "Argentina",
		})
		Expect(err).To(BeNil())
		Expect(created).To(BeTrue())
		return a
	}

	statusOf := func(id uint) *model.Address {
		a, err := store.Address().Get(context.TODO(), id)
		Expect(err).To(BeNil())
		return a
	}

	newScheduler := func() *geocoding.Scheduler {
		return geocoding.NewScheduler(store, geocoding.NewGeocoder(provider, geocoding.WithSleeper(sleeper.Sleep)))
	}

	It("returns no_pending when nothing is eligible", func() {
		result, err := newScheduler().RunBatch(context.TODO(), geocoding.BatchOptions{BatchSize: 10, MaxAttempts: 3})

		Expect(err).To(BeNil())
		Expect(result.Status).To(Equal(geocoding.BatchNoPending))
		Expect(result.MoreRemaining).To(BeFalse())
		Expect(provider.Calls()).To(Equal(0))
	})

	It("classifies a mixed batch and asks for another run", func() {
		var ids []uint
		for i := 0; i < 3; i++ {
			ids = append(ids, addAddress("", "", fmt.Sprintf("loc-%d", i)).ID)
		}
		for i := 0; i < 5; i++ {
			ids = append(ids, addAddress(fmt.Sprintf("street-%d", i), "100", "loc").ID)
		}
		for i := 0; i < 2; i++ {
			ids = append(ids, addAddress(fmt.Sprintf("none-%d", i), "100", "loc").ID)
		}

		result, err := newScheduler().RunBatch(context.TODO(), geocoding.BatchOptions{BatchSize: 10, MaxAttempts: 3})

		Expect(err).To(BeNil())
		Expect(result.Status).To(Equal(geocoding.BatchProcessed))
		Expect(result.Selected).To(Equal(10))
		Expect(result.NotGeocodable).To(Equal(3))
		Expect(result.Geocoded).To(Equal(5))
		Expect(result.TransientFailures).To(Equal(2))
		Expect(result.Geocoded + result.NotGeocodable + result.TransientFailures + result.PermanentFailures).To(Equal(result.Selected))
		Expect(result.Remaining).To(BeNumerically("==", 2))
		Expect(result.MoreRemaining).To(BeTrue())
		Expect(provider.Calls()).To(Equal(7))

		stats, err := store.Address().CountByStatus(context.TODO())
		Expect(err).To(BeNil())
		Expect(stats[model.GeocodingStatusNotGeocodable]).To(BeNumerically("==", 3))
		Expect(stats[model.GeocodingStatusGeocoded]).To(BeNumerically("==", 5))
		Expect(stats[model.GeocodingStatusTransientFailure]).To(BeNumerically("==", 2))
		Expect(stats[model.GeocodingStatusProcessing]).To(BeNumerically("==", 0))

		geocoded := statusOf(ids[3])
		Expect(geocoded.Latitude).ToNot(BeNil())
		Expect(*geocoded.Latitude).To(BeNumerically("~", -34.6, 1e-9))
		Expect(*geocoded.Provider).To(Equal("fake"))
		Expect(geocoded.AttemptCount).To(Equal(1))

		notGeocodable := statusOf(ids[0])
		Expect(notGeocodable.AttemptCount).To(Equal(0))
		Expect(*notGeocodable.LastError).To(ContainSubstring("no street or number"))
	})

	It("does not requeue when every address reached a final status", func() {
		addAddress("street", "1", "loc")

		result, err := newScheduler().RunBatch(context.TODO(), geocoding.BatchOptions{BatchSize: 10, MaxAttempts: 3})

		Expect(err).To(BeNil())
		Expect(result.Geocoded).To(Equal(1))
		Expect(result.MoreRemaining).To(BeFalse())

		again, err := newScheduler().RunBatch(context.TODO(), geocoding.BatchOptions{BatchSize: 10, MaxAttempts: 3})
		Expect(err).To(BeNil())
		Expect(again.Status).To(Equal(geocoding.BatchNoPending))
	})

	It("escalates to permanent failure on the last attempt", func() {
		a := addAddress("fail-street", "1", "loc")
		Expect(gormDB.Model(&model.Address{}).Where("id = ?", a.ID).Update("attempt_count", 2).Error).To(BeNil())

		result, err := newScheduler().RunBatch(context.TODO(), geocoding.BatchOptions{BatchSize: 10, MaxAttempts: 3})

		Expect(err).To(BeNil())
		Expect(result.PermanentFailures).To(Equal(1))
		Expect(result.MoreRemaining).To(BeFalse())

		stored := statusOf(a.ID)
		Expect(stored.GeocodingStatus).To(Equal(model.GeocodingStatusPermanentFailure))
		Expect(stored.AttemptCount).To(Equal(3))
		Expect(*stored.LastError).To(ContainSubstring("connection reset"))
	})

	It("never sends an address without street and number to the provider", func() {
		a := addAddress("", "", "loc")

		result, err := newScheduler().RunBatch(context.TODO(), geocoding.BatchOptions{BatchSize: 10, MaxAttempts: 3})

		Expect(err).To(BeNil())
		Expect(result.NotGeocodable).To(Equal(1))
		Expect(provider.Calls()).To(Equal(0))
		Expect(statusOf(a.ID).GeocodingStatus).To(Equal(model.GeocodingStatusNotGeocodable))
	})

	It("selects at most the batch size in id order", func() {
		var ids []uint
		for i := 0; i < 5; i++ {
			ids = append(ids, addAddress(fmt.Sprintf("street-%d", i), "1", "loc").ID)
		}

		result, err := newScheduler().RunBatch(context.TODO(), geocoding.BatchOptions{BatchSize: 3, MaxAttempts: 3})

		Expect(err).To(BeNil())
		Expect(result.Selected).To(Equal(3))
		Expect(result.Remaining).To(BeNumerically("==", 2))
		Expect(result.MoreRemaining).To(BeTrue())
		Expect(statusOf(ids[3]).GeocodingStatus).To(Equal(model.GeocodingStatusPending))
		Expect(statusOf(ids[4]).GeocodingStatus).To(Equal(model.GeocodingStatusPending))
	})

	It("truncates long provider errors", func() {
		a := addAddress("fail-"+strings.Repeat("x", 10), "1", "loc")
		Expect(gormDB.Model(&model.Address{}).Where("id = ?", a.ID).Update("attempt_count", 2).Error).To(BeNil())
		long := &longErrorProvider{}

		_, err := geocoding.NewScheduler(store, geocoding.NewGeocoder(long, geocoding.WithSleeper(sleeper.Sleep))).
			RunBatch(context.TODO(), geocoding.BatchOptions{BatchSize: 10, MaxAttempts: 3})

		Expect(err).To(BeNil())
		Expect([]rune(*statusOf(a.ID).LastError)).To(HaveLen(500))
	})

	Context("without a provider", func() {
		It("disables the whole batch without counting an attempt", func() {
			a := addAddress("street", "1", "loc")
			b := addAddress("", "", "loc")

			result, err := geocoding.NewScheduler(store, nil).RunBatch(context.TODO(), geocoding.BatchOptions{BatchSize: 10, MaxAttempts: 3})

			Expect(err).To(BeNil())
			Expect(result.Status).To(Equal(geocoding.BatchDisabled))
			Expect(result.Disabled).To(Equal(2))
			Expect(result.MoreRemaining).To(BeFalse())

			for _, id := range []uint{a.ID, b.ID} {
				stored := statusOf(id)
				Expect(stored.GeocodingStatus).To(Equal(model.GeocodingStatusDisabled))
				Expect(stored.AttemptCount).To(Equal(0))
				Expect(*stored.LastError).To(ContainSubstring("no geocoding provider"))
			}

			requeued, err := store.Address().RequeueDisabled(context.TODO())
			Expect(err).To(BeNil())
			Expect(requeued).To(BeNumerically("==", 2))
			Expect(statusOf(a.ID).GeocodingStatus).To(Equal(model.GeocodingStatusQueued))
		})
	})
})

type longErrorProvider struct{}

func (longErrorProvider) Name() string { return "long" }

func (longErrorProvider) Geocode(context.Context, geocoding.Query) (*geocoding.Coordinates, error) {
	return nil, fmt.Errorf("%s", strings.Repeat("é", 800))
}
