package geocoding_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/episurv/surveillance/internal/geocoding"
)

var _ = Describe("Geocoder", func() {
	var (
		provider *fakeProvider
		sleeper  *recordingSleeper
	)

	BeforeEach(func() {
		provider = &fakeProvider{}
		sleeper = &recordingSleeper{}
	})

	queries := func(streets ...string) []geocoding.Query {
		qs := make([]geocoding.Query, 0, len(streets))
		for _, s := range streets {
			qs = append(qs, geocoding.Query{Street: s, Number: "1"})
		}
		return qs
	}

	It("keeps outcomes in input order when one query fails", func() {
		g := geocoding.NewGeocoder(provider, geocoding.WithSleeper(sleeper.Sleep))

		outcomes := g.GeocodeMany(context.TODO(), queries("a", "fail-b", "c"))

		Expect(outcomes).To(HaveLen(3))
		Expect(outcomes[0].Kind).To(Equal(geocoding.OutcomeSuccess))
		Expect(outcomes[1].Kind).To(Equal(geocoding.OutcomeError))
		Expect(outcomes[1].Message).To(ContainSubstring("connection reset"))
		Expect(outcomes[2].Kind).To(Equal(geocoding.OutcomeSuccess))
	})

	It("reports a missing result as no result", func() {
		g := geocoding.NewGeocoder(provider, geocoding.WithSleeper(sleeper.Sleep))

		outcomes := g.GeocodeMany(context.TODO(), queries("none-a"))

		Expect(outcomes[0].Kind).To(Equal(geocoding.OutcomeNoResult))
	})

	It("issues chunks sequentially with a delay only between chunks", func() {
		var perChunk []int
		provider.onCall = func() {
			sleeper.mu.Lock()
			chunk := len(sleeper.delays)
			sleeper.mu.Unlock()
			provider.mu.Lock()
			for len(perChunk) <= chunk {
				perChunk = append(perChunk, 0)
			}
			perChunk[chunk]++
			provider.mu.Unlock()
		}
		g := geocoding.NewGeocoder(provider,
			geocoding.WithChunkSize(2),
			geocoding.WithChunkDelay(250*time.Millisecond),
			geocoding.WithSleeper(sleeper.Sleep))

		outcomes := g.GeocodeMany(context.TODO(), queries("a", "b", "c", "d", "e"))

		Expect(outcomes).To(HaveLen(5))
		Expect(provider.Calls()).To(Equal(5))
		Expect(sleeper.delays).To(Equal([]time.Duration{250 * time.Millisecond, 250 * time.Millisecond}))
		Expect(perChunk).To(Equal([]int{2, 2, 1}))
	})

	It("runs the calls of a chunk concurrently", func() {
		provider.delay = 200 * time.Millisecond
		g := geocoding.NewGeocoder(provider, geocoding.WithChunkSize(5), geocoding.WithSleeper(sleeper.Sleep))

		started := time.Now()
		outcomes := g.GeocodeMany(context.TODO(), queries("a", "b", "c", "d", "e"))

		Expect(outcomes).To(HaveLen(5))
		Expect(time.Since(started)).To(BeNumerically("<", 800*time.Millisecond))
		Expect(sleeper.Count()).To(Equal(0))
	})

	It("captures a panicking call as an error outcome", func() {
		g := geocoding.NewGeocoder(provider, geocoding.WithSleeper(sleeper.Sleep))

		outcomes := g.GeocodeMany(context.TODO(), queries("a", "panic-b"))

		Expect(outcomes[0].Kind).To(Equal(geocoding.OutcomeSuccess))
		Expect(outcomes[1].Kind).To(Equal(geocoding.OutcomeError))
		Expect(outcomes[1].Message).To(ContainSubstring("provider exploded"))
	})

	It("rejects coordinates out of range", func() {
		g := geocoding.NewGeocoder(provider, geocoding.WithSleeper(sleeper.Sleep))

		outcomes := g.GeocodeMany(context.TODO(), queries("off-a"))

		Expect(outcomes[0].Kind).To(Equal(geocoding.OutcomeError))
		Expect(outcomes[0].Message).To(ContainSubstring("invalid coordinates"))
	})

	It("does not send the remaining chunks once the context is done", func() {
		ctx, cancel := context.WithCancel(context.TODO())
		g := geocoding.NewGeocoder(provider,
			geocoding.WithChunkSize(2),
			geocoding.WithSleeper(func(ctx context.Context, _ time.Duration) error {
				cancel()
				return ctx.Err()
			}))

		outcomes := g.GeocodeMany(ctx, queries("a", "b", "c", "d"))

		Expect(provider.Calls()).To(Equal(2))
		Expect(outcomes[0].Kind).To(Equal(geocoding.OutcomeSuccess))
		Expect(outcomes[1].Kind).To(Equal(geocoding.OutcomeSuccess))
		Expect(outcomes[2].Kind).To(Equal(geocoding.OutcomeError))
		Expect(outcomes[3].Kind).To(Equal(geocoding.OutcomeError))
	})
})
