package geocoding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultChunkSize   = 10
	DefaultChunkDelay  = 500 * time.Millisecond
	DefaultCallTimeout = 10 * time.Second
)

// Geocoder fans geocode calls out in fixed-size chunks. Calls inside a chunk run concurrently;
// chunks run one after the other with a fixed pause in between to stay under provider rate limits.
type Geocoder struct {
	provider    Provider
	chunkSize   int
	chunkDelay  time.Duration
	callTimeout time.Duration
	limiter     *rate.Limiter
	sleep       func(ctx context.Context, d time.Duration) error
}

type GeocoderOption func(g *Geocoder)

func WithChunkSize(size int) GeocoderOption {
	return func(g *Geocoder) {
		if size > 0 {
			g.chunkSize = size
		}
	}
}

func WithChunkDelay(d time.Duration) GeocoderOption {
	return func(g *Geocoder) {
		g.chunkDelay = d
	}
}

func WithCallTimeout(d time.Duration) GeocoderOption {
	return func(g *Geocoder) {
		g.callTimeout = d
	}
}

// WithRateLimit caps provider calls per second on top of the chunk pacing. Zero disables it.
func WithRateLimit(perSecond float64) GeocoderOption {
	return func(g *Geocoder) {
		if perSecond > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
		}
	}
}

// WithSleeper replaces the pause between chunks.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) GeocoderOption {
	return func(g *Geocoder) {
		g.sleep = sleep
	}
}

func NewGeocoder(provider Provider, opts ...GeocoderOption) *Geocoder {
	g := &Geocoder{
		provider:    provider,
		chunkSize:   DefaultChunkSize,
		chunkDelay:  DefaultChunkDelay,
		callTimeout: DefaultCallTimeout,
		sleep:       sleepContext,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Geocoder) Provider() Provider {
	return g.provider
}

// GeocodeMany geocodes every query and returns one outcome per query, in input order.
// A failing query only affects its own outcome. If ctx ends early the queries that were
// never sent are reported as errors.
func (g *Geocoder) GeocodeMany(ctx context.Context, queries []Query) []Outcome {
	outcomes := make([]Outcome, len(queries))
	logger := zap.S().Named("geocoder")

	for start := 0; start < len(queries); start += g.chunkSize {
		end := min(start+g.chunkSize, len(queries))

		if start > 0 {
			if err := g.sleep(ctx, g.chunkDelay); err != nil {
				abort(outcomes[start:], err)
				return outcomes
			}
		}
		if err := ctx.Err(); err != nil {
			abort(outcomes[start:], err)
			return outcomes
		}

		logger.Debugw("geocoding chunk", "from", start, "to", end)

		var group errgroup.Group
		for i := start; i < end; i++ {
			group.Go(func() error {
				outcomes[i] = g.geocodeOne(ctx, queries[i])
				return nil
			})
		}
		_ = group.Wait()
	}

	return outcomes
}

func (g *Geocoder) geocodeOne(ctx context.Context, q Query) (outcome Outcome) {
	defer func() {
		if v := recover(); v != nil {
			outcome = Error(fmt.Sprintf("provider panicked: %v", v))
		}
	}()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Error(err.Error())
		}
	}

	callCtx := ctx
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	coords, err := g.provider.Geocode(callCtx, q)
	if err != nil {
		return Error(err.Error())
	}
	if coords == nil {
		return NoResult()
	}
	if err := validate(coords); err != nil {
		return Error(err.Error())
	}
	return Success(coords)
}

func abort(outcomes []Outcome, err error) {
	for i := range outcomes {
		outcomes[i] = Error(fmt.Sprintf("not sent: %v", err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
