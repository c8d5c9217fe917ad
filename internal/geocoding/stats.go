package geocoding

import (
	"context"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/pkg/metrics"
)

// StatsRefresher periodically publishes address counts per geocoding status as gauges.
type StatsRefresher struct {
	store    store.Store
	interval time.Duration
}

func NewStatsRefresher(s store.Store, interval time.Duration) *StatsRefresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &StatsRefresher{store: s, interval: interval}
}

// Start refreshes once and then on every tick until ctx is done.
func (r *StatsRefresher) Start(ctx context.Context) {
	r.Refresh(ctx)

	ticker := jitterbug.New(r.interval, &jitterbug.Norm{Stdev: 500 * time.Millisecond, Mean: 0})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			r.Refresh(ctx)
		}
	}()
}

func (r *StatsRefresher) Refresh(ctx context.Context) {
	stats, err := r.store.Address().CountByStatus(ctx)
	if err != nil {
		zap.S().Named("geocoding_stats").Warnw("failed to count addresses by status", "error", err)
		return
	}
	for status, count := range stats {
		metrics.UpdateGeocodingAddressesMetric(string(status), count)
	}
}
