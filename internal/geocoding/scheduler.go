package geocoding

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/internal/store/model"
	"github.com/episurv/surveillance/pkg/metrics"
)

const (
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 3

	maxErrorLength = 500

	errNoProvider    = "no geocoding provider configured"
	errNotGeocodable = "address has no street or number"
)

type BatchStatus string

const (
	BatchNoPending BatchStatus = "no_pending"
	BatchDisabled  BatchStatus = "disabled"
	BatchProcessed BatchStatus = "processed"
)

type BatchOptions struct {
	BatchSize   int
	MaxAttempts int
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// BatchResult summarizes one batch. MoreRemaining tells the caller another batch should be scheduled.
type BatchResult struct {
	Status            BatchStatus `json:"status"`
	Selected          int         `json:"selected"`
	Geocoded          int         `json:"geocoded"`
	TransientFailures int         `json:"transient_failures"`
	PermanentFailures int         `json:"permanent_failures"`
	NotGeocodable     int         `json:"not_geocodable"`
	Disabled          int         `json:"disabled"`
	Remaining         int64       `json:"remaining"`
	MoreRemaining     bool        `json:"more_remaining"`
}

func (r *BatchResult) count(status model.GeocodingStatus) {
	switch status {
	case model.GeocodingStatusGeocoded:
		r.Geocoded++
	case model.GeocodingStatusTransientFailure:
		r.TransientFailures++
	case model.GeocodingStatusPermanentFailure:
		r.PermanentFailures++
	case model.GeocodingStatusNotGeocodable:
		r.NotGeocodable++
	case model.GeocodingStatusDisabled:
		r.Disabled++
	}
}

// Scheduler turns pending addresses into coordinates, one batch per call.
type Scheduler struct {
	store    store.Store
	selector *Selector
	geocoder *Geocoder
}

// NewScheduler builds a scheduler. A nil geocoder, or one without a provider, makes every
// batch mark its addresses DISABLED.
func NewScheduler(s store.Store, geocoder *Geocoder) *Scheduler {
	return &Scheduler{
		store:    s,
		selector: NewSelector(s),
		geocoder: geocoder,
	}
}

func (s *Scheduler) enabled() bool {
	return s.geocoder != nil && s.geocoder.Provider() != nil
}

// RunBatch claims one batch, geocodes it and writes every outcome back in a single commit.
// A crash before the commit leaves the batch in its previous state.
func (s *Scheduler) RunBatch(ctx context.Context, opts BatchOptions) (*BatchResult, error) {
	opts = opts.withDefaults()
	logger := zap.S().Named("geocoding_scheduler")
	started := time.Now()

	txCtx, err := s.store.NewTransactionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "opening batch transaction")
	}

	addresses, err := s.selector.Select(txCtx, opts.BatchSize, opts.MaxAttempts)
	if err != nil {
		_, _ = store.Rollback(txCtx)
		return nil, errors.Wrap(err, "selecting batch")
	}
	if len(addresses) == 0 {
		_, _ = store.Rollback(txCtx)
		logger.Debug("no addresses pending geocoding")
		return &BatchResult{Status: BatchNoPending}, nil
	}

	result := &BatchResult{Status: BatchProcessed, Selected: len(addresses)}
	logger.Infow("geocoding batch selected", "batch_size", opts.BatchSize, "selected", len(addresses))

	if s.enabled() {
		s.resolve(txCtx, addresses, opts.MaxAttempts)
	} else {
		result.Status = BatchDisabled
		for i := range addresses {
			markDisabled(&addresses[i])
		}
		logger.Warnw("geocoding provider not configured, batch disabled", "selected", len(addresses))
	}

	if err := s.store.Address().SaveOutcomes(txCtx, addresses); err != nil {
		_, _ = store.Rollback(txCtx)
		return nil, errors.Wrap(err, "saving batch outcomes")
	}
	if _, err := store.Commit(txCtx); err != nil {
		return nil, errors.Wrap(err, "committing batch")
	}

	byStatus := map[model.GeocodingStatus]int{}
	for _, a := range addresses {
		result.count(a.GeocodingStatus)
		byStatus[a.GeocodingStatus]++
	}
	for status, n := range byStatus {
		metrics.AddGeocodingOutcomesMetric(string(status), n)
	}
	metrics.ObserveGeocodingBatchDuration(time.Since(started))

	if result.Status == BatchProcessed {
		remaining, err := s.selector.Remaining(ctx, opts.MaxAttempts)
		if err != nil {
			logger.Warnw("failed to count remaining addresses", "error", err)
		} else {
			result.Remaining = remaining
			result.MoreRemaining = remaining > 0
		}
	}

	logger.Infow("geocoding batch committed",
		"status", result.Status,
		"geocoded", result.Geocoded,
		"transient", result.TransientFailures,
		"permanent", result.PermanentFailures,
		"not_geocodable", result.NotGeocodable,
		"disabled", result.Disabled,
		"remaining", result.Remaining,
		"duration", time.Since(started))

	return result, nil
}

// resolve sets the outcome of every claimed address in place.
func (s *Scheduler) resolve(ctx context.Context, addresses model.AddressList, maxAttempts int) {
	logger := zap.S().Named("geocoding_scheduler")

	targets := make([]int, 0, len(addresses))
	queries := make([]Query, 0, len(addresses))
	for i := range addresses {
		if !addresses[i].IsGeocodable() {
			markNotGeocodable(&addresses[i])
			logger.Debugw("address not geocodable", "address_id", addresses[i].ID)
			continue
		}
		targets = append(targets, i)
		queries = append(queries, QueryFor(addresses[i]))
	}
	if len(queries) == 0 {
		return
	}

	outcomes := s.geocoder.GeocodeMany(ctx, queries)
	provider := s.geocoder.Provider().Name()

	for n, i := range targets {
		a := &addresses[i]
		a.AttemptCount++
		apply(a, outcomes[n], provider, maxAttempts)
		logger.Debugw("address geocoded", "address_id", a.ID, "outcome", outcomes[n].Kind, "status", a.GeocodingStatus)
	}
}

// apply writes one provider outcome onto an address whose attempt count already includes this call.
func apply(a *model.Address, outcome Outcome, provider string, maxAttempts int) {
	if outcome.Kind == OutcomeSuccess {
		lat, lon, confidence := outcome.Coordinates.Latitude, outcome.Coordinates.Longitude, outcome.Coordinates.Confidence
		a.GeocodingStatus = model.GeocodingStatusGeocoded
		a.Latitude = &lat
		a.Longitude = &lon
		a.Confidence = &confidence
		a.Provider = &provider
		a.LastError = nil
		return
	}

	if a.AttemptCount < maxAttempts {
		a.GeocodingStatus = model.GeocodingStatusTransientFailure
	} else {
		a.GeocodingStatus = model.GeocodingStatusPermanentFailure
	}
	msg := truncate(outcome.Message, maxErrorLength)
	a.LastError = &msg
}

func markDisabled(a *model.Address) {
	msg := errNoProvider
	a.GeocodingStatus = model.GeocodingStatusDisabled
	a.LastError = &msg
}

func markNotGeocodable(a *model.Address) {
	msg := errNotGeocodable
	a.GeocodingStatus = model.GeocodingStatusNotGeocodable
	a.LastError = &msg
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
