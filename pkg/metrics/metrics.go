package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	episurv = "episurv"

	// Job metrics
	jobsFinishedTotal = "jobs_finished_total"

	// Geocoding metrics
	geocodingOutcomesTotal        = "geocoding_outcomes_total"
	geocodingBatchDuration        = "geocoding_batch_duration_seconds"
	GeocodingAddressesStatusCount = "geocoding_addresses"

	// Labels
	jobTypeLabel   = "job_type"
	jobStatusLabel = "status"
	geocodingLabel = "status"
)

var jobsFinishedLabels = []string{
	jobTypeLabel,
	jobStatusLabel,
}

var geocodingStatusLabels = []string{
	geocodingLabel,
}

/**
* Metrics definition
**/
var jobsFinishedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: episurv,
		Name:      jobsFinishedTotal,
		Help:      "number of jobs that reached a terminal status",
	},
	jobsFinishedLabels,
)

var geocodingOutcomesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: episurv,
		Name:      geocodingOutcomesTotal,
		Help:      "number of addresses written back by geocoding batches, by resulting status",
	},
	geocodingStatusLabels,
)

var geocodingBatchDurationMetric = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Subsystem: episurv,
		Name:      geocodingBatchDuration,
		Help:      "duration of geocoding batches that selected at least one address",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	},
)

var geocodingAddressesMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Subsystem: episurv,
		Name:      GeocodingAddressesStatusCount,
		Help:      "metrics to record the number of addresses in each geocoding status",
	},
	geocodingStatusLabels,
)

func IncreaseJobsFinishedMetric(jobType string, status string) {
	labels := prometheus.Labels{
		jobTypeLabel:   jobType,
		jobStatusLabel: status,
	}
	jobsFinishedTotalMetric.With(labels).Inc()
}

func AddGeocodingOutcomesMetric(status string, count int) {
	if count <= 0 {
		return
	}
	labels := prometheus.Labels{
		geocodingLabel: status,
	}
	geocodingOutcomesTotalMetric.With(labels).Add(float64(count))
}

func ObserveGeocodingBatchDuration(d time.Duration) {
	geocodingBatchDurationMetric.Observe(d.Seconds())
}

func UpdateGeocodingAddressesMetric(status string, count int64) {
	labels := prometheus.Labels{
		geocodingLabel: status,
	}
	geocodingAddressesMetric.With(labels).Set(float64(count))
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsFinishedTotalMetric)
	prometheus.MustRegister(geocodingOutcomesTotalMetric)
	prometheus.MustRegister(geocodingBatchDurationMetric)
	prometheus.MustRegister(geocodingAddressesMetric)
}
