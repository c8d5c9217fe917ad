package queue

import (
	"github.com/riverqueue/river"
)

const (
	DefaultQueue     = "jobs"
	GeocodingQueue   = "geocoding"
	MaintenanceQueue = "maintenance"

	RunJobKind         = "run_job"
	GeocodeBatchKind   = "geocode_batch"
	RetentionSweepKind = "retention_sweep"

	DefaultJobMaxAttempts = 1
)

// RunJobArgs asks a worker to run one tracked job. Stored in river_job.args as JSON.
type RunJobArgs struct {
	JobID string `json:"job_id"`
}

func (RunJobArgs) Kind() string {
	return RunJobKind
}

func (RunJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       DefaultQueue,
		MaxAttempts: DefaultJobMaxAttempts,
	}
}

// RunJobPriority maps a job priority, 0 to 100 with higher running first, onto the task
// queue's 1 to 4 where 1 runs first. Out of range values are clamped.
func RunJobPriority(priority int) int {
	switch {
	case priority >= 75:
		return 1
	case priority >= 50:
		return 2
	case priority >= 25:
		return 3
	default:
		return 4
	}
}

// GeocodeBatchArgs asks a worker to geocode one batch of addresses. Seed is set on the
// periodic insert that starts a new chain of batches.
type GeocodeBatchArgs struct {
	BatchSize   int  `json:"batch_size"`
	MaxAttempts int  `json:"max_attempts"`
	Seed        bool `json:"seed,omitempty"`
}

func (GeocodeBatchArgs) Kind() string {
	return GeocodeBatchKind
}

func (GeocodeBatchArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       GeocodingQueue,
		MaxAttempts: 3,
	}
}

type RetentionSweepArgs struct{}

func (RetentionSweepArgs) Kind() string {
	return RetentionSweepKind
}

func (RetentionSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       MaintenanceQueue,
		MaxAttempts: 1,
	}
}
