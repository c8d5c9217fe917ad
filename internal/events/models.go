package events

import "time"

const (
	JobFinishedKind    string = "episurv.events.job.finished"
	GeocodingBatchKind string = "episurv.events.geocoding.batch"
)

type JobFinishedEvent struct {
	JobID       string     `json:"job_id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type GeocodingBatchEvent struct {
	TaskID            int64  `json:"task_id"`
	Status            string `json:"status"`
	Selected          int    `json:"selected"`
	Geocoded          int    `json:"geocoded"`
	TransientFailures int    `json:"transient_failures"`
	PermanentFailures int    `json:"permanent_failures"`
	NotGeocodable     int    `json:"not_geocodable"`
	Disabled          int    `json:"disabled"`
	Remaining         int64  `json:"remaining"`
}
