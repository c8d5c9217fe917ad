package model

import (
	"encoding/json"
	"slices"
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// TerminalJobStatuses are the statuses a job never leaves.
var TerminalJobStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// ActiveJobStatuses are the statuses from which a terminal transition is allowed.
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusInProgress}

func (s JobStatus) IsTerminal() bool {
	return slices.Contains(TerminalJobStatuses, s)
}

func (s JobStatus) Valid() bool {
	return s.IsTerminal() || slices.Contains(ActiveJobStatuses, s)
}

// Job is the durable record of one unit of tracked background work.
type Job struct {
	ID                 string            `gorm:"primaryKey;column:id;type:VARCHAR(64);" json:"id"`
	JobType            string            `gorm:"not null;type:VARCHAR(100);index:jobs_job_type_idx" json:"job_type"`
	Status             JobStatus         `gorm:"not null;type:VARCHAR(20);index:jobs_status_idx" json:"status"`
	Priority           int               `gorm:"not null;default:0" json:"priority"`
	ProgressPercentage int               `gorm:"not null;default:0" json:"progress_percentage"`
	CurrentStep        string            `gorm:"type:TEXT" json:"current_step,omitempty"`
	TotalSteps         int               `gorm:"not null;default:0" json:"total_steps"`
	CompletedSteps     int               `gorm:"not null;default:0" json:"completed_steps"`
	InputData          datatypes.JSONMap `gorm:"type:jsonb" json:"input_data,omitempty"`
	OutputData         datatypes.JSONMap `gorm:"type:jsonb" json:"output_data,omitempty"`
	ErrorMessage       *string           `gorm:"type:TEXT" json:"error_message,omitempty"`
	ErrorDetail        *string           `gorm:"type:TEXT" json:"error_detail,omitempty"`
	ExternalTaskID     *string           `gorm:"type:VARCHAR(64)" json:"external_task_id,omitempty"`
	CreatedAt          time.Time         `gorm:"not null" json:"created_at"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `gorm:"index:jobs_completed_at_idx" json:"completed_at,omitempty"`
	UpdatedAt          time.Time         `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

type JobList []Job

func (j Job) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}

// MergeOutput copies the entries of out into the job's output payload.
func (j *Job) MergeOutput(out map[string]any) {
	if len(out) == 0 {
		return
	}
	if j.OutputData == nil {
		j.OutputData = datatypes.JSONMap{}
	}
	for k, v := range out {
		j.OutputData[k] = v
	}
}
