package jobs

import (
	"fmt"
)

// NotRegisteredError is returned when no processor is registered for a job type.
// It is a configuration fault and must not be retried.
type NotRegisteredError struct {
	error
	JobType string
}

func NewNotRegisteredError(jobType string) *NotRegisteredError {
	return &NotRegisteredError{error: fmt.Errorf("job type %q is not registered", jobType), JobType: jobType}
}

type JobNotFoundError struct {
	error
	ID string
}

func NewJobNotFoundError(id string) *JobNotFoundError {
	return &JobNotFoundError{error: fmt.Errorf("job %s not found", id), ID: id}
}

// PanicError wraps a panic raised by a processor.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("processor panicked: %v", e.Value)
}
