package service

import (
	"errors"
	"fmt"

	"github.com/episurv/surveillance/internal/store/model"
)

var ErrNoTaskQueue = errors.New("no task queue configured, jobs need a postgres database")

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id string, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %s not found", resourceType, id)}
}

func NewErrJobNotFound(id string) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "job")
}

type ErrJobAlreadyFinished struct {
	error
	Status model.JobStatus
}

func NewErrJobAlreadyFinished(id string, status model.JobStatus) *ErrJobAlreadyFinished {
	return &ErrJobAlreadyFinished{
		error:  fmt.Errorf("job %s already finished with status %s", id, status),
		Status: status,
	}
}

type ErrInvalidJobStatus struct {
	error
}

func NewErrInvalidJobStatus(status string) *ErrInvalidJobStatus {
	return &ErrInvalidJobStatus{fmt.Errorf("bad request: unknown job status %q", status)}
}
