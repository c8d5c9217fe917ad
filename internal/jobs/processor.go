package jobs

import (
	"context"

	"github.com/episurv/surveillance/internal/store"
)

// Processor executes the domain work of one job type.
//
// Run returns a Result for every expected outcome, including business failures, which are
// reported through Result.Failure. A returned error means something unexpected happened.
type Processor interface {
	Run(ctx context.Context, input map[string]any) (*Result, error)
}

// Factory builds a Processor bound to a store handle and a progress callback.
type Factory func(s store.Store, progress ProgressFunc) Processor

// ProgressFunc reports a progress checkpoint. Persisting it is best effort.
type ProgressFunc func(ctx context.Context, progress store.ProgressUpdate)

// TempResourceHolder is implemented by processors whose input names a job-scoped resource
// (typically an uploaded file) that must be removed once the job is over, whatever the outcome.
type TempResourceHolder interface {
	TempResource(input map[string]any) string
}

// Result is what a processor hands back to the runner.
type Result struct {
	Output  map[string]any
	Failure *Failure
}

// Failure is a structured, expected domain failure.
type Failure struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (f *Failure) Error() string {
	return f.Code + ": " + f.Message
}

func Succeeded(output map[string]any) *Result {
	return &Result{Output: output}
}

func Failed(code, message string, details map[string]any) *Result {
	return &Result{Failure: &Failure{Code: code, Message: message, Details: details}}
}
