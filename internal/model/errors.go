package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the batch error taxonomy. Callers wrap these with
// context via fmt.Errorf("...: %w", err) and classify with errors.Is.
var (
	// ErrValidation marks bad scene/config input. Fatal to the whole
	// batch at plan time.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks missing assets or workflows. Fatal at plan time,
	// skip-with-warning at job-build time.
	ErrNotFound = errors.New("not found")

	// ErrProvisionTimeout marks a worker that never reached the ready
	// state. Fatal to its partition only.
	ErrProvisionTimeout = errors.New("worker provision timeout")

	// ErrWorkerUnrecoverable marks a worker whose generation service could
	// not be restarted. Fatal to its partition only.
	ErrWorkerUnrecoverable = errors.New("worker unrecoverable")

	// ErrGraphShape marks a workflow graph without a usable input node.
	// Terminal per job; retrying cannot succeed.
	ErrGraphShape = errors.New("workflow graph shape error")

	// ErrGenerationFailed marks an execution error reported by the
	// generation service. Transient per job, retried within budget.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrGenerationTimeout marks a generation that did not complete within
	// the per-job timeout. Transient per job, retried within budget.
	ErrGenerationTimeout = errors.New("generation timeout")
)

// HTTPStatusError carries an HTTP status code from the generation service
// so the executor can separate retryable codes from terminal ones.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}
