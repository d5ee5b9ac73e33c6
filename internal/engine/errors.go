package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Fatal errors are never
// retried; transient errors are retried with bounded backoff at the call
// site and escalated once the retry budget is exhausted.
var (
	// ErrDefinitionInvalid indicates the platform rejected a task definition
	// registration as invalid. Fatal.
	ErrDefinitionInvalid = errors.New("task definition invalid")

	// ErrSubmissionRejected indicates the platform rejected a run request
	// outright (bad payload, missing cluster). Fatal.
	ErrSubmissionRejected = errors.New("task submission rejected")

	// ErrTransient marks throttling and other retryable API failures.
	ErrTransient = errors.New("transient API error")
)

// definitionInvalid wraps a platform validation rejection.
func definitionInvalid(err error) error {
	return fmt.Errorf("%w: %v", ErrDefinitionInvalid, err)
}

// submissionRejected wraps a fatal run request rejection with a reason.
func submissionRejected(reason string) error {
	return fmt.Errorf("%w: %s", ErrSubmissionRejected, reason)
}
