package classifier

import (
	"fmt"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
)

type ClassifierErrorCause string

const (
	ErrCauseMalformedRedirect = ClassifierErrorCause("malformed redirect location")
)

type ClassifierError struct {
	Message   string
	Retryable bool
	Cause     ClassifierErrorCause
}

func (e *ClassifierError) Error() string {
	return fmt.Sprintf("classifier error: %s", e.Message)
}

func (e *ClassifierError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// mapClassifierErrorToMetadataCause maps classifier-local error semantics
// to the canonical metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func mapClassifierErrorToMetadataCause(err *ClassifierError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseMalformedRedirect:
		return metadata.CauseContentInvalid
	default:
		return metadata.CauseUnknown
	}
}
