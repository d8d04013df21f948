package scorer

import (
	"fmt"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
)

type ScorerErrorCause string

const (
	ErrCauseTextPrepFailed = ScorerErrorCause("text preparation failed")
)

type ScorerError struct {
	Message   string
	Retryable bool
	Cause     ScorerErrorCause
}

func (e *ScorerError) Error() string {
	return fmt.Sprintf("scorer error: %s", e.Message)
}

func (e *ScorerError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func mapScorerErrorToMetadataCause(err *ScorerError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseTextPrepFailed:
		return metadata.CauseContentInvalid
	default:
		return metadata.CauseUnknown
	}
}
