package store

import (
	"fmt"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
)

type StoreErrorCause string

const (
	ErrCauseOpenFailed     = StoreErrorCause("cannot open store")
	ErrCauseMigrateFailed  = StoreErrorCause("schema migration failed")
	ErrCauseWriteFailed    = StoreErrorCause("write failed")
	ErrCauseReadFailed     = StoreErrorCause("read failed")
	ErrCauseExportFailed   = StoreErrorCause("csv export failed")
)

// StoreError is raised for every store-layer failure. Open and migrate
// failures are fatal; individual row writes are reported to the caller
// as a boolean and never abort the crawl.
type StoreError struct {
	Message   string
	Retryable bool
	Cause     StoreErrorCause
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: %s: %s", e.Cause, e.Message)
}

func (e *StoreError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func mapStoreErrorToMetadataCause(err *StoreError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseOpenFailed, ErrCauseMigrateFailed:
		return metadata.CauseStorageFailure
	case ErrCauseWriteFailed, ErrCauseExportFailed:
		return metadata.CauseStorageFailure
	case ErrCauseReadFailed:
		return metadata.CauseStorageFailure
	default:
		return metadata.CauseUnknown
	}
}
