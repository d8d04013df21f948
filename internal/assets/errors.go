package assets

import (
	"fmt"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
)

type AssetsErrorCause string

const (
	ErrCauseImageDownloadFailure  = "failed to download image"
	ErrCauseNetworkFailure        = "network issues"
	ErrCauseReadResponseBodyError = "failed to read response body"
	ErrCauseRequest5xx            = "server error"
	ErrCauseRequestTooMany        = "rate limited"
	ErrCauseRequestPageForbidden  = "access forbidden"
	ErrCauseRedirectLimitExceeded = "unexpected redirect"
	ErrCauseAssetTooLarge         = "asset exceeds size limit"
	ErrCauseHashError             = "failed to hash asset content"
	ErrCauseWriteFailure          = "failed to write asset to disk"
	ErrCauseDiskFull              = "disk full"
	ErrCausePathError             = "failed to create asset directory"
)

type AssetsError struct {
	Message   string
	Retryable bool
	Cause     AssetsErrorCause
}

func (e *AssetsError) Error() string {
	return fmt.Sprintf("assets error: %s", e.Cause)
}

func (e *AssetsError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// mapAssetsErrorToMetadataCause maps assets-local error semantics
// to the canonical metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func mapAssetsErrorToMetadataCause(err AssetsError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseImageDownloadFailure, ErrCauseNetworkFailure, ErrCauseReadResponseBodyError, ErrCauseRequest5xx:
		return metadata.CauseNetworkFailure
	case ErrCauseRequestTooMany, ErrCauseRequestPageForbidden, ErrCauseRedirectLimitExceeded:
		return metadata.CausePolicyDisallow
	case ErrCauseAssetTooLarge:
		return metadata.CauseContentInvalid
	case ErrCauseWriteFailure, ErrCauseDiskFull, ErrCausePathError:
		return metadata.CauseStorageFailure
	case ErrCauseHashError:
		return metadata.CauseInvariantViolation
	default:
		return metadata.CauseUnknown
	}
}
