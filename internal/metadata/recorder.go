package metadata

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-logfmt/logfmt"
)

/*
Metadata Collected
- Fetch timestamps
- HTTP status codes
- Content hashes
- Crawl depth

Logging Goals
- Debuggable crawl behavior
- Post-run auditability
- Failure diagnostics

Structured logging is preferred.

Allowed:
- Primitive values
- Timestamps
- URLs (as values, not objects with behavior)
- Hashes
- Status codes
- Durations
- Identifiers (page ID, crawl ID)
*/

// Recorder writes every observation as one logfmt line to its underlying
// writer, tagged with the worker label it was constructed with. It is the
// default MetadataSink used outside of tests.
type Recorder struct {
	worker string
	mu     *sync.Mutex
	enc    *logfmt.Encoder
}

// NewRecorder builds a Recorder labeled worker, writing logfmt lines to
// stderr. The label is attached to every emitted line so log lines from
// concurrent workers can be told apart.
func NewRecorder(worker string) Recorder {
	return NewRecorderTo(worker, os.Stderr)
}

// NewRecorderTo builds a Recorder labeled worker that writes logfmt lines
// to out instead of stderr. Used by tests that need to inspect output.
func NewRecorderTo(worker string, out io.Writer) Recorder {
	return Recorder{
		worker: worker,
		mu:     &sync.Mutex{},
		enc:    logfmt.NewEncoder(out),
	}
}

func (r *Recorder) emit(keyvals ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keyvals = append([]interface{}{"worker", r.worker}, keyvals...)
	if err := r.enc.EncodeKeyvals(keyvals...); err != nil {
		return
	}
	_ = r.enc.EndRecord()
}

func (r *Recorder) RecordFetch(
	fetchUrl string,
	httpStatus int,
	duration time.Duration,
	contentType string,
	retryCount int,
	crawlDepth int,
) {
	r.emit(
		"event", "fetch",
		"url", fetchUrl,
		"status", httpStatus,
		"duration_ms", duration.Milliseconds(),
		"content_type", contentType,
		"retries", retryCount,
		"depth", crawlDepth,
	)
}

func (r *Recorder) RecordAssetFetch(
	fetchUrl string,
	httpStatus int,
	duration time.Duration,
	retryCount int,
) {
	r.emit(
		"event", "asset_fetch",
		"url", fetchUrl,
		"status", httpStatus,
		"duration_ms", duration.Milliseconds(),
		"retries", retryCount,
	)
}

func (r *Recorder) RecordError(
	observedAt time.Time,
	packageName string,
	action string,
	cause ErrorCause,
	details string,
	attrs []Attribute,
) {
	keyvals := []interface{}{
		"event", "error",
		"time", observedAt.Format(time.RFC3339Nano),
		"package", packageName,
		"action", action,
		"cause", causeLabel(cause),
		"details", details,
	}
	for _, attr := range attrs {
		keyvals = append(keyvals, string(attr.Key), attr.Value)
	}
	r.emit(keyvals...)
}

func (r *Recorder) RecordArtifact(kind ArtifactKind, path string, attrs []Attribute) {
	keyvals := []interface{}{
		"event", "artifact",
		"kind", string(kind),
		"path", path,
	}
	for _, attr := range attrs {
		keyvals = append(keyvals, string(attr.Key), attr.Value)
	}
	r.emit(keyvals...)
}

func (r *Recorder) RecordFinalCrawlStats(totalPages int, totalErrors int, totalAssets int, duration time.Duration) {
	r.emit(
		"event", "crawl_complete",
		"total_pages", totalPages,
		"total_errors", totalErrors,
		"total_assets", totalAssets,
		"duration_ms", duration.Milliseconds(),
	)
}

// NoopSink discards every observation. Useful in tests and command-line
// tools (e.g. --dry-run) that want a real MetadataSink without wiring a
// writer.
type NoopSink struct{}

func (NoopSink) RecordFetch(string, int, time.Duration, string, int, int)       {}
func (NoopSink) RecordAssetFetch(string, int, time.Duration, int)              {}
func (NoopSink) RecordError(time.Time, string, string, ErrorCause, string, []Attribute) {}
func (NoopSink) RecordArtifact(ArtifactKind, string, []Attribute)              {}
func (NoopSink) RecordFinalCrawlStats(int, int, int, time.Duration)            {}

func causeLabel(cause ErrorCause) string {
	switch cause {
	case CauseNetworkFailure:
		return "network_failure"
	case CausePolicyDisallow:
		return "policy_disallow"
	case CauseContentInvalid:
		return "content_invalid"
	case CauseStorageFailure:
		return "storage_failure"
	case CauseInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// String lets an ErrorCause be interpolated directly in %s formats.
func (c ErrorCause) String() string {
	return causeLabel(c)
}
