package fetcher_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/rohmanhakim/docs-crawler/internal/fetcher"
	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
	"github.com/rohmanhakim/docs-crawler/pkg/retry"
	"github.com/rohmanhakim/docs-crawler/pkg/timeutil"
)

// mockMetadataSink is a test double for metadata.MetadataSink
type mockMetadataSink struct {
	fetchEvents    []fetchEvent
	errorEvents    []errorEvent
	artifactEvents []string
}

type fetchEvent struct {
	fetchUrl    string
	httpStatus  int
	duration    time.Duration
	contentType string
	retryCount  int
	crawlDepth  int
}

type errorEvent struct {
	observedAt  time.Time
	packageName string
	action      string
	cause       metadata.ErrorCause
	details     string
	attrs       []metadata.Attribute
}

func (m *mockMetadataSink) RecordFetch(
	fetchUrl string,
	httpStatus int,
	duration time.Duration,
	contentType string,
	retryCount int,
	crawlDepth int,
) {
	m.fetchEvents = append(m.fetchEvents, fetchEvent{
		fetchUrl:    fetchUrl,
		httpStatus:  httpStatus,
		duration:    duration,
		contentType: contentType,
		retryCount:  retryCount,
		crawlDepth:  crawlDepth,
	})
}

func (m *mockMetadataSink) RecordAssetFetch(
	fetchUrl string,
	httpStatus int,
	duration time.Duration,
	retryCount int,
) {
	m.fetchEvents = append(m.fetchEvents, fetchEvent{
		fetchUrl:   fetchUrl,
		httpStatus: httpStatus,
		duration:   duration,
		retryCount: retryCount,
	})
}

func (m *mockMetadataSink) RecordError(
	observedAt time.Time,
	packageName string,
	action string,
	cause metadata.ErrorCause,
	details string,
	attrs []metadata.Attribute,
) {
	m.errorEvents = append(m.errorEvents, errorEvent{
		observedAt:  observedAt,
		packageName: packageName,
		action:      action,
		cause:       cause,
		details:     details,
		attrs:       attrs,
	})
}

func (m *mockMetadataSink) RecordArtifact(kind metadata.ArtifactKind, path string, attrs []metadata.Attribute) {
	m.artifactEvents = append(m.artifactEvents, path)
}

func (m *mockMetadataSink) RecordFinalCrawlStats(totalPages int, totalErrors int, totalAssets int, duration time.Duration) {
}

// createTestRetryParam creates retry parameters for testing
func createTestRetryParam(maxAttempts int) retry.RetryParam {
	return retry.NewRetryParam(
		10*time.Millisecond, // baseDelay
		5*time.Millisecond,  // jitter
		42,                  // randomSeed
		maxAttempts,         // maxAttempts
		timeutil.NewBackoffParam(
			10*time.Millisecond,
			2.0,
			100*time.Millisecond,
		),
	)
}

func newTestFetcher(sink metadata.MetadataSink) fetcher.HtmlFetcher {
	f := fetcher.NewHtmlFetcher(sink)
	f.Init(&http.Client{})
	return f
}

func TestHtmlFetcher_Fetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html><body>Hello World</body></html>"))
	}))
	defer server.Close()

	sink := &mockMetadataSink{}
	f := newTestFetcher(sink)

	fetchUrl, _ := url.Parse(server.URL)
	retryParam := createTestRetryParam(3)

	result, err := f.Fetch(context.Background(), 0, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !result.Responded() {
		t.Fatal("expected Responded() == true")
	}
	if result.Code() != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, result.Code())
	}
	if string(result.Body()) != "<html><body>Hello World</body></html>" {
		t.Errorf("unexpected body: %s", string(result.Body()))
	}

	if len(sink.fetchEvents) != 1 {
		t.Fatalf("expected 1 fetch event, got %d", len(sink.fetchEvents))
	}
	fetchEvt := sink.fetchEvents[0]
	if fetchEvt.fetchUrl != server.URL {
		t.Errorf("expected URL %s, got %s", server.URL, fetchEvt.fetchUrl)
	}
	if fetchEvt.crawlDepth != 0 {
		t.Errorf("expected crawl depth 0, got %d", fetchEvt.crawlDepth)
	}
	if len(sink.errorEvents) != 0 {
		t.Errorf("expected 0 error events, got %d", len(sink.errorEvents))
	}
}

// TestHtmlFetcher_Fetch_NonHTMLContentPassesThrough verifies that the
// fetcher no longer gates on content type: a JSON body with a 200 comes
// back as an ordinary successful FetchResult for the classifier to judge.
func TestHtmlFetcher_Fetch_NonHTMLContentPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"message": "not html"}`))
	}))
	defer server.Close()

	sink := &mockMetadataSink{}
	f := newTestFetcher(sink)

	fetchUrl, _ := url.Parse(server.URL)
	retryParam := createTestRetryParam(3)

	result, err := f.Fetch(context.Background(), 1, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.ContentType() != "application/json" {
		t.Errorf("expected content type application/json, got %s", result.ContentType())
	}
	if result.Code() != http.StatusOK {
		t.Errorf("expected status 200, got %d", result.Code())
	}
}

// TestHtmlFetcher_Fetch_StatusCodesPassThrough verifies every plain status code (no verification
// markers in the body) is surfaced as a normal FetchResult, never an error.
func TestHtmlFetcher_Fetch_StatusCodesPassThrough(t *testing.T) {
	statuses := []int{
		http.StatusOK,
		http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusInternalServerError,
		http.StatusBadGateway,
	}

	for _, status := range statuses {
		status := status
		t.Run(http.StatusText(status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.WriteHeader(status)
				w.Write([]byte("<html>body</html>"))
			}))
			defer server.Close()

			sink := &mockMetadataSink{}
			f := newTestFetcher(sink)

			fetchUrl, _ := url.Parse(server.URL)
			retryParam := createTestRetryParam(1)

			result, err := f.Fetch(context.Background(), 0, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)

			if err != nil {
				t.Fatalf("expected status %d to pass through without error, got: %v", status, err)
			}
			if result.Code() != status {
				t.Errorf("expected status %d, got %d", status, result.Code())
			}
		})
	}
}

// TestHtmlFetcher_Fetch_RedirectNotFollowed verifies a 3xx is returned as-is,
// with the Location header intact, rather than being auto-followed.
func TestHtmlFetcher_Fetch_RedirectNotFollowed(t *testing.T) {
	target := "/moved-destination"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == target {
			t.Fatal("fetcher must not auto-follow redirects")
		}
		w.Header().Set("Location", target)
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer server.Close()

	sink := &mockMetadataSink{}
	f := newTestFetcher(sink)

	fetchUrl, _ := url.Parse(server.URL)
	retryParam := createTestRetryParam(1)

	result, err := f.Fetch(context.Background(), 0, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Code() != http.StatusMovedPermanently {
		t.Errorf("expected 301, got %d", result.Code())
	}
	if result.Location() != target {
		t.Errorf("expected Location %s, got %s", target, result.Location())
	}
}

func TestHtmlFetcher_Fetch_GzipDecoded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		gw.Write([]byte("<html>gzipped</html>"))
		gw.Close()

		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	sink := &mockMetadataSink{}
	f := newTestFetcher(sink)

	fetchUrl, _ := url.Parse(server.URL)
	retryParam := createTestRetryParam(1)

	result, err := f.Fetch(context.Background(), 0, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if string(result.Body()) != "<html>gzipped</html>" {
		t.Errorf("expected decompressed body, got: %s", string(result.Body()))
	}
}

func TestHtmlFetcher_Fetch_BrotliDecoded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		bw.Write([]byte("<html>brotli</html>"))
		bw.Close()

		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "br")
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	sink := &mockMetadataSink{}
	f := newTestFetcher(sink)

	fetchUrl, _ := url.Parse(server.URL)
	retryParam := createTestRetryParam(1)

	result, err := f.Fetch(context.Background(), 0, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)

	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if string(result.Body()) != "<html>brotli</html>" {
		t.Errorf("expected decompressed body, got: %s", string(result.Body()))
	}
}

// TestHtmlFetcher_Fetch_VerificationChallengeExhausts verifies that a host
// serving a persistent bot-verification challenge eventually fails
// non-retryably and is thereafter short-circuited.
func TestHtmlFetcher_Fetch_VerificationChallengeExhausts(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("<html>Checking your browser before accessing — cloudflare</html>"))
	}))
	defer server.Close()

	sink := &mockMetadataSink{}
	f := newTestFetcher(sink)

	fetchUrl, _ := url.Parse(server.URL)
	retryParam := createTestRetryParam(10)

	_, err := f.Fetch(context.Background(), 0, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)

	if err == nil {
		t.Fatal("expected verification-challenge error, got nil")
	}

	var fetchErr *fetcher.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %T", err)
	}
	if fetchErr.IsRetryable() {
		t.Error("expected verification exhaustion to be non-retryable")
	}
	if requestCount < 3 {
		t.Errorf("expected at least 3 requests before giving up, got %d", requestCount)
	}

	// Subsequent calls to the same host short-circuit without a network round trip.
	requestCountBefore := requestCount
	_, err = f.Fetch(context.Background(), 0, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)
	if err == nil {
		t.Fatal("expected short-circuited verification failure, got nil")
	}
	if requestCount != requestCountBefore {
		t.Errorf("expected no additional requests, got %d more", requestCount-requestCountBefore)
	}
}

func TestHtmlFetcher_Fetch_SuccessAfterTransientFailure(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		if requestCount == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("hijacking unsupported")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatal(err)
			}
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>Success</html>"))
	}))
	defer server.Close()

	sink := &mockMetadataSink{}
	f := newTestFetcher(sink)

	fetchUrl, _ := url.Parse(server.URL)
	retryParam := createTestRetryParam(3)

	result, err := f.Fetch(context.Background(), 0, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)

	if err != nil {
		t.Fatalf("expected success after retry, got error: %v", err)
	}
	if requestCount < 2 {
		t.Errorf("expected at least 2 requests, got %d", requestCount)
	}
	if result.Code() != http.StatusOK {
		t.Errorf("expected status 200, got %d", result.Code())
	}
}

func TestHtmlFetcher_FetchResult_Accessors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Custom-Header", "test-value")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>Test</html>"))
	}))
	defer server.Close()

	sink := &mockMetadataSink{}
	f := newTestFetcher(sink)

	fetchUrl, _ := url.Parse(server.URL)
	retryParam := createTestRetryParam(3)

	result, err := f.Fetch(context.Background(), 0, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resultURL := result.URL()
	if resultURL.String() != fetchUrl.String() {
		t.Errorf("expected URL %s, got %s", fetchUrl.String(), resultURL.String())
	}
	if result.Code() != http.StatusOK {
		t.Errorf("expected code %d, got %d", http.StatusOK, result.Code())
	}
	expectedSize := uint64(len("<html>Test</html>"))
	if result.SizeByte() != expectedSize {
		t.Errorf("expected size %d, got %d", expectedSize, result.SizeByte())
	}
	headers := result.Headers()
	if headers["Content-Type"] != "text/html; charset=utf-8" {
		t.Errorf("unexpected Content-Type header: %s", headers["Content-Type"])
	}
	if headers["X-Custom-Header"] != "test-value" {
		t.Errorf("unexpected X-Custom-Header: %s", headers["X-Custom-Header"])
	}
}

func TestHtmlFetcher_MetadataSinkInterface(t *testing.T) {
	var _ metadata.MetadataSink = &mockMetadataSink{}
}

func TestHtmlFetcher_FetchError_Severity(t *testing.T) {
	err := &fetcher.FetchError{
		Message:   "test error",
		Retryable: true,
		Cause:     fetcher.ErrCauseNetworkFailure,
	}

	var classifiedErr failure.ClassifiedError = err
	if classifiedErr.Severity() != failure.SeverityRecoverable {
		t.Errorf("expected SeverityRecoverable for retryable error, got %v", classifiedErr.Severity())
	}

	nonRetryableErr := &fetcher.FetchError{
		Message:   "test error",
		Retryable: false,
		Cause:     fetcher.ErrCauseVerificationFailed,
	}

	classifiedErr = nonRetryableErr
	if classifiedErr.Severity() != failure.SeverityFatal {
		t.Errorf("expected SeverityFatal for non-retryable error, got %v", classifiedErr.Severity())
	}
}

func TestHtmlFetcher_Fetch_ReadResponseBodyError(t *testing.T) {
	// Hijack the connection and abruptly close it after a partial body to
	// force io.ReadAll(resp.Body) into a read error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("response writer does not support hijacking")
		}
		conn, bufrw, err := hj.Hijack()
		if err != nil {
			t.Fatal("hijack failed:", err)
		}
		defer conn.Close()

		headers := "HTTP/1.1 200 OK\r\n" +
			"Content-Type: text/html; charset=utf-8\r\n" +
			"Content-Length: 100\r\n" +
			"\r\n"
		bufrw.WriteString(headers)
		bufrw.WriteString("partial")
		bufrw.Flush()
		conn.Close()
	}))
	defer server.Close()

	sink := &mockMetadataSink{}
	f := newTestFetcher(sink)

	fetchUrl, _ := url.Parse(server.URL)
	retryParam := createTestRetryParam(1)

	_, err := f.Fetch(context.Background(), 0, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)

	if err == nil {
		t.Fatal("expected error for read response body failure, got nil")
	}

	var retryErr *retry.RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected RetryError after exhaustion, got %T", err)
	}

	if len(sink.errorEvents) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(sink.errorEvents))
	}
	errorEvt := sink.errorEvents[0]
	if errorEvt.packageName != "fetcher" {
		t.Errorf("expected package name 'fetcher', got %s", errorEvt.packageName)
	}
}

func TestHtmlFetcher_Fetch_NetworkFailure(t *testing.T) {
	sink := &mockMetadataSink{}
	f := newTestFetcher(sink)

	// Nothing is listening on this port.
	fetchUrl, _ := url.Parse("http://127.0.0.1:1")
	retryParam := createTestRetryParam(1)

	_, err := f.Fetch(context.Background(), 0, fetcher.NewFetchParam(*fetchUrl, "test-user-agent"), retryParam)

	if err == nil {
		t.Fatal("expected network failure error, got nil")
	}
}
