package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/andybalholm/brotli"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
	"github.com/rohmanhakim/docs-crawler/pkg/retry"
)

/*
Responsibilities

- Perform HTTP requests, one URL at a time; callers fan this out for batches
- Apply headers and timeouts, never follow redirects automatically
- Decompress gzip/deflate/brotli bodies
- Detect bot-verification challenges and rotate User-Agent on retry
- All responses and their raw status are logged with metadata

The fetcher never judges a status code as success or failure; that is
the classifier's job. A FetchResult with Responded() == true and any
status code, including 4xx/5xx, is a normal result.
*/

// userAgentPool is rotated through when a host is suspected of serving a
// bot-verification challenge (Cloudflare, "checking your browser", captcha).
var userAgentPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
}

var verificationMarkers = []string{
	"cloudflare",
	"checking your browser",
	"captcha",
	"attention required",
	"just a moment",
}

const maxVerificationAttempts = 3

// HtmlFetcher performs redirect-disabled GET requests and hands back the
// raw HTTP response shape for the classifier to interpret.
type HtmlFetcher struct {
	metadataSink metadata.MetadataSink
	httpClient   *http.Client

	verificationFailedMu sync.Mutex
	verificationFailed   map[string]bool
}

func NewHtmlFetcher(
	metadataSink metadata.MetadataSink,
) HtmlFetcher {
	return HtmlFetcher{
		metadataSink:       metadataSink,
		httpClient:         newNonFollowingClient(),
		verificationFailed: make(map[string]bool),
	}
}

// Init rebinds the HTTP client (e.g. to inject a proxy transport) while
// keeping the no-redirect policy.
func (h *HtmlFetcher) Init(httpClient *http.Client) {
	httpClient.CheckRedirect = neverFollowRedirect
	h.httpClient = httpClient
}

func newNonFollowingClient() *http.Client {
	return &http.Client{
		CheckRedirect: neverFollowRedirect,
	}
}

func neverFollowRedirect(_ *http.Request, _ []*http.Request) error {
	return http.ErrUseLastResponse
}

func (h *HtmlFetcher) Fetch(
	ctx context.Context,
	crawlDepth int,
	fetchParam FetchParam,
	retryParam retry.RetryParam,
) (FetchResult, failure.ClassifiedError) {
	callerMethod := "HtmlFetcher.Fetch"
	startTime := time.Now()

	host := fetchParam.fetchUrl.Host
	if h.isVerificationFailed(host) {
		return FetchResult{}, &FetchError{
			Message:   fmt.Sprintf("host %s previously failed verification", host),
			Retryable: false,
			Cause:     ErrCauseVerificationFailed,
		}
	}

	result, attempts, err := h.fetchWithRetry(ctx, fetchParam, retryParam)

	duration := time.Since(startTime)

	var statusCode int
	var contentType string
	retryCount := attempts

	if err == nil {
		statusCode = result.Code()
		contentType = result.ContentType()
	}

	h.metadataSink.RecordFetch(
		fetchParam.fetchUrl.String(),
		statusCode,
		duration,
		contentType,
		retryCount,
		crawlDepth,
	)

	if err != nil {
		var retryErr *retry.RetryError
		if errors.As(err, &retryErr) {
			h.recordRetryError(callerMethod, fetchParam.fetchUrl, err)
		} else {
			h.recordFetchError(callerMethod, fetchParam.fetchUrl, err)
		}
		return FetchResult{}, err
	}

	return result, nil
}

func (h *HtmlFetcher) isVerificationFailed(host string) bool {
	h.verificationFailedMu.Lock()
	defer h.verificationFailedMu.Unlock()
	return h.verificationFailed[host]
}

func (h *HtmlFetcher) markVerificationFailed(host string) {
	h.verificationFailedMu.Lock()
	defer h.verificationFailedMu.Unlock()
	h.verificationFailed[host] = true
}

func (h *HtmlFetcher) recordFetchError(callerMethod string, fetchUrl url.URL, err failure.ClassifiedError) {
	var fetchError *FetchError
	if errors.As(err, &fetchError) {
		h.metadataSink.RecordError(
			time.Now(),
			"fetcher",
			callerMethod,
			mapFetchErrorToMetadataCause(fetchError),
			err.Error(),
			[]metadata.Attribute{
				metadata.NewAttr(metadata.AttrURL, fetchUrl.String()),
			},
		)
	}
}

func (h *HtmlFetcher) recordRetryError(callerMethod string, fetchUrl url.URL, err failure.ClassifiedError) {
	var retryError *retry.RetryError
	if errors.As(err, &retryError) {
		h.metadataSink.RecordError(
			time.Now(),
			"fetcher",
			callerMethod,
			metadata.CauseNetworkFailure,
			err.Error(),
			[]metadata.Attribute{
				metadata.NewAttr(metadata.AttrMessage, retryError.Error()),
				metadata.NewAttr(metadata.AttrURL, fetchUrl.String()),
			},
		)
	}
}

// fetchWithRetry performs the request, retrying only on transport-level
// failure or a detected verification challenge; ordinary HTTP status
// codes (including 4xx/5xx) are returned as-is for the classifier. The
// returned attempt count reflects actual tries made, not retryParam.MaxAttempts.
func (h *HtmlFetcher) fetchWithRetry(ctx context.Context, fetchParam FetchParam, retryParam retry.RetryParam) (FetchResult, int, failure.ClassifiedError) {
	userAgent := fetchParam.userAgent
	attempt := 0

	fetchTask := func() (FetchResult, failure.ClassifiedError) {
		ua := userAgent
		if attempt > 0 && attempt <= len(userAgentPool) {
			ua = userAgentPool[attempt-1]
		}
		attempt++

		result, fetchErr := h.performFetch(ctx, fetchParam.fetchUrl, ua, true)
		if fetchErr != nil {
			return FetchResult{}, fetchErr
		}

		if looksLikeVerificationChallenge(result) {
			if attempt > maxVerificationAttempts {
				h.markVerificationFailed(fetchParam.fetchUrl.Host)
				return FetchResult{}, &FetchError{
					Message:   "verification challenge exhausted retries",
					Retryable: false,
					Cause:     ErrCauseVerificationFailed,
				}
			}
			return FetchResult{}, &FetchError{
				Message:   "verification challenge detected",
				Retryable: true,
				Cause:     ErrCauseVerificationFailed,
			}
		}

		return result, nil
	}

	retryResult := retry.Retry(retryParam, fetchTask)
	if retryResult.IsFailure() {
		return FetchResult{}, retryResult.Attempts(), retryResult.Err()
	}

	return retryResult.Value(), retryResult.Attempts(), nil
}

func looksLikeVerificationChallenge(result FetchResult) bool {
	status := result.Code()
	switch status {
	case 401, 403, 406, 408, 409, 429, 503:
	default:
		return false
	}

	body := strings.ToLower(string(result.Body()))
	for _, marker := range verificationMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// performFetch issues one GET request and returns the raw response shape.
// allowBrotli controls whether "br" is advertised in Accept-Encoding; it
// is retried false when the brotli-decoded body proves implausible.
func (h *HtmlFetcher) performFetch(ctx context.Context, fetchUrl url.URL, userAgent string, allowBrotli bool) (FetchResult, failure.ClassifiedError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchUrl.String(), nil)
	if err != nil {
		return FetchResult{}, &FetchError{
			Message:   fmt.Sprintf("failed to create request: %v", err),
			Retryable: false,
			Cause:     ErrCauseNetworkFailure,
		}
	}

	for key, value := range requestHeaders(userAgent, allowBrotli) {
		req.Header.Set(key, value)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return FetchResult{}, &FetchError{
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
			Cause:     ErrCauseNetworkFailure,
		}
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, &FetchError{
			Message:   fmt.Sprintf("failed to read response body: %v", err),
			Retryable: true,
			Cause:     ErrCauseReadResponseBodyError,
		}
	}

	contentEncoding := resp.Header.Get("Content-Encoding")
	body, decodeErr := decodeBody(rawBody, contentEncoding)
	claimsBrotli := strings.Contains(strings.ToLower(contentEncoding), "br")

	if decodeErr != nil {
		if allowBrotli && claimsBrotli {
			return h.performFetch(ctx, fetchUrl, userAgent, false)
		}
		return FetchResult{}, &FetchError{
			Message:   fmt.Sprintf("failed to decode response body: %v", decodeErr),
			Retryable: false,
			Cause:     ErrCauseDecodeError,
		}
	}

	if allowBrotli && claimsBrotli && !looksPlausiblyTextual(body) {
		return h.performFetch(ctx, fetchUrl, userAgent, false)
	}

	responseHeaders := make(map[string]string)
	for key, values := range resp.Header {
		if len(values) > 0 {
			responseHeaders[canonicalHeaderKey(key)] = values[0]
		}
	}

	result := FetchResult{
		url:       fetchUrl,
		body:      body,
		responded: true,
		fetchedAt: time.Now(),
		meta: ResponseMeta{
			statusCode:      resp.StatusCode,
			responseHeaders: responseHeaders,
		},
	}
	return result, nil
}

// canonicalHeaderKey normalizes a small set of headers the classifier and
// fetcher care about to a stable capitalization regardless of what the
// server sent (net/http already title-cases these for us, but tests may
// construct headers by hand).
func canonicalHeaderKey(key string) string {
	switch strings.ToLower(key) {
	case "content-type":
		return "Content-Type"
	case "location":
		return "Location"
	case "retry-after":
		return "Retry-After"
	case "last-modified":
		return "Last-Modified"
	case "etag":
		return "Etag"
	default:
		return key
	}
}

func decodeBody(raw []byte, contentEncoding string) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))
	switch {
	case strings.Contains(encoding, "gzip"):
		reader, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		return io.ReadAll(reader)

	case strings.Contains(encoding, "deflate"):
		reader := flate.NewReader(bytes.NewReader(raw))
		defer reader.Close()
		return io.ReadAll(reader)

	case strings.Contains(encoding, "br"):
		reader := brotli.NewReader(bytes.NewReader(raw))
		return io.ReadAll(reader)

	default:
		return raw, nil
	}
}

// looksPlausiblyTextual is a cheap sanity check used after brotli
// decoding: if the result isn't valid UTF-8 text, the server likely did
// not actually brotli-encode the body despite the header claiming so.
func looksPlausiblyTextual(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	sample := body
	if len(sample) > 2048 {
		sample = sample[:2048]
	}
	return utf8.Valid(sample)
}

func requestHeaders(userAgent string, allowBrotli bool) map[string]string {
	encodings := "gzip, deflate"
	if allowBrotli {
		encodings = "gzip, deflate, br"
	}
	return map[string]string{
		"User-Agent":      userAgent,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.5",
		"Accept-Encoding": encodings,
		"Connection":      "keep-alive",
	}
}
