package fetcher

import (
	"net/url"
	"time"
)

// FetchParam carries the per-request inputs to Fetch: the target URL and
// the User-Agent to present. Retry shaping (attempts, backoff) travels
// separately via retry.RetryParam so callers can vary it per host.
type FetchParam struct {
	fetchUrl  url.URL
	userAgent string
}

func NewFetchParam(fetchUrl url.URL, userAgent string) FetchParam {
	return FetchParam{
		fetchUrl:  fetchUrl,
		userAgent: userAgent,
	}
}

// FetchResult is the classifier's raw material: whatever the server said,
// redirects included. A zero-value FetchResult with Responded() == false
// means the request never produced an HTTP response (timeout, DNS, TCP,
// TLS failure) — it is not itself an error, the classifier decides what
// to do with it.
type FetchResult struct {
	url       url.URL
	body      []byte
	responded bool
	meta      ResponseMeta
	fetchedAt time.Time
}

func (f *FetchResult) URL() url.URL {
	return f.url
}

func (f *FetchResult) Body() []byte {
	return f.body
}

func (f *FetchResult) Responded() bool {
	return f.responded
}

func (f *FetchResult) Code() int {
	return f.meta.statusCode
}

func (f *FetchResult) SizeByte() uint64 {
	return uint64(len(f.body))
}

func (f *FetchResult) Headers() map[string]string {
	return f.meta.responseHeaders
}

func (f *FetchResult) ContentType() string {
	return f.meta.responseHeaders["Content-Type"]
}

func (f *FetchResult) Location() string {
	return f.meta.responseHeaders["Location"]
}

func (f *FetchResult) RetryAfter() string {
	return f.meta.responseHeaders["Retry-After"]
}

func (f *FetchResult) LastModified() string {
	return f.meta.responseHeaders["Last-Modified"]
}

func (f *FetchResult) ETag() string {
	return f.meta.responseHeaders["Etag"]
}

func (f *FetchResult) FetchedAt() time.Time {
	return f.fetchedAt
}

type ResponseMeta struct {
	statusCode      int
	responseHeaders map[string]string
}

// NewFetchResultForTest creates a FetchResult for testing purposes.
// This allows test packages to construct FetchResult values without
// accessing unexported fields directly.
func NewFetchResultForTest(
	url url.URL,
	body []byte,
	statusCode int,
	contentType string,
	responseHeaders map[string]string,
	fetchedAt time.Time,
) FetchResult {
	if responseHeaders == nil {
		responseHeaders = map[string]string{}
	}
	if contentType != "" {
		responseHeaders["Content-Type"] = contentType
	}
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	return FetchResult{
		url:       url,
		body:      body,
		responded: true,
		fetchedAt: fetchedAt,
		meta: ResponseMeta{
			statusCode:      statusCode,
			responseHeaders: responseHeaders,
		},
	}
}
