package frontier_test

import (
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/frontier"
	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/scorer"
	"github.com/rohmanhakim/docs-crawler/internal/store"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return *u
}

func newTestFrontier(t *testing.T) (*frontier.Frontier, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "crawl.db"), metadata.NoopSink{})
	require.Nil(t, err)
	t.Cleanup(func() { st.Close() })

	sc := scorer.NewScorer(metadata.NoopSink{}, nil, nil, scorer.DefaultParams())
	params := frontier.DefaultParams()
	params.ProbeCap = 50

	return frontier.NewFrontier(st, nil, sc, params), st
}

func TestAddURL_AdmitsSeedAndOrdersByPriority(t *testing.T) {
	f, _ := newTestFrontier(t)

	reason := f.AddURL(mustURL(t, "https://uni-tuebingen.de/en/faculty"), "", nil, frontier.SourceSeed, 0, 0)
	require.Equal(t, frontier.ReasonAdmitted, reason)
	require.Equal(t, 1, f.Size())

	reason = f.AddURL(mustURL(t, "https://example.com/irrelevant/deep/path/a/b/c/d/e/f"), "", nil, frontier.SourceSeed, 0, 0)
	require.Equal(t, frontier.ReasonAdmitted, reason)
	require.Equal(t, 2, f.Size())

	entry, ok := f.NextURL(time.Now())
	require.True(t, ok)
	require.Equal(t, "uni-tuebingen.de", hostFromEntry(t, entry.URL), "the tuebingen-scored URL should win priority ordering")
}

func TestAddURL_RejectsBlockedHost(t *testing.T) {
	f, _ := newTestFrontier(t)
	reason := f.AddURL(mustURL(t, "https://www.facebook.com/tuebingen"), "", nil, frontier.SourceSeed, 0, 0)
	require.Equal(t, frontier.ReasonBlockedHost, reason)
	require.Equal(t, 0, f.Size())
}

func TestAddURL_RejectsNonDocumentExtension(t *testing.T) {
	f, _ := newTestFrontier(t)
	reason := f.AddURL(mustURL(t, "https://uni-tuebingen.de/images/logo.png"), "", nil, frontier.SourceSeed, 0, 0)
	require.Equal(t, frontier.ReasonSkipExtension, reason)
}

func TestAddURL_RejectsExcludedPathPattern(t *testing.T) {
	f, _ := newTestFrontier(t)
	reason := f.AddURL(mustURL(t, "https://uni-tuebingen.de/wp-admin/edit"), "", nil, frontier.SourceSeed, 0, 0)
	require.Equal(t, frontier.ReasonSkipPathPattern, reason)
}

func TestAddURL_RejectsDepthExceeded(t *testing.T) {
	f, _ := newTestFrontier(t)
	reason := f.AddURL(mustURL(t, "https://uni-tuebingen.de/deep"), "", nil, frontier.SourceCrawl, 9, 9)
	require.Equal(t, frontier.ReasonDepthExceeded, reason)
}

func TestAddURL_RejectsURLTooLong(t *testing.T) {
	f, _ := newTestFrontier(t)
	longPath := "https://uni-tuebingen.de/"
	for len(longPath) < 2100 {
		longPath += "a"
	}
	reason := f.AddURL(mustURL(t, longPath), "", nil, frontier.SourceCrawl, 0, 0)
	require.Equal(t, frontier.ReasonURLTooLong, reason)
}

func TestAddURL_RejectsTooManyQueryParams(t *testing.T) {
	f, _ := newTestFrontier(t)
	reason := f.AddURL(mustURL(t, "https://uni-tuebingen.de/events?a=1&b=2&c=3&d=4&e=5&f=6&g=7&h=8&i=9&j=10&k=11"), "", nil, frontier.SourceCrawl, 0, 0)
	require.Equal(t, frontier.ReasonTooManyParams, reason)
}

func TestAddURL_RejectsDuplicateAlreadyInFrontier(t *testing.T) {
	f, _ := newTestFrontier(t)
	u := mustURL(t, "https://uni-tuebingen.de/en/")
	require.Equal(t, frontier.ReasonAdmitted, f.AddURL(u, "", nil, frontier.SourceSeed, 0, 0))
	require.Equal(t, frontier.ReasonAlreadyFrontier, f.AddURL(u, "", nil, frontier.SourceCrawl, 1, 1))
}

func TestAddURL_RejectsAlreadyCrawled(t *testing.T) {
	f, st := newTestFrontier(t)
	require.True(t, st.UpsertPage(store.Page{URL: "https://uni-tuebingen.de/en/", LastFetch: time.Now()}))

	reason := f.AddURL(mustURL(t, "https://uni-tuebingen.de/en/"), "", nil, frontier.SourceCrawl, 1, 1)
	require.Equal(t, frontier.ReasonAlreadyCrawled, reason)
}

func TestAddURL_RejectsAlreadyDisallowed(t *testing.T) {
	f, st := newTestFrontier(t)
	require.True(t, st.AddDisallowedURL(store.DisallowedURL{URL: "https://uni-tuebingen.de/en/banned", Reason: "test", Received: time.Now()}))

	reason := f.AddURL(mustURL(t, "https://uni-tuebingen.de/en/banned"), "", nil, frontier.SourceCrawl, 1, 1)
	require.Equal(t, frontier.ReasonAlreadyDisallowed, reason)
}

func TestNextURL_RespectsPerDomainDelay(t *testing.T) {
	f, _ := newTestFrontier(t)

	require.Equal(t, frontier.ReasonAdmitted, f.AddURL(mustURL(t, "https://uni-tuebingen.de/en/a"), "", nil, frontier.SourceSeed, 0, 0))
	require.Equal(t, frontier.ReasonAdmitted, f.AddURL(mustURL(t, "https://uni-tuebingen.de/en/b"), "", nil, frontier.SourceSeed, 0, 0))

	probeTime := time.Now().Add(time.Second)

	first, ok := f.NextURL(probeTime)
	require.True(t, ok)
	require.Contains(t, first.URL, "uni-tuebingen.de")

	_, ok = f.NextURL(probeTime)
	require.False(t, ok, "second URL on the same host should be ineligible within the domain delay")

	later := probeTime.Add(3 * time.Second)
	second, ok := f.NextURL(later)
	require.True(t, ok)
	require.NotEqual(t, first.URL, second.URL)
}

func TestNextBatch_PairwiseDistinctHosts(t *testing.T) {
	f, _ := newTestFrontier(t)

	require.Equal(t, frontier.ReasonAdmitted, f.AddURL(mustURL(t, "https://uni-tuebingen.de/en/a"), "", nil, frontier.SourceSeed, 0, 0))
	require.Equal(t, frontier.ReasonAdmitted, f.AddURL(mustURL(t, "https://uni-tuebingen.de/en/b"), "", nil, frontier.SourceSeed, 0, 0))
	require.Equal(t, frontier.ReasonAdmitted, f.AddURL(mustURL(t, "https://fachschaft.uni-tuebingen.de/en/"), "", nil, frontier.SourceSeed, 0, 0))

	batch := f.NextBatch(5, time.Now().Add(time.Second))
	hosts := make(map[string]struct{})
	for _, e := range batch {
		hosts[hostFromEntry(t, e.URL)] = struct{}{}
	}
	require.Equal(t, len(batch), len(hosts), "batch must have pairwise distinct hosts")
}

func hostFromEntry(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}

func TestRediscover_TightensDepthAndAppendsIncoming(t *testing.T) {
	f, _ := newTestFrontier(t)
	u := mustURL(t, "https://uni-tuebingen.de/en/shared")
	require.Equal(t, frontier.ReasonAdmitted, f.AddURL(u, "", nil, frontier.SourceCrawl, 5, 5))

	f.Rediscover(u.String(), 1, 1, true, scorer.IncomingLink{URL: "https://uni-tuebingen.de/en/", Score: 0.9})

	batch := f.NextBatch(1, time.Now())
	require.Len(t, batch, 1)
	require.LessOrEqual(t, batch[0].DomainLinkingDepth, 2)
	require.Len(t, batch[0].Incoming, 1)
}

func TestRediscover_NoopWhenNotInFrontier(t *testing.T) {
	f, _ := newTestFrontier(t)
	f.Rediscover("https://uni-tuebingen.de/en/never-added", 1, 1, true, scorer.IncomingLink{URL: "x", Score: 0.5})
}

func TestSnapshotAndLoadFromStore_RoundTrips(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "crawl.db"), metadata.NoopSink{})
	require.Nil(t, err)
	defer st.Close()

	sc := scorer.NewScorer(metadata.NoopSink{}, nil, nil, scorer.DefaultParams())
	f := frontier.NewFrontier(st, nil, sc, frontier.DefaultParams())

	require.Equal(t, frontier.ReasonAdmitted, f.AddURL(mustURL(t, "https://uni-tuebingen.de/en/"), "", nil, frontier.SourceSeed, 0, 0))
	f.Snapshot()

	reloaded := frontier.NewFrontier(st, nil, sc, frontier.DefaultParams())
	reloaded.LoadFromStore()
	require.Equal(t, 1, reloaded.Size())
}
