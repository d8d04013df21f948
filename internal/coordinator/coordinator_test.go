package coordinator_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/assets"
	"github.com/rohmanhakim/docs-crawler/internal/classifier"
	"github.com/rohmanhakim/docs-crawler/internal/config"
	"github.com/rohmanhakim/docs-crawler/internal/coordinator"
	"github.com/rohmanhakim/docs-crawler/internal/extractor"
	"github.com/rohmanhakim/docs-crawler/internal/fetcher"
	"github.com/rohmanhakim/docs-crawler/internal/frontier"
	"github.com/rohmanhakim/docs-crawler/internal/mdconvert"
	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/normalize"
	"github.com/rohmanhakim/docs-crawler/internal/sanitizer"
	"github.com/rohmanhakim/docs-crawler/internal/scorer"
	"github.com/rohmanhakim/docs-crawler/internal/store"
	"github.com/stretchr/testify/require"
)

// richPage has enough headings/paragraphs/code to clear minPersistScore
// once scored; thinPage is deliberately bare so it is extracted and
// followed but never persisted.
const richPage = `<html><body>
<h1>Tübingen Faculty Guide</h1>
<p>This page documents the faculty of the university in Tübingen, a town known for its old town and river Neckar.</p>
<p>Researchers across departments collaborate on projects spanning linguistics, computer science, and theology.</p>
<pre><code>func Example() { return }</code></pre>
<h2>Departments</h2>
<p>Every department publishes its own handbook and maintains a public events calendar each semester.</p>
<a href="/tuebingen-thin">thin</a>
</body></html>`

const thinPage = `<html><body><p>x</p></body></html>`

// richPath and thinPath both carry the "tuebingen" URL-shape keyword the
// scorer looks for; richPage's content is what actually clears the
// persistence gate, thinPage's content never will.
const richPath = "/tuebingen-faculty"
const thinPath = "/tuebingen-thin"

// newTestCoordinator builds a Coordinator out of real pipeline stages
// (the same construction NewCoordinatorFromConfig does), wired to seed
// cfg.SeedURLs() with seed, against httpClient's default transport so
// requests reach the caller's httptest.Server.
func newTestCoordinator(t *testing.T, seed url.URL) (*coordinator.Coordinator, *store.Store) {
	t.Helper()

	sink := metadata.NoopSink{}
	st, storeErr := store.Open(filepath.Join(t.TempDir(), "crawl.db"), sink)
	require.Nil(t, storeErr)
	t.Cleanup(func() { st.Close() })

	httpClient := &http.Client{}
	htmlFetcher := fetcher.NewHtmlFetcher(sink)
	htmlFetcher.Init(httpClient)

	htmlSanitizer := sanitizer.NewHTMLSanitizer(sink)
	converter := mdconvert.NewRule(sink)
	sc := scorer.NewScorer(sink, &htmlSanitizer, converter, scorer.DefaultParams())

	params := frontier.DefaultParams()
	params.ProbeCap = 50
	fr := frontier.NewFrontier(st, nil, sc, params)

	domExtractor := extractor.NewDomExtractor(sink, extractor.ExtractParam{
		BodySpecificityBias:  0.75,
		LinkDensityThreshold: 0.80,
		ScoreMultiplier: extractor.ContentScoreMultiplier{
			NonWhitespaceDivisor: 50.0,
			Paragraphs:           5.0,
			Headings:             10.0,
			CodeBlocks:           15.0,
			ListItems:            2.0,
		},
		Threshold: extractor.MeaningfulThreshold{
			MinNonWhitespace:    20,
			MinHeadings:         0,
			MinParagraphsOrCode: 1,
			MaxLinkDensity:      0.8,
		},
	})
	linkExtractor := extractor.NewLinkExtractor(sink)

	assetResolver := assets.NewLocalResolver(sink, httpClient, "docs-crawler-test")
	normalizer := normalize.NewMarkdownConstraint(sink)
	cls := classifier.NewClassifier(sink, classifier.DefaultUtemaParams())

	cfg, cfgErr := config.WithDefault([]url.URL{seed}).
		WithMaxPages(10).
		WithUrlsPerBatch(10).
		WithOutputDir(t.TempDir()).
		Build()
	require.NoError(t, cfgErr)

	coord := coordinator.NewCoordinator(
		cfg, st, fr, &htmlFetcher, cls, domExtractor, linkExtractor,
		&htmlSanitizer, converter, &assetResolver, &normalizer, sc,
		sink, sink,
	)
	return coord, st
}

func TestCoordinator_RunCrawlsAndPersistsQualifyingPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(richPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(richPage))
	})
	mux.HandleFunc(thinPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(thinPage))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	seed, err := url.Parse(server.URL + richPath)
	require.NoError(t, err)

	coord, st := newTestCoordinator(t, *seed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary := coord.Run(ctx)

	require.GreaterOrEqual(t, summary.PagesCrawled, 1, "the rich page should clear the persistence score gate")

	page, ok := st.GetPage(seed.String())
	require.True(t, ok, "qualifying page must be persisted under its fetched URL")
	require.GreaterOrEqual(t, page.Score, 0.3)
}

func TestCoordinator_RunWorkerPoolCrawlsSeed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(richPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(richPage))
	})
	mux.HandleFunc(thinPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(thinPage))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	seed, err := url.Parse(server.URL + richPath)
	require.NoError(t, err)

	coord, _ := newTestCoordinator(t, *seed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary := coord.RunWorkerPool(ctx)

	require.GreaterOrEqual(t, summary.PagesCrawled, 1)
}

func TestCoordinator_BackoffOutcomeNeverPersistsAndKeepsFetching(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTooManyRequests)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	seed, err := url.Parse(server.URL + "/flaky")
	require.NoError(t, err)

	coord, st := newTestCoordinator(t, *seed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	coord.Run(ctx)

	require.GreaterOrEqual(t, hits, 1, "a 429 should trigger at least one fetch before backoff re-admission")
	_, crawled := st.GetPage(seed.String())
	require.False(t, crawled, "a backed-off URL must never be persisted as a page")
}

func TestCoordinator_DisallowedPathNeverFetched(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/wp-admin/edit", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(richPage))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	seed, err := url.Parse(server.URL + "/wp-admin/edit")
	require.NoError(t, err)

	coord, _ := newTestCoordinator(t, *seed)
	coord.Seed()

	require.Equal(t, 0, hits, "an excluded path pattern must be rejected at admission, before any fetch")
}
