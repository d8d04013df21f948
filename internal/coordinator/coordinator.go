// Package coordinator drives the crawl loop: it dispenses batches from
// the frontier, fetches them, classifies the outcome, extracts and
// scores content, and feeds admissible discoveries back into the
// frontier until the crawl is exhausted or told to stop.
package coordinator

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/assets"
	"github.com/rohmanhakim/docs-crawler/internal/classifier"
	"github.com/rohmanhakim/docs-crawler/internal/config"
	"github.com/rohmanhakim/docs-crawler/internal/extractor"
	"github.com/rohmanhakim/docs-crawler/internal/fetcher"
	"github.com/rohmanhakim/docs-crawler/internal/frontier"
	"github.com/rohmanhakim/docs-crawler/internal/mdconvert"
	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/normalize"
	"github.com/rohmanhakim/docs-crawler/internal/robots"
	"github.com/rohmanhakim/docs-crawler/internal/sanitizer"
	"github.com/rohmanhakim/docs-crawler/internal/scorer"
	"github.com/rohmanhakim/docs-crawler/internal/store"
	"github.com/rohmanhakim/docs-crawler/pkg/hashutil"
	"github.com/rohmanhakim/docs-crawler/pkg/retry"
	"github.com/rohmanhakim/docs-crawler/pkg/timeutil"
)

/*
Coordinator is the sole control-plane authority of the crawl, in the
same sense the teacher's scheduler was: it is the only component that
decides whether a fetch result leads to persistence, retry, or a new
admission. Downstream pipeline stages (fetch, classify, extract, score)
only report outcomes; they never enqueue or drop a URL themselves.

Lock order when a batch is processed concurrently: frontier state is
owned entirely by *frontier.Frontier's own mutex; classifier and scorer
each own their own per-host/per-domain maps behind their own mutex.
Coordinator never locks more than one of these at a time, so there is no
cross-component lock order to maintain — the only shared mutable state
at this layer is the run's own counters, guarded by Coordinator.mu.
*/

// minPersistScore is the acceptance gate below which a page's content is
// extracted and its links are still followed, but the page itself is not
// written to the store.
const minPersistScore = 0.3

// maxLinkingDepth and maxDomainLinkingDepth bound how far a discovered
// link may be from a seed before the coordinator stops admitting it.
const (
	maxLinkingDepth       = 5
	maxDomainLinkingDepth = 5
)

// flushEveryNBatches is how often the coordinator snapshots the frontier
// and exports the CSV side-files during a long run, independent of
// graceful shutdown.
const flushEveryNBatches = 10

// shutdownGraceWindow bounds how long Run waits for in-flight fetches to
// finish once its context is canceled before it snapshots and returns.
const shutdownGraceWindow = 30 * time.Second

// Coordinator holds every pipeline stage the crawl loop drives. All
// fields are assembled once at construction and never reassigned.
type Coordinator struct {
	cfg config.Config

	store    *store.Store
	frontier *frontier.Frontier

	htmlFetcher   fetcher.Fetcher
	classifier    *classifier.Classifier
	domExtractor  extractor.DomExtractor
	linkExtractor extractor.LinkExtractor
	htmlSanitizer sanitizer.Sanitizer
	converter     mdconvert.ConvertRule
	assetResolver assets.Resolver
	normalizer    normalize.Constraint
	scorer        *scorer.Scorer

	metadataSink   metadata.MetadataSink
	crawlFinalizer metadata.CrawlFinalizer

	retryParam   retry.RetryParam
	resolveParam assets.ResolveParam

	mu           sync.Mutex
	pagesCrawled int
	errorsSeen   int
	assetsSeen   int
}

// Summary is the terminal report handed back to the caller once the
// crawl loop exits, mirroring what RecordFinalCrawlStats also emits.
type Summary struct {
	PagesCrawled int
	ErrorsSeen   int
	AssetsSeen   int
	Duration     time.Duration
}

// NewCoordinator wires an explicit set of dependencies together. Tests
// and the worker-pool variant both go through this constructor so every
// stage can be substituted with a fake.
func NewCoordinator(
	cfg config.Config,
	st *store.Store,
	fr *frontier.Frontier,
	htmlFetcher fetcher.Fetcher,
	cls *classifier.Classifier,
	domExtractor extractor.DomExtractor,
	linkExtractor extractor.LinkExtractor,
	htmlSanitizer sanitizer.Sanitizer,
	converter mdconvert.ConvertRule,
	assetResolver assets.Resolver,
	normalizer normalize.Constraint,
	sc *scorer.Scorer,
	metadataSink metadata.MetadataSink,
	crawlFinalizer metadata.CrawlFinalizer,
) *Coordinator {
	return &Coordinator{
		cfg:            cfg,
		store:          st,
		frontier:       fr,
		htmlFetcher:    htmlFetcher,
		classifier:     cls,
		domExtractor:   domExtractor,
		linkExtractor:  linkExtractor,
		htmlSanitizer:  htmlSanitizer,
		converter:      converter,
		assetResolver:  assetResolver,
		normalizer:     normalizer,
		scorer:         sc,
		metadataSink:   metadataSink,
		crawlFinalizer: crawlFinalizer,
		retryParam: retry.NewRetryParam(
			cfg.BaseDelay(),
			cfg.Jitter(),
			cfg.RandomSeed(),
			cfg.MaxAttempt(),
			timeutil.NewBackoffParam(cfg.BackoffInitialDuration(), cfg.BackoffMultiplier(), cfg.BackoffMaxDuration()),
		),
		resolveParam: assets.NewResolveParam(cfg.OutputDir(), 10*1024*1024),
	}
}

// NewCoordinatorFromConfig builds a Coordinator from a fully-resolved
// Config plus the two resources that must outlive a single run (the
// store and the metadata sink), constructing every pipeline stage the
// same way cmd/crawler's entrypoint does for a real crawl.
func NewCoordinatorFromConfig(cfg config.Config, st *store.Store, sink metadata.MetadataSink) *Coordinator {
	httpClient := &http.Client{Timeout: cfg.Timeout()}
	if cfg.Proxy() != "" {
		if proxyURL, err := url.Parse(cfg.Proxy()); err == nil {
			httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	robot := robots.NewCachedRobot(sink)
	robot.Init(cfg.UserAgent())

	htmlFetcher := fetcher.NewHtmlFetcher(sink)
	htmlFetcher.Init(httpClient)

	htmlSanitizer := sanitizer.NewHTMLSanitizer(sink)
	converter := mdconvert.NewRule(sink)
	realScorer := scorer.NewScorer(sink, &htmlSanitizer, converter, scorer.DefaultParams())

	fp := frontier.DefaultParams()
	fp.DefaultDomainDelay = cfg.DomainDelay()
	fr := frontier.NewFrontier(st, &robot, realScorer, fp)
	fr.LoadFromStore()

	domExtractor := extractor.NewDomExtractor(sink, extractor.ExtractParam{
		BodySpecificityBias:  cfg.BodySpecificityBias(),
		LinkDensityThreshold: cfg.LinkDensityThreshold(),
		ScoreMultiplier: extractor.ContentScoreMultiplier{
			NonWhitespaceDivisor: cfg.ScoreMultiplierNonWhitespaceDivisor(),
			Paragraphs:           cfg.ScoreMultiplierParagraphs(),
			Headings:             cfg.ScoreMultiplierHeadings(),
			CodeBlocks:           cfg.ScoreMultiplierCodeBlocks(),
			ListItems:            cfg.ScoreMultiplierListItems(),
		},
		Threshold: extractor.MeaningfulThreshold{
			MinNonWhitespace:    cfg.ThresholdMinNonWhitespace(),
			MinHeadings:         cfg.ThresholdMinHeadings(),
			MinParagraphsOrCode: cfg.ThresholdMinParagraphsOrCode(),
			MaxLinkDensity:      cfg.ThresholdMaxLinkDensity(),
		},
	})
	linkExtractor := extractor.NewLinkExtractor(sink)

	assetResolver := assets.NewLocalResolver(sink, httpClient, cfg.UserAgent())
	normalizer := normalize.NewMarkdownConstraint(sink)

	cls := classifier.NewClassifier(sink, classifier.UtemaParams{
		Beta:         cfg.UtemaBeta(),
		BanAvg:       classifier.DefaultUtemaParams().BanAvg,
		BanMinSample: classifier.DefaultUtemaParams().BanMinSample,
	})

	return NewCoordinator(
		cfg, st, fr, &htmlFetcher, cls, domExtractor, linkExtractor,
		&htmlSanitizer, converter, &assetResolver, &normalizer, realScorer,
		sink, sink,
	)
}

// Seed admits every configured seed URL into the frontier as the crawl's
// starting set, with no parent and depth zero.
func (c *Coordinator) Seed() {
	for _, u := range c.cfg.SeedURLs() {
		c.frontier.AddURL(u, "", nil, frontier.SourceSeed, 0, 0)
	}
}

// Run drives the main crawl loop: dispense a batch, fan its entries out
// concurrently (NextBatch already guarantees pairwise-distinct hosts, so
// no two goroutines in a batch contend on the same per-host delay),
// block for the batch to finish, flush periodically, and repeat until
// the frontier is empty, the page budget is spent, or ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) Summary {
	start := time.Now()
	c.Seed()

	batchSize := c.cfg.UrlsPerBatch()
	if batchSize <= 0 {
		batchSize = 100
	}

	var iterations int
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		default:
		}

		if c.cfg.MaxPages() > 0 && c.pagesCrawledSoFar() >= c.cfg.MaxPages() {
			break
		}

		batch := c.frontier.NextBatch(batchSize, time.Now())
		if len(batch) == 0 {
			if c.frontier.Size() == 0 {
				break
			}
			time.Sleep(c.cfg.InterBatchDelay())
			continue
		}

		var wg sync.WaitGroup
		for _, entry := range batch {
			wg.Add(1)
			go func(e *frontier.Entry) {
				defer wg.Done()
				c.processEntry(ctx, e)
			}(entry)
		}
		c.waitWithGrace(ctx, &wg, shutdownGraceWindow)

		iterations++
		if iterations%flushEveryNBatches == 0 {
			c.flush()
		}
	}

	c.flush()
	duration := time.Since(start)
	summary := c.summary(duration)
	c.crawlFinalizer.RecordFinalCrawlStats(summary.PagesCrawled, summary.ErrorsSeen, summary.AssetsSeen, duration)
	return summary
}

// RunWorkerPool is the multi-worker variant: a fixed pool of W workers
// consume entries from a shared channel fed by repeated NextBatch calls,
// in the same fixed-worker-pool-plus-WaitGroup shape as a standard Go
// job queue. Unlike Run, a slow entry never blocks the rest of its batch
// from starting — the next free worker simply picks up the next entry.
func (c *Coordinator) RunWorkerPool(ctx context.Context) Summary {
	start := time.Now()
	c.Seed()

	workers := c.cfg.MaxWorkers()
	if workers <= 0 {
		workers = 8
	}
	batchSize := c.cfg.UrlsPerBatch()
	if batchSize <= 0 {
		batchSize = 100
	}

	entries := make(chan *frontier.Entry)
	done := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range entries {
				c.processEntry(ctx, e)
			}
		}()
	}

	go func() {
		defer close(entries)
		var iterations int
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			default:
			}
			if c.cfg.MaxPages() > 0 && c.pagesCrawledSoFar() >= c.cfg.MaxPages() {
				return
			}
			batch := c.frontier.NextBatch(batchSize, time.Now())
			if len(batch) == 0 {
				if c.frontier.Size() == 0 {
					return
				}
				time.Sleep(c.cfg.InterBatchDelay())
				continue
			}
			for _, e := range batch {
				select {
				case entries <- e:
				case <-ctx.Done():
					return
				}
			}
			iterations++
			if iterations%flushEveryNBatches == 0 {
				c.flush()
			}
		}
	}()

	c.waitWithGrace(ctx, &wg, shutdownGraceWindow)
	close(done)

	c.flush()
	duration := time.Since(start)
	summary := c.summary(duration)
	c.crawlFinalizer.RecordFinalCrawlStats(summary.PagesCrawled, summary.ErrorsSeen, summary.AssetsSeen, duration)
	return summary
}

// waitWithGrace waits for wg with no timeout while ctx is live; once ctx
// is canceled it waits at most grace longer. It always returns once
// wg.Wait() itself completes.
func (c *Coordinator) waitWithGrace(ctx context.Context, wg *sync.WaitGroup, grace time.Duration) {
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return
	case <-ctx.Done():
	}

	select {
	case <-finished:
	case <-time.After(grace):
	}
}

// processEntry fetches one frontier entry, classifies the response, and
// either persists+discovers (success), re-admits after a domain-delay
// bump (backoff), follows a redirect target, or records a disallow.
func (c *Coordinator) processEntry(ctx context.Context, entry *frontier.Entry) {
	target, err := url.Parse(entry.URL)
	if err != nil {
		return
	}

	fetchParam := fetcher.NewFetchParam(*target, c.cfg.UserAgent())
	result, fetchErr := c.htmlFetcher.Fetch(ctx, entry.LinkingDepth, fetchParam, c.retryParam)
	if fetchErr != nil {
		c.bumpErrors()
	}

	now := time.Now()
	classifyResult := c.classifier.Classify(*target, result, now)

	switch classifyResult.Outcome() {
	case classifier.OutcomeDisallowURL:
		c.store.AddDisallowedURL(store.DisallowedURL{URL: entry.URL, Reason: string(classifyResult.DisallowReason()), Received: now})
		return
	case classifier.OutcomeDisallowDomain:
		c.store.AddDisallowedDomain(store.DisallowedDomain{Host: target.Host, Data: string(classifyResult.DisallowReason()), Received: now})
		return
	case classifier.OutcomeBackoff:
		c.store.SetDomainDelay(target.Host, classifyResult.NextDelay())
		c.frontier.AddURL(*target, entry.ParentURL, nil, entry.Source, entry.LinkingDepth, entry.DomainLinkingDepth)
		return
	case classifier.OutcomeFollow:
		if redirectTarget := classifyResult.RedirectTarget(); redirectTarget != nil {
			parentScore := entry.Priority
			c.frontier.AddURL(*redirectTarget, entry.URL, &parentScore, entry.Source, entry.LinkingDepth, entry.DomainLinkingDepth)
		}
		return
	}

	c.handleSuccess(ctx, entry, *target, result)
}

// handleSuccess runs the full extract -> score -> persist -> discover
// pipeline for a page the classifier deemed OutcomeSuccess.
func (c *Coordinator) handleSuccess(ctx context.Context, entry *frontier.Entry, target url.URL, result fetcher.FetchResult) {
	links, linkErr := c.linkExtractor.ExtractLinks(target, result.ContentType(), result.Body())
	if linkErr == nil {
		c.admitDiscoveries(entry, target, links)
	}

	extraction, extractErr := c.domExtractor.Extract(target, result.Body())
	if extractErr != nil {
		c.bumpErrors()
		return
	}

	sanitized, sanErr := c.htmlSanitizer.Sanitize(extraction.ContentNode)
	if sanErr != nil {
		c.bumpErrors()
		return
	}

	converted, convErr := c.converter.Convert(sanitized)
	if convErr != nil {
		c.bumpErrors()
		return
	}

	cleanedText := string(converted.GetMarkdownContent())
	scoreResult := c.scorer.Score(target, cleanedText, entry.Incoming, entry.LinkingDepth, time.Now())
	if scoreResult.Final < minPersistScore {
		return
	}

	assetfulDoc, assetErr := c.assetResolver.Resolve(ctx, target, converted, c.resolveParam, c.retryParam)
	if assetErr != nil {
		c.bumpErrors()
		return
	}
	c.bumpAssets(len(assetfulDoc.LocalAssets()))

	normalizeParam := normalize.NewNormalizeParam(
		"docs-crawler",
		time.Now(),
		hashutil.HashAlgoBLAKE3,
		entry.LinkingDepth,
		c.cfg.AllowedPathPrefix(),
	)
	normalized, normErr := c.normalizer.Normalize(target, assetfulDoc, normalizeParam)
	if normErr != nil {
		c.bumpErrors()
		return
	}

	page := store.Page{
		URL:                target.String(),
		LastFetch:          time.Now(),
		Text:               string(normalized.Content()),
		Title:              normalized.Frontmatter().Title(),
		Score:              scoreResult.Final,
		LinkingDepth:       entry.LinkingDepth,
		DomainLinkingDepth: entry.DomainLinkingDepth,
		ParentURL:          entry.ParentURL,
		Status:             result.Code(),
		ContentType:        result.ContentType(),
		LastModified:       result.LastModified(),
		ETag:               result.ETag(),
		ContentHash:        normalized.Frontmatter().ContentHash(),
	}
	c.store.UpsertPage(page)
	c.bumpPages()
}

// admitDiscoveries submits every link harvested from a successfully
// fetched page back into the frontier, tightening depth for links
// already present via Rediscover and admitting fresh ones via AddURL,
// subject to the coordinator's depth horizon.
func (c *Coordinator) admitDiscoveries(parent *frontier.Entry, parentURL url.URL, links []url.URL) {
	if parent.LinkingDepth >= maxLinkingDepth || parent.DomainLinkingDepth >= maxDomainLinkingDepth {
		return
	}
	parentScore := parent.Priority
	for _, link := range links {
		sameDomain := strings.EqualFold(link.Host, parentURL.Host)
		linkingDepth := parent.LinkingDepth
		domainDepth := parent.DomainLinkingDepth
		if !sameDomain {
			linkingDepth++
		} else {
			domainDepth++
		}
		if linkingDepth >= maxLinkingDepth || domainDepth >= maxDomainLinkingDepth {
			continue
		}

		source := frontier.SourceCrawl
		reason := c.frontier.AddURL(link, parentURL.String(), &parentScore, source, linkingDepth, domainDepth)
		if reason == frontier.ReasonAlreadyFrontier {
			c.frontier.Rediscover(link.String(), parent.LinkingDepth, parent.DomainLinkingDepth, sameDomain, scorer.IncomingLink{
				URL:   parentURL.String(),
				Score: parentScore,
			})
		}
	}
}

// flush snapshots the frontier back to the store and writes the CSV
// side-export, if enabled, as a graceful-shutdown and periodic
// checkpoint.
func (c *Coordinator) flush() {
	c.frontier.Snapshot()
	if c.cfg.CSVEnabled() {
		c.store.ExportCSV(c.cfg.CSVPath(), false)
	}
}

func (c *Coordinator) bumpPages() {
	c.mu.Lock()
	c.pagesCrawled++
	c.mu.Unlock()
}

func (c *Coordinator) bumpErrors() {
	c.mu.Lock()
	c.errorsSeen++
	c.mu.Unlock()
}

func (c *Coordinator) bumpAssets(n int) {
	c.mu.Lock()
	c.assetsSeen += n
	c.mu.Unlock()
}

func (c *Coordinator) pagesCrawledSoFar() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pagesCrawled
}

func (c *Coordinator) summary(duration time.Duration) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		PagesCrawled: c.pagesCrawled,
		ErrorsSeen:   c.errorsSeen,
		AssetsSeen:   c.assetsSeen,
		Duration:     duration,
	}
}
