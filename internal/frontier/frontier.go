package frontier

import (
	"container/heap"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/robots"
	"github.com/rohmanhakim/docs-crawler/internal/scorer"
	"github.com/rohmanhakim/docs-crawler/internal/store"
)

/*
Frontier Responsibilities
- Maintain priority ordering over not-yet-fetched URLs
- Admit or reject discovered URLs by policy
- Enforce per-domain politeness at dispense time
- Track crawl depth, tightening it on rediscovery
- Knows nothing about:
	- fetching
	- extraction
	- markdown
	- storage internals (beyond the Store it is handed)

It is a data structure + policy module, not a pipeline executor.
*/

// Frontier holds the in-memory priority queue plus the admission and
// scheduling state the Coordinator drives one batch at a time. All
// mutation goes through its exported methods, which take Frontier's own
// mutex; callers never touch the heap directly.
type Frontier struct {
	mu sync.Mutex

	heap       priorityQueue
	byURL      map[string]*Entry
	domainHits map[string]int
	lastAccess map[string]time.Time

	store  *store.Store
	robot  *robots.CachedRobot
	scorer *scorer.Scorer
	params Params
}

// NewFrontier constructs an empty Frontier. Call LoadFromStore to
// resume a prior run before admitting new URLs.
func NewFrontier(st *store.Store, robot *robots.CachedRobot, sc *scorer.Scorer, params Params) *Frontier {
	return &Frontier{
		byURL:      make(map[string]*Entry),
		domainHits: make(map[string]int),
		lastAccess: make(map[string]time.Time),
		store:      st,
		robot:      robot,
		scorer:     sc,
		params:     params,
	}
}

// LoadFromStore reloads frontier rows persisted by a prior run's
// Snapshot and rebuilds domain counters from the page table, so ceilings
// enforced before the restart continue to hold after it.
func (f *Frontier) LoadFromStore() {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, ok := f.store.LoadFrontier()
	if !ok {
		return
	}
	for _, e := range entries {
		entry := &Entry{
			URL:                e.URL,
			ParentURL:          e.ParentURL,
			Scheduled:          e.Scheduled,
			Delay:              e.Delay,
			Priority:           e.Priority,
			LinkingDepth:       e.LinkingDepth,
			DomainLinkingDepth: e.DomainLinkingDepth,
			Incoming:           fromStoreIncoming(e.Incoming),
		}
		f.byURL[entry.URL] = entry
		heap.Push(&f.heap, entry)
	}

	for host, count := range f.store.CountPagesByHost() {
		f.domainHits[host] = count
	}
}

// Size returns the number of URLs currently awaiting dispensing.
func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heap)
}

// DomainCount returns how many pages of host have been admitted or
// crawled so far, for diagnostics and the domain-ceiling rule.
func (f *Frontier) DomainCount(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.domainHits[host]
}

// AddURL admits a discovered URL into the frontier, or reports the
// policy reason it was rejected. parentScore is the scoring result for
// parentURL, or nil when there is no known parent (a seed URL).
func (f *Frontier) AddURL(u url.URL, parentURL string, parentScore *float64, source SourceContext, linkingDepth, domainLinkingDepth int) AdmissionReason {
	f.mu.Lock()
	defer f.mu.Unlock()

	normalized := normalizeURL(u)
	host := normalized.Host

	if reason := f.rejectionReason(normalized, host, linkingDepth); reason != ReasonAdmitted {
		return reason
	}

	urlStr := normalized.String()
	if _, exists := f.byURL[urlStr]; exists {
		return ReasonAlreadyFrontier
	}
	if f.store.IsCrawled(urlStr) {
		return ReasonAlreadyCrawled
	}
	if f.store.IsDisallowed(urlStr) || f.store.IsDisallowed(host) {
		return ReasonAlreadyDisallowed
	}

	if f.robot != nil {
		decision, robotErr := f.robot.Decide(normalized)
		if robotErr != nil || !decision.Allowed {
			return ReasonRobotsDenied
		}
	}

	priority := f.scorer.URLScore(normalized, parentScore)
	priority *= depthPenaltyFactor(linkingDepth)

	delay := f.params.DefaultDomainDelay
	if d, ok := f.store.DomainDelay(host); ok && d > 0 {
		delay = d
	}

	entry := &Entry{
		URL:                urlStr,
		ParentURL:          parentURL,
		Source:             source,
		Scheduled:          time.Now(),
		Delay:              delay,
		Priority:           priority,
		LinkingDepth:       linkingDepth,
		DomainLinkingDepth: domainLinkingDepth,
	}
	f.byURL[urlStr] = entry
	heap.Push(&f.heap, entry)
	f.domainHits[host]++

	f.store.AddFrontier(toStoreEntry(entry))

	return ReasonAdmitted
}

// rejectionReason runs the admission checks that do not require holding
// a lookup against an already-admitted entry.
func (f *Frontier) rejectionReason(u url.URL, host string, linkingDepth int) AdmissionReason {
	for _, blocked := range f.params.BlockedHostSubstrings {
		if strings.Contains(host, blocked) {
			return ReasonBlockedHost
		}
	}
	if f.domainHits[host] > f.params.DomainCeiling {
		return ReasonDomainCeiling
	}

	lower := strings.ToLower(u.String())
	for _, ext := range f.params.SkipExtensions {
		if strings.HasSuffix(strings.ToLower(u.Path), ext) {
			return ReasonSkipExtension
		}
	}
	for _, pattern := range f.params.ExcludedPathPatterns {
		if strings.Contains(lower, pattern) {
			return ReasonSkipPathPattern
		}
	}
	if linkingDepth > f.params.MaxLinkingDepth {
		return ReasonDepthExceeded
	}
	if len(u.String()) > f.params.MaxURLLength {
		return ReasonURLTooLong
	}
	if u.RawQuery != "" {
		if strings.Count(u.RawQuery, "&")+1 > f.params.MaxQueryParams {
			return ReasonTooManyParams
		}
	}
	return ReasonAdmitted
}

// Rediscover tightens an already-admitted URL's depth metrics and
// records a new incoming link when a second parent is found to link to
// it, per the re-discovery update rule. It is a no-op if u is not
// currently in the frontier (already dispensed or never admitted).
func (f *Frontier) Rediscover(urlStr string, parentDepth, parentDomainDepth int, sameDomain bool, incoming scorer.IncomingLink) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.byURL[urlStr]
	if !ok {
		return
	}

	newLinkingDepth := parentDepth
	if !sameDomain {
		newLinkingDepth++
	}
	if newLinkingDepth < entry.LinkingDepth {
		entry.LinkingDepth = newLinkingDepth
	}

	newDomainDepth := parentDomainDepth
	if sameDomain {
		newDomainDepth++
	}
	if newDomainDepth < entry.DomainLinkingDepth {
		entry.DomainLinkingDepth = newDomainDepth
	}

	entry.Incoming = append(entry.Incoming, incoming)
}

// NextURL pops the highest-priority eligible entry: scheduled time has
// arrived and its host has not been accessed within its per-domain
// delay. Entries probed but found ineligible are reinserted with their
// priority unchanged, never mutated in place while the heap is scanned.
func (f *Frontier) NextURL(now time.Time) (*Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.popEligible(now, nil)
}

// popEligible scans at most ProbeCap entries off the top of the heap,
// returning the first whose schedule has arrived, whose host is not
// within its per-domain delay, and whose host is not in exclude. Every
// probed-but-skipped entry is reinserted with its priority unchanged
// before returning, so the heap is never left mutated mid-scan. Callers
// must hold f.mu.
func (f *Frontier) popEligible(now time.Time, exclude map[string]struct{}) (*Entry, bool) {
	probeCap := f.params.ProbeCap
	if probeCap <= 0 || probeCap > len(f.heap) {
		probeCap = len(f.heap)
	}

	var deferred []*Entry
	defer func() {
		for _, e := range deferred {
			heap.Push(&f.heap, e)
		}
	}()

	for i := 0; i < probeCap && len(f.heap) > 0; i++ {
		entry := f.heap[0]
		if entry.Scheduled.After(now) {
			break
		}

		host := hostOf(entry.URL)
		ineligible := host == ""
		if host != "" {
			if _, excluded := exclude[host]; excluded {
				ineligible = true
			} else if last, seen := f.lastAccess[host]; seen && now.Sub(last) < entry.Delay {
				ineligible = true
			}
		}
		if ineligible {
			heap.Pop(&f.heap)
			deferred = append(deferred, entry)
			continue
		}

		heap.Pop(&f.heap)
		delete(f.byURL, entry.URL)
		f.lastAccess[host] = now
		f.store.RemoveFrontier(entry.URL)
		return entry, true
	}
	return nil, false
}

// NextBatch returns up to n entries with pairwise-distinct hosts, so the
// fetcher can dispatch the whole batch in parallel without one fetch
// waiting on another's per-host delay. Entries probed but excluded
// because their host already appears in the batch are reinserted,
// priority preserved, exactly like any other ineligible probe.
func (f *Frontier) NextBatch(n int, now time.Time) []*Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch := make([]*Entry, 0, n)
	seenHosts := make(map[string]struct{}, n)

	for len(batch) < n {
		entry, ok := f.popEligible(now, seenHosts)
		if !ok {
			break
		}
		seenHosts[hostOf(entry.URL)] = struct{}{}
		batch = append(batch, entry)
	}
	return batch
}

// Snapshot rewrites the store's frontier table from the current
// in-memory state, for a graceful-shutdown persistence point.
func (f *Frontier) Snapshot() {
	f.mu.Lock()
	entries := make([]store.FrontierEntry, 0, len(f.heap))
	for _, e := range f.heap {
		entries = append(entries, toStoreEntry(e))
	}
	f.mu.Unlock()

	f.store.ClearFrontier()
	for _, e := range entries {
		f.store.AddFrontier(e)
	}
}

func toStoreEntry(e *Entry) store.FrontierEntry {
	return store.FrontierEntry{
		URL: e.URL, Scheduled: e.Scheduled, Delay: e.Delay, Priority: e.Priority,
		Incoming: toStoreIncoming(e.Incoming), LinkingDepth: e.LinkingDepth,
		DomainLinkingDepth: e.DomainLinkingDepth, ParentURL: e.ParentURL,
	}
}

func toStoreIncoming(links []scorer.IncomingLink) []store.IncomingLink {
	if links == nil {
		return nil
	}
	out := make([]store.IncomingLink, len(links))
	for i, l := range links {
		out[i] = store.IncomingLink{URL: l.URL, Score: l.Score}
	}
	return out
}

func fromStoreIncoming(links []store.IncomingLink) []scorer.IncomingLink {
	if links == nil {
		return nil
	}
	out := make([]scorer.IncomingLink, len(links))
	for i, l := range links {
		out[i] = scorer.IncomingLink{URL: l.URL, Score: l.Score}
	}
	return out
}

func depthPenaltyFactor(linkingDepth int) float64 {
	p := 1.0 - float64(linkingDepth)*0.05
	if p < 0 {
		return 0
	}
	return p
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// normalizeURL lower-cases the host, drops the fragment, and strips a
// single trailing slash except on the bare root path.
func normalizeURL(u url.URL) url.URL {
	out := u
	out.Host = strings.ToLower(u.Host)
	out.Fragment = ""
	out.RawFragment = ""
	if len(out.Path) > 1 && strings.HasSuffix(out.Path, "/") {
		out.Path = strings.TrimSuffix(out.Path, "/")
	}
	return out
}
