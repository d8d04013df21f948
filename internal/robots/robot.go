package robots

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/robots/cache"
)

/*
CachedRobot

Responsibilities
- Fetch robots.txt per host
- Cache rules for crawl duration
- Enforce allow/disallow rules before enqueue

Robots checks occur before a URL enters the frontier.
*/

// robotsState holds the mutable, per-process ruleSet cache. It is kept
// behind a pointer so CachedRobot itself stays a comparable value type
// (tests compare it against the zero value).
type robotsState struct {
	mu       sync.RWMutex
	ruleSets map[string]ruleSet
}

// CachedRobot answers robots.txt allow/deny decisions for hosts,
// fetching and caching each host's rules once per process lifetime.
type CachedRobot struct {
	sink      metadata.MetadataSink
	userAgent string
	fetcher   *RobotsFetcher
	state     *robotsState
}

// NewCachedRobot constructs a CachedRobot that records fetch/error
// observations through sink. Call Init or InitWithCache before Decide.
func NewCachedRobot(sink metadata.MetadataSink) CachedRobot {
	return CachedRobot{
		sink:  sink,
		state: &robotsState{ruleSets: make(map[string]ruleSet)},
	}
}

// Init prepares the robot with an in-memory cache.
func (r *CachedRobot) Init(userAgent string) {
	r.InitWithCache(userAgent, cache.NewMemoryCache())
}

// InitWithCache prepares the robot with a caller-supplied Cache implementation.
func (r *CachedRobot) InitWithCache(userAgent string, c cache.Cache) {
	r.userAgent = userAgent
	r.fetcher = NewRobotsFetcher(r.sink, userAgent, c)
	if r.state == nil {
		r.state = &robotsState{ruleSets: make(map[string]ruleSet)}
	}
}

// Decide reports whether target may be fetched under this robot's
// user agent, fetching and caching the host's robots.txt on first contact.
func (r *CachedRobot) Decide(target url.URL) (Decision, *RobotsError) {
	host := target.Host
	scheme := target.Scheme
	if scheme == "" {
		scheme = "http"
	}

	rs, ok := r.cachedRuleSet(host)
	if !ok {
		result, err := r.fetcher.Fetch(context.Background(), scheme, host)
		if err != nil {
			if r.sink != nil {
				r.sink.RecordError(
					time.Now(),
					"robots",
					"fetch",
					mapRobotsErrorToMetadataCause(err),
					err.Error(),
					[]metadata.Attribute{{Key: metadata.AttrHost, Value: host}},
				)
			}
			return Decision{}, err
		}
		rs = MapResponseToRuleSet(result.Response, r.userAgent, result.FetchedAt)
		r.state.mu.Lock()
		r.state.ruleSets[host] = rs
		r.state.mu.Unlock()
	}

	allowed, reason, crawlDelay := rs.Decide(target.Path)
	return Decision{
		Url:        target,
		Allowed:    allowed,
		Reason:     reason,
		CrawlDelay: crawlDelay,
	}, nil
}

func (r *CachedRobot) cachedRuleSet(host string) (ruleSet, bool) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()
	rs, ok := r.state.ruleSets[host]
	return rs, ok
}
