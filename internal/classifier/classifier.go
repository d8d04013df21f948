package classifier

import (
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/fetcher"
	"github.com/rohmanhakim/docs-crawler/internal/metadata"
)

/*
The classifier turns one fetch attempt into a verdict: follow, back off,
disallow the URL, or disallow the whole domain. It never decides on its
own whether to retry, continue, or abort a crawl — that authority belongs
to the scheduler. It only computes, records, and remembers.

Per-host state: a bounded ring (<=100 entries) of recent outcomes and a
severity UTEMA that decays with wall-clock time rather than call count,
so a host that falls silent for an hour doesn't carry stale severity
into the next burst of fetches.

Per-URL state: a counter per outcome class and a backoff delay that grows
by a random factor in [sqrt(2), 2] on every unsuccessful attempt.
*/

const maxURLDelay = 3600 * time.Second

// Classifier is the single authority for interpreting fetch outcomes. It
// is safe for concurrent use; fetch workers across many hosts share one
// instance.
type Classifier struct {
	metadataSink metadata.MetadataSink
	params       UtemaParams
	mu           sync.Mutex
	hosts        map[string]*hostState
	urls         map[string]*urlState
	rng          *rand.Rand
}

func NewClassifier(metadataSink metadata.MetadataSink, params UtemaParams) *Classifier {
	return &Classifier{
		metadataSink: metadataSink,
		params:       params,
		hosts:        make(map[string]*hostState),
		urls:         make(map[string]*urlState),
		rng:          rand.New(rand.NewSource(1)),
	}
}

// Classify interprets a single fetch attempt against target u, whose
// fetch produced result (or, if responded is false, produced no
// response at all — timeout, DNS, TCP, TLS failure).
func (c *Classifier) Classify(u url.URL, result fetcher.FetchResult, now time.Time) ClassifyResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	host := c.hostState(u.Host)
	if host.disallows {
		return ClassifyResult{outcome: OutcomeDisallowDomain, disallowReason: ReasonAverage}
	}
	us := c.urlState(u.String())
	if us.disallowed {
		return ClassifyResult{outcome: OutcomeDisallowURL, disallowReason: ReasonCounter}
	}

	severity, statusLabel := c.classifySeverity(result)
	host.appendRing(ringEntry{at: now, status: statusLabel})
	avg := host.utema.update(now, severity, c.params.Beta)

	if avg > c.params.BanAvg && host.utema.n >= c.params.BanMinSample {
		host.disallows = true
		c.recordBan(u.Host, avg)
		return ClassifyResult{outcome: OutcomeDisallowDomain, disallowReason: ReasonAverage}
	}

	return c.decide(u, result, us, statusLabel, now)
}

func (c *Classifier) hostState(host string) *hostState {
	h, ok := c.hosts[host]
	if !ok {
		h = &hostState{}
		c.hosts[host] = h
	}
	return h
}

func (c *Classifier) urlState(key string) *urlState {
	u, ok := c.urls[key]
	if !ok {
		u = newURLState()
		c.urls[key] = u
	}
	return u
}

// classifySeverity maps a fetch result to its severity sample and a
// stable label used both as the ring entry and the per-URL counter key.
func (c *Classifier) classifySeverity(result fetcher.FetchResult) (float64, string) {
	if !result.Responded() {
		return 1.0, "conn_failed"
	}
	code := result.Code()
	switch {
	case code >= 200 && code < 300:
		return 0.0, "2xx"
	case code >= 300 && code < 400:
		if result.Location() != "" {
			return 0.0, "3xx_redirect"
		}
		return 0.4, "other"
	case code == 400:
		return 1.0, "400"
	case code == 429:
		return 0.5, "429"
	case code >= 400 && code < 500:
		return 1.0, "4xx_other"
	case code >= 500 && code <= 506, code == 599:
		return 1.0, "5xx_common"
	case code >= 507 && code <= 509:
		return 0.75, "5xx_507_509"
	default:
		return 0.4, "other"
	}
}

func (c *Classifier) decide(u url.URL, result fetcher.FetchResult, us *urlState, statusLabel string, now time.Time) ClassifyResult {
	switch statusLabel {
	case "2xx":
		return ClassifyResult{outcome: OutcomeSuccess}
	case "3xx_redirect":
		target, err := resolveRedirect(u, result.Location())
		us.redirectTrail++
		if us.redirectTrail >= 5 {
			us.disallowed = true
			c.recordDisallow(u, ReasonLoop)
			return ClassifyResult{outcome: OutcomeDisallowURL, disallowReason: ReasonLoop}
		}
		if err != nil {
			c.recordRedirectError(u, result.Location())
			return ClassifyResult{outcome: OutcomeBackoff, nextDelay: c.advanceBackoff(us)}
		}
		return ClassifyResult{outcome: OutcomeFollow, redirectTarget: target}
	case "conn_failed":
		return c.counterGated(u, us, "conn_failed", 3, ReasonCounter, func() time.Duration {
			return c.advanceBackoff(us)
		})
	case "400":
		return c.counterGated(u, us, "400", 3, ReasonCounter, func() time.Duration {
			return c.advanceBackoff(us)
		})
	case "4xx_other":
		return c.counterGated(u, us, "4xx_other", 2, ReasonCounter, func() time.Duration {
			return c.advanceBackoff(us)
		})
	case "429":
		return c.counterGated(u, us, "429", 10, ReasonCounter, func() time.Duration {
			return c.retryAfterOrBackoff(result, us, now)
		})
	case "5xx_common":
		return c.counterGated(u, us, "5xx_common", 5, ReasonCounter, func() time.Duration {
			if result.Code() == 503 {
				return c.retryAfterOrBackoff(result, us, now)
			}
			return c.advanceBackoff(us)
		})
	case "5xx_507_509":
		return c.counterGated(u, us, "5xx_507_509", 3, ReasonCounter, func() time.Duration {
			us.backoffDelay = maxURLDelay
			return maxURLDelay
		})
	default:
		return c.counterGated(u, us, "other", 3, ReasonCounter, func() time.Duration {
			return c.advanceBackoff(us)
		})
	}
}

// counterGated increments the per-URL counter for label and disallows the
// URL once it reaches threshold; otherwise it runs delayFn to compute the
// next backoff delay.
func (c *Classifier) counterGated(u url.URL, us *urlState, label string, threshold int, reason DisallowReason, delayFn func() time.Duration) ClassifyResult {
	us.counters[label]++
	if us.counters[label] >= threshold {
		us.disallowed = true
		c.recordDisallow(u, reason)
		return ClassifyResult{outcome: OutcomeDisallowURL, disallowReason: reason}
	}
	return ClassifyResult{outcome: OutcomeBackoff, nextDelay: delayFn()}
}

// advanceBackoff multiplies the URL's current delay by a random factor in
// [sqrt(2), 2], clamped to maxURLDelay.
func (c *Classifier) advanceBackoff(us *urlState) time.Duration {
	current := us.backoffDelay
	if current <= 0 {
		current = time.Second
	}
	factor := math.Sqrt2 + c.rng.Float64()*(2-math.Sqrt2)
	next := time.Duration(float64(current) * factor)
	if next > maxURLDelay {
		next = maxURLDelay
	}
	us.backoffDelay = next
	return next
}

// retryAfterOrBackoff honors a numeric or HTTP-date Retry-After header
// when present and parseable; otherwise it falls back to exponential
// backoff.
func (c *Classifier) retryAfterOrBackoff(result fetcher.FetchResult, us *urlState, now time.Time) time.Duration {
	if d, ok := parseRetryAfter(result.RetryAfter(), now); ok {
		if d > maxURLDelay {
			d = maxURLDelay
		}
		us.backoffDelay = d
		return d
	}
	return c.advanceBackoff(us)
}

func parseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(header); err == nil {
		d := when.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func resolveRedirect(base url.URL, location string) (*url.URL, error) {
	target, err := base.Parse(location)
	if err != nil {
		return nil, &ClassifierError{
			Message:   "cannot resolve redirect location: " + location,
			Retryable: false,
			Cause:     ErrCauseMalformedRedirect,
		}
	}
	return target, nil
}

func expDecay(beta float64, elapsed time.Duration) float64 {
	return math.Exp(-beta * elapsed.Seconds())
}

func (c *Classifier) recordDisallow(u url.URL, reason DisallowReason) {
	c.metadataSink.RecordError(
		time.Now(),
		"classifier",
		"Classify",
		metadata.CausePolicyDisallow,
		"URL disallowed: "+string(reason),
		[]metadata.Attribute{metadata.NewAttr(metadata.AttrURL, u.String())},
	)
}

func (c *Classifier) recordBan(host string, avg float64) {
	c.metadataSink.RecordError(
		time.Now(),
		"classifier",
		"Classify",
		metadata.CausePolicyDisallow,
		"domain banned: average severity exceeded threshold",
		[]metadata.Attribute{metadata.NewAttr(metadata.AttrHost, host)},
	)
}

func (c *Classifier) recordRedirectError(u url.URL, location string) {
	c.metadataSink.RecordError(
		time.Now(),
		"classifier",
		"Classify",
		mapClassifierErrorToMetadataCause(&ClassifierError{Cause: ErrCauseMalformedRedirect}),
		"malformed redirect location: "+location,
		[]metadata.Attribute{metadata.NewAttr(metadata.AttrURL, u.String())},
	)
}
