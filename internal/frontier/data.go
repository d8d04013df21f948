package frontier

/*
 Frontier - manages crawl state & ordering
*/

import (
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/scorer"
)

// SourceContext records whether a URL came from the seed list or was
// discovered while crawling. It is carried through to the entry only
// for observability; admission and scheduling treat both the same.
type SourceContext string

const (
	SourceSeed  SourceContext = "seed"
	SourceCrawl SourceContext = "crawl"
)

// AdmissionReason names why addURL accepted or rejected a candidate.
type AdmissionReason string

const (
	ReasonAdmitted          AdmissionReason = "admitted"
	ReasonBlockedHost       AdmissionReason = "blocked_host"
	ReasonDomainCeiling     AdmissionReason = "domain_ceiling_exceeded"
	ReasonSkipExtension     AdmissionReason = "non_document_extension"
	ReasonSkipPathPattern   AdmissionReason = "excluded_path_pattern"
	ReasonDepthExceeded     AdmissionReason = "linking_depth_exceeded"
	ReasonURLTooLong        AdmissionReason = "url_too_long"
	ReasonTooManyParams     AdmissionReason = "too_many_query_params"
	ReasonAlreadyFrontier   AdmissionReason = "already_in_frontier"
	ReasonAlreadyCrawled    AdmissionReason = "already_crawled"
	ReasonAlreadyDisallowed AdmissionReason = "already_disallowed"
	ReasonRobotsDenied      AdmissionReason = "robots_denied"
)

// Entry is one URL's admission + scheduling state while it sits in the
// frontier. Identity is the URL itself; everything else may be tightened
// by later rediscovery (see Frontier.Rediscover).
type Entry struct {
	URL                string
	ParentURL          string
	Source             SourceContext
	Scheduled          time.Time
	Delay              time.Duration
	Priority           float64
	LinkingDepth       int
	DomainLinkingDepth int
	Incoming           []scorer.IncomingLink

	// index is the entry's position in the priority heap, maintained by
	// container/heap; it is not part of the entry's logical identity.
	index int
}

// Params bounds admission and scheduling. Each field mirrors one of the
// rejection rules or scheduling knobs described for the frontier.
type Params struct {
	BlockedHostSubstrings []string
	SkipExtensions        []string
	ExcludedPathPatterns  []string
	DomainCeiling         int
	MaxLinkingDepth       int
	MaxURLLength          int
	MaxQueryParams        int
	DefaultDomainDelay    time.Duration
	ProbeCap              int
}

// DefaultParams mirrors the rejection thresholds read out of the
// original crawler's frontier admission checks.
func DefaultParams() Params {
	return Params{
		BlockedHostSubstrings: []string{
			"facebook.com", "twitter.com", "instagram.com", "linkedin.com",
			"youtube.com", "tiktok.com", "pinterest.com",
		},
		SkipExtensions: []string{
			".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
			".jpg", ".jpeg", ".png", ".gif", ".svg", ".ico",
			".mp3", ".mp4", ".wav", ".avi", ".mov",
			".zip", ".rar", ".tar", ".gz",
			".css", ".js", ".json", ".xml", ".rss",
		},
		ExcludedPathPatterns: []string{
			"/admin/", "/login/", "/logout/", "/register/",
			"/api/", "/ajax/", "/json/", "/download/",
			"mailto:", "tel:", "ftp:", "javascript:",
			"/wp-content/", "/wp-admin/",
			"?action=", "&action=", "/search?", "?search=",
			"/cart/", "/checkout/", "/payment/",
		},
		DomainCeiling:      1000,
		MaxLinkingDepth:    8,
		MaxURLLength:       2000,
		MaxQueryParams:     10,
		DefaultDomainDelay: 2 * time.Second,
		ProbeCap:           50,
	}
}
