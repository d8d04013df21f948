package scorer

import (
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/mdconvert"
	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/internal/sanitizer"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
	"golang.org/x/net/html"
)

/*
The scorer turns a fetched, extracted page into a relevance number the
frontier uses for priority and the coordinator uses as an acceptance
gate. It never fetches or parses HTML itself — extraction (C6) hands it
a content node, and it reduces that to reading text through the same
sanitize-then-convert-to-markdown pipeline the teacher built for
document rendering, repurposed here as the cleaning step ahead of
keyword and quality scoring.
*/

var nonDocumentExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".ico", ".bmp", ".tiff",
	".zip", ".tar", ".gz", ".rar", ".7z",
	".woff", ".woff2", ".ttf", ".eot", ".otf",
	".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".pdf",
	".xml", ".rss", ".atom",
	".js", ".css",
	".mp3", ".mp4", ".avi", ".mov", ".wav", ".webm",
}

var excludedPathPatterns = []string{
	"/api/", "/wp-admin/", "/wp-json/", "/admin/", "/cgi-bin/",
}

// Scorer computes URL-shape priority and full content relevance. It is
// safe for concurrent use; the per-domain smoothing state is the only
// mutable field and is guarded by mu.
type Scorer struct {
	metadataSink metadata.MetadataSink
	sanitizer    sanitizer.Sanitizer
	converter    mdconvert.ConvertRule
	params       Params

	mu      sync.Mutex
	domains map[string]*domainState
}

func NewScorer(metadataSink metadata.MetadataSink, sanitizer sanitizer.Sanitizer, converter mdconvert.ConvertRule, params Params) *Scorer {
	return &Scorer{
		metadataSink: metadataSink,
		sanitizer:    sanitizer,
		converter:    converter,
		params:       params,
		domains:      make(map[string]*domainState),
	}
}

// PrepareText reduces an extracted content node to cleaned markdown text
// via the sanitize-then-convert pipeline, for use as Score's text input.
func (s *Scorer) PrepareText(u url.URL, contentNode *html.Node) (string, failure.ClassifiedError) {
	sanitized, err := s.sanitizer.Sanitize(contentNode)
	if err != nil {
		s.recordPrepError(u, err)
		return "", err
	}
	converted, err := s.converter.Convert(sanitized)
	if err != nil {
		s.recordPrepError(u, err)
		return "", err
	}
	return string(converted.GetMarkdownContent()), nil
}

// URLScore computes the on-URL-only priority used by the frontier at
// admission time, before any content has been fetched. parentScore is
// nil when the URL has no known parent (e.g. a seed).
func (s *Scorer) URLScore(u url.URL, parentScore *float64) float64 {
	lower := strings.ToLower(u.String())

	for _, ext := range nonDocumentExtensions {
		if strings.HasSuffix(strings.ToLower(u.Path), ext) {
			return 0
		}
	}
	for _, pattern := range excludedPathPatterns {
		if strings.Contains(lower, pattern) {
			return 0
		}
	}

	var score float64
	if matchAny(lower, []string{"tuebingen", "tübingen", "uni-tuebingen", "tue"}) {
		score += 0.05
	}
	if strings.Contains(u.Path, "/en/") || strings.HasSuffix(u.Path, "/en") {
		score += 0.02
	}
	if parentScore != nil {
		score += 0.2 * (*parentScore)
	}

	slashes := strings.Count(strings.Trim(u.Path, "/"), "/") + 1
	if u.Path == "" || u.Path == "/" {
		slashes = 0
	}
	if slashes > 6 {
		score -= 0.05 * float64(slashes-6)
	}

	return clamp01(score)
}

// textScore scores cleaned reading text against the term lists, an
// English-likelihood heuristic, and the markdown-AST quality term.
func (s *Scorer) textScore(markdown string) float64 {
	lower := strings.ToLower(markdown)

	var score float64
	if matchAny(lower, cityTerms) {
		score += 0.48
	}
	if matchAny(lower, universityTerms) {
		score += 0.20
	}
	if matchAny(lower, facultyTerms) {
		score += 0.20
	}
	if matchAny(lower, instituteTerms) {
		score += 0.15
	}
	if looksNonEnglish(markdown) {
		score -= 0.3
	}
	score += qualityTerm([]byte(markdown))

	return clamp01(score)
}

func incomingScore(incoming []IncomingLink) float64 {
	if len(incoming) == 0 {
		return 0
	}
	var sum float64
	for _, l := range incoming {
		sum += l.Score
	}
	mean := sum / float64(len(incoming))

	var above int
	for _, l := range incoming {
		if l.Score > mean {
			above++
		}
	}
	return clamp01(float64(above) / float64(len(incoming)))
}

func depthPenalty(depth int) float64 {
	if depth > 7 {
		return 0
	}
	p := 1 - 0.1*float64(depth)
	if p < 0 {
		p = 0
	}
	return p
}

// Score computes the full relevance score for a fetched page: URL shape,
// cleaned text, the incoming-link aggregate, and a depth penalty,
// combined by a fixed weighted sum and smoothed per-domain over time.
func (s *Scorer) Score(u url.URL, text string, incoming []IncomingLink, depth int, now time.Time) Result {
	urlS := s.URLScore(u, nil)
	if urlS == 0 {
		return Result{}
	}
	if depth > 7 {
		return Result{URLScore: urlS}
	}

	textS := s.textScore(text)
	incS := incomingScore(incoming)
	dep := depthPenalty(depth)

	raw := clamp01(0.2*urlS + 0.5*textS + 0.2*incS + 0.07*dep)
	final := s.smoothDomain(u.Host, raw, now)

	return Result{
		Final:         final,
		URLScore:      urlS,
		TextScore:     textS,
		IncomingScore: incS,
		DepthPenalty:  dep,
	}
}

func (s *Scorer) smoothDomain(host string, sample float64, now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[host]
	if !ok {
		d = &domainState{}
		s.domains[host] = d
	}
	return clamp01(d.update(now, sample, s.params.Beta))
}

func (s *Scorer) recordPrepError(u url.URL, err failure.ClassifiedError) {
	var scorerErr *ScorerError
	if !errors.As(err, &scorerErr) {
		scorerErr = &ScorerError{Message: err.Error(), Cause: ErrCauseTextPrepFailed}
	}
	s.metadataSink.RecordError(
		time.Now(),
		"scorer",
		"PrepareText",
		mapScorerErrorToMetadataCause(scorerErr),
		err.Error(),
		[]metadata.Attribute{metadata.NewAttr(metadata.AttrURL, u.String())},
	)
}
