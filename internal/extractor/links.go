package extractor

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/pkg/failure"
)

// Size and count limits on outbound-link harvesting: pages over
// feedSizeCutoff are read from only their first extractWindowBytes, and
// no more than maxDiscoveredURLs survive per page regardless of source.
const (
	extractWindowBytes = 500 * 1024
	feedSizeCutoff      = 1024 * 1024
	maxDiscoveredURLs   = 1000
)

var disallowedLinkSchemes = []string{"javascript:", "mailto:", "tel:", "ftp:", "#"}

// LinkExtractor harvests outbound link targets from a fetched page. It
// is deliberately separate from DomExtractor: that one isolates
// readable content, this one only cares about where a page points.
type LinkExtractor struct {
	metadataSink metadata.MetadataSink
}

func NewLinkExtractor(metadataSink metadata.MetadataSink) LinkExtractor {
	return LinkExtractor{metadataSink: metadataSink}
}

// ExtractLinks resolves every <a href> (HTML) or <link>/<enclosure>
// (RSS/Atom) target against base, dropping sitemap URLs and duplicates,
// and caps the result at maxDiscoveredURLs.
func (l *LinkExtractor) ExtractLinks(base url.URL, contentType string, body []byte) ([]url.URL, failure.ClassifiedError) {
	window := body
	if len(window) > feedSizeCutoff {
		window = window[:extractWindowBytes]
	}

	var raw []string
	var err error
	if isFeedContentType(contentType) {
		raw, err = extractFeedLinks(window)
		if err != nil {
			l.metadataSink.RecordError(
				time.Now(),
				"extractor",
				"LinkExtractor.ExtractLinks",
				metadata.CauseContentInvalid,
				err.Error(),
				[]metadata.Attribute{metadata.NewAttr(metadata.AttrURL, base.String())},
			)
			// a feed that fails to parse yields no links, not a fatal crawl error
			raw = nil
		}
	} else {
		raw = extractHTMLLinks(window)
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]url.URL, 0, len(raw))
	for _, ref := range raw {
		resolved, ok := resolveLink(base, ref)
		if !ok {
			continue
		}
		key := resolved.String()
		if isSitemapURL(key) {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, resolved)
		if len(out) >= maxDiscoveredURLs {
			break
		}
	}
	return out, nil
}

func extractHTMLLinks(body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	var refs []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			refs = append(refs, href)
		}
	})
	return refs
}

func extractFeedLinks(body []byte) ([]string, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("feed parse: %w", err)
	}
	var refs []string
	if feed.Link != "" {
		refs = append(refs, feed.Link)
	}
	for _, item := range feed.Items {
		if item.Link != "" {
			refs = append(refs, item.Link)
		}
		for _, enc := range item.Enclosures {
			if enc.URL != "" {
				refs = append(refs, enc.URL)
			}
		}
	}
	return refs, nil
}

// resolveLink unescapes HTML entities, rejects non-navigable schemes,
// resolves ref against base, and keeps only http(s) results.
func resolveLink(base url.URL, ref string) (url.URL, bool) {
	ref = html.UnescapeString(strings.TrimSpace(ref))
	if ref == "" {
		return url.URL{}, false
	}
	lower := strings.ToLower(ref)
	for _, scheme := range disallowedLinkSchemes {
		if strings.HasPrefix(lower, scheme) {
			return url.URL{}, false
		}
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return url.URL{}, false
	}
	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return url.URL{}, false
	}
	resolved.Fragment = ""
	resolved.RawFragment = ""
	return *resolved, true
}

var sitemapSubstrings = []string{"sitemap_index", "sitemap", "/sitemap"}

func isSitemapURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if !strings.Contains(lower, "sitemap") {
		return false
	}
	for _, pattern := range sitemapSubstrings {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return strings.HasSuffix(lower, ".xml")
}

func isFeedContentType(contentType string) bool {
	lower := strings.ToLower(contentType)
	return strings.Contains(lower, "xml") || strings.Contains(lower, "rss") || strings.Contains(lower, "atom")
}
