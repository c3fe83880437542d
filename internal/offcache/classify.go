package offcache

import (
	"net/url"
	"strings"
)

var (
	staticExts = []string{".css", ".js", ".mjs", ".json"}
	pageExts   = []string{".html", ".htm"}
	imageExts  = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".avif", ".ico"}
)

// Classify maps a URL (absolute or root-relative) to the bucket it is stored
// in. Checks run in a fixed order: stylesheet/script/data extensions, then
// pages and directory paths, then images; everything else is dynamic.
func Classify(rawURL string) BucketKind {
	p := classifyPath(rawURL)
	switch {
	case hasAnySuffix(p, staticExts):
		return BucketStatic
	case p == "" || strings.HasSuffix(p, "/") || hasAnySuffix(p, pageExts):
		return BucketStatic
	case hasAnySuffix(p, imageExts):
		return BucketDynamic
	default:
		return BucketDynamic
	}
}

func classifyPath(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return strings.ToLower(u.Path)
	}
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.ToLower(p)
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf) {
			return true
		}
	}
	return false
}
