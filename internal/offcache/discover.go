package offcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// DiscoveredManifest splits the paths listed in an origin's sitemaps by the
// bucket Classify would put them in.
type DiscoveredManifest struct {
	Static  []string
	Dynamic []string
	Ignored int
}

// DiscoverManifest walks the sitemap at sitemapURL (and any nested sitemap
// indexes) and returns the root-relative paths it lists, deduplicated, in
// document order. Entries on other hosts are ignored.
func DiscoverManifest(ctx context.Context, client *http.Client, origin, sitemapURL string) (DiscoveredManifest, error) {
	var out DiscoveredManifest
	if client == nil {
		client = http.DefaultClient
	}
	originURL, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return out, fmt.Errorf("parse origin: %w", err)
	}

	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	queue := []string{normalizeMaybeRelativeURL(originURL, sitemapURL)}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := fetchAndParseSitemap(ctx, client, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, normalizeMaybeRelativeURL(originURL, nested))
			}
		}
		for _, loc := range doc.URLs {
			path, ok := pathOnOrigin(originURL, loc)
			if !ok {
				out.Ignored++
				continue
			}
			if _, dup := seenPaths[path]; dup {
				continue
			}
			seenPaths[path] = struct{}{}
			if Classify(path) == BucketStatic {
				out.Static = append(out.Static, path)
			} else {
				out.Dynamic = append(out.Dynamic, path)
			}
		}
	}
	return out, nil
}

func normalizeMaybeRelativeURL(origin *url.URL, u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return origin.Scheme + "://" + origin.Host + u
}

func fetchAndParseSitemap(ctx context.Context, client *http.Client, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may arrive already decoded when the server also sets
	// Content-Encoding, so sniff the magic bytes instead of trusting the name.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, err
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return sitemapDoc{}, err
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// pathOnOrigin returns the root-relative path of loc, or false when loc
// points at another host.
func pathOnOrigin(origin *url.URL, loc string) (string, bool) {
	if loc == "" {
		return "", false
	}
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") {
		if !strings.HasPrefix(loc, "/") {
			loc = "/" + loc
		}
		return loc, true
	}
	u, err := url.Parse(loc)
	if err != nil || !strings.EqualFold(u.Host, origin.Host) {
		return "", false
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	return p, true
}
