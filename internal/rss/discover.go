package rss

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/pkg/errors"
)

var feedTypes = map[string]bool{
	"application/rss+xml":   true,
	"application/atom+xml":  true,
	"application/feed+json": true,
	"application/json":      true,
	"application/rdf+xml":   true,
	"text/xml":              true,
}

// sitePage is what an HTML page says about itself and its feeds.
type sitePage struct {
	Title       string
	Description string
	Photo       string
	Feeds       []model.FeedCandidate
}

// discover reads the alternate feed links and basic metadata from an HTML page.
// Relative hrefs resolve against base.
func discover(body []byte, base *url.URL) (*sitePage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "parse html")
	}

	page := &sitePage{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Description: metaContent(doc, `meta[name="description"]`, `meta[property="og:description"]`),
		Photo:       metaContent(doc, `meta[property="og:image"]`, `meta[name="twitter:image"]`),
	}
	if page.Photo != "" {
		page.Photo = resolve(base, page.Photo)
	}

	seen := make(map[string]bool)
	doc.Find(`link[rel~="alternate"]`).Each(func(_ int, s *goquery.Selection) {
		typ := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if !feedTypes[typ] || href == "" {
			return
		}
		href = resolve(base, href)
		if seen[href] {
			return
		}
		seen[href] = true
		page.Feeds = append(page.Feeds, model.FeedCandidate{
			Href:  href,
			Title: strings.TrimSpace(s.AttrOr("title", "")),
		})
	})
	if len(page.Feeds) > 0 {
		page.Feeds[0].Selected = true
	}
	return page, nil
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v := strings.TrimSpace(doc.Find(sel).First().AttrOr("content", "")); v != "" {
			return v
		}
	}
	return ""
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
