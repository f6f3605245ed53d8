// Package rss provides feed fetching and parsing.
package rss

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bryan-buckman/followsync/internal/database"
	Logger "github.com/bryan-buckman/followsync/internal/log"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"
	"github.com/pkg/errors"
)

// Defaults for Options left unset.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "followsync/1.0"

	// maxBodySize caps how much of a response is read.
	maxBodySize = 10 << 20
)

// Options configure a Fetcher.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// DomainDelay is the minimum gap between requests to one host.
	DomainDelay time.Duration
}

// Fetcher retrieves follows over HTTP. It understands RSS, Atom and JSON feeds
// and finds the feeds an HTML page links to.
type Fetcher struct {
	store         database.Store
	client        *http.Client
	userAgent     string
	hosts         *hostGate
	now           func() time.Time
}

func NewFetcher(store database.Store, opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.DomainDelay <= 0 {
		opts.DomainDelay = DelayBetweenDomainRequests
	}
	return &Fetcher{
		store:         store,
		client:        &http.Client{Timeout: opts.Timeout},
		userAgent:     opts.UserAgent,
		hosts:         newHostGate(opts.DomainDelay),
		now:           time.Now,
	}
}

type response struct {
	status       int
	etag         string
	lastModified string
	finalURL     *url.URL
	body         []byte
}

// Fetch updates f from its feed. Known feeds are requested conditionally using
// last; a 304 answer leaves f unchanged. A URL that is an HTML page is searched
// for feed links: one link is followed, several are returned as candidates.
func (fe *Fetcher) Fetch(ctx context.Context, f *model.Follow, last *model.FetchRecord) (*model.FetchResult, error) {
	if f.ID == "" {
		f.ID = model.FollowID(f.URL)
	}

	target := f.FeedURL
	if target == "" {
		target = model.EnsureScheme(f.URL)
		last = nil
	}

	resp, err := fe.get(ctx, target, last)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNotModified {
		res := &model.FetchResult{Status: resp.status}
		if last != nil {
			res.ETag, res.LastModified = last.ETag, last.LastModified
		}
		return res, nil
	}

	feed, perr := gofeed.NewParser().Parse(bytes.NewReader(resp.body))
	if perr != nil {
		page, err := discover(resp.body, resp.finalURL)
		if err != nil {
			return nil, errors.Wrapf(perr, "%s is not a feed", target)
		}
		switch len(page.Feeds) {
		case 0:
			return nil, errors.Errorf("%s is not a feed and links to none", target)
		case 1:
			resp, err = fe.get(ctx, page.Feeds[0].Href, nil)
			if err != nil {
				return nil, err
			}
			feed, err = gofeed.NewParser().Parse(bytes.NewReader(resp.body))
			if err != nil {
				return nil, errors.Wrapf(err, "parse feed %s", page.Feeds[0].Href)
			}
		default:
			return &model.FetchResult{Feeds: page.Feeds, Status: resp.status}, nil
		}
		if f.Photo == "" {
			f.Photo = page.Photo
		}
	}

	f.FeedURL = resp.finalURL.String()
	fe.apply(ctx, f, feed)
	return &model.FetchResult{
		Status:       resp.status,
		ETag:         resp.etag,
		LastModified: resp.lastModified,
	}, nil
}

func (fe *Fetcher) get(ctx context.Context, target string, last *model.FetchRecord) (*response, error) {
	done, err := fe.hosts.wait(ctx, target)
	if err != nil {
		return nil, errors.Wrapf(err, "rate limit cancelled for %s", target)
	}
	defer done()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request for %s", target)
	}
	req.Header.Set("User-Agent", fe.userAgent)
	if last != nil {
		if last.ETag != "" {
			req.Header.Set("If-None-Match", last.ETag)
		}
		if last.LastModified != "" {
			req.Header.Set("If-Modified-Since", last.LastModified)
		}
	}

	resp, err := fe.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", target)
	}
	defer resp.Body.Close()

	out := &response{
		status:       resp.StatusCode,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		finalURL:     resp.Request.URL,
	}
	if resp.StatusCode == http.StatusNotModified {
		return out, nil
	}
	if resp.StatusCode >= 400 {
		return nil, errors.Errorf("get %s: status %d", target, resp.StatusCode)
	}
	out.body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", target)
	}
	return out, nil
}

// apply copies feed metadata and posts onto f and stores the full post list.
func (fe *Fetcher) apply(ctx context.Context, f *model.Follow, feed *gofeed.Feed) {
	now := fe.now()

	if feed.Title != "" {
		f.ActualTitle = strings.TrimSpace(feed.Title)
	}
	if feed.Description != "" {
		f.Description = strings.TrimSpace(feed.Description)
	}
	if feed.Image != nil && feed.Image.URL != "" {
		f.Photo = feed.Image.URL
	}

	posts := make([]model.Post, 0, len(feed.Items))
	details := make([]*model.PostDetail, 0, len(feed.Items))
	for _, item := range feed.Items {
		key := item.GUID
		if key == "" {
			key = item.Link
		}
		if key == "" {
			continue
		}
		published := itemTime(item.PublishedParsed, item.Published, now)
		updated := itemTime(item.UpdatedParsed, item.Updated, published)

		p := model.Post{
			ID:          PostID(key),
			URL:         item.Link,
			Title:       strings.TrimSpace(item.Title),
			PublishedAt: published,
			UpdatedAt:   updated,
		}
		posts = append(posts, p)

		if f.FetchesContent {
			d := &model.PostDetail{
				ID:          p.ID,
				URL:         p.URL,
				Title:       p.Title,
				Description: item.Description,
				Content:     item.Content,
				PublishedAt: published,
			}
			if item.Author != nil {
				d.Author = item.Author.Name
			}
			details = append(details, d)
		}
	}
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].PublishedAt.After(posts[j].PublishedAt)
	})

	f.Activity = make([]int, model.ActivityDays)
	for _, p := range posts {
		if d := model.DaysAgo(p.PublishedAt, now); d < model.ActivityDays {
			f.Activity[d]++
		}
	}
	f.Posts = posts
	if len(f.Posts) > model.MaxRecentPosts {
		f.Posts = append([]model.Post(nil), posts[:model.MaxRecentPosts]...)
	}

	log := Logger.Log.WithField("follow", f.ID)
	if err := fe.store.Write(ctx, "/feeds/"+f.ID+".json", model.FeedPosts{Posts: posts}); err != nil {
		log.WithError(err).Warnln("cannot save posts")
	}
	for _, d := range details {
		path := fmt.Sprintf("/feeds/%s/%d/%s.json", f.ID, d.PublishedAt.Year(), d.ID)
		if err := fe.store.Write(ctx, path, d); err != nil {
			log.WithError(err).WithField("post", d.ID).Warnln("cannot save post")
		}
	}
}

// PostID derives a path-safe post id from its guid or link.
func PostID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

// itemTime prefers the time gofeed parsed, then a lenient parse of the raw
// string, then fallback.
func itemTime(parsed *time.Time, raw string, fallback time.Time) time.Time {
	if parsed != nil {
		return *parsed
	}
	if raw != "" {
		if t, err := dateparse.ParseAny(raw); err == nil {
			return t
		}
	}
	return fallback
}
