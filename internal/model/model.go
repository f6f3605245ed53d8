// Package model defines shared data structures.
package model

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"
)

// HomeTag is the tag assumed for follows that carry none.
const HomeTag = "home"

// MaxRecentPosts is the number of post summaries kept on a Follow.
const MaxRecentPosts = 10

// Follow is one followed source (blog, feed, social account).
type Follow struct {
	ID             string    `json:"id,omitempty"`
	URL            string    `json:"url"`
	FeedURL        string    `json:"feed,omitempty"`
	Title          string    `json:"title,omitempty"`
	ActualTitle    string    `json:"actualTitle,omitempty"`
	Description    string    `json:"description,omitempty"`
	Photo          string    `json:"photo,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Importance     int       `json:"importance"`
	EditedAt       time.Time `json:"editedAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Posts          []Post    `json:"posts,omitempty"`
	Activity       []int     `json:"activity,omitempty"`
	FetchesContent bool      `json:"fetchesContent,omitempty"`
}

// TagList returns the follow's tags, defaulting to the home tag.
func (f *Follow) TagList() []string {
	if len(f.Tags) == 0 {
		return []string{HomeTag}
	}
	return f.Tags
}

// DisplayTitle is the user title, then the title loaded from the site, then the URL.
func (f *Follow) DisplayTitle() string {
	switch {
	case f.Title != "":
		return f.Title
	case f.ActualTitle != "":
		return f.ActualTitle
	default:
		return f.URL
	}
}

// Clone returns a copy that shares no slices with f.
func (f *Follow) Clone() *Follow {
	if f == nil {
		return nil
	}
	c := *f
	c.Tags = slices.Clone(f.Tags)
	c.Posts = slices.Clone(f.Posts)
	c.Activity = slices.Clone(f.Activity)
	return &c
}

// Post is a recent post summary, stored newest first on a Follow.
type Post struct {
	ID          string    `json:"id"`
	URL         string    `json:"url,omitempty"`
	Title       string    `json:"title,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PostDetail is the full body of a post, cached locally for follows that fetch content.
type PostDetail struct {
	ID          string    `json:"id"`
	URL         string    `json:"url,omitempty"`
	Title       string    `json:"title,omitempty"`
	Author      string    `json:"author,omitempty"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// FeedPosts is the document stored for each follow's full post list.
type FeedPosts struct {
	Posts []Post `json:"posts"`
}

// SyncedRecord is the minimal cross-device projection of a Follow.
type SyncedRecord struct {
	URL            string    `json:"url,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Importance     int       `json:"importance,omitempty"`
	Title          string    `json:"title,omitempty"`
	FetchesContent bool      `json:"fetchesContent,omitempty"`
	Deleted        bool      `json:"deleted,omitempty"`
	EditedAt       time.Time `json:"editedAt"`
}

// SyncedFromFollow projects a follow onto its synced record.
func SyncedFromFollow(f *Follow) SyncedRecord {
	u := f.FeedURL
	if u == "" {
		u = f.URL
	}
	return SyncedRecord{
		URL:            u,
		Tags:           slices.Clone(f.Tags),
		Importance:     f.Importance,
		Title:          f.Title,
		FetchesContent: f.FetchesContent,
		EditedAt:       f.EditedAt,
	}
}

// Tombstone returns a deletion record stamped at t.
func Tombstone(t time.Time) SyncedRecord {
	return SyncedRecord{Deleted: true, EditedAt: t}
}

// FollowFromSynced builds the follow an incoming synced record describes.
func FollowFromSynced(id string, rec SyncedRecord) *Follow {
	return &Follow{
		ID:             id,
		URL:            rec.URL,
		Tags:           slices.Clone(rec.Tags),
		Importance:     rec.Importance,
		Title:          rec.Title,
		FetchesContent: rec.FetchesContent,
		EditedAt:       rec.EditedAt,
	}
}

// Settings are the synced user settings.
type Settings struct {
	Broadcast bool `json:"broadcast"`
}

// Snapshot is the synced document exchanged with other devices and imports.
type Snapshot struct {
	Settings *Settings                  `json:"settings,omitempty"`
	Follows  map[string]SyncedRecord    `json:"follows"`
	Index    map[string]json.RawMessage `json:"index,omitempty"`
}

// NewSnapshot returns an empty snapshot with default settings.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Settings: &Settings{},
		Follows:  make(map[string]SyncedRecord),
		Index:    make(map[string]json.RawMessage),
	}
}

// Clone deep-copies the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Follows: make(map[string]SyncedRecord, len(s.Follows)),
		Index:   make(map[string]json.RawMessage, len(s.Index)),
	}
	if s.Settings != nil {
		st := *s.Settings
		c.Settings = &st
	}
	for id, rec := range s.Follows {
		rec.Tags = slices.Clone(rec.Tags)
		c.Follows[id] = rec
	}
	for k, v := range s.Index {
		c.Index[k] = slices.Clone(v)
	}
	return c
}

// FetchRecord is the bookkeeping kept for the last completed fetch of a follow.
type FetchRecord struct {
	At           time.Time `json:"at"`
	DelayFactor  float64   `json:"delay"`
	Status       int       `json:"status,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
}

// FeedCandidate is one feed discovered on a site with several feeds.
type FeedCandidate struct {
	Href     string `json:"href"`
	Title    string `json:"title,omitempty"`
	Selected bool   `json:"selected,omitempty"`
}

// FetchResult is what a Fetcher reports for one fetch. A non-empty Feeds list means
// the URL resolved to several feeds and the caller must pick.
type FetchResult struct {
	Feeds        []FeedCandidate
	Status       int
	ETag         string
	LastModified string
}

// NotModified reports whether the source answered that nothing changed.
func (r *FetchResult) NotModified() bool {
	return r != nil && r.Status == http.StatusNotModified
}

// Ambiguous reports whether the fetch produced feed candidates instead of a follow.
func (r *FetchResult) Ambiguous() bool {
	return r != nil && len(r.Feeds) > 0
}

// ProgressEntry is scheduler state for a follow; Done=false means a fetch is in flight.
type ProgressEntry struct {
	StartedAt time.Time `json:"startedAt"`
	Done      bool      `json:"done"`
}

// Importance is a named polling tier.
type Importance struct {
	Value int
	Label string
}

// Importances lists the tiers in display order.
var Importances = []Importance{
	{0, "Real-time"},
	{1, "Daily"},
	{7, "Weekly"},
	{30, "Monthly"},
	{365, "Yearly"},
}
