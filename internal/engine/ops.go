package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/bryan-buckman/followsync/internal/bookmarks"
	"github.com/bryan-buckman/followsync/internal/events"
	Logger "github.com/bryan-buckman/followsync/internal/log"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/bryan-buckman/followsync/internal/opml"
	"github.com/pkg/errors"
)

// Import and export formats.
const (
	FormatOPML = "opml"
	FormatHTML = "html"
	FormatJSON = "json"
)

// refresh fetches f and stores it. A follow without an id is a new subscription:
// it gets a scheme if it lacks one, a creation time, and must not resolve to a
// follow that already exists. When the fetch finds several feeds the result is
// returned and nothing is stored.
//
// claimed is set when the caller already marked f's id in flight.
func (e *Engine) refresh(ctx context.Context, f *model.Follow, claimed bool) (*model.FetchResult, error) {
	isNew := f.ID == ""
	now := e.now()
	if isNew {
		f.URL = model.EnsureScheme(f.URL)
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	var (
		res *model.FetchResult
		err error
	)
	if claimed {
		res, err = e.coord.FetchClaimed(ctx, f, nil)
	} else {
		res, err = e.coord.FetchFeed(ctx, f, nil)
	}
	if err != nil {
		return nil, err
	}
	if res.Ambiguous() {
		return res, nil
	}
	if isNew && e.follows.Has(f.ID) {
		return nil, errors.Wrap(ErrDuplicateFollow, f.URL)
	}

	e.follows.Put(f)
	e.cache.Remove(f.ID)
	e.emit.Emit(eventReplaceFollow(f))
	e.follows.Notify(f)
	return res, nil
}

// Save stores a new or edited follow as a user edit. On success the follow is
// persisted and pushed, and a subscription event is emitted. When the URL leads
// to several feeds a discovery event asks the user to choose.
func (e *Engine) Save(ctx context.Context, follow *model.Follow) (*model.FetchResult, error) {
	f := follow.Clone()
	if f.ID != "" {
		stored, ok := e.follows.Get(f.ID)
		if !ok {
			err := errors.Wrap(ErrFollowNotFound, f.ID)
			e.emit.Emit(events.Error(err.Error()))
			return nil, err
		}
		keepStored(f, stored)
	}
	f.EditedAt = e.now()

	res, err := e.refresh(ctx, f, false)
	if err != nil {
		e.emit.Emit(events.Error(err.Error()))
		return nil, err
	}
	if res.Ambiguous() {
		e.emit.Emit(events.Discovery(res.Feeds, f))
		return res, nil
	}

	e.write(ctx, true, []string{f.ID})
	e.emit.Emit(events.Subscription(f))
	*follow = *f
	return res, nil
}

// keepStored fills the fields an edit does not own from the stored follow. The
// feed URL is kept only while the site URL is unchanged.
func keepStored(f, stored *model.Follow) {
	f.CreatedAt = stored.CreatedAt
	if f.FeedURL == "" && f.URL == stored.URL {
		f.FeedURL = stored.FeedURL
	}
	if f.ActualTitle == "" {
		f.ActualTitle = stored.ActualTitle
	}
	if f.Description == "" {
		f.Description = stored.Description
	}
	if f.Photo == "" {
		f.Photo = stored.Photo
	}
	if len(f.Posts) == 0 {
		f.Posts = slices.Clone(stored.Posts)
	}
	if len(f.Activity) == 0 {
		f.Activity = slices.Clone(stored.Activity)
	}
}

// Subscribe follows each selected feed found on site. With several selected,
// each title names the feed as "<site> [<feed>]". Errors are collected and
// reported together once every feed was tried.
func (e *Engine) Subscribe(ctx context.Context, site *model.Follow, list []model.FeedCandidate) error {
	var selected []model.FeedCandidate
	for _, c := range list {
		if c.Selected {
			selected = append(selected, c)
		}
	}

	var (
		ids  []string
		errs []string
	)
	for _, feed := range selected {
		f := &model.Follow{
			URL:        feed.Href,
			Importance: site.Importance,
			Tags:       slices.Clone(site.Tags),
			Title:      site.Title,
			EditedAt:   e.now(),
		}
		if len(selected) > 1 {
			f.Title = fmt.Sprintf("%s [%s]", site.DisplayTitle(), feed.Title)
		}

		res, err := e.refresh(ctx, f, false)
		switch {
		case err != nil:
			errs = append(errs, err.Error())
		case res.Ambiguous():
			errs = append(errs, fmt.Sprintf("%s is not a feed.", f.URL))
		default:
			ids = append(ids, f.ID)
		}
	}

	if len(ids) > 0 {
		e.write(ctx, true, ids)
	}
	if len(errs) > 0 {
		msg := strings.Join(errs, "\n")
		e.emit.Emit(events.Error(msg))
		return errors.New(msg)
	}
	e.emit.Emit(events.Subscription(site))
	return nil
}

// Remove deletes a follow and leaves a tombstone in the synced snapshot.
func (e *Engine) Remove(ctx context.Context, id string) error {
	f, ok := e.follows.Get(id)
	if !ok {
		return errors.Wrap(ErrFollowNotFound, id)
	}
	e.follows.Delete(id)
	e.follows.Tombstone(id, e.now())
	e.cache.Remove(id)
	e.emit.Emit(events.Remove("/all/" + id))
	e.write(ctx, true, []string{id})
	e.emit.Emit(events.Subscription(f))
	return nil
}

// Import merges an OPML outline or a JSON snapshot as an external sync.
func (e *Engine) Import(ctx context.Context, format string, contents []byte) (*SyncReport, error) {
	var snap *model.Snapshot
	switch format {
	case FormatOPML:
		recs, err := opml.ParseFollows(bytes.NewReader(contents))
		if err != nil {
			e.emit.Emit(events.Error(err.Error()))
			return nil, err
		}
		if len(recs) == 0 {
			return &SyncReport{}, nil
		}
		snap = &model.Snapshot{Follows: recs}
	case FormatJSON:
		snap = &model.Snapshot{}
		if err := json.Unmarshal(contents, snap); err != nil {
			err = errors.Wrap(err, "decode snapshot")
			e.emit.Emit(events.Error(err.Error()))
			return nil, err
		}
	default:
		return nil, errors.Wrap(ErrUnknownFormat, format)
	}

	report, err := e.Sync(ctx, snap, SyncExternal)
	if err != nil {
		return nil, err
	}
	Logger.Log.WithFields(report.Fields()).WithField("format", format).Infoln("import done")
	return report, nil
}

// Export renders the follows in format and emits them as an exported event.
func (e *Engine) Export(ctx context.Context, format string) (string, []byte, error) {
	var (
		mime     string
		contents []byte
		err      error
	)
	switch format {
	case FormatOPML:
		mime = "text/xml"
		contents, err = opml.Export("Followed sources", e.follows.List(), e.now())
	case FormatHTML:
		mime = "text/html"
		contents, err = bookmarks.Export(e.follows.List())
	case FormatJSON:
		mime = "application/json"
		contents, err = json.MarshalIndent(e.follows.Snapshot(), "", "  ")
	default:
		return "", nil, errors.Wrap(ErrUnknownFormat, format)
	}
	if err != nil {
		return "", nil, errors.Wrapf(err, "export %s", format)
	}

	e.emit.Emit(events.Exported(format, mime, string(contents)))
	return mime, contents, nil
}
