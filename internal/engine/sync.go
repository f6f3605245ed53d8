package engine

import (
	"context"
	"slices"
	"strings"

	"github.com/bryan-buckman/followsync/internal/events"
	Logger "github.com/bryan-buckman/followsync/internal/log"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Mode says where an incoming snapshot came from.
type Mode int

const (
	// SyncFull merges the whole synced snapshot at startup. Local follows the
	// snapshot lacks are pushed back out.
	SyncFull Mode = iota + 1
	// SyncPartial merges records another device pushed. Ids not mentioned are
	// left alone.
	SyncPartial
	// SyncExternal merges an imported file. Any local change it causes is pushed
	// out, but stale entries never correct the file.
	SyncExternal
)

func (m Mode) String() string {
	switch m {
	case SyncFull:
		return "full"
	case SyncPartial:
		return "partial"
	case SyncExternal:
		return "external"
	default:
		return "unknown"
	}
}

// SyncReport lists what a merge did, by follow id.
type SyncReport struct {
	// Updated ids had the incoming record win.
	Updated []string `json:"updated"`
	// Notified ids were pushed outward.
	Notified []string `json:"notified"`
	// Ignored ids were import entries older than local state.
	Ignored []string `json:"ignored"`
	// Failed ids could not be merged; the rest of the batch went on.
	Failed []string `json:"failed"`
}

func (r *SyncReport) Fields() logrus.Fields {
	return logrus.Fields{
		"updated":  len(r.Updated),
		"notified": len(r.Notified),
		"ignored":  len(r.Ignored),
		"failed":   len(r.Failed),
	}
}

// OnSync handles a push notification naming the ids another device changed.
func (e *Engine) OnSync(ctx context.Context, ids []string) error {
	snap, err := e.synced.MergeSyncedDelta(ctx, SyncNamespace, ids)
	if err != nil {
		return errors.Wrap(err, "load pushed follows")
	}
	report, err := e.Sync(ctx, snap, SyncPartial)
	if err != nil {
		return err
	}
	Logger.Log.WithFields(report.Fields()).Debugln("push sync done")
	return nil
}

// Sync merges inc into the follow store. For each id the record with the later
// editedAt wins; on a tie local state is kept. Ids are merged in sorted order.
// An id with a fetch already in flight is not merged and is reported as failed.
func (e *Engine) Sync(ctx context.Context, inc *model.Snapshot, mode Mode) (*SyncReport, error) {
	if inc == nil {
		return nil, errors.New("sync: nil snapshot")
	}
	report := &SyncReport{}
	updated := false

	if inc.Follows != nil {
		if inc.Index != nil {
			e.follows.MergeIndex(inc.Index)
		}

		ids := make([]string, 0, len(inc.Follows))
		for id := range inc.Follows {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		claimed := e.coord.Begin(ids)
		for _, id := range ids {
			if _, ok := slices.BinarySearch(claimed, id); !ok {
				// a poll or user fetch owns the id; merging now would race its result
				Logger.Log.WithFields(logrus.Fields{"follow": id, "mode": mode.String()}).
					Warnln("cannot merge follow: a fetch is in flight")
				report.Failed = append(report.Failed, id)
				continue
			}
			if e.mergeOne(ctx, id, inc.Follows[id], mode, report) {
				updated = true
			}
		}
	}

	if mode == SyncFull {
		for _, id := range e.follows.IDs() {
			if _, ok := inc.Follows[id]; ok {
				continue
			}
			if f, ok := e.follows.Get(id); ok {
				e.follows.Notify(f)
				report.Notified = append(report.Notified, id)
			}
		}
	}

	if updated || len(report.Notified) > 0 {
		e.write(ctx, len(report.Notified) > 0, report.Notified)
	}
	return report, nil
}

// mergeOne applies one incoming record and reports whether it won.
func (e *Engine) mergeOne(ctx context.Context, id string, incoming model.SyncedRecord, mode Mode, report *SyncReport) bool {
	defer e.coord.Finish([]string{id})
	log := Logger.Log.WithFields(logrus.Fields{"follow": id, "mode": mode.String()})

	baseline, hadBaseline := e.follows.Synced(id)
	e.follows.SeedSynced(id, incoming)

	current, hasLocal := e.follows.Get(id)
	// Without a follow, a tombstone in the projection is the local version, so a
	// stale record cannot bring a deleted follow back.
	localTombstone := !hasLocal && hadBaseline && baseline.Deleted
	var local model.SyncedRecord
	switch {
	case hasLocal:
		local = model.SyncedFromFollow(current)
	case localTombstone:
		local = baseline
	}

	switch {
	case (!hasLocal && !localTombstone) || local.EditedAt.Before(incoming.EditedAt):
		if incoming.Deleted {
			e.follows.SetSynced(id, incoming)
			if !hasLocal {
				// only the projection learns about the deletion
				return false
			}
			e.follows.Delete(id)
			e.cache.Remove(id)
			e.emit.Emit(events.Remove("/all/" + id))
			report.Updated = append(report.Updated, id)
			report.Notified = append(report.Notified, id)
			return true
		}

		f := model.FollowFromSynced(id, incoming)
		if hasLocal {
			carryLocal(f, current)
		} else {
			f.URL = model.EnsureScheme(f.URL)
			f.CreatedAt = e.now()
		}
		res, err := e.refresh(ctx, f, true)
		switch {
		case err != nil:
			log.WithError(err).Warnln("cannot merge follow")
			report.Failed = append(report.Failed, id)
		case res.Ambiguous():
			log.WithField("feeds", len(res.Feeds)).Warnln("cannot merge follow: url resolves to several feeds")
			report.Failed = append(report.Failed, id)
		default:
			report.Updated = append(report.Updated, id)
			if mode == SyncExternal {
				report.Notified = append(report.Notified, id)
			}
		}
		return true

	case local.EditedAt.After(incoming.EditedAt):
		if mode == SyncExternal {
			log.Infoln("import entry ignored: already up to date")
			report.Ignored = append(report.Ignored, id)
			return false
		}
		if hasLocal {
			e.follows.Notify(current)
		}
		report.Notified = append(report.Notified, id)
	}
	return false
}

// carryLocal keeps the fetched state of an existing follow on the follow built
// from an incoming record.
func carryLocal(f, local *model.Follow) {
	f.FeedURL = local.FeedURL
	f.ActualTitle = local.ActualTitle
	f.Description = local.Description
	f.Photo = local.Photo
	f.CreatedAt = local.CreatedAt
	f.Posts = slices.Clone(local.Posts)
	f.Activity = slices.Clone(local.Activity)
	// Records carry the feed URL; keep the site URL the user subscribed with.
	if u := strings.TrimSpace(f.URL); u == "" || u == local.FeedURL {
		f.URL = local.URL
	}
}
