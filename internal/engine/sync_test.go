package engine

import (
	"context"
	"testing"
	"time"

	"github.com/bryan-buckman/followsync/internal/events"
	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func snapshotOf(recs map[string]model.SyncedRecord) *model.Snapshot {
	return &model.Snapshot{Follows: recs}
}

func TestFullSyncLocalNewerNotifies(t *testing.T) {
	h := newHarness(t)
	local := follow("http://a.example", t1)
	local.Title = "mine"
	h.seed(local)

	report, err := h.engine.Sync(context.Background(), snapshotOf(map[string]model.SyncedRecord{
		local.ID: {URL: local.URL, Title: "theirs", EditedAt: t0},
	}), SyncFull)
	require.NoError(t, err)

	got, _ := h.engine.Follow(local.ID)
	assert.Equal(t, "mine", got.Title, "local unchanged")
	assert.Equal(t, []string{local.ID}, report.Notified)
	assert.Empty(t, report.Updated)
	assert.Equal(t, 0, h.fetcher.callCount())

	rec, _ := h.engine.follows.Synced(local.ID)
	assert.Equal(t, "mine", rec.Title)
	assert.Equal(t, [][]string{{local.ID}}, h.store.pushed())
}

func TestIncomingNewerWins(t *testing.T) {
	h := newHarness(t)
	local := follow("http://a.example", t0)
	local.Posts = []model.Post{{ID: "old"}}
	local.CreatedAt = t0
	h.seed(local)

	report, err := h.engine.Sync(context.Background(), snapshotOf(map[string]model.SyncedRecord{
		local.ID: {URL: local.URL, Title: "renamed", Tags: []string{"news"}, Importance: 7, EditedAt: t1},
	}), SyncPartial)
	require.NoError(t, err)

	got, _ := h.engine.Follow(local.ID)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, []string{"news"}, got.Tags)
	assert.Equal(t, 7, got.Importance)
	assert.Equal(t, t1, got.EditedAt)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Equal(t, []string{local.ID}, report.Updated)
	assert.Empty(t, report.Notified, "partial sync does not echo winning remote records")
	assert.Len(t, h.events.find(events.OpReplace, "/all/"+local.ID), 1)
}

func TestExternalTombstoneForUnknownIDOnlySeeds(t *testing.T) {
	h := newHarness(t)
	id := model.FollowID("http://gone.example")

	report, err := h.engine.Sync(context.Background(), snapshotOf(map[string]model.SyncedRecord{
		id: model.Tombstone(t1),
	}), SyncExternal)
	require.NoError(t, err)

	rec, ok := h.engine.follows.Synced(id)
	require.True(t, ok)
	assert.True(t, rec.Deleted)
	assert.Equal(t, 0, h.engine.follows.Len())
	assert.Empty(t, report.Notified)
	assert.Empty(t, report.Updated)
	assert.Empty(t, h.store.pushed())
	assert.Empty(t, h.events.find(events.OpRemove, ""))
}

func TestIncomingTombstoneRemovesLocal(t *testing.T) {
	h := newHarness(t)
	local := follow("http://a.example", t0)
	h.seed(local)

	report, err := h.engine.Sync(context.Background(), snapshotOf(map[string]model.SyncedRecord{
		local.ID: model.Tombstone(t1),
	}), SyncPartial)
	require.NoError(t, err)

	assert.False(t, h.engine.follows.Has(local.ID))
	assert.Len(t, h.events.find(events.OpRemove, "/all/"+local.ID), 1)
	assert.Equal(t, []string{local.ID}, report.Notified)
	rec, _ := h.engine.follows.Synced(local.ID)
	assert.True(t, rec.Deleted)
}

func TestSyncIsIdempotent(t *testing.T) {
	for _, mode := range []Mode{SyncFull, SyncPartial, SyncExternal} {
		t.Run(mode.String(), func(t *testing.T) {
			h := newHarness(t)
			h.seed(follow("http://keep.example", t0))
			snap := snapshotOf(map[string]model.SyncedRecord{
				model.FollowID("http://keep.example"): {URL: "http://keep.example", EditedAt: t0},
				model.FollowID("http://new.example"):  {URL: "http://new.example", Tags: []string{"x"}, EditedAt: t1},
				model.FollowID("http://dead.example"): model.Tombstone(t1),
			})
			ctx := context.Background()

			_, err := h.engine.Sync(ctx, snap, mode)
			require.NoError(t, err)
			before := h.engine.Follows()
			calls := h.fetcher.callCount()
			pushes := len(h.store.pushed())

			report, err := h.engine.Sync(ctx, snap, mode)
			require.NoError(t, err)
			assert.Empty(t, report.Updated)
			assert.Empty(t, report.Notified)
			assert.Equal(t, calls, h.fetcher.callCount())
			assert.Equal(t, pushes, len(h.store.pushed()))
			if diff := cmp.Diff(before, h.engine.Follows()); diff != "" {
				t.Errorf("second sync changed follows (-before +after):\n%s", diff)
			}
		})
	}
}

func TestSyncCommutesOnEditedAt(t *testing.T) {
	url := "http://a.example"
	id := model.FollowID(url)
	older := snapshotOf(map[string]model.SyncedRecord{id: {URL: url, Title: "older", EditedAt: t1}})
	newer := snapshotOf(map[string]model.SyncedRecord{id: {URL: url, Title: "newer", EditedAt: t2}})

	for name, order := range map[string][]*model.Snapshot{
		"older first": {older, newer},
		"newer first": {newer, older},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			for _, snap := range order {
				_, err := h.engine.Sync(context.Background(), snap, SyncPartial)
				require.NoError(t, err)
			}
			got, ok := h.engine.Follow(id)
			require.True(t, ok)
			assert.Equal(t, "newer", got.Title)
			assert.Equal(t, t2, got.EditedAt)
		})
	}
}

func TestTombstonesArePermanent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	local := follow("http://a.example", t0)
	h.seed(local)

	h.clock.Advance(time.Hour) // t1
	require.NoError(t, h.engine.Remove(ctx, local.ID))

	// a peer that never saw the deletion still holds the old record
	stale := snapshotOf(map[string]model.SyncedRecord{local.ID: {URL: local.URL, EditedAt: t0}})
	_, err := h.engine.Sync(ctx, stale, SyncFull)
	require.NoError(t, err)
	assert.False(t, h.engine.follows.Has(local.ID))
	rec, _ := h.engine.follows.Synced(local.ID)
	assert.True(t, rec.Deleted)

	// equal timestamps do not resurrect either
	_, err = h.engine.Sync(ctx, snapshotOf(map[string]model.SyncedRecord{local.ID: {URL: local.URL, EditedAt: t1}}), SyncFull)
	require.NoError(t, err)
	assert.False(t, h.engine.follows.Has(local.ID))

	// a strictly newer live record does
	_, err = h.engine.Sync(ctx, snapshotOf(map[string]model.SyncedRecord{local.ID: {URL: local.URL, EditedAt: t2}}), SyncFull)
	require.NoError(t, err)
	assert.True(t, h.engine.follows.Has(local.ID))
}

func TestFullSyncPushesFollowsMissingRemotely(t *testing.T) {
	h := newHarness(t)
	a := follow("http://a.example", t0)
	b := follow("http://b.example", t0)
	h.seed(a, b)

	report, err := h.engine.Sync(context.Background(), snapshotOf(map[string]model.SyncedRecord{
		a.ID: model.SyncedFromFollow(a),
	}), SyncFull)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, report.Notified)
	assert.Contains(t, h.store.synced, b.ID)

	// partial sync never infers anything about ids it was not given
	report, err = h.engine.Sync(context.Background(), snapshotOf(map[string]model.SyncedRecord{}), SyncPartial)
	require.NoError(t, err)
	assert.Empty(t, report.Notified)
}

func TestExternalImport(t *testing.T) {
	h := newHarness(t)
	current := follow("http://current.example", t1)
	h.seed(current)
	fresh := "http://fresh.example"

	report, err := h.engine.Sync(context.Background(), snapshotOf(map[string]model.SyncedRecord{
		current.ID:            {URL: current.URL, Title: "stale import", EditedAt: t0},
		model.FollowID(fresh): {URL: fresh, EditedAt: t0},
	}), SyncExternal)
	require.NoError(t, err)

	assert.Equal(t, []string{current.ID}, report.Ignored)
	assert.Equal(t, []string{model.FollowID(fresh)}, report.Updated)
	assert.Equal(t, []string{model.FollowID(fresh)}, report.Notified, "imports are pushed to other devices")

	got, _ := h.engine.Follow(current.ID)
	assert.Empty(t, got.Title)
	assert.Equal(t, [][]string{{model.FollowID(fresh)}}, h.store.pushed())
}

func TestSyncFailureSkipsOnlyThatID(t *testing.T) {
	h := newHarness(t)
	bad, good := "http://bad.example", "http://good.example"
	h.fetcher.errs[bad] = errBoom

	report, err := h.engine.Sync(context.Background(), snapshotOf(map[string]model.SyncedRecord{
		model.FollowID(bad):  {URL: bad, EditedAt: t0},
		model.FollowID(good): {URL: good, EditedAt: t0},
	}), SyncPartial)
	require.NoError(t, err)

	assert.Equal(t, []string{model.FollowID(bad)}, report.Failed)
	assert.Equal(t, []string{model.FollowID(good)}, report.Updated)
	assert.False(t, h.engine.follows.Has(model.FollowID(bad)))
	assert.True(t, h.engine.follows.Has(model.FollowID(good)))
	assert.Empty(t, h.engine.Progress())
}

func TestSyncMergesIndex(t *testing.T) {
	h := newHarness(t)
	snap := model.NewSnapshot()
	snap.Index["page"] = []byte(`{"n":1}`)

	_, err := h.engine.Sync(context.Background(), snap, SyncPartial)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(h.engine.SyncedSnapshot().Index["page"]))
}

func TestOnSyncLoadsDelta(t *testing.T) {
	h := newHarness(t)
	url := "http://pushed.example"
	id := model.FollowID(url)
	h.store.synced[id] = model.SyncedRecord{URL: url, Title: "from another device", EditedAt: t1}

	require.NoError(t, h.engine.OnSync(context.Background(), []string{id, "unknown"}))
	got, ok := h.engine.Follow(id)
	require.True(t, ok)
	assert.Equal(t, "from another device", got.Title)
}

func TestSyncRejectsNil(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Sync(context.Background(), nil, SyncFull)
	assert.Error(t, err)
}

func TestSyncSkipsFollowBeingPolled(t *testing.T) {
	h := newHarness(t)
	local := follow("http://a.example", t0)
	h.seed(local)
	h.fetcher.gate = make(chan struct{})
	ctx := context.Background()

	done := make(chan int)
	go func() { done <- h.engine.Tick(ctx) }()
	require.Eventually(t, func() bool { return h.fetcher.callCount() == 1 }, 5*time.Second, time.Millisecond)

	report, err := h.engine.Sync(ctx, snapshotOf(map[string]model.SyncedRecord{
		local.ID: {URL: local.URL, Title: "pushed", EditedAt: t1},
	}), SyncPartial)
	require.NoError(t, err)
	assert.Equal(t, []string{local.ID}, report.Failed)
	assert.Equal(t, 1, h.fetcher.callCount(), "no second fetch while the poll runs")
	assert.True(t, h.engine.coord.InFlight(local.ID), "the poll still owns the id")

	// a tie leaves nothing to merge but must not release the poll's claim either
	_, err = h.engine.Sync(ctx, snapshotOf(map[string]model.SyncedRecord{
		local.ID: {URL: local.URL, EditedAt: t0},
	}), SyncPartial)
	require.NoError(t, err)
	assert.True(t, h.engine.coord.InFlight(local.ID))

	close(h.fetcher.gate)
	assert.Equal(t, 1, <-done)
	assert.Equal(t, 1, h.fetcher.maxActive)
	assert.False(t, h.engine.coord.InFlight(local.ID))

	// once the poll settled the pushed record merges normally
	report, err = h.engine.Sync(ctx, snapshotOf(map[string]model.SyncedRecord{
		local.ID: {URL: local.URL, Title: "pushed", EditedAt: t1},
	}), SyncPartial)
	require.NoError(t, err)
	assert.Equal(t, []string{local.ID}, report.Updated)
	got, _ := h.engine.Follow(local.ID)
	assert.Equal(t, "pushed", got.Title)
}
