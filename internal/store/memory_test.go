package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entsync/entsync/internal/schema"
	"github.com/entsync/entsync/models"
)

// fakeClock is a manually advanced clock shared by the store tests, so stamp
// behaviour under a frozen clock is exercised deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestMemory(t *testing.T) (*Memory, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	return NewMemory(schema.DefaultRegistry(), clk.Now), clk
}

func newSetting(key, value string) *models.Setting {
	return &models.Setting{SyncMeta: models.NewMeta(), Key: key, Value: value}
}

// ── Staging and Save ─────────────────────────────────────────────────────────

func TestMemory_AddSaveAssignsIDAndStamps(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestMemory(t)

	setting := newSetting("theme", "dark")
	require.NoError(t, s.Add(ctx, setting))

	// Staged writes are invisible until Save.
	_, err := s.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.ErrorIs(t, err, ErrNotFound)

	persisted, err := s.Save(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	got := persisted[0].(*models.Setting)
	assert.EqualValues(t, 1, got.ID)
	assert.Equal(t, clk.Now(), got.CreatedOn)
	assert.Equal(t, clk.Now(), got.ModifiedOn)
	assert.Equal(t, setting.SyncID, got.SyncID)
}

func TestMemory_AddRequiresSyncID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory(t)

	err := s.Add(ctx, &models.Setting{Key: "k"})
	require.ErrorIs(t, err, ErrMissingSyncID)
}

func TestMemory_AddRejectsDuplicateSyncID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory(t)

	setting := newSetting("theme", "dark")
	require.NoError(t, s.Add(ctx, setting))

	// Duplicate among staged writes.
	err := s.Add(ctx, setting)
	require.ErrorIs(t, err, ErrDuplicateSyncID)

	_, err = s.Save(ctx)
	require.NoError(t, err)

	// Duplicate against a committed row.
	err = s.Add(ctx, setting)
	require.ErrorIs(t, err, ErrDuplicateSyncID)
}

func TestMemory_UpdateUnknownEntity(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory(t)

	err := s.Update(ctx, newSetting("theme", "dark"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_UpdateStampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory(t)

	setting := newSetting("theme", "dark")
	require.NoError(t, s.Add(ctx, setting))
	_, err := s.Save(ctx)
	require.NoError(t, err)

	// The clock does not move; the stamp still has to.
	e, err := s.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.NoError(t, err)
	before := e.Meta().ModifiedOn

	e.(*models.Setting).Value = "light"
	require.NoError(t, s.Update(ctx, e))

	persisted, err := s.Save(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.True(t, persisted[0].Meta().ModifiedOn.After(before),
		"ModifiedOn must strictly increase even under a frozen clock")
}

func TestMemory_UnchangedUpdateIsDropped(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory(t)

	setting := newSetting("theme", "dark")
	require.NoError(t, s.Add(ctx, setting))
	_, err := s.Save(ctx)
	require.NoError(t, err)

	e, err := s.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.NoError(t, err)
	before := e.Meta().ModifiedOn

	// Staged back without modification: no write, no restamp.
	require.NoError(t, s.Update(ctx, e))
	persisted, err := s.Save(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	after, err := s.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.NoError(t, err)
	assert.Equal(t, before, after.Meta().ModifiedOn)
}

func TestMemory_BatchInsertsGetDistinctStamps(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Add(ctx, newSetting("k", "v")))
	}
	persisted, err := s.Save(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 3)

	seen := make(map[int64]bool)
	for _, e := range persisted {
		nanos := e.Meta().ModifiedOn.UnixNano()
		assert.False(t, seen[nanos], "stamps in one batch must not tie, or paging drops rows")
		seen[nanos] = true
	}
}

func TestMemory_ReturnsDefensiveCopies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory(t)

	setting := newSetting("theme", "dark")
	require.NoError(t, s.Add(ctx, setting))
	_, err := s.Save(ctx)
	require.NoError(t, err)

	e, err := s.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.NoError(t, err)
	e.(*models.Setting).Value = "mutated"

	again, err := s.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.NoError(t, err)
	assert.Equal(t, "dark", again.(*models.Setting).Value)
}

// ── Change feed ──────────────────────────────────────────────────────────────

func TestMemory_ModifiedSinceIsStrictAfterAndOrdered(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestMemory(t)

	var syncIDs []uuid.UUID
	for i := 0; i < 3; i++ {
		setting := newSetting("k", "v")
		syncIDs = append(syncIDs, setting.SyncID)
		require.NoError(t, s.Add(ctx, setting))
		_, err := s.Save(ctx)
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	all, err := s.ModifiedSince(ctx, models.TypeSetting, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, e := range all {
		assert.Equal(t, syncIDs[i], e.Meta().SyncID, "feed is ordered by modification stamp")
	}

	// Strictly after: the row stamped exactly at since is excluded.
	rest, err := s.ModifiedSince(ctx, models.TypeSetting, all[0].Meta().ModifiedOn, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, syncIDs[1], rest[0].Meta().SyncID)

	limited, err := s.ModifiedSince(ctx, models.TypeSetting, time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// ── Deletion ─────────────────────────────────────────────────────────────────

func TestMemory_PurgeDeletedHonoursCutoff(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestMemory(t)

	old := newSetting("old", "v")
	old.MarkDeleted()
	require.NoError(t, s.Add(ctx, old))
	_, err := s.Save(ctx)
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)

	recent := newSetting("recent", "v")
	recent.MarkDeleted()
	require.NoError(t, s.Add(ctx, recent))
	live := newSetting("live", "v")
	require.NoError(t, s.Add(ctx, live))
	_, err = s.Save(ctx)
	require.NoError(t, err)

	n, err := s.PurgeDeleted(ctx, models.TypeSetting, clk.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.FindBySyncID(ctx, models.TypeSetting, old.SyncID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindBySyncID(ctx, models.TypeSetting, recent.SyncID)
	assert.NoError(t, err, "soft-deleted rows inside the retention window survive")
	_, err = s.FindBySyncID(ctx, models.TypeSetting, live.SyncID)
	assert.NoError(t, err)
}

func TestMemory_Remove(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory(t)

	setting := newSetting("theme", "dark")
	require.NoError(t, s.Add(ctx, setting))
	_, err := s.Save(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, models.TypeSetting, setting.SyncID))
	_, err = s.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Remove(ctx, models.TypeSetting, setting.SyncID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ── Watermarks ───────────────────────────────────────────────────────────────

func TestMemory_WatermarksAreMonotonicAndKeyed(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemory(t)

	mark, err := s.Watermark(ctx, models.TypeSetting, DirectionPush)
	require.NoError(t, err)
	assert.True(t, mark.IsZero(), "unset watermark reads as zero, meaning sync everything")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetWatermark(ctx, models.TypeSetting, DirectionPush, at))

	// A regression is ignored, not an error.
	require.NoError(t, s.SetWatermark(ctx, models.TypeSetting, DirectionPush, at.Add(-time.Hour)))
	mark, err = s.Watermark(ctx, models.TypeSetting, DirectionPush)
	require.NoError(t, err)
	assert.Equal(t, at, mark)

	// Other directions and types are independent.
	mark, err = s.Watermark(ctx, models.TypeSetting, DirectionPull)
	require.NoError(t, err)
	assert.True(t, mark.IsZero())
	mark, err = s.Watermark(ctx, models.TypeAccount, DirectionPush)
	require.NoError(t, err)
	assert.True(t, mark.IsZero())
}
