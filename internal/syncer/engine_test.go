package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entsync/entsync/internal/codec"
	"github.com/entsync/entsync/internal/config"
	"github.com/entsync/entsync/internal/keycache"
	"github.com/entsync/entsync/internal/logger"
	"github.com/entsync/entsync/internal/schema"
	"github.com/entsync/entsync/internal/store"
	"github.com/entsync/entsync/models"
)

// fixture wires two in-memory repositories into an engine, the way syncd
// wires SQLite against Postgres.
type fixture struct {
	clk    *fakeClock
	reg    *schema.Registry
	client *store.Memory
	server *store.Memory
	local  *LocalPeer
	remote *LocalPeer
	engine *Engine
}

func newFixture(t *testing.T, pageSize, maxIterations int) *fixture {
	t.Helper()

	clk := newFakeClock()
	reg := schema.DefaultRegistry()
	client := store.NewMemory(reg, clk.Now)
	server := store.NewMemory(reg, clk.Now)
	local := NewLocalPeer(client, reg, clk.Now, logger.Nop())
	remote := NewLocalPeer(server, reg, clk.Now, logger.Nop())

	cfg := config.Config{ItemsPerSyncRequest: pageSize, MaxIterations: maxIterations}
	return &fixture{
		clk:    clk,
		reg:    reg,
		client: client,
		server: server,
		local:  local,
		remote: remote,
		engine: NewEngine(local, remote, reg, client, cfg, logger.Nop()),
	}
}

func (f *fixture) sync(t *testing.T) models.SessionResult {
	t.Helper()
	f.clk.Advance(time.Minute)
	res, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	return res
}

func (f *fixture) addAndSave(t *testing.T, repo store.Repository, entities ...models.Entity) {
	t.Helper()
	ctx := context.Background()
	for _, e := range entities {
		require.NoError(t, repo.Add(ctx, e))
	}
	_, err := repo.Save(ctx)
	require.NoError(t, err)
	f.clk.Advance(time.Second)
}

func (f *fixture) updateAndSave(t *testing.T, repo store.Repository, e models.Entity) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.Update(ctx, e))
	_, err := repo.Save(ctx)
	require.NoError(t, err)
	f.clk.Advance(time.Second)
}

// ── Full round trips ─────────────────────────────────────────────────────────

func TestEngine_InitialSyncCreatesEverythingOnBothSides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 10)

	// A pre-existing server row shifts the server's id sequence, so a
	// client-local foreign key passed through unresolved would be caught.
	serverOnly := &models.Address{SyncMeta: models.NewMeta(), City: "Faro"}
	f.addAndSave(t, f.server, serverOnly)

	address := &models.Address{SyncMeta: models.NewMeta(), City: "Lisbon", Postcode: "1100"}
	address.TouchClient(f.clk.Now())
	f.addAndSave(t, f.client, address)

	addrRow, err := f.client.FindBySyncID(ctx, models.TypeAddress, address.SyncID)
	require.NoError(t, err)

	account := &models.Account{
		SyncMeta:      models.NewMeta(),
		Name:          "acme",
		EmailAddress:  "ops@acme.test",
		AddressID:     addrRow.Meta().ID,
		AddressSyncID: address.SyncID,
	}
	event := &models.LogEvent{SyncMeta: models.NewMeta(), Level: "info", Message: "created"}
	setting := &models.Setting{SyncMeta: models.NewMeta(), Key: "theme", Value: "dark"}
	f.addAndSave(t, f.client, account, event, setting)

	res := f.sync(t)
	assert.Equal(t, models.StateConverged, res.State)
	assert.Nil(t, res.Failure)
	assert.Equal(t, 4, res.Pushed)
	assert.Equal(t, 1, res.Pulled, "the server-only address comes down")
	assert.Empty(t, res.Skipped)

	// Server side: everything arrived, reference resolved to the server's
	// own row id, client-only fields never crossed.
	gotAddr, err := f.server.FindBySyncID(ctx, models.TypeAddress, address.SyncID)
	require.NoError(t, err)
	serverAddr := gotAddr.(*models.Address)
	assert.Equal(t, "Lisbon", serverAddr.City)
	assert.True(t, serverAddr.LastClientUpdate.IsZero())
	assert.NotEqual(t, addrRow.Meta().ID, serverAddr.ID, "id sequences diverge by construction")

	gotAccount, err := f.server.FindBySyncID(ctx, models.TypeAccount, account.SyncID)
	require.NoError(t, err)
	serverAccount := gotAccount.(*models.Account)
	assert.Equal(t, serverAddr.ID, serverAccount.AddressID,
		"foreign key resolved to the server-local parent id")
	assert.Equal(t, address.SyncID, serverAccount.AddressSyncID)

	_, err = f.server.FindBySyncID(ctx, models.TypeLogEvent, event.SyncID)
	assert.NoError(t, err)
	_, err = f.server.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	assert.NoError(t, err)

	// Client side: the server-only address came down.
	_, err = f.client.FindBySyncID(ctx, models.TypeAddress, serverOnly.SyncID)
	assert.NoError(t, err)
}

func TestEngine_SecondSessionIsEmpty(t *testing.T) {
	f := newFixture(t, 100, 10)
	f.addAndSave(t, f.client, &models.Setting{SyncMeta: models.NewMeta(), Key: "k", Value: "v"})

	first := f.sync(t)
	require.Equal(t, models.StateConverged, first.State)

	second := f.sync(t)
	assert.Equal(t, models.StateConverged, second.State)
	assert.Equal(t, 1, second.Iterations)
	assert.Zero(t, second.Pushed)
	assert.Zero(t, second.Pulled)
	assert.Zero(t, second.Unchanged)
}

func TestEngine_UpdatesFlowBothWays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 10)

	setting := &models.Setting{SyncMeta: models.NewMeta(), Key: "theme", Value: "dark"}
	f.addAndSave(t, f.client, setting)
	require.Equal(t, models.StateConverged, f.sync(t).State)

	// Client edit propagates up.
	e, err := f.client.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.NoError(t, err)
	e.(*models.Setting).Value = "light"
	f.updateAndSave(t, f.client, e)

	res := f.sync(t)
	require.Equal(t, models.StateConverged, res.State)
	assert.Equal(t, 1, res.Pushed)

	got, err := f.server.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.NoError(t, err)
	assert.Equal(t, "light", got.(*models.Setting).Value)

	// Server edit propagates down.
	e, err = f.server.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.NoError(t, err)
	e.(*models.Setting).Value = "solarized"
	f.updateAndSave(t, f.server, e)

	res = f.sync(t)
	require.Equal(t, models.StateConverged, res.State)
	assert.Equal(t, 1, res.Pulled)

	got, err = f.client.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.NoError(t, err)
	assert.Equal(t, "solarized", got.(*models.Setting).Value)
}

func TestEngine_SoftDeletePropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 10)

	setting := &models.Setting{SyncMeta: models.NewMeta(), Key: "theme", Value: "dark"}
	f.addAndSave(t, f.client, setting)
	require.Equal(t, models.StateConverged, f.sync(t).State)

	e, err := f.client.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.NoError(t, err)
	e.Meta().MarkDeleted()
	f.updateAndSave(t, f.client, e)

	require.Equal(t, models.StateConverged, f.sync(t).State)

	got, err := f.server.FindBySyncID(ctx, models.TypeSetting, setting.SyncID)
	require.NoError(t, err)
	assert.True(t, got.Meta().IsDeleted, "deletion travels as a marker, not a hard delete")
}

func TestEngine_ImmutableTypeIgnoresEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100, 10)

	event := &models.LogEvent{SyncMeta: models.NewMeta(), Level: "info", Message: "original"}
	f.addAndSave(t, f.client, event)
	require.Equal(t, models.StateConverged, f.sync(t).State)

	// The repository itself permits the edit; append-only is enforced when
	// the change is applied on the other side.
	e, err := f.client.FindBySyncID(ctx, models.TypeLogEvent, event.SyncID)
	require.NoError(t, err)
	e.(*models.LogEvent).Message = "rewritten"
	f.updateAndSave(t, f.client, e)

	res := f.sync(t)
	require.Equal(t, models.StateConverged, res.State)
	assert.GreaterOrEqual(t, res.ConflictsSkipped, 1)

	got, err := f.server.FindBySyncID(ctx, models.TypeLogEvent, event.SyncID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.(*models.LogEvent).Message)
}

// ── Paging and iteration caps ────────────────────────────────────────────────

func TestEngine_DrainsBacklogAcrossIterations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 10)

	for i := 0; i < 25; i++ {
		f.addAndSave(t, f.client, &models.Setting{
			SyncMeta: models.NewMeta(),
			Key:      fmt.Sprintf("k%02d", i),
			Value:    "v",
		})
	}

	res := f.sync(t)
	assert.Equal(t, models.StateConverged, res.State)
	assert.Equal(t, 25, res.Pushed)

	all, err := f.server.ModifiedSince(ctx, models.TypeSetting, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 25)
}

func TestEngine_IterationCapEndsSessionPartial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 2)

	for i := 0; i < 5; i++ {
		f.addAndSave(t, f.client, &models.Setting{
			SyncMeta: models.NewMeta(),
			Key:      fmt.Sprintf("k%d", i),
			Value:    "v",
		})
	}

	res := f.sync(t)
	assert.Equal(t, models.StatePartial, res.State)
	assert.Equal(t, 2, res.Iterations)
	assert.Nil(t, res.Failure)

	// Follow-up sessions resume from the committed watermarks and finish
	// the backlog without redelivering everything.
	for i := 0; i < 5; i++ {
		if res = f.sync(t); res.State == models.StateConverged {
			break
		}
	}
	assert.Equal(t, models.StateConverged, res.State)

	all, err := f.server.ModifiedSince(ctx, models.TypeSetting, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

// ── Unresolved references across sessions ────────────────────────────────────

// stubPeer serves a canned change feed and records what was applied to it.
// It stands in for a remote whose contents the test controls record by
// record.
type stubPeer struct {
	records  map[string][]models.Record
	clock    *fakeClock
	getErr   error
	applyErr error
	saveErr  error
	applied  []models.Record
}

func (s *stubPeer) GetChanges(_ context.Context, entityType string, since time.Time, limit int) (Page, error) {
	if s.getErr != nil {
		return Page{}, s.getErr
	}
	var out []models.Record
	for _, rec := range s.records[entityType] {
		if rec.ModifiedOn.After(since) {
			out = append(out, rec)
		}
	}
	page := Page{HasMore: len(out) > limit}
	if page.HasMore {
		out = out[:limit]
	}
	page.Records = out
	return page, nil
}

func (s *stubPeer) ApplyChanges(_ context.Context, _ string, records []models.Record) (ApplyOutcome, error) {
	if s.applyErr != nil {
		return ApplyOutcome{}, s.applyErr
	}
	s.applied = append(s.applied, records...)
	return ApplyOutcome{ServerTime: s.clock.Now(), Applied: len(records)}, nil
}

func (s *stubPeer) SaveChanges(context.Context) error { return s.saveErr }

func newStubFixture(t *testing.T, pageSize, maxIterations int) (*fixture, *stubPeer) {
	t.Helper()
	f := newFixture(t, pageSize, maxIterations)
	stub := &stubPeer{records: map[string][]models.Record{}, clock: f.clk}
	cfg := config.Config{ItemsPerSyncRequest: pageSize, MaxIterations: maxIterations}
	f.engine = NewEngine(f.local, stub, f.reg, f.client, cfg, logger.Nop())
	return f, stub
}

func TestEngine_UnresolvedReferenceHoldsWatermarkAndRetries(t *testing.T) {
	ctx := context.Background()
	f, stub := newStubFixture(t, 10, 3)

	parentSyncID := uuid.New()
	rec := accountRecord(t, parentSyncID)
	stub.records[models.TypeAccount] = []models.Record{rec}

	res := f.sync(t)
	assert.Equal(t, models.StatePartial, res.State, "the held-back record keeps the session retrying")
	require.NotEmpty(t, res.Skipped)
	assert.Equal(t, models.SkipUnresolvedReference, res.Skipped[0].Reason)

	mark, err := f.client.Watermark(ctx, models.TypeAccount, store.DirectionPull)
	require.NoError(t, err)
	assert.True(t, mark.Before(rec.ModifiedOn),
		"the pull watermark must not advance past the unapplied record")

	_, err = f.client.FindBySyncID(ctx, models.TypeAccount, rec.SyncID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The parent appears locally; the next session picks the record up
	// again because it is still past the watermark.
	parent := &models.Address{SyncMeta: models.NewMeta(), City: "Lisbon"}
	parent.SyncID = parentSyncID
	f.addAndSave(t, f.client, parent)

	res = f.sync(t)
	assert.Equal(t, models.StateConverged, res.State)
	assert.Equal(t, 1, res.Pulled)

	got, err := f.client.FindBySyncID(ctx, models.TypeAccount, rec.SyncID)
	require.NoError(t, err)
	assert.NotZero(t, got.(*models.Account).AddressID)
}

// ── Failure classification ───────────────────────────────────────────────────

func TestEngine_TransportFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	f, stub := newStubFixture(t, 10, 5)
	stub.getErr = fmt.Errorf("%w: connection refused", ErrTransport)

	setting := &models.Setting{SyncMeta: models.NewMeta(), Key: "k", Value: "v"}
	f.addAndSave(t, f.client, setting)

	f.clk.Advance(time.Minute)
	res, err := f.engine.Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.StateFailed, res.State)
	require.NotNil(t, res.Failure)
	assert.Equal(t, models.FailureTransport, res.Failure.Kind)
	assert.True(t, res.Failure.Retryable())

	// Watermarks held, so recovery redelivers nothing extra.
	mark, merr := f.client.Watermark(ctx, models.TypeSetting, store.DirectionPush)
	require.NoError(t, merr)
	assert.True(t, mark.IsZero())

	stub.getErr = nil
	res, err = f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateConverged, res.State)
	assert.Len(t, stub.applied, 1)
}

func TestEngine_KeyCacheCorruptionIsFatal(t *testing.T) {
	f, stub := newStubFixture(t, 10, 5)

	reg := schema.DefaultRegistry()
	typ, _ := reg.Type(models.TypeSetting)
	setting := &models.Setting{SyncMeta: models.NewMeta(), Key: "k", Value: "v"}
	setting.ModifiedOn = f.clk.Now()
	rec, err := codec.Encode(typ, setting)
	require.NoError(t, err)
	stub.records[models.TypeSetting] = []models.Record{rec}

	// Poison the cache: the pair already maps to a different local id than
	// the repository will assign.
	_, err = f.local.keys.Store(models.TypeSetting, setting.SyncID, 999)
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	res, serr := f.engine.Sync(context.Background())
	require.Error(t, serr)
	assert.Equal(t, models.StateFailed, res.State)
	require.NotNil(t, res.Failure)
	assert.Equal(t, models.FailureCorruption, res.Failure.Kind)
	assert.False(t, res.Failure.Retryable())
	assert.ErrorIs(t, serr, keycache.ErrCorrupted)
}

func TestEngine_CancelledContext(t *testing.T) {
	f := newFixture(t, 10, 5)
	f.addAndSave(t, f.client, &models.Setting{SyncMeta: models.NewMeta(), Key: "k", Value: "v"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.Sync(ctx)
	require.Error(t, err)
	assert.Equal(t, models.StateFailed, res.State)
	require.NotNil(t, res.Failure)
	assert.Equal(t, models.FailureCancelled, res.Failure.Kind)
	assert.True(t, res.Failure.Retryable())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_RejectsOverlappingSessions(t *testing.T) {
	f := newFixture(t, 10, 5)

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()

	_, err := f.engine.Sync(context.Background())
	require.ErrorIs(t, err, ErrSessionInProgress)
}
