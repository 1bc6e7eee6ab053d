// Package syncer runs bidirectional sync sessions between two peers: a local
// repository and a remote one, usually on the other side of a network. The
// engine pages changes in both directions per entity type, tracks progress
// with per-type per-direction watermarks and keeps iterating until both feeds
// drain or the iteration cap is hit.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/entsync/entsync/internal/config"
	"github.com/entsync/entsync/internal/keycache"
	"github.com/entsync/entsync/internal/logger"
	"github.com/entsync/entsync/internal/schema"
	"github.com/entsync/entsync/internal/store"
	"github.com/entsync/entsync/models"
)

// Engine orchestrates sync sessions. One engine serves one local/remote pair;
// sessions are serialised by an internal mutex so watermark reads and writes
// never interleave.
type Engine struct {
	mu sync.Mutex

	local    Peer
	remote   Peer
	registry *schema.Registry
	marks    store.WatermarkStore

	pageSize      int
	maxIterations int

	log *logger.Logger
}

// NewEngine builds an engine over the two peers. Watermarks live on the local
// side: the local peer drives the session, so its store records how far both
// directions have progressed.
func NewEngine(local, remote Peer, registry *schema.Registry, marks store.WatermarkStore, cfg config.Config, log *logger.Logger) *Engine {
	return &Engine{
		local:         local,
		remote:        remote,
		registry:      registry,
		marks:         marks,
		pageSize:      cfg.ItemsPerSyncRequest,
		maxIterations: cfg.MaxIterations,
		log:           log,
	}
}

// Sync runs one full session: for every entity type in sync order it pushes
// one page of local changes and pulls one page of remote changes, repeating
// until neither side reports more work or the iteration cap is reached.
// Watermarks advance only after the receiving peer has committed a batch, so
// an aborted session never loses changes, it only redelivers some.
func (e *Engine) Sync(ctx context.Context) (models.SessionResult, error) {
	if !e.mu.TryLock() {
		return models.SessionResult{State: models.StateFailed}, ErrSessionInProgress
	}
	defer e.mu.Unlock()

	order := e.registry.SyncOrder()
	res := models.SessionResult{
		State:          models.StateFailed,
		TypesProcessed: len(order),
	}

	start := time.Now()
	e.log.Info().Int("types", len(order)).Msg("sync session started")

	for iter := 1; iter <= e.maxIterations; iter++ {
		res.Iterations = iter
		moreWork := false

		for _, typeName := range order {
			if err := ctx.Err(); err != nil {
				return e.fail(&res, err)
			}

			pushMore, err := e.pushType(ctx, typeName, &res)
			if err != nil {
				return e.fail(&res, err)
			}

			pullMore, err := e.pullType(ctx, typeName, &res)
			if err != nil {
				return e.fail(&res, err)
			}

			moreWork = moreWork || pushMore || pullMore
		}

		if !moreWork {
			res.State = models.StateConverged
			e.logDone(res, start)
			return res, nil
		}
	}

	res.State = models.StatePartial
	e.logDone(res, start)
	return res, nil
}

// pushType sends one page of local changes for the type to the remote peer
// and reports whether more local changes remain behind it.
func (e *Engine) pushType(ctx context.Context, typeName string, res *models.SessionResult) (bool, error) {
	since, err := e.marks.Watermark(ctx, typeName, store.DirectionPush)
	if err != nil {
		return false, err
	}

	page, err := e.local.GetChanges(ctx, typeName, since, e.pageSize)
	if err != nil {
		return false, err
	}
	if len(page.Records) == 0 {
		return false, nil
	}

	outcome, err := e.remote.ApplyChanges(ctx, typeName, page.Records)
	if err != nil {
		return false, err
	}
	if err := e.remote.SaveChanges(ctx); err != nil {
		return false, err
	}

	res.Pushed += outcome.Applied
	res.Unchanged += outcome.Unchanged
	res.ConflictsSkipped += outcome.ConflictsSkipped
	res.Skipped = append(res.Skipped, outcome.Skipped...)

	// Fully drained: jump the watermark to the peer's clock reading, which
	// assumes the two clocks are loosely aligned; a record stamped locally
	// during the session lands after it and is picked up next session.
	// Mid-drain the watermark stays on local stamps: the last delivered
	// record, or just before the first retryable skip when one was held back.
	mark := outcome.ServerTime
	if page.HasMore {
		mark = page.Records[len(page.Records)-1].ModifiedOn
	}
	blocked := false
	if at, ok := firstRetryableSkip(outcome.Skipped); ok {
		mark = at.Add(-time.Nanosecond)
		blocked = true
	}
	if mark.After(since) {
		if err := e.marks.SetWatermark(ctx, typeName, store.DirectionPush, mark); err != nil {
			return false, err
		}
	}

	return page.HasMore || blocked, nil
}

// pullType fetches one page of remote changes for the type and applies it to
// the local peer, reporting whether the remote feed has more behind it.
func (e *Engine) pullType(ctx context.Context, typeName string, res *models.SessionResult) (bool, error) {
	since, err := e.marks.Watermark(ctx, typeName, store.DirectionPull)
	if err != nil {
		return false, err
	}

	page, err := e.remote.GetChanges(ctx, typeName, since, e.pageSize)
	if err != nil {
		return false, err
	}
	if len(page.Records) == 0 {
		return false, nil
	}

	outcome, err := e.local.ApplyChanges(ctx, typeName, page.Records)
	if err != nil {
		return false, err
	}
	if err := e.local.SaveChanges(ctx); err != nil {
		return false, err
	}

	res.Pulled += outcome.Applied
	res.Unchanged += outcome.Unchanged
	res.ConflictsSkipped += outcome.ConflictsSkipped
	res.Skipped = append(res.Skipped, outcome.Skipped...)

	// Pulled records carry the remote's stamps, so the pull watermark stays
	// in that domain: the last record of the page, capped just before the
	// first retryable skip so the held-back record is fetched again.
	mark := page.Records[len(page.Records)-1].ModifiedOn
	blocked := false
	if at, ok := firstRetryableSkip(outcome.Skipped); ok {
		mark = at.Add(-time.Nanosecond)
		blocked = true
	}
	if mark.After(since) {
		if err := e.marks.SetWatermark(ctx, typeName, store.DirectionPull, mark); err != nil {
			return false, err
		}
	}

	return page.HasMore || blocked, nil
}

// firstRetryableSkip returns the stamp of the earliest record held back for a
// retryable reason. Batches arrive ordered by stamp, so the first retryable
// entry in the skip list is the earliest.
func firstRetryableSkip(skips []models.SkippedRecord) (time.Time, bool) {
	for _, s := range skips {
		if s.Reason.Retryable() {
			return s.ModifiedOn, true
		}
	}
	return time.Time{}, false
}

// fail closes the session with a classified failure. Watermarks stay at
// their last committed values.
func (e *Engine) fail(res *models.SessionResult, err error) (models.SessionResult, error) {
	kind := models.FailureTransport
	switch {
	case errors.Is(err, keycache.ErrCorrupted):
		kind = models.FailureCorruption
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = models.FailureCancelled
	}

	res.State = models.StateFailed
	res.Failure = &models.SessionFailure{Kind: kind, Err: err}

	e.log.Error().
		Err(err).
		Str("kind", string(kind)).
		Int("iterations", res.Iterations).
		Msg("sync session failed")

	return *res, res.Failure
}

func (e *Engine) logDone(res models.SessionResult, start time.Time) {
	e.log.Info().
		Str("state", string(res.State)).
		Int("iterations", res.Iterations).
		Int("pushed", res.Pushed).
		Int("pulled", res.Pulled).
		Int("unchanged", res.Unchanged).
		Int("conflicts_skipped", res.ConflictsSkipped).
		Int("skipped", len(res.Skipped)).
		Dur("took", time.Since(start)).
		Msg("sync session finished")
}
