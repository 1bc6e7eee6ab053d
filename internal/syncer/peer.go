package syncer

import (
	"context"
	"time"

	"github.com/entsync/entsync/models"
)

// Page is one bounded slice of a peer's change feed. HasMore signals that the
// feed was truncated at the requested limit and the caller should come back
// for the rest.
type Page struct {
	Records []models.Record
	HasMore bool
}

// ApplyOutcome summarises what a peer did with one batch of records.
type ApplyOutcome struct {
	// ServerTime is the peer's clock reading after the batch was staged.
	// The pushing side uses it as its push watermark once its own feed is
	// drained; see Engine.pushType for the clock assumption this makes.
	ServerTime time.Time

	// Applied counts records staged as inserts or real updates. Unchanged
	// counts records that matched the peer's current state, the idempotent
	// re-delivery case. ConflictsSkipped counts updates ignored because the
	// target type is append-only.
	Applied          int
	Unchanged        int
	ConflictsSkipped int

	// Skipped lists records left out of the batch, with reasons.
	Skipped []models.SkippedRecord
}

// Peer is one side of a sync session. Both the local repository and the
// remote server satisfy it, which is what lets the engine run the same
// push/pull loop in both directions.
type Peer interface {
	// GetChanges returns up to limit records of the given type modified
	// strictly after since, ordered by modification stamp.
	GetChanges(ctx context.Context, entityType string, since time.Time, limit int) (Page, error)

	// ApplyChanges stages one batch of records of the given type. Staged
	// writes become durable only at SaveChanges.
	ApplyChanges(ctx context.Context, entityType string, records []models.Record) (ApplyOutcome, error)

	// SaveChanges commits everything staged since the last commit.
	SaveChanges(ctx context.Context) error
}
