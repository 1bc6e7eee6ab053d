package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState describes how a sync session ended.
type SessionState string

const (
	// StateConverged means both peers reported no remaining changes.
	StateConverged SessionState = "converged"

	// StatePartial means the session made progress but hit the iteration
	// cap before draining every backlog. A follow-up session resumes from
	// the committed watermarks.
	StatePartial SessionState = "partial"

	// StateFailed means the session aborted with watermarks unchanged past
	// the last committed batch. See [SessionResult.Failure].
	StateFailed SessionState = "failed"
)

// FailureKind classifies session-level failures.
type FailureKind string

const (
	// FailureTransport covers unreachable or timed-out peers. Retryable:
	// the next scheduled session resumes from the committed watermarks.
	FailureTransport FailureKind = "transport"

	// FailureCorruption means the primary-key cache observed one SyncID
	// mapped to two different local ids: a repository invariant violation
	// requiring manual intervention. Never retried automatically.
	FailureCorruption FailureKind = "corruption"

	// FailureCancelled means the session was cancelled between batches.
	// Watermarks hold at their last committed value; a new session resumes
	// cleanly.
	FailureCancelled FailureKind = "cancelled"
)

// SessionFailure is the typed session-level error carried in a failed result.
type SessionFailure struct {
	Kind FailureKind
	Err  error
}

// Retryable reports whether a later session may succeed without intervention.
func (f *SessionFailure) Retryable() bool { return f.Kind != FailureCorruption }

func (f *SessionFailure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Err.Error()
}

func (f *SessionFailure) Unwrap() error { return f.Err }

// SkipReason explains why a single record was left out of a batch.
type SkipReason string

const (
	// SkipUnresolvedReference means a referenced parent entity is not yet
	// present on the receiving peer. Expected while the parent is still in
	// flight; the record is retried because watermarks never advance past it.
	SkipUnresolvedReference SkipReason = "unresolved_reference"

	// SkipInvalidPayload means the record could not be decoded into its
	// entity type. Not retried.
	SkipInvalidPayload SkipReason = "invalid_payload"

	// SkipUnknownType means the receiving peer has no registration for the
	// record's entity type. Not retried.
	SkipUnknownType SkipReason = "unknown_type"
)

// Retryable reports whether the skip is expected to resolve on a later pass.
func (r SkipReason) Retryable() bool { return r == SkipUnresolvedReference }

// SkippedRecord identifies one record dropped from a batch, surfaced in the
// session result so callers can observe and alert on persistent skips.
type SkippedRecord struct {
	EntityType string
	SyncID     uuid.UUID
	ModifiedOn time.Time
	Reason     SkipReason
	Detail     string
}

// SessionResult summarises one sync session.
type SessionResult struct {
	State   SessionState
	Failure *SessionFailure

	// TypesProcessed is the number of entity types visited in sync order.
	TypesProcessed int

	// Iterations is the number of full passes over the sync order.
	Iterations int

	// Pushed and Pulled count entities applied on the remote and local
	// peer respectively. Unchanged counts idempotent no-ops (the record
	// matched the receiver's current state). ConflictsSkipped counts
	// updates ignored because the target type is immutable.
	Pushed           int
	Pulled           int
	Unchanged        int
	ConflictsSkipped int

	// Skipped lists records dropped from batches, in encounter order.
	Skipped []SkippedRecord
}
