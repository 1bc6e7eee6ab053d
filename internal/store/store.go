// Package store defines the repository contract the sync engine depends on
// and provides three implementations: an in-memory store for tests and
// embedded use, a SQLite store for the client side, and a Postgres store for
// the server side.
//
// A repository owns the authoritative copy of every entity. Writes are staged
// with Add and Update and become visible only when Save commits them; Save is
// also where local ids are assigned and modification stamps minted, which is
// why watermarks may only advance after a confirmed Save.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entsync/entsync/models"
)

// Clock supplies the current time. Stores stamp CreatedOn and ModifiedOn
// through it so tests can drive watermark behaviour deterministically.
// A nil Clock falls back to the system clock.
type Clock func() time.Time

// Direction names a sync direction for watermark bookkeeping.
type Direction string

const (
	// DirectionPush tracks "local changes up to this stamp are on the peer".
	DirectionPush Direction = "push"

	// DirectionPull tracks "peer changes up to this stamp are local".
	DirectionPull Direction = "pull"
)

// Repository is the ordered, keyed entity collection consumed by the sync
// engine. Implementations must return defensive copies: mutating a returned
// entity never alters the authoritative row until the entity is passed back
// through Update and committed by Save.
type Repository interface {
	// Add stages a new entity for insertion. The entity must carry a fresh
	// SyncID; the local id is assigned at Save. Fails with
	// ErrDuplicateSyncID if the SyncID already exists for the type.
	Add(ctx context.Context, e models.Entity) error

	// Update stages new state for an existing entity, identified by SyncID.
	Update(ctx context.Context, e models.Entity) error

	// Remove hard-deletes a committed row. It exists for the
	// permanent-deletion sweep; the sync engine itself only ever
	// soft-deletes through Update.
	Remove(ctx context.Context, entityType string, syncID uuid.UUID) error

	// FindBySyncID returns a copy of the committed entity, or ErrNotFound.
	FindBySyncID(ctx context.Context, entityType string, syncID uuid.UUID) (models.Entity, error)

	// FindByID returns a copy of the committed entity by local id, or
	// ErrNotFound.
	FindByID(ctx context.Context, entityType string, id int64) (models.Entity, error)

	// ModifiedSince returns committed entities with ModifiedOn strictly
	// after since, ordered by ModifiedOn ascending with ties broken by id
	// ascending. limit <= 0 means no limit.
	ModifiedSince(ctx context.Context, entityType string, since time.Time, limit int) ([]models.Entity, error)

	// Save commits every staged write in one transaction: inserts get a
	// local id and creation stamp, updates get a strictly increasing
	// ModifiedOn, and unchanged staged updates are dropped. It returns the
	// persisted entities with change tracking reset.
	Save(ctx context.Context) ([]models.Entity, error)

	// PurgeDeleted hard-removes soft-deleted rows whose ModifiedOn is
	// before cutoff and returns the number removed. This sweep runs outside
	// the sync cycle.
	PurgeDeleted(ctx context.Context, entityType string, cutoff time.Time) (int, error)
}

// WatermarkStore persists per-type, per-direction sync watermarks. Stamps are
// monotonically non-decreasing: setting an older value than the committed one
// is a no-op.
type WatermarkStore interface {
	Watermark(ctx context.Context, entityType string, dir Direction) (time.Time, error)
	SetWatermark(ctx context.Context, entityType string, dir Direction, at time.Time) error
}

// staged is one pending write shared by the store implementations.
type staged struct {
	entity models.Entity
	insert bool
}

// normalizeClock applies the nil default and pins results to UTC.
func normalizeClock(clock Clock) Clock {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time { return clock().UTC() }
}

// stamper mints strictly increasing modification stamps for one store. Rows
// saved in the same batch share one clock reading, so without the nanosecond
// floor they would tie on ModifiedOn and strict-after paging could drop the
// tail of a page that ends mid-tie.
type stamper struct {
	mu   sync.Mutex
	last time.Time
}

// mint returns a stamp strictly after every stamp minted before and strictly
// after prev, at the clock reading when the clock has moved far enough.
func (s *stamper) mint(now, prev time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := now
	if !next.After(s.last) {
		next = s.last.Add(time.Nanosecond)
	}
	if !next.After(prev) {
		next = prev.Add(time.Nanosecond)
	}
	s.last = next
	return next
}

// stampInsert fills creation and modification stamps on a new row. CreatedOn
// travels with synced records and is kept when already set.
func stampInsert(m *models.SyncMeta, st *stamper, now time.Time) {
	m.ModifiedOn = st.mint(now, m.CreatedOn)
	if m.CreatedOn.IsZero() {
		m.CreatedOn = m.ModifiedOn
	}
}

// stampUpdate advances ModifiedOn strictly past the row's previous stamp even
// when the clock has not moved, preserving the strict-increase invariant.
func stampUpdate(m *models.SyncMeta, st *stamper, previous, now time.Time) {
	m.ModifiedOn = st.mint(now, previous)
}
