package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entsync/entsync/internal/codec"
	"github.com/entsync/entsync/internal/schema"
	"github.com/entsync/entsync/models"
)

// Memory is an in-process Repository and WatermarkStore. It backs the engine
// tests and is usable as an embedded store; all entities are deep-copied on
// the way in and out.
type Memory struct {
	registry *schema.Registry
	now      Clock

	stamps stamper

	mu         sync.RWMutex
	rows       map[string]map[uuid.UUID]models.Entity
	byID       map[string]map[int64]uuid.UUID
	nextID     int64
	staged     []staged
	watermarks map[watermarkKey]time.Time
}

type watermarkKey struct {
	entityType string
	direction  Direction
}

// NewMemory returns an empty in-memory store over the given registry.
func NewMemory(registry *schema.Registry, clock Clock) *Memory {
	return &Memory{
		registry:   registry,
		now:        normalizeClock(clock),
		rows:       make(map[string]map[uuid.UUID]models.Entity),
		byID:       make(map[string]map[int64]uuid.UUID),
		nextID:     1,
		watermarks: make(map[watermarkKey]time.Time),
	}
}

// Add implements [Repository].
func (s *Memory) Add(_ context.Context, e models.Entity) error {
	t, ok := s.registry.Type(e.EntityType())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, e.EntityType())
	}
	if e.Meta().SyncID == (uuid.UUID{}) {
		return fmt.Errorf("%w: type %s", ErrMissingSyncID, e.EntityType())
	}

	cp, err := codec.Clone(t, e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	syncID := cp.Meta().SyncID
	if _, exists := s.rows[t.Name()][syncID]; exists {
		return fmt.Errorf("%w: %s %s", ErrDuplicateSyncID, t.Name(), syncID)
	}
	for _, st := range s.staged {
		if st.insert && st.entity.EntityType() == t.Name() && st.entity.Meta().SyncID == syncID {
			return fmt.Errorf("%w: %s %s already staged", ErrDuplicateSyncID, t.Name(), syncID)
		}
	}

	s.staged = append(s.staged, staged{entity: cp, insert: true})
	return nil
}

// Update implements [Repository].
func (s *Memory) Update(_ context.Context, e models.Entity) error {
	t, ok := s.registry.Type(e.EntityType())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, e.EntityType())
	}

	cp, err := codec.Clone(t, e)
	if err != nil {
		return err
	}
	// Carry the caller's baseline so Save can tell whether anything
	// actually changed.
	cp.Meta().SetBaseline(e.Meta().Baseline())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[t.Name()][cp.Meta().SyncID]; !exists {
		return fmt.Errorf("%w: %s %s", ErrNotFound, t.Name(), cp.Meta().SyncID)
	}

	s.staged = append(s.staged, staged{entity: cp})
	return nil
}

// Remove implements [Repository].
func (s *Memory) Remove(_ context.Context, entityType string, syncID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.rows[entityType][syncID]
	if !exists {
		return fmt.Errorf("%w: %s %s", ErrNotFound, entityType, syncID)
	}
	delete(s.rows[entityType], syncID)
	delete(s.byID[entityType], row.Meta().ID)
	return nil
}

// FindBySyncID implements [Repository].
func (s *Memory) FindBySyncID(_ context.Context, entityType string, syncID uuid.UUID) (models.Entity, error) {
	t, ok := s.registry.Type(entityType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row, exists := s.rows[entityType][syncID]
	if !exists {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, entityType, syncID)
	}
	return codec.Clone(t, row)
}

// FindByID implements [Repository].
func (s *Memory) FindByID(_ context.Context, entityType string, id int64) (models.Entity, error) {
	t, ok := s.registry.Type(entityType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	syncID, exists := s.byID[entityType][id]
	if !exists {
		return nil, fmt.Errorf("%w: %s id %d", ErrNotFound, entityType, id)
	}
	return codec.Clone(t, s.rows[entityType][syncID])
}

// ModifiedSince implements [Repository].
func (s *Memory) ModifiedSince(_ context.Context, entityType string, since time.Time, limit int) ([]models.Entity, error) {
	t, ok := s.registry.Type(entityType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Entity
	for _, row := range s.rows[entityType] {
		if row.Meta().ModifiedOn.After(since) {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		mi, mj := matched[i].Meta(), matched[j].Meta()
		if mi.ModifiedOn.Equal(mj.ModifiedOn) {
			return mi.ID < mj.ID
		}
		return mi.ModifiedOn.Before(mj.ModifiedOn)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]models.Entity, 0, len(matched))
	for _, row := range matched {
		cp, err := codec.Clone(t, row)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Save implements [Repository].
func (s *Memory) Save(_ context.Context) ([]models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var persisted []models.Entity

	for _, st := range s.staged {
		t, _ := s.registry.Type(st.entity.EntityType())
		meta := st.entity.Meta()

		if st.insert {
			meta.ID = s.nextID
			s.nextID++
			stampInsert(meta, &s.stamps, now)
		} else {
			current := s.rows[t.Name()][meta.SyncID]
			changed, err := codec.HasChanges(t, st.entity)
			if err != nil {
				return nil, err
			}
			if !changed {
				continue
			}
			meta.ID = current.Meta().ID
			stampUpdate(meta, &s.stamps, current.Meta().ModifiedOn, now)
		}

		cp, err := codec.Clone(t, st.entity)
		if err != nil {
			return nil, err
		}
		if s.rows[t.Name()] == nil {
			s.rows[t.Name()] = make(map[uuid.UUID]models.Entity)
			s.byID[t.Name()] = make(map[int64]uuid.UUID)
		}
		s.rows[t.Name()][meta.SyncID] = cp
		s.byID[t.Name()][meta.ID] = meta.SyncID

		out, err := codec.Clone(t, cp)
		if err != nil {
			return nil, err
		}
		persisted = append(persisted, out)
	}

	s.staged = nil
	return persisted, nil
}

// PurgeDeleted implements [Repository].
func (s *Memory) PurgeDeleted(_ context.Context, entityType string, cutoff time.Time) (int, error) {
	if _, ok := s.registry.Type(entityType); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for syncID, row := range s.rows[entityType] {
		meta := row.Meta()
		if meta.IsDeleted && meta.ModifiedOn.Before(cutoff) {
			delete(s.rows[entityType], syncID)
			delete(s.byID[entityType], meta.ID)
			removed++
		}
	}
	return removed, nil
}

// Watermark implements [WatermarkStore].
func (s *Memory) Watermark(_ context.Context, entityType string, dir Direction) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.watermarks[watermarkKey{entityType, dir}], nil
}

// SetWatermark implements [WatermarkStore]. Regressions are ignored.
func (s *Memory) SetWatermark(_ context.Context, entityType string, dir Direction, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := watermarkKey{entityType, dir}
	if at.After(s.watermarks[key]) {
		s.watermarks[key] = at
	}
	return nil
}
