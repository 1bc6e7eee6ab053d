package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/entsync/entsync/internal/codec"
	"github.com/entsync/entsync/internal/logger"
	"github.com/entsync/entsync/internal/schema"
	"github.com/entsync/entsync/models"
)

// Timestamps are stored as integer nanoseconds since the Unix epoch so that
// range queries compare exactly, with no text-format precision loss.
const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS entities (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT    NOT NULL,
		sync_id     TEXT    NOT NULL,
		created_on  INTEGER NOT NULL,
		modified_on INTEGER NOT NULL,
		is_deleted  INTEGER NOT NULL DEFAULT 0,
		fields      TEXT    NOT NULL,
		UNIQUE (entity_type, sync_id)
	);
	CREATE INDEX IF NOT EXISTS idx_entities_modified
		ON entities (entity_type, modified_on, id);
	CREATE TABLE IF NOT EXISTS sync_state (
		entity_type TEXT    NOT NULL,
		direction   TEXT    NOT NULL,
		synced_at   INTEGER NOT NULL,
		PRIMARY KEY (entity_type, direction)
	);`

var entityColumns = []string{"id", "sync_id", "created_on", "modified_on", "is_deleted", "fields"}

// SQLite is the client-side Repository and WatermarkStore over a local
// SQLite file. Writes are staged in memory and flushed by Save in one
// transaction.
type SQLite struct {
	db       *sql.DB
	registry *schema.Registry
	now      Clock
	log      *logger.Logger
	stamps   stamper

	mu     sync.Mutex
	staged []staged
}

// NewSQLite opens (creating if necessary) the database at dsn, applies the
// schema and returns the store.
func NewSQLite(ctx context.Context, dsn string, registry *schema.Registry, clock Clock, log *logger.Logger) (*SQLite, error) {
	if err := createDBFileIfNotExists(dsn); err != nil {
		log.Err(err).Str("dsn", dsn).Msg("create sqlite database file")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err = db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &SQLite{
		db:       db,
		registry: registry,
		now:      normalizeClock(clock),
		log:      log,
	}, nil
}

// Close releases the underlying connection pool.
func (s *SQLite) Close() error { return s.db.Close() }

func createDBFileIfNotExists(dsn string) error {
	if dsn == ":memory:" {
		return nil
	}
	if _, err := os.Stat(dsn); os.IsNotExist(err) {
		f, createErr := os.Create(dsn)
		if createErr != nil {
			return fmt.Errorf("create sqlite database file: %w", createErr)
		}
		return f.Close()
	}
	return nil
}

// Add implements [Repository].
func (s *SQLite) Add(ctx context.Context, e models.Entity) error {
	t, ok := s.registry.Type(e.EntityType())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, e.EntityType())
	}
	if e.Meta().SyncID == (uuid.UUID{}) {
		return fmt.Errorf("%w: type %s", ErrMissingSyncID, e.EntityType())
	}

	if _, err := s.FindBySyncID(ctx, t.Name(), e.Meta().SyncID); err == nil {
		return fmt.Errorf("%w: %s %s", ErrDuplicateSyncID, t.Name(), e.Meta().SyncID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	cp, err := codec.Clone(t, e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.staged {
		if st.insert && st.entity.EntityType() == t.Name() && st.entity.Meta().SyncID == cp.Meta().SyncID {
			return fmt.Errorf("%w: %s %s already staged", ErrDuplicateSyncID, t.Name(), cp.Meta().SyncID)
		}
	}
	s.staged = append(s.staged, staged{entity: cp, insert: true})
	return nil
}

// Update implements [Repository].
func (s *SQLite) Update(ctx context.Context, e models.Entity) error {
	t, ok := s.registry.Type(e.EntityType())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, e.EntityType())
	}
	if _, err := s.FindBySyncID(ctx, t.Name(), e.Meta().SyncID); err != nil {
		return err
	}

	cp, err := codec.Clone(t, e)
	if err != nil {
		return err
	}
	cp.Meta().SetBaseline(e.Meta().Baseline())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, staged{entity: cp})
	return nil
}

// Remove implements [Repository].
func (s *SQLite) Remove(ctx context.Context, entityType string, syncID uuid.UUID) error {
	query, args, err := sq.Delete("entities").
		Where(sq.Eq{"entity_type": entityType, "sync_id": syncID.String()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build remove query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, entityType, syncID)
	}
	return nil
}

// FindBySyncID implements [Repository].
func (s *SQLite) FindBySyncID(ctx context.Context, entityType string, syncID uuid.UUID) (models.Entity, error) {
	return s.findOne(ctx, entityType, sq.Eq{"entity_type": entityType, "sync_id": syncID.String()})
}

// FindByID implements [Repository].
func (s *SQLite) FindByID(ctx context.Context, entityType string, id int64) (models.Entity, error) {
	return s.findOne(ctx, entityType, sq.Eq{"entity_type": entityType, "id": id})
}

func (s *SQLite) findOne(ctx context.Context, entityType string, where sq.Eq) (models.Entity, error) {
	t, ok := s.registry.Type(entityType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	query, args, err := sq.Select(entityColumns...).From("entities").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build find query: %w", err)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	e, err := scanEntity(t, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %v", ErrNotFound, entityType, where)
	}
	return e, err
}

// ModifiedSince implements [Repository].
func (s *SQLite) ModifiedSince(ctx context.Context, entityType string, since time.Time, limit int) ([]models.Entity, error) {
	t, ok := s.registry.Type(entityType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	builder := sq.Select(entityColumns...).From("entities").
		Where(sq.Eq{"entity_type": entityType}).
		Where(sq.Gt{"modified_on": since.UTC().UnixNano()}).
		OrderBy("modified_on ASC", "id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build modified-since query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, scanErr := scanEntity(t, rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return out, nil
}

// Save implements [Repository].
func (s *SQLite) Save(ctx context.Context) ([]models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.staged) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBeginTx, err)
	}
	defer tx.Rollback()

	now := s.now()
	var persisted []models.Entity

	for _, st := range s.staged {
		t, _ := s.registry.Type(st.entity.EntityType())
		meta := st.entity.Meta()

		if st.insert {
			stampInsert(meta, &s.stamps, now)
			if err = s.insertRow(ctx, tx, t, st.entity); err != nil {
				return nil, err
			}
		} else {
			changed, changedErr := codec.HasChanges(t, st.entity)
			if changedErr != nil {
				return nil, changedErr
			}
			if !changed {
				continue
			}
			if err = s.updateRow(ctx, tx, t, st.entity, now); err != nil {
				return nil, err
			}
		}

		out, cloneErr := codec.Clone(t, st.entity)
		if cloneErr != nil {
			return nil, cloneErr
		}
		persisted = append(persisted, out)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommitTx, err)
	}

	s.log.Debug().Int("persisted", len(persisted)).Msg("sqlite save committed")
	s.staged = nil
	return persisted, nil
}

func (s *SQLite) insertRow(ctx context.Context, tx *sql.Tx, t *schema.Type, e models.Entity) error {
	meta := e.Meta()
	fieldsJSON, err := marshalFields(e)
	if err != nil {
		return err
	}

	query, args, err := sq.Insert("entities").
		Columns("entity_type", "sync_id", "created_on", "modified_on", "is_deleted", "fields").
		Values(t.Name(), meta.SyncID.String(), meta.CreatedOn.UnixNano(), meta.ModifiedOn.UnixNano(), meta.IsDeleted, fieldsJSON).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s %s", ErrDuplicateSyncID, t.Name(), meta.SyncID)
		}
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read inserted id: %w", err)
	}
	meta.ID = id
	return nil
}

func (s *SQLite) updateRow(ctx context.Context, tx *sql.Tx, t *schema.Type, e models.Entity, now time.Time) error {
	meta := e.Meta()

	var currentID, currentModified int64
	query, args, err := sq.Select("id", "modified_on").From("entities").
		Where(sq.Eq{"entity_type": t.Name(), "sync_id": meta.SyncID.String()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build current-row query: %w", err)
	}
	if err = tx.QueryRowContext(ctx, query, args...).Scan(&currentID, &currentModified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, t.Name(), meta.SyncID)
		}
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}

	meta.ID = currentID
	stampUpdate(meta, &s.stamps, time.Unix(0, currentModified).UTC(), now)

	fieldsJSON, err := marshalFields(e)
	if err != nil {
		return err
	}

	query, args, err = sq.Update("entities").
		Set("modified_on", meta.ModifiedOn.UnixNano()).
		Set("is_deleted", meta.IsDeleted).
		Set("fields", fieldsJSON).
		Where(sq.Eq{"entity_type": t.Name(), "sync_id": meta.SyncID.String()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return nil
}

// PurgeDeleted implements [Repository].
func (s *SQLite) PurgeDeleted(ctx context.Context, entityType string, cutoff time.Time) (int, error) {
	if _, ok := s.registry.Type(entityType); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	query, args, err := sq.Delete("entities").
		Where(sq.Eq{"entity_type": entityType, "is_deleted": true}).
		Where(sq.Lt{"modified_on": cutoff.UTC().UnixNano()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read purged count: %w", err)
	}
	return int(n), nil
}

// Watermark implements [WatermarkStore].
func (s *SQLite) Watermark(ctx context.Context, entityType string, dir Direction) (time.Time, error) {
	query, args, err := sq.Select("synced_at").From("sync_state").
		Where(sq.Eq{"entity_type": entityType, "direction": string(dir)}).
		ToSql()
	if err != nil {
		return time.Time{}, fmt.Errorf("build watermark query: %w", err)
	}

	var nanos int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return time.Unix(0, nanos).UTC(), nil
}

// SetWatermark implements [WatermarkStore]. The upsert keeps the greater of
// the stored and offered stamps, so watermarks never regress.
func (s *SQLite) SetWatermark(ctx context.Context, entityType string, dir Direction, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (entity_type, direction, synced_at) VALUES (?, ?, ?)
		ON CONFLICT (entity_type, direction)
		DO UPDATE SET synced_at = MAX(excluded.synced_at, sync_state.synced_at)`,
		entityType, string(dir), at.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return nil
}

// scanEntity hydrates one entity row from a *sql.Row or *sql.Rows scanner.
func scanEntity(t *schema.Type, row interface{ Scan(...any) error }) (models.Entity, error) {
	var (
		id, createdOn, modifiedOn int64
		syncIDStr, fieldsJSON     string
		isDeleted                 bool
	)
	if err := row.Scan(&id, &syncIDStr, &createdOn, &modifiedOn, &isDeleted, &fieldsJSON); err != nil {
		return nil, err
	}

	syncID, err := uuid.Parse(syncIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse stored sync id %q: %w", syncIDStr, err)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(fieldsJSON)))
	dec.UseNumber()
	var fields map[string]any
	if err = dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode stored fields for %s: %w", syncID, err)
	}

	e, err := codec.FromFieldMap(t, fields)
	if err != nil {
		return nil, err
	}
	meta := e.Meta()
	meta.ID = id
	meta.SyncID = syncID
	meta.CreatedOn = time.Unix(0, createdOn).UTC()
	meta.ModifiedOn = time.Unix(0, modifiedOn).UTC()
	meta.IsDeleted = isDeleted
	return codec.Clone(t, e)
}

// marshalFields serialises the entity's full field map for the fields column.
func marshalFields(e models.Entity) (string, error) {
	fields, err := codec.FieldMap(e)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields for %s: %w", e.Meta().SyncID, err)
	}
	return string(raw), nil
}
