package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/entsync/entsync/internal/codec"
	"github.com/entsync/entsync/internal/keycache"
	"github.com/entsync/entsync/internal/logger"
	"github.com/entsync/entsync/internal/schema"
	"github.com/entsync/entsync/internal/store"
	"github.com/entsync/entsync/models"
)

// LocalPeer adapts a repository to the Peer contract. It owns the
// repository's primary-key cache: every reference in an incoming record is
// resolved through the cache to the local id of the parent row, and every
// committed entity feeds the cache back.
type LocalPeer struct {
	repo     store.Repository
	registry *schema.Registry
	keys     *keycache.Cache
	now      store.Clock
	log      *logger.Logger
}

// NewLocalPeer wires a peer over the given repository. A nil clock falls back
// to the system clock; the key cache starts empty and warms up as records are
// applied and committed.
func NewLocalPeer(repo store.Repository, registry *schema.Registry, clock store.Clock, log *logger.Logger) *LocalPeer {
	if clock == nil {
		clock = time.Now
	}
	return &LocalPeer{
		repo:     repo,
		registry: registry,
		keys:     keycache.New(),
		now:      clock,
		log:      log,
	}
}

// ResetKeyCache drops every cached id mapping. Used before a full re-sync.
func (p *LocalPeer) ResetKeyCache() { p.keys.Reset() }

// GetChanges reads one page of the repository's change feed and encodes it
// for the wire. It asks the repository for one extra row to learn whether
// the feed continues past the page.
func (p *LocalPeer) GetChanges(ctx context.Context, entityType string, since time.Time, limit int) (Page, error) {
	t, ok := p.registry.Type(entityType)
	if !ok {
		return Page{}, fmt.Errorf("%w: %q", schema.ErrUnknownType, entityType)
	}

	entities, err := p.repo.ModifiedSince(ctx, entityType, since, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("%w: get %s changes: %w", ErrTransport, entityType, err)
	}

	page := Page{HasMore: len(entities) > limit}
	if page.HasMore {
		entities = entities[:limit]
	}

	page.Records = make([]models.Record, 0, len(entities))
	for _, e := range entities {
		rec, err := codec.Encode(t, e)
		if err != nil {
			return Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// ApplyChanges stages one batch against the repository. Records join on
// SyncID: unknown ids become inserts, known ids become updates unless the
// type is append-only. Records referencing a parent the repository does not
// hold yet are skipped as retryable; malformed records are skipped for good
// and logged with their SyncID.
func (p *LocalPeer) ApplyChanges(ctx context.Context, entityType string, records []models.Record) (ApplyOutcome, error) {
	out := ApplyOutcome{}

	t, ok := p.registry.Type(entityType)
	if !ok {
		for _, rec := range records {
			out.Skipped = append(out.Skipped, skipped(rec, models.SkipUnknownType, "no registration for type"))
		}
		out.ServerTime = p.now().UTC()
		return out, nil
	}

	for _, rec := range records {
		if rec.EntityType != entityType {
			p.logSkip(rec, "record type does not match batch type")
			out.Skipped = append(out.Skipped, skipped(rec, models.SkipInvalidPayload, "record type does not match batch type"))
			continue
		}

		resolved, skip, err := p.resolveReferences(ctx, t, rec)
		if err != nil {
			return out, err
		}
		if skip != nil {
			out.Skipped = append(out.Skipped, *skip)
			continue
		}

		if err := p.applyOne(ctx, t, rec, resolved, &out); err != nil {
			return out, err
		}
	}

	out.ServerTime = p.now().UTC()
	return out, nil
}

// applyOne stages a single record as an insert or update.
func (p *LocalPeer) applyOne(ctx context.Context, t *schema.Type, rec models.Record, resolved map[string]any, out *ApplyOutcome) error {
	existing, err := p.repo.FindBySyncID(ctx, t.Name(), rec.SyncID)
	switch {
	case err == nil:
		if !t.CanBeModified() {
			out.ConflictsSkipped++
			return nil
		}

		changed, aerr := codec.ApplyUpdate(t, existing, rec)
		if aerr != nil {
			p.logSkip(rec, aerr.Error())
			out.Skipped = append(out.Skipped, skipped(rec, models.SkipInvalidPayload, aerr.Error()))
			return nil
		}
		if serr := codec.SetFields(t, existing, resolved); serr != nil {
			p.logSkip(rec, serr.Error())
			out.Skipped = append(out.Skipped, skipped(rec, models.SkipInvalidPayload, serr.Error()))
			return nil
		}
		if !changed {
			out.Unchanged++
			return nil
		}
		if uerr := p.repo.Update(ctx, existing); uerr != nil {
			return fmt.Errorf("%w: update %s %s: %w", ErrTransport, t.Name(), rec.SyncID, uerr)
		}
		out.Applied++
		return nil

	case errors.Is(err, store.ErrNotFound):
		fresh, derr := codec.NewFromRecord(t, rec)
		if derr != nil {
			p.logSkip(rec, derr.Error())
			out.Skipped = append(out.Skipped, skipped(rec, models.SkipInvalidPayload, derr.Error()))
			return nil
		}
		if serr := codec.SetFields(t, fresh, resolved); serr != nil {
			p.logSkip(rec, serr.Error())
			out.Skipped = append(out.Skipped, skipped(rec, models.SkipInvalidPayload, serr.Error()))
			return nil
		}

		aerr := p.repo.Add(ctx, fresh)
		switch {
		case aerr == nil:
			out.Applied++
		case errors.Is(aerr, store.ErrDuplicateSyncID):
			// Same record twice in one uncommitted batch; the first copy wins.
			out.Unchanged++
		default:
			return fmt.Errorf("%w: add %s %s: %w", ErrTransport, t.Name(), rec.SyncID, aerr)
		}
		return nil

	default:
		return fmt.Errorf("%w: find %s %s: %w", ErrTransport, t.Name(), rec.SyncID, err)
	}
}

// resolveReferences maps every parent SyncID carried by the record to the
// local id of the parent row. A zero parent SyncID means no reference. A
// parent the repository does not hold yet yields a retryable skip; a cache
// disagreement propagates as corruption.
func (p *LocalPeer) resolveReferences(ctx context.Context, t *schema.Type, rec models.Record) (map[string]any, *models.SkippedRecord, error) {
	refs := t.References()
	if len(refs) == 0 {
		return nil, nil, nil
	}

	resolved := make(map[string]any, len(refs))
	for _, ref := range refs {
		raw, present := rec.Fields[ref.Field]
		if !present {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			detail := fmt.Sprintf("reference field %s is not a string", ref.Field)
			p.logSkip(rec, detail)
			s := skipped(rec, models.SkipInvalidPayload, detail)
			return nil, &s, nil
		}
		parentSyncID, err := uuid.Parse(str)
		if err != nil {
			detail := fmt.Sprintf("reference field %s: %v", ref.Field, err)
			p.logSkip(rec, detail)
			s := skipped(rec, models.SkipInvalidPayload, detail)
			return nil, &s, nil
		}
		if parentSyncID == (uuid.UUID{}) {
			continue
		}

		localID, err := p.resolveReference(ctx, ref.EntityType, parentSyncID)
		switch {
		case err == nil:
			resolved[ref.LocalField] = json.Number(strconv.FormatInt(localID, 10))
		case errors.Is(err, store.ErrNotFound):
			detail := fmt.Sprintf("%s %s not present yet", ref.EntityType, parentSyncID)
			s := skipped(rec, models.SkipUnresolvedReference, detail)
			return nil, &s, nil
		default:
			return nil, nil, err
		}
	}
	return resolved, nil, nil
}

// resolveReference returns the local id for the parent pair, consulting the
// cache first and falling back to the repository on a miss.
func (p *LocalPeer) resolveReference(ctx context.Context, entityType string, syncID uuid.UUID) (int64, error) {
	if id, ok := p.keys.Lookup(entityType, syncID); ok {
		return id, nil
	}

	parent, err := p.repo.FindBySyncID(ctx, entityType, syncID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: resolve %s %s: %w", ErrTransport, entityType, syncID, err)
	}

	return p.keys.Store(entityType, syncID, parent.Meta().ID)
}

// SaveChanges commits the staged batch and feeds every persisted entity back
// into the key cache. A cache disagreement at this point means the repository
// holds two rows for one SyncID and the session must abort.
func (p *LocalPeer) SaveChanges(ctx context.Context) error {
	persisted, err := p.repo.Save(ctx)
	if err != nil {
		return fmt.Errorf("%w: save changes: %w", ErrTransport, err)
	}

	for _, e := range persisted {
		meta := e.Meta()
		if _, err := p.keys.Store(e.EntityType(), meta.SyncID, meta.ID); err != nil {
			return err
		}
	}
	return nil
}

func (p *LocalPeer) logSkip(rec models.Record, detail string) {
	p.log.Warn().
		Str("entity_type", rec.EntityType).
		Str("sync_id", rec.SyncID.String()).
		Str("detail", detail).
		Msg("record skipped")
}

func skipped(rec models.Record, reason models.SkipReason, detail string) models.SkippedRecord {
	return models.SkippedRecord{
		EntityType: rec.EntityType,
		SyncID:     rec.SyncID,
		ModifiedOn: rec.ModifiedOn,
		Reason:     reason,
		Detail:     detail,
	}
}
