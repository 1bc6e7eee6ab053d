// Package codec converts entities to and from wire records and field maps,
// applying the exclusion sets resolved in the schema registry. It also
// implements snapshot-based change tracking: dirty state is a pure function
// of two field maps, the baseline captured at the last reset and the current
// one, with no property-changed hooks involved.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"dario.cat/mergo"

	"github.com/entsync/entsync/internal/schema"
	"github.com/entsync/entsync/models"
)

// FieldMap returns the entity's properties as a wire-named map. Numbers are
// kept as json.Number so 64-bit ids survive the round trip intact.
func FieldMap(e models.Entity) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %w", ErrEncode, e.EntityType(), err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: decode %s field map: %w", ErrEncode, e.EntityType(), err)
	}
	return fields, nil
}

// FromFieldMap builds a fresh entity of type t from the given field map.
func FromFieldMap(t *schema.Type, fields map[string]any) (models.Entity, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s fields: %w", ErrDecode, t.Name(), err)
	}

	e := t.New()
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("%w: unmarshal into %s: %w", ErrDecode, t.Name(), err)
	}
	return e, nil
}

// Clone returns a deep copy of e with its change-tracking baseline reset to
// the copied state. Repositories hand out clones so callers can never mutate
// the authoritative copy in place.
func Clone(t *schema.Type, e models.Entity) (models.Entity, error) {
	fields, err := FieldMap(e)
	if err != nil {
		return nil, err
	}
	cp, err := FromFieldMap(t, fields)
	if err != nil {
		return nil, err
	}
	cp.Meta().SetBaseline(fields)
	return cp, nil
}

// Encode builds the outbound record for e, dropping every property in the
// outgoing exclusion set. The record always carries SyncID and ModifiedOn
// out of band: the receiver joins on SyncID and advances its pull watermark
// on ModifiedOn.
func Encode(t *schema.Type, e models.Entity) (models.Record, error) {
	fields, err := FieldMap(e)
	if err != nil {
		return models.Record{}, err
	}
	for name := range fields {
		if t.IsExcluded(schema.OpOutgoing, name) {
			delete(fields, name)
		}
	}

	meta := e.Meta()
	return models.Record{
		EntityType: t.Name(),
		SyncID:     meta.SyncID,
		ModifiedOn: meta.ModifiedOn,
		Fields:     fields,
	}, nil
}

// NewFromRecord builds a new local entity from an incoming record, honouring
// the incoming exclusion set. The local id is left zero for the repository to
// assign and ModifiedOn is cleared so the receiving repository stamps it with
// its own clock at save time; CreatedOn travels with the record.
func NewFromRecord(t *schema.Type, rec models.Record) (models.Entity, error) {
	if rec.SyncID == (uuid0) {
		return nil, fmt.Errorf("%w: record without sync id", ErrDecode)
	}

	fields := make(map[string]any, len(rec.Fields))
	for name, value := range rec.Fields {
		if t.IsExcluded(schema.OpIncoming, name) {
			continue
		}
		fields[name] = value
	}

	e, err := FromFieldMap(t, fields)
	if err != nil {
		return nil, err
	}

	meta := e.Meta()
	meta.ID = 0
	meta.SyncID = rec.SyncID
	meta.ModifiedOn = time.Time{}
	return e, nil
}

// ApplyUpdate merges the record's properties into the existing entity,
// leaving every property in the sync-update exclusion set untouched. It
// reports false without modifying the entity when the surviving properties
// already match, which is what makes re-applying a batch a no-op.
func ApplyUpdate(t *schema.Type, existing models.Entity, rec models.Record) (bool, error) {
	current, err := FieldMap(existing)
	if err != nil {
		return false, err
	}

	patch := make(map[string]any, len(rec.Fields))
	changed := false
	for name, value := range rec.Fields {
		if t.IsExcluded(schema.OpSyncUpdate, name) {
			continue
		}
		patch[name] = value
		if !valuesEqual(current[name], value) {
			changed = true
		}
	}
	if !changed {
		return false, nil
	}

	merged := current
	if err := mergo.Merge(&merged, patch, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue); err != nil {
		return false, fmt.Errorf("%w: merge %s update: %w", ErrDecode, t.Name(), err)
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("%w: marshal merged %s: %w", ErrDecode, t.Name(), err)
	}
	if err := json.Unmarshal(raw, existing); err != nil {
		return false, fmt.Errorf("%w: unmarshal merged %s: %w", ErrDecode, t.Name(), err)
	}
	return true, nil
}

// SetFields writes the given properties onto the entity without consulting
// any exclusion set. It exists for values the engine computes itself, such as
// a reference resolved to the receiver's local id; incoming-record values
// must go through NewFromRecord or ApplyUpdate instead.
func SetFields(t *schema.Type, e models.Entity, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	current, err := FieldMap(e)
	if err != nil {
		return err
	}
	if err := mergo.Merge(&current, fields, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue); err != nil {
		return fmt.Errorf("%w: merge %s fields: %w", ErrDecode, t.Name(), err)
	}

	raw, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %w", ErrDecode, t.Name(), err)
	}
	if err := json.Unmarshal(raw, e); err != nil {
		return fmt.Errorf("%w: unmarshal into %s: %w", ErrDecode, t.Name(), err)
	}
	return nil
}

// ResetChangeTracking snapshots the entity's current properties as the new
// clean baseline. Called after construction and after every successful save.
func ResetChangeTracking(e models.Entity) error {
	fields, err := FieldMap(e)
	if err != nil {
		return err
	}
	e.Meta().SetBaseline(fields)
	return nil
}

// ChangedProperties returns the sorted names of properties that differ from
// the last reset baseline, minus the change-tracking exclusions. An entity
// that was never reset reports every tracked property as changed.
func ChangedProperties(t *schema.Type, e models.Entity) ([]string, error) {
	current, err := FieldMap(e)
	if err != nil {
		return nil, err
	}
	baseline := e.Meta().Baseline()

	names := make(map[string]struct{}, len(current))
	for name := range current {
		names[name] = struct{}{}
	}
	for name := range baseline {
		names[name] = struct{}{}
	}

	var changed []string
	for name := range names {
		if t.IsExcluded(schema.OpChangeTracking, name) {
			continue
		}
		if baseline == nil || !valuesEqual(baseline[name], current[name]) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// HasChanges reports whether the entity differs from its baseline in any
// tracked property.
func HasChanges(t *schema.Type, e models.Entity) (bool, error) {
	changed, err := ChangedProperties(t, e)
	if err != nil {
		return false, err
	}
	return len(changed) > 0, nil
}

// valuesEqual compares two field-map values by their JSON form, which
// normalises json.Number against plain numbers and time strings against
// each other.
func valuesEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
