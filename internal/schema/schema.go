// Package schema holds the sync type registry: for every synchronisable
// entity type it resolves the four exclusion sets, the mutability flag and
// the cross-type references once, at registration time. Checking an exclusion
// is a map lookup; no base-type chain is walked after construction.
package schema

import (
	"fmt"
	"sort"

	"github.com/entsync/entsync/models"
)

// Operation names a sync operation an exclusion set applies to.
type Operation int

const (
	// OpIncoming guards properties a received record must never overwrite
	// on the local copy, on insert as well as update.
	OpIncoming Operation = iota

	// OpOutgoing guards properties never written into outbound records.
	OpOutgoing

	// OpSyncUpdate guards properties left untouched when a record is
	// applied to an existing local entity. Always a superset of the
	// identity fields: id, sync_id, created_on.
	OpSyncUpdate

	// OpChangeTracking guards properties whose mutation does not mark the
	// entity dirty and therefore does not bump ModifiedOn.
	OpChangeTracking
)

// String returns the operation name used in logs and test output.
func (op Operation) String() string {
	switch op {
	case OpIncoming:
		return "incoming"
	case OpOutgoing:
		return "outgoing"
	case OpSyncUpdate:
		return "sync_update"
	case OpChangeTracking:
		return "change_tracking"
	default:
		return fmt.Sprintf("operation(%d)", int(op))
	}
}

// baseline exclusions are merged into every type regardless of declaration.
// Identity is never overwritten by content sync: id and sync_id stay out of
// update application, and the peer-local id never crosses the wire in either
// direction. sync_id is deliberately NOT excluded from outgoing records — it
// is the join key the receiver matches on. modified_on stays out of update
// application so that re-applying an identical batch cannot restamp a row,
// and out of change tracking so the save-time stamp does not itself count as
// a dirty property.
var baseline = map[Operation][]string{
	OpIncoming:       {"id"},
	OpOutgoing:       {"id"},
	OpSyncUpdate:     {"id", "sync_id", "created_on", "modified_on"},
	OpChangeTracking: {"modified_on"},
}

// Reference declares a cross-type link carried by an entity: Field is the
// wire property holding the parent's SyncID, LocalField the property that
// receives the resolved peer-local id, and EntityType the parent type, which
// must precede the declaring type in sync order.
type Reference struct {
	Field      string
	LocalField string
	EntityType string
}

// Declaration is the registration-time description of one entity type.
// Exclusion slices are unioned with the Base chain and the baseline sets when
// the registry is built; declaring a type is the only place exclusions can be
// introduced.
type Declaration struct {
	Name string

	// Base, when non-nil, contributes its exclusion sets to this type.
	// Only exclusions are inherited; Name, New and references are not.
	Base *Declaration

	// New returns a zero value of the concrete entity type.
	New func() models.Entity

	// Immutable marks append-only types: incoming updates for records the
	// receiver already holds are ignored without error.
	Immutable bool

	IncomingExclusions       []string
	OutgoingExclusions       []string
	SyncUpdateExclusions     []string
	ChangeTrackingExclusions []string

	References []Reference
}

// Type is the resolved, immutable descriptor the engine works with.
type Type struct {
	name          string
	newFn         func() models.Entity
	canBeModified bool
	exclusions    map[Operation]map[string]struct{}
	references    []Reference
}

// Name returns the canonical entity type name.
func (t *Type) Name() string { return t.name }

// New returns a fresh zero value of the entity type.
func (t *Type) New() models.Entity { return t.newFn() }

// CanBeModified reports whether incoming updates may alter an existing local
// copy. False for append-only types such as log events.
func (t *Type) CanBeModified() bool { return t.canBeModified }

// IsExcluded reports whether the named property is excluded from op.
func (t *Type) IsExcluded(op Operation, property string) bool {
	_, ok := t.exclusions[op][property]
	return ok
}

// Exclusions returns the fully resolved exclusion set for op, sorted. Tests
// pin these against golden tables so the sets never change silently.
func (t *Type) Exclusions(op Operation) []string {
	out := make([]string, 0, len(t.exclusions[op]))
	for name := range t.exclusions[op] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// References returns the declared cross-type links.
func (t *Type) References() []Reference { return t.references }

// Registry maps entity type names to resolved descriptors and fixes the sync
// order: the order types were declared in is the total order the engine
// processes them in, so parents must be declared before the types that
// reference them.
type Registry struct {
	types map[string]*Type
	order []string
}

// NewRegistry resolves the given declarations into a registry. Declaration
// order becomes sync order. It fails on duplicate names, on references to
// types declared later (or not at all), and on declarations without a
// constructor.
func NewRegistry(decls ...Declaration) (*Registry, error) {
	r := &Registry{types: make(map[string]*Type, len(decls))}

	for _, d := range decls {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: empty type name", ErrInvalidDeclaration)
		}
		if d.New == nil {
			return nil, fmt.Errorf("%w: type %q has no constructor", ErrInvalidDeclaration, d.Name)
		}
		if _, dup := r.types[d.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateType, d.Name)
		}
		for _, ref := range d.References {
			if _, ok := r.types[ref.EntityType]; !ok {
				return nil, fmt.Errorf("%w: type %q references %q, which must be declared first",
					ErrInvalidDeclaration, d.Name, ref.EntityType)
			}
		}

		r.types[d.Name] = resolve(d)
		r.order = append(r.order, d.Name)
	}

	return r, nil
}

// Type returns the descriptor for name, or false if the type is unknown.
func (r *Registry) Type(name string) (*Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

// SyncOrder returns the total order over entity types. The returned slice is
// a copy; callers may not reorder the registry.
func (r *Registry) SyncOrder() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// resolve flattens the declaration's base chain and the baseline sets into
// per-operation lookup maps.
func resolve(d Declaration) *Type {
	t := &Type{
		name:          d.Name,
		newFn:         d.New,
		canBeModified: !d.Immutable,
		exclusions:    make(map[Operation]map[string]struct{}, 4),
		references:    append([]Reference(nil), d.References...),
	}

	for op := OpIncoming; op <= OpChangeTracking; op++ {
		set := make(map[string]struct{})
		for _, name := range baseline[op] {
			set[name] = struct{}{}
		}
		for decl := &d; decl != nil; decl = decl.Base {
			for _, name := range declared(decl, op) {
				set[name] = struct{}{}
			}
		}
		t.exclusions[op] = set
	}

	return t
}

func declared(d *Declaration, op Operation) []string {
	switch op {
	case OpIncoming:
		return d.IncomingExclusions
	case OpOutgoing:
		return d.OutgoingExclusions
	case OpSyncUpdate:
		return d.SyncUpdateExclusions
	case OpChangeTracking:
		return d.ChangeTrackingExclusions
	default:
		return nil
	}
}
