package store

import "errors"

var (
	// ErrNotFound reports a lookup that matched no committed entity.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicateSyncID reports an insert whose SyncID already exists for
	// the entity type in this repository.
	ErrDuplicateSyncID = errors.New("duplicate sync id")

	// ErrUnknownEntityType reports an operation on a type the registry does
	// not know.
	ErrUnknownEntityType = errors.New("unknown entity type")

	// ErrMissingSyncID reports an entity staged without a SyncID.
	ErrMissingSyncID = errors.New("entity has no sync id")

	// ErrBeginTx, ErrCommitTx and ErrQuery wrap database failures in the
	// SQL-backed stores.
	ErrBeginTx  = errors.New("begin transaction")
	ErrCommitTx = errors.New("commit transaction")
	ErrQuery    = errors.New("execute query")
)
