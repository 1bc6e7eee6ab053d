package schema

import "errors"

var (
	// ErrInvalidDeclaration reports a malformed type declaration.
	ErrInvalidDeclaration = errors.New("invalid type declaration")

	// ErrDuplicateType reports two declarations sharing one name.
	ErrDuplicateType = errors.New("duplicate type declaration")

	// ErrUnknownType reports a lookup for a type the registry never saw.
	ErrUnknownType = errors.New("unknown entity type")
)
