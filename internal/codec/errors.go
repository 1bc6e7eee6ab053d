package codec

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrEncode reports a failure turning an entity into a field map or record.
	ErrEncode = errors.New("encode entity")

	// ErrDecode reports a failure applying a record or field map to an entity.
	ErrDecode = errors.New("decode record")
)

// uuid0 is the zero UUID; records carrying it have no identity.
var uuid0 = uuid.UUID{}
