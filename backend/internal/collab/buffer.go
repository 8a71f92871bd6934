package collab

import (
	"taskcollab/backend/internal/ot"
)

// Buffer holds the authoritative in-memory content of one entity field.
type Buffer interface {
	Len() int
	String() string
	Apply(op ot.Op) error
}
