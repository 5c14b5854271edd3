package sync

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/kiroku-app/kiroku/internal/storage"
)

// ErrorKind buckets write failures by how the caller should react.
type ErrorKind string

const (
	// KindValidation means the payload was rejected before any ledger or
	// store mutation happened.
	KindValidation ErrorKind = "validation"
	// KindConflict means the store refused the write on a uniqueness
	// constraint. The caller should retry as an update.
	KindConflict ErrorKind = "conflict"
	// KindTransient means the store was unreachable or the write failed
	// mid-flight. Optimistic ledger state is kept as-is.
	KindTransient ErrorKind = "transient"
)

// Classify maps an error from a write path to its kind.
func Classify(err error) ErrorKind {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return KindValidation
	case errors.Is(err, ErrInvalid):
		return KindValidation
	case errors.Is(err, storage.ErrConflict):
		return KindConflict
	case errors.Is(err, storage.ErrNotFound):
		return KindConflict
	default:
		return KindTransient
	}
}

// ErrInvalid marks payload problems the struct validator cannot express,
// such as an unknown focus category.
var ErrInvalid = errors.New("sync: invalid payload")

// Notice describes a failed write surfaced to the user. Successful writes
// produce no notice; the change feed confirms them independently.
type Notice struct {
	Op   string
	Kind ErrorKind
	Err  error
}

// Notifier receives write failures. Implementations must not block.
type Notifier func(Notice)
