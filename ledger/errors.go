package ledger

import (
	"errors"
	"fmt"
)

// ErrStorage marks failures of the persistence layer. The engine surfaces
// them unchanged and never retries.
var ErrStorage = errors.New("storage failure")

// StorageError wraps a persistence failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// Storage wraps err as a StorageError unless it already is one or is nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err came from the persistence layer.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}
