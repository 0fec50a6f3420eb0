package engine

import (
	"errors"
	"fmt"
)

var (
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
	ErrInitialization   = errors.New("storage initialization failed")
	ErrNotOpen          = errors.New("storage engine is not open")
	ErrClosed           = errors.New("storage engine is closed")
	ErrReadOnly         = errors.New("write attempted in a read-only transaction")
	ErrUnknownPartition = errors.New("unknown partition")
	ErrEmptyKey         = errors.New("record key is required")
)

// InitError reports that the engine could not be opened. The operation that
// triggered initialization is aborted and nothing is written.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInitialization, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrInitialization) match any InitError.
func (e *InitError) Is(target error) bool {
	return target == ErrInitialization
}

// CheckPartition returns ErrUnknownPartition for partitions engines do not store.
func CheckPartition(p Partition) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownPartition, p)
	}
	return nil
}
