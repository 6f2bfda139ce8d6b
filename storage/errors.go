package storage

import (
	"fmt"

	"cask/config"
	"cask/storage/record"
	"cask/storage/segment"

	"github.com/pkg/errors"
)

var (
	// ErrKeyNotFound is the normal negative result of Get.
	ErrKeyNotFound = errors.New("key not found")

	ErrEmptyKey      = errors.New("key is empty")
	ErrKeyTooLarge   = errors.New("key exceeds maximum size")
	ErrValueTooLarge = errors.New("value exceeds maximum size")
	ErrClosed        = errors.New("engine closed")
	ErrLocked        = errors.New("data directory is locked by another engine")

	// ErrCorruptRecord is returned by Get when the stored record fails its checksum.
	ErrCorruptRecord = record.ErrCorrupt
	// ErrConfig wraps every validation failure reported by Open.
	ErrConfig = config.ErrInvalid
	// ErrSegmentRotation matches any *RotationError.
	ErrSegmentRotation = errors.New("segment rotation failed")
)

// IOError is a filesystem failure on a segment.
type IOError = segment.IOError

// RotationError reports that the next active segment could not be created.
// The write that triggered it was stored; the rotation is retried by the
// next write.
type RotationError struct {
	Next uint64
	Err  error
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("%v: next segment %d: %v", ErrSegmentRotation, e.Next, e.Err)
}

func (e *RotationError) Unwrap() error {
	return e.Err
}

func (e *RotationError) Is(target error) bool {
	return target == ErrSegmentRotation
}
