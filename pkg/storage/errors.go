package storage

import (
	"errors"
	"fmt"
)

var (
	ErrCompacted                      = errors.New("requested index is compacted")
	ErrSnapOutOfDate                  = errors.New("snapshot out of date")
	ErrUnavailable                    = errors.New("requested index unavailable")
	ErrSnapshotTemporarilyUnavailable = errors.New("snapshot is temporarily unavailable")
	ErrLogGap                         = errors.New("log entries are not contiguous")
	ErrTermRegression                 = errors.New("log entry term decreases")
	ErrClosed                         = errors.New("storage is closed")
)

// StorageError reports an I/O or corruption failure of the backing store.
// The owning node cannot continue safely after one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// CompactionError reports an invalid compaction bound. The storage is left
// unchanged and the caller may retry with a valid bound.
type CompactionError struct {
	Index         uint64
	LastIndex     uint64
	SnapshotIndex uint64
}

func (e *CompactionError) Error() string {
	if e.Index > e.LastIndex {
		return fmt.Sprintf("compact to %d is out of bound, last index is %d", e.Index, e.LastIndex)
	}
	return fmt.Sprintf("compact to %d is not covered by snapshot at %d", e.Index, e.SnapshotIndex)
}

// IsStorageError reports whether err is fatal for the node owning the store.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
