package statemachine

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDecoder is wrapped by DecodingError when a kind has no decoder.
	ErrNoDecoder = errors.New("no deserializer registered for this kind")

	// ErrAlreadyApplied is returned for an index at or below the applied index.
	ErrAlreadyApplied = errors.New("index already applied")

	// ErrIndexGap is returned when an index would skip over an unapplied one.
	ErrIndexGap = errors.New("index is not the next one to apply")
)

type DecodingError struct {
	Kind Kind
	Err  error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("failed to decode %s: %v", e.Kind, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }

type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("failed to encode state machine: %v", e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// ApplyError is an application failure while applying a committed entry.
// The entry stays committed and the applied index still advances.
type ApplyError struct {
	Index uint64
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("failed to apply entry %d: %v", e.Index, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

type SnapshotError struct {
	Err error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("failed to snapshot state machine: %v", e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

type RestoreError struct {
	Index uint64
	Err   error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("failed to restore state machine at %d: %v", e.Index, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// panicError turns a recovered panic value into an error.
func panicError(v interface{}) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}
