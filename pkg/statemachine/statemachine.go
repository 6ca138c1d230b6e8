// Package statemachine defines the plugin protocol between the replication
// runtime and application state.
//
// Applications implement StateMachine and LogEntry and register decoders for
// their concrete types in a Registry. The runtime only ever talks to a
// Machine, which serializes apply, snapshot and restore on one instance and
// enforces that committed indices are applied once, in order.
package statemachine

// StateMachine is the deterministic application state fed by committed
// entries.
type StateMachine interface {
	// Apply executes one committed command and returns its result.
	Apply(data []byte) ([]byte, error)
	// Snapshot captures the whole state.
	Snapshot() ([]byte, error)
	// Restore replaces the whole state with a snapshot.
	Restore(data []byte) error
	// Encode serializes the state in the layout read by the decoder
	// registered for KindStateMachine.
	Encode() ([]byte, error)
}

// LogEntry is an application command carried in a log entry payload.
type LogEntry interface {
	Encode() ([]byte, error)
}

// Kind tags a payload type in the Registry.
type Kind string

const (
	KindLogEntry     Kind = "LogEntry"
	KindStateMachine Kind = "StateMachine"
)
