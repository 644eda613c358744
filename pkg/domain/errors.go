package domain

import "fmt"

// StorageError wraps a local read/write failure. Fatal to the current
// operation; never retried automatically.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// TransportError wraps a network or IPC failure. Retried up to MaxRetries by
// the sync coordinator, then requires manual retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// StreamError wraps a mid-stream chat failure. Terminal for that attempt;
// the underlying user message stays retryable.
type StreamError struct {
	Stage string
	Err   error
}

func (e *StreamError) Error() string { return fmt.Sprintf("stream %s: %v", e.Stage, e.Err) }
func (e *StreamError) Unwrap() error { return e.Err }

// ValidationError reports a missing or malformed request field, rejected
// before any persistence.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
