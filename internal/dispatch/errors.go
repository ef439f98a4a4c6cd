// Package dispatch holds the small set of types shared between the master
// coordinator and the worker runtime.
package dispatch

import "fmt"

// BindError reports that the listening address could not be acquired.
// It is fatal at startup; the process exits non-zero.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// SpawnError reports that a worker process could not be created. The master
// retries with bounded backoff before parking the slot.
type SpawnError struct {
	WorkerID string
	Attempt  int
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker %s (attempt %d): %v", e.WorkerID, e.Attempt, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
