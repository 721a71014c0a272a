package pool

import (
	"errors"
	"fmt"
	"time"
)

// ErrPoolClosed is returned by operations on a closed pool.
var ErrPoolClosed = errors.New("session pool closed")

// EngineLoadError reports that a native session failed to initialize. The
// descriptor is left Unloaded so the next acquire retries from scratch.
type EngineLoadError struct {
	ModelID string
	Err     error
}

func (e *EngineLoadError) Error() string {
	return fmt.Sprintf("engine load failed for %s: %v", e.ModelID, e.Err)
}

func (e *EngineLoadError) Unwrap() error { return e.Err }

// IsEngineLoad reports whether err is an EngineLoadError.
func IsEngineLoad(err error) bool {
	var e *EngineLoadError
	return errors.As(err, &e)
}

// EngineTimeoutError reports a load or infer call that exceeded its timeout.
// The handle is invalidated and re-initialized on the next acquire.
type EngineTimeoutError struct {
	ModelID string
	Op      string
	After   time.Duration
}

func (e *EngineTimeoutError) Error() string {
	return fmt.Sprintf("engine %s timed out for %s after %s", e.Op, e.ModelID, e.After)
}

// IsEngineTimeout reports whether err is an EngineTimeoutError.
func IsEngineTimeout(err error) bool {
	var e *EngineTimeoutError
	return errors.As(err, &e)
}

// tooBusyError signals an acquire that waited longer than MaxWait, for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound returns an error for a model id without a handle or descriptor.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

type budgetExceededError struct {
	modelID    string
	requiredMB int
	budgetMB   int
}

func (e budgetExceededError) Error() string {
	return fmt.Sprintf("memory budget exceeded loading %s: need %d MB of %d MB and no idle handle can be evicted", e.modelID, e.requiredMB, e.budgetMB)
}

// IsBudgetExceeded reports whether a load could not fit the memory budget.
func IsBudgetExceeded(err error) bool {
	var e budgetExceededError
	return errors.As(err, &e)
}

// errLeaseReleased is returned by Infer on a lease that was already released.
var errLeaseReleased = errors.New("lease already released")
