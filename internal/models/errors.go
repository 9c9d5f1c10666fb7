package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a job failure as recorded on the job
type ErrorKind string

const (
	ErrorKindNotFound          ErrorKind = "not_found"
	ErrorKindVersionConflict   ErrorKind = "version_conflict"
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"
	ErrorKindEngine            ErrorKind = "engine_error"
	ErrorKindTimeout           ErrorKind = "timeout_exceeded"
	ErrorKindPoolExhausted     ErrorKind = "pool_exhausted"
	ErrorKindWorkerFatal       ErrorKind = "worker_fatal"
	ErrorKindCrashed           ErrorKind = "crashed"
	ErrorKindCancelled         ErrorKind = "cancelled"
	ErrorKindSessionNotSaved   ErrorKind = "session_not_saved"
	ErrorKindInternal          ErrorKind = "internal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTimeoutExceeded   = errors.New("timeout exceeded")
	ErrPoolExhausted     = errors.New("pool exhausted")
	ErrWorkerFatal       = errors.New("worker fatal")
	ErrPoolClosed        = errors.New("browser pool closed")
	ErrSchedulerStopped  = errors.New("scheduler stopped")
	ErrContextCrashed    = errors.New("browser context crashed")
	// ErrSessionNotSaved marks a job whose actions completed but whose
	// resulting browser state could not be captured or stored
	ErrSessionNotSaved = errors.New("session state not saved")
)

// EngineError is a failure reported by the browser engine while running a
// job's actions. The context that produced it is still usable.
type EngineError struct {
	Action  int        // index into JobPayload.Steps(), -1 when not action specific
	Type    ActionType // action type, empty when not action specific
	Message string
}

func (e *EngineError) Error() string {
	if e.Action < 0 {
		return fmt.Sprintf("engine error: %s", e.Message)
	}
	return fmt.Sprintf("engine error at action %d (%s): %s", e.Action, e.Type, e.Message)
}

// NewEngineError builds an EngineError for the given step
func NewEngineError(index int, actionType ActionType, err error) *EngineError {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &EngineError{Action: index, Type: actionType, Message: msg}
}

// ErrorKindOf maps err to the kind recorded on a job
func ErrorKindOf(err error) ErrorKind {
	var engineErr *EngineError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &engineErr):
		return ErrorKindEngine
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrVersionConflict):
		return ErrorKindVersionConflict
	case errors.Is(err, ErrSessionNotSaved):
		return ErrorKindSessionNotSaved
	case errors.Is(err, ErrInvalidTransition):
		return ErrorKindInvalidTransition
	case errors.Is(err, ErrTimeoutExceeded), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ErrPoolExhausted):
		return ErrorKindPoolExhausted
	case errors.Is(err, ErrWorkerFatal):
		return ErrorKindWorkerFatal
	case errors.Is(err, ErrContextCrashed):
		return ErrorKindCrashed
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	}
	return ErrorKindInternal
}

// NewJobError converts err into a JobError
func NewJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	return &JobError{Kind: ErrorKindOf(err), Message: err.Error()}
}
