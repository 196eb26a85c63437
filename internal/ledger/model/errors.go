package model

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a batch or anchor receipt does not exist.
var ErrNotFound = errors.New("not found")

// Error codes carried in API error bodies.
const (
	CodeValidation           = "validation_error"
	CodeUnknownActor         = "unknown_actor"
	CodeRoleMismatch         = "role_mismatch"
	CodeTransitionNotAllowed = "transition_not_allowed"
	CodeInvalidTransition    = "invalid_transition"
	CodeStaleHead            = "stale_head"
	CodeTerminalState        = "terminal_state"
	CodeChainIntegrity       = "chain_integrity"
	CodeSinkUnavailable      = "sink_unavailable"
	CodeLockTimeout          = "lock_timeout"
	CodeNotFound             = "not_found"
)

// CodedError is implemented by every error in the ledger taxonomy.
type CodedError interface {
	error
	Code() string
	Retryable() bool
}

// ValidationError is returned when the caller supplies malformed input.
// Callers may retry with corrected input.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string   { return e.Msg }
func (e *ValidationError) Code() string    { return CodeValidation }
func (e *ValidationError) Retryable() bool { return false }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// DenyReason distinguishes authorization failures.
type DenyReason string

const (
	DenyUnknownActor         DenyReason = "UnknownActor"
	DenyRoleMismatch         DenyReason = "RoleMismatch"
	DenyTransitionNotAllowed DenyReason = "TransitionNotAllowed"
)

// AuthorizationError is returned when AccessControl denies an action.
type AuthorizationError struct {
	Reason  DenyReason
	ActorID string
	Role    Role
	Stage   Stage
}

func (e *AuthorizationError) Error() string {
	switch e.Reason {
	case DenyUnknownActor:
		return fmt.Sprintf("unknown actor %q", e.ActorID)
	case DenyRoleMismatch:
		return fmt.Sprintf("actor %q does not hold role %q", e.ActorID, e.Role)
	default:
		return fmt.Sprintf("role %q may not move a batch to %q", e.Role, e.Stage)
	}
}

func (e *AuthorizationError) Code() string {
	switch e.Reason {
	case DenyUnknownActor:
		return CodeUnknownActor
	case DenyRoleMismatch:
		return CodeRoleMismatch
	default:
		return CodeTransitionNotAllowed
	}
}

func (e *AuthorizationError) Retryable() bool { return false }

// InvalidTransitionError is returned for moves the state machine forbids
// regardless of role: skipping, moving backward, or acting as Consumer.
type InvalidTransitionError struct {
	From     Stage
	To       Stage
	SubStage SubStage
	Msg      string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
	if e.SubStage != "" {
		msg += fmt.Sprintf(" (%s)", e.SubStage)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func (e *InvalidTransitionError) Code() string    { return CodeInvalidTransition }
func (e *InvalidTransitionError) Retryable() bool { return false }

// StaleHeadError is an optimistic-concurrency conflict. The caller must
// re-read the head and retry; it is always safe to do so.
type StaleHeadError struct {
	BatchID  string
	Expected string
	Current  string
	Sequence int64
}

func (e *StaleHeadError) Error() string {
	return fmt.Sprintf("batch %s: stale head %q, current head is %q at sequence %d",
		e.BatchID, e.Expected, e.Current, e.Sequence)
}

func (e *StaleHeadError) Code() string    { return CodeStaleHead }
func (e *StaleHeadError) Retryable() bool { return true }

// TerminalStateError is returned when appending to a closed batch.
type TerminalStateError struct {
	BatchID string
	Stage   Stage
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("batch %s is in terminal stage %s", e.BatchID, e.Stage)
}

func (e *TerminalStateError) Code() string    { return CodeTerminalState }
func (e *TerminalStateError) Retryable() bool { return false }

// ChainIntegrityError flags a batch whose history fails hash-chain validation.
// It is never repaired automatically.
type ChainIntegrityError struct {
	BatchID  string
	BrokenAt int64
	Reason   string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("batch %s: hash chain broken at sequence %d: %s", e.BatchID, e.BrokenAt, e.Reason)
}

func (e *ChainIntegrityError) Code() string    { return CodeChainIntegrity }
func (e *ChainIntegrityError) Retryable() bool { return false }

// SinkUnavailableError is returned when anchoring fails after all retries.
// Local durability is unaffected.
type SinkUnavailableError struct {
	Sink     string
	Attempts int
	Err      error
}

func (e *SinkUnavailableError) Error() string {
	return fmt.Sprintf("anchor sink %s unavailable after %d attempt(s): %v", e.Sink, e.Attempts, e.Err)
}

func (e *SinkUnavailableError) Unwrap() error   { return e.Err }
func (e *SinkUnavailableError) Code() string    { return CodeSinkUnavailable }
func (e *SinkUnavailableError) Retryable() bool { return true }

// LockTimeoutError is returned when the per-batch lock could not be acquired in time.
type LockTimeoutError struct {
	BatchID string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("batch %s: timed out waiting for write lock", e.BatchID)
}

func (e *LockTimeoutError) Code() string    { return CodeLockTimeout }
func (e *LockTimeoutError) Retryable() bool { return true }
