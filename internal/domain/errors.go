package domain

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError describes one rejected field of a pool configuration.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ConfigError is returned when a pool configuration is rejected. Nothing is persisted.
type ConfigError struct {
	Fields []FieldError
}

func (e ConfigError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid pool config: " + strings.Join(parts, "; ")
}

// Add records a field problem.
func (e *ConfigError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns nil when no field was rejected.
func (e ConfigError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// InputError rejects a malformed operation argument.
type InputError struct {
	Field   string
	Message string
}

func (e InputError) Error() string {
	return e.Field + ": " + e.Message
}

type StateReason string

const (
	ReasonInvalidTransition      StateReason = "invalid_transition"
	ReasonPoolLocked             StateReason = "pool_locked"
	ReasonAllocationsOutstanding StateReason = "allocations_outstanding"
	ReasonAllocationState        StateReason = "allocation_state"
	ReasonLeaseHeld              StateReason = "lease_held"
	ReasonDepositNotAllowed      StateReason = "deposit_not_allowed"
	ReasonSubmissionsClosed      StateReason = "submissions_closed"
	ReasonReconciliationOpen     StateReason = "reconciliation_open"
)

// StateError reports an operation that is illegal in the current state. No mutation is applied.
type StateError struct {
	Reason StateReason
	Entity string
	ID     string
	From   string
	To     string
	Detail string
}

func (e StateError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Reason)
	if e.From != "" || e.To != "" {
		msg += fmt.Sprintf(" (%s -> %s)", e.From, e.To)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// InsufficientPoolError aborts allocation entirely; no allocations are produced.
type InsufficientPoolError struct {
	PoolID    string
	Required  int64
	Available int64
}

func (e InsufficientPoolError) Error() string {
	return fmt.Sprintf("pool %s: insufficient funds, rules require %d but %d available", e.PoolID, e.Required, e.Available)
}

type RailErrorKind string

const (
	RailTransient RailErrorKind = "transient"
	RailPermanent RailErrorKind = "permanent"
)

// RailError wraps a failure reported by a settlement rail.
type RailError struct {
	Kind RailErrorKind
	Rail string
	Err  error
}

func (e RailError) Error() string {
	return fmt.Sprintf("rail %s %s error: %v", e.Rail, e.Kind, e.Err)
}

func (e RailError) Unwrap() error { return e.Err }

// Transient builds a retryable rail error.
func Transient(rail string, err error) error {
	return RailError{Kind: RailTransient, Rail: rail, Err: err}
}

// Permanent builds a non-retryable rail error.
func Permanent(rail string, err error) error {
	return RailError{Kind: RailPermanent, Rail: rail, Err: err}
}

// IsPermanent reports whether err carries a permanent rail error.
func IsPermanent(err error) bool {
	var re RailError
	return errors.As(err, &re) && re.Kind == RailPermanent
}

// ReconciliationError means the local record disagrees with the rail. It is never auto-resolved.
type ReconciliationError struct {
	IssueID      string
	AllocationID string
	Local        string
	Remote       string
}

func (e ReconciliationError) Error() string {
	return fmt.Sprintf("allocation %s: local status %s disagrees with rail status %s (issue %s)", e.AllocationID, e.Local, e.Remote, e.IssueID)
}
