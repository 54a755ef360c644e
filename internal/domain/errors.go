package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedSubmission is returned when a submission is rejected before any transaction is appended
	ErrMalformedSubmission = errors.New("malformed submission")

	// ErrDuplicateTransaction marks an append that was already applied; callers treat it as a no-op
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrProjection is returned when a transaction diff cannot be applied to a case
	ErrProjection = errors.New("projection error")

	// ErrLedgerInconsistency is returned when a ledger replay disagrees with a stored balance
	ErrLedgerInconsistency = errors.New("ledger inconsistency")

	// ErrRebuildTimeout is returned when a rebuild exceeds its time budget
	ErrRebuildTimeout = errors.New("rebuild timeout")

	// ErrCleanlinessCheckFailure is returned when an owner's cleanliness could not be computed
	ErrCleanlinessCheckFailure = errors.New("cleanliness check failure")

	// ErrFormNotFound is returned when a form is not found
	ErrFormNotFound = errors.New("form not found")

	// ErrCaseNotFound is returned when a case has no transactions
	ErrCaseNotFound = errors.New("case not found")

	// ErrDeviceNotFound is returned when a device is not registered
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidFormState is returned for a form state transition that is not allowed
	ErrInvalidFormState = errors.New("invalid form state transition")

	// ErrCheckpointRegression is returned when a sync checkpoint would move backwards
	ErrCheckpointRegression = errors.New("sync checkpoint regression")
)

// MalformedSubmissionError describes why a submission was rejected
type MalformedSubmissionError struct {
	Reason string
	Err    error
}

func (e *MalformedSubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed submission: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed submission: %s", e.Reason)
}

func (e *MalformedSubmissionError) Is(target error) bool {
	return target == ErrMalformedSubmission
}

func (e *MalformedSubmissionError) Unwrap() error {
	return e.Err
}

// NewMalformedSubmission creates a MalformedSubmissionError
func NewMalformedSubmission(reason string, err error) error {
	return &MalformedSubmissionError{Reason: reason, Err: err}
}

// ProjectionError names the case and the transaction whose diff could not be applied
type ProjectionError struct {
	CaseID        string
	TransactionID int64
	Err           error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection error: case %s transaction %d: %v", e.CaseID, e.TransactionID, e.Err)
}

func (e *ProjectionError) Is(target error) bool {
	return target == ErrProjection
}

func (e *ProjectionError) Unwrap() error {
	return e.Err
}

// LedgerInconsistencyError names the ledger key and the transaction whose stored balance disagrees with replay
type LedgerInconsistencyError struct {
	CaseID        string
	SectionID     string
	EntryID       string
	TransactionID int64
	Expected      int64
	Stored        int64
	// Field is the stored column that disagrees, balance when empty
	Field LedgerField
}

// LedgerField names a stored column of a ledger transaction
type LedgerField string

const (
	LedgerFieldBalance LedgerField = "balance"
	LedgerFieldDelta   LedgerField = "delta"
)

func (e *LedgerInconsistencyError) Error() string {
	field := e.Field
	if field == "" {
		field = LedgerFieldBalance
	}
	return fmt.Sprintf("ledger inconsistency: %s/%s/%s transaction %d: replayed %s %d, stored %d",
		e.CaseID, e.SectionID, e.EntryID, e.TransactionID, field, e.Expected, e.Stored)
}

func (e *LedgerInconsistencyError) Is(target error) bool {
	return target == ErrLedgerInconsistency
}

// RebuildTimeoutError is returned with the last good projection still in place
type RebuildTimeoutError struct {
	CaseID string
	Err    error
}

func (e *RebuildTimeoutError) Error() string {
	return fmt.Sprintf("rebuild timeout: case %s: %v", e.CaseID, e.Err)
}

func (e *RebuildTimeoutError) Is(target error) bool {
	return target == ErrRebuildTimeout
}

func (e *RebuildTimeoutError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an engine error may succeed on a later attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrProjection),
		errors.Is(err, ErrLedgerInconsistency),
		errors.Is(err, ErrMalformedSubmission),
		errors.Is(err, ErrInvalidFormState),
		errors.Is(err, ErrCheckpointRegression),
		errors.Is(err, ErrFormNotFound),
		errors.Is(err, ErrCaseNotFound),
		errors.Is(err, ErrDeviceNotFound):
		return false
	}
	return true
}
