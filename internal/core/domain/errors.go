package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every service. Handlers map these with errors.Is/As.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrValidation       = errors.New("validation failed")
	ErrConflict         = errors.New("conflict")
	ErrTransport        = errors.New("transport failure")
	ErrUnauthorized     = errors.New("unauthorized")
)

// Bill errors
var (
	ErrBillNotFound      = fmt.Errorf("bill %w", ErrNotFound)
	ErrRoomNotFound      = fmt.Errorf("room %w", ErrNotFound)
	ErrAccountNotFound   = fmt.Errorf("account %w", ErrNotFound)
	ErrEvidenceNotFound  = fmt.Errorf("evidence %w", ErrNotFound)
	ErrStaleBill         = fmt.Errorf("%w: bill was modified by someone else", ErrConflict)
	ErrAlreadyConfirmed  = fmt.Errorf("%w: payment already confirmed", ErrConflict)
	ErrEvidenceMissing   = fmt.Errorf("%w: bill has no evidence", ErrConflict)
	ErrEvidenceLocked    = fmt.Errorf("%w: evidence cannot change after payment confirmation", ErrConflict)
	ErrBillConfirmed     = fmt.Errorf("%w: confirmed bill can only be deleted by an administrator or owner", ErrConflict)
	ErrRoomAlreadyExists = fmt.Errorf("%w: room already exists", ErrConflict)
)

// ValidationError carries the field that failed and a user-facing reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Step names a stage of a multi-step workflow that talks to a collaborator.
type Step string

const (
	StepUpload       Step = "upload"
	StepResolveURL   Step = "resolve_url"
	StepUpdateRecord Step = "update_record"
	StepPersist      Step = "persist"
)

// TransportError reports a persistence or storage failure and the step it happened in.
type TransportError struct {
	Step Step
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// Transport wraps err as a TransportError for step.
func Transport(step Step, err error) error {
	return &TransportError{Step: step, Err: err}
}
