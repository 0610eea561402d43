package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// ValidationFailed indicates a malformed or incomplete event
	ValidationFailed ErrorCode = "VALIDATION_ERROR"
	// ReferentialIntegrity indicates a delta references a nonexistent rule
	ReferentialIntegrity ErrorCode = "REFERENTIAL_INTEGRITY"
	// VersionMismatch indicates the base_version is unknown
	VersionMismatch ErrorCode = "VERSION_MISMATCH"
	// BrokenLineage indicates an ancestor could not be replayed during materialize
	BrokenLineage ErrorCode = "BROKEN_LINEAGE"
	// StaleBaseVersion indicates the branch head moved under a concurrent merge
	StaleBaseVersion ErrorCode = "STALE_BASE_VERSION"
	// ApplyFailure indicates the rule store rejected a commit
	ApplyFailure ErrorCode = "APPLY_FAILURE"
	// EventNotFound indicates the event id is not in history
	EventNotFound ErrorCode = "EVENT_NOT_FOUND"
	// PersistenceFailure indicates an event artifact could not be read or written
	PersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"
	// Timeout indicates a bounded wait expired
	Timeout ErrorCode = "TIMEOUT"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// FixActionType represents the type of fix action
type FixActionType string

const (
	// RunCommand suggests running a command
	RunCommand FixActionType = "run-command"
	// Resubmit suggests submitting a corrected event
	Resubmit FixActionType = "resubmit"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Type        FixActionType `json:"type"`
	Command     string        `json:"command,omitempty"`
	Safe        bool          `json:"safe,omitempty"`
	Description string        `json:"description,omitempty"`
}

// EvoError is an evolution-core error tagged with the offending event id.
type EvoError struct {
	Code           ErrorCode   `json:"code"`
	EventID        string      `json:"eventId,omitempty"`
	Message        string      `json:"message"`
	Details        interface{} `json:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty"`
	cause          error       // Underlying error (not exported to JSON)
}

// New creates a new EvoError with the default fixes for its code.
func New(code ErrorCode, eventID, message string, cause error) *EvoError {
	return &EvoError{
		Code:           code,
		EventID:        eventID,
		Message:        message,
		cause:          cause,
		SuggestedFixes: GetSuggestedFixes(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, eventID, format string, args ...interface{}) *EvoError {
	return New(code, eventID, fmt.Sprintf(format, args...), nil)
}

// Error implements the error interface
func (e *EvoError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.EventID != "" {
		prefix += " event " + e.EventID + ":"
	}
	if e.cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *EvoError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *EvoError) WithDetails(details interface{}) *EvoError {
	e.Details = details
	return e
}

// WithEventID returns a copy of the error tagged with eventID.
func (e *EvoError) WithEventID(eventID string) *EvoError {
	cp := *e
	cp.EventID = eventID
	return &cp
}

// CodeOf returns the code of the first EvoError in err's chain,
// or InternalError when there is none.
func CodeOf(err error) ErrorCode {
	var evoErr *EvoError
	if stderrors.As(err, &evoErr) {
		return evoErr.Code
	}
	return InternalError
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var evoErr *EvoError
	if !stderrors.As(err, &evoErr) {
		return false
	}
	return evoErr.Code == code
}

// EventIDOf returns the event id attached to err, if any.
func EventIDOf(err error) string {
	var evoErr *EvoError
	if stderrors.As(err, &evoErr) {
		return evoErr.EventID
	}
	return ""
}

// ErrorActions maps error codes to suggested fix actions
var ErrorActions = map[ErrorCode][]FixAction{
	StaleBaseVersion: {
		{
			Type:        RunCommand,
			Command:     "aevo submit --rebase ${event_file}",
			Safe:        true,
			Description: "Re-validate the event against the new head and retry",
		},
	},
	VersionMismatch: {
		{
			Type:        RunCommand,
			Command:     "aevo history",
			Safe:        true,
			Description: "List known snapshot ids to pick a valid base_version",
		},
	},
	ReferentialIntegrity: {
		{
			Type:        RunCommand,
			Command:     "aevo snapshot ${base_version}",
			Safe:        true,
			Description: "Inspect the rules present in the base snapshot",
		},
	},
	ValidationFailed: {
		{
			Type:        Resubmit,
			Description: "Fix the event record and submit it again",
		},
	},
	BrokenLineage: {
		{
			Type:        RunCommand,
			Command:     "aevo events load --dir ${events_dir}",
			Safe:        true,
			Description: "Rebuild the lineage tree from the persisted event records",
		},
	},
}

// GetSuggestedFixes returns suggested fixes for an error code
func GetSuggestedFixes(code ErrorCode) []FixAction {
	if fixes, ok := ErrorActions[code]; ok {
		return fixes
	}
	return nil
}
