package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("underlying error")
	err := New(StaleBaseVersion, "evt-1", "head moved", cause)

	if err.Code != StaleBaseVersion {
		t.Errorf("Code = %v, want %v", err.Code, StaleBaseVersion)
	}
	if err.EventID != "evt-1" {
		t.Errorf("EventID = %q, want %q", err.EventID, "evt-1")
	}
	if len(err.SuggestedFixes) != 1 {
		t.Errorf("len(SuggestedFixes) = %d, want 1", len(err.SuggestedFixes))
	}
}

func TestEvoError_Error(t *testing.T) {
	tests := []struct {
		name      string
		code      ErrorCode
		eventID   string
		message   string
		cause     error
		wantParts []string
	}{
		{
			name:      "with cause and event",
			code:      ApplyFailure,
			eventID:   "evt-9",
			message:   "commit rejected",
			cause:     errors.New("rule R2 has empty pattern"),
			wantParts: []string{"APPLY_FAILURE", "evt-9", "commit rejected", "empty pattern"},
		},
		{
			name:      "without cause",
			code:      ReferentialIntegrity,
			eventID:   "evt-3",
			message:   `modified rule "R9" not in base snapshot`,
			wantParts: []string{"REFERENTIAL_INTEGRITY", "evt-3", "R9"},
		},
		{
			name:      "without event",
			code:      Timeout,
			message:   "branch lock wait expired",
			wantParts: []string{"TIMEOUT", "branch lock"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.code, tt.eventID, tt.message, tt.cause).Error()
			for _, part := range tt.wantParts {
				if !strings.Contains(got, part) {
					t.Errorf("Error() = %q, want to contain %q", got, part)
				}
			}
		})
	}
}

func TestEvoError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := New(InternalError, "", "something went wrong", cause)

	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}

	noCause := Newf(Timeout, "", "waited %dms", 50)
	if noCause.Unwrap() != nil {
		t.Errorf("Unwrap() on error without cause should return nil")
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	base := New(VersionMismatch, "evt-2", "unknown base", nil)
	wrapped := fmt.Errorf("submit: %w", base)

	if got := CodeOf(wrapped); got != VersionMismatch {
		t.Errorf("CodeOf() = %v, want %v", got, VersionMismatch)
	}
	if !Is(wrapped, VersionMismatch) {
		t.Error("Is() should see through fmt.Errorf wrapping")
	}
	if Is(wrapped, ValidationFailed) {
		t.Error("Is() matched the wrong code")
	}
	if got := EventIDOf(wrapped); got != "evt-2" {
		t.Errorf("EventIDOf() = %q, want %q", got, "evt-2")
	}
	if got := CodeOf(errors.New("plain")); got != InternalError {
		t.Errorf("CodeOf(plain) = %v, want %v", got, InternalError)
	}
	if Is(nil, InternalError) {
		t.Error("Is(nil) should be false")
	}
}

func TestWithEventID(t *testing.T) {
	orig := New(ValidationFailed, "", "missing id", nil)
	tagged := orig.WithEventID("evt-7")

	if tagged.EventID != "evt-7" {
		t.Errorf("EventID = %q, want evt-7", tagged.EventID)
	}
	if orig.EventID != "" {
		t.Error("WithEventID should not mutate the receiver")
	}
}

func TestEvoError_WithDetails(t *testing.T) {
	err := New(ValidationFailed, "evt-1", "bad metrics", nil)
	result := err.WithDetails(map[string]float64{"confidence": 1.5})

	if result != err {
		t.Error("WithDetails should return the same error for chaining")
	}
	if err.Details == nil {
		t.Error("Details should be set")
	}
}

func TestGetSuggestedFixes(t *testing.T) {
	tests := []struct {
		code    ErrorCode
		wantNil bool
		wantLen int
	}{
		{StaleBaseVersion, false, 1},
		{VersionMismatch, false, 1},
		{ReferentialIntegrity, false, 1},
		{ValidationFailed, false, 1},
		{BrokenLineage, false, 1},
		{ApplyFailure, true, 0},
		{InternalError, true, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			fixes := GetSuggestedFixes(tt.code)

			if tt.wantNil && fixes != nil {
				t.Errorf("GetSuggestedFixes(%v) = %v, want nil", tt.code, fixes)
			}
			if !tt.wantNil && len(fixes) != tt.wantLen {
				t.Errorf("GetSuggestedFixes(%v) len = %d, want %d", tt.code, len(fixes), tt.wantLen)
			}
		})
	}
}

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		ValidationFailed,
		ReferentialIntegrity,
		VersionMismatch,
		BrokenLineage,
		StaleBaseVersion,
		ApplyFailure,
		EventNotFound,
		PersistenceFailure,
		Timeout,
		InternalError,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if seen[code] {
			t.Errorf("Duplicate error code: %v", code)
		}
		seen[code] = true
		if string(code) == "" {
			t.Error("Error code should not be empty")
		}
	}
}
