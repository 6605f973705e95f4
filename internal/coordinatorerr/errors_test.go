package coordinatorerr

import (
	"errors"
	"testing"
)

func TestKindOfAndIs(t *testing.T) {
	err := New(NotFound, "agent %s not found", "a1")
	if KindOf(err) != NotFound {
		t.Fatalf("KindOf = %s, want %s", KindOf(err), NotFound)
	}
	if !Is(err, NotFound) {
		t.Fatalf("Is(err, NotFound) = false, want true")
	}
	if Is(err, Timeout) {
		t.Fatalf("Is(err, Timeout) = true, want false")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(ExecutionError, cause, "attempt failed")
	if !errors.Is(wrapped, cause) {
		t.Fatalf("errors.Is should unwrap to the cause")
	}
	if KindOf(wrapped) != ExecutionError {
		t.Fatalf("KindOf(wrapped) = %s, want %s", KindOf(wrapped), ExecutionError)
	}
}

func TestErrorsIsAcrossSentinels(t *testing.T) {
	a := New(AgentBusy, "agent busy")
	sentinel := New(AgentBusy, "")
	if !errors.Is(a, sentinel) {
		t.Fatalf("errors.Is should match on Kind regardless of message")
	}
}

func TestNewValidationNilWhenEmpty(t *testing.T) {
	if err := NewValidation(nil); err != nil {
		t.Fatalf("NewValidation(nil) = %v, want nil", err)
	}
	err := NewValidation([]FieldError{{Field: "name", Reason: "required"}})
	if err == nil {
		t.Fatalf("expected a non-nil ValidationError")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected errors.As to find *ValidationError")
	}
	if len(ve.Fields) != 1 {
		t.Fatalf("expected 1 field error, got %d", len(ve.Fields))
	}
}

func TestValidationErrorIsInvalidSpec(t *testing.T) {
	err := NewValidation([]FieldError{{Field: "x", Reason: "bad"}})
	if !errors.Is(err, New(InvalidSpec, "")) {
		t.Fatalf("ValidationError should satisfy errors.Is against InvalidSpec")
	}
}
