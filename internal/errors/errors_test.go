package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestValidationError_Wrapped(t *testing.T) {
	err := fmt.Errorf("create schedule: %w", NewValidationError("cron_expression", "invalid expression %q", "x"))

	if !IsValidation(err) {
		t.Fatal("expected wrapped validation error to be detected")
	}

	var v *ValidationError
	if !errors.As(err, &v) {
		t.Fatal("errors.As failed")
	}
	if v.Field != "cron_expression" {
		t.Errorf("field mismatch: got %s", v.Field)
	}
	if !strings.Contains(err.Error(), `invalid expression "x"`) {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestDispatchError_Unwrap(t *testing.T) {
	cause := errors.New("engine unavailable")
	err := fmt.Errorf("segment 3: %w", &DispatchError{Err: cause})

	if !IsDispatch(err) {
		t.Fatal("expected dispatch error")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	if IsValidation(err) {
		t.Error("dispatch error must not be reported as validation")
	}
}

func TestRecover(t *testing.T) {
	if Recover(nil) != nil {
		t.Fatal("expected nil for no panic")
	}

	var perr *PanicError
	func() {
		defer func() {
			perr = Recover(recover())
		}()
		panic("boom")
	}()

	if perr == nil {
		t.Fatal("expected panic to be captured")
	}
	if perr.Error() != "panic recovered: boom" {
		t.Errorf("unexpected error text: %s", perr.Error())
	}
	if !strings.Contains(FormatPanicForLog(perr), "Stack Trace:") {
		t.Error("expected stack trace in formatted output")
	}
}
