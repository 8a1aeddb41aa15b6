package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents a panic recovered while processing one schedule or segment
type PanicError struct {
	Value      interface{}
	Stacktrace string
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// Recover converts a recovered panic value into a *PanicError.
// It must be called with the result of recover() from a deferred function:
//
//	defer func() {
//		if perr := errors.Recover(recover()); perr != nil { ... }
//	}()
func Recover(r interface{}) *PanicError {
	if r == nil {
		return nil
	}
	return &PanicError{
		Value:      r,
		Stacktrace: string(debug.Stack()),
	}
}

// FormatPanicForLog returns a formatted string suitable for logging
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
