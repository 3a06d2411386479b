// Package compileerr implements the three-way failure taxonomy of
// SPEC_FULL.md §7: bytecode parse errors, assembler finalization errors, and
// internal (programmer-error) panics. Modeled on the Phase/Kind shape of
// wippyai-wasm-runtime's errors package, trimmed to the three phases this
// system actually has.
package compileerr

import "fmt"

// Phase identifies which pipeline stage raised the error.
type Phase string

const (
	PhaseParse    Phase = "parse"    // propagated from the bytecode parser/operator source unchanged
	PhaseAssemble Phase = "assemble" // assembler finalization (executable buffer allocation, relocation)
	PhaseInternal Phase = "internal" // programmer error: invariant violation, never recovered
)

// Error is a compilation failure tagged with the phase it occurred in.
type Error struct {
	Phase Phase
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Phase, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Phase, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Parse wraps an error surfaced by the external OperatorSource. The
// underlying error is propagated unchanged (SPEC_FULL.md §7.1); this only
// tags which phase it surfaced in so callers can distinguish it from an
// assembler failure.
func Parse(cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Phase: PhaseParse, Msg: "bytecode parse error", Cause: cause}
}

// Assembler wraps a failure to finalize the executable buffer (allocation
// failure, relocation overflow, ...).
func Assembler(msg string) error {
	return &Error{Phase: PhaseAssemble, Msg: msg}
}

// Internal panics with an invariant-violation error. Internal inconsistencies
// (type-stack mismatch, register double-release, popping an empty stack,
// missing function offset at finalize) are programmer errors per
// SPEC_FULL.md §7: there is no recovery path, so this always panics rather
// than returning an error a caller might swallow. The declared error return
// is never actually produced (panic never falls through to it); it exists
// so call sites inside a function that itself returns error can write
// `return compileerr.Internal(...)` without a separate dead return after it.
func Internal(format string, args ...interface{}) error {
	panic(&Error{Phase: PhaseInternal, Msg: fmt.Sprintf(format, args...)})
}
