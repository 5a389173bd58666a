package formula

import (
	"errors"
	"fmt"
	"strings"
)

// ArgumentMissingError signals a required argument that was nil or
// empty. Satisfied immediately, before any compilation is attempted.
type ArgumentMissingError struct {
	Param string
}

func (e *ArgumentMissingError) Error() string {
	return fmt.Sprintf("formula: argument %q is required", e.Param)
}

// NoFormulaForIdentifierError signals that a requested or referenced
// name has no backing formula and cannot be resolved as a context
// member either.
type NoFormulaForIdentifierError struct {
	Identifier string
}

func (e *NoFormulaForIdentifierError) Error() string {
	return fmt.Sprintf("formula: no formula registered for identifier %q", e.Identifier)
}

// CompilationError signals that the composite program for a target
// produced at least one Error-severity diagnostic. All diagnostics,
// including warnings and info, are retained.
type CompilationError struct {
	Identifier  string
	Diagnostics []Diagnostic
}

func (e *CompilationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "formula: compilation of %q failed", e.Identifier)
	for _, d := range e.Diagnostics {
		if d.Severity == Error {
			fmt.Fprintf(&b, "; %s: %s", d.Severity, d.Message)
		}
	}
	return b.String()
}

// NameAccessDeniedError signals that the composite program for a
// target references a name on the denied-names list.
type NameAccessDeniedError struct {
	Name string
}

func (e *NameAccessDeniedError) Error() string {
	return fmt.Sprintf("formula: access to %q is denied", e.Name)
}

// EvaluationError wraps an unexpected failure that does not fit any
// other kind: an unrecognised diagnostic severity, a runtime failure
// inside an expression, or a cast failure in Evaluate.
type EvaluationError struct {
	Identifier string
	Cause      error
}

func (e *EvaluationError) Error() string {
	if e.Identifier != "" {
		return fmt.Sprintf("formula: evaluation of %q failed: %v", e.Identifier, e.Cause)
	}
	return fmt.Sprintf("formula: evaluation failed: %v", e.Cause)
}

func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

// IsNoFormulaForIdentifier reports whether err (or any error it wraps)
// is a NoFormulaForIdentifierError.
func IsNoFormulaForIdentifier(err error) bool {
	var target *NoFormulaForIdentifierError
	return errors.As(err, &target)
}

// IsNameAccessDenied reports whether err (or any error it wraps) is a
// NameAccessDeniedError.
func IsNameAccessDenied(err error) bool {
	var target *NameAccessDeniedError
	return errors.As(err, &target)
}

// IsCompilationError reports whether err (or any error it wraps) is a
// CompilationError.
func IsCompilationError(err error) bool {
	var target *CompilationError
	return errors.As(err, &target)
}
