package types

import (
	"errors"
	"fmt"
)

// Diagnostic is a displayable message about one file.
// Line and Column are 1-based; zero means unknown.
type Diagnostic struct {
	File    string `json:"file" msgpack:"file"`
	Line    int    `json:"line,omitempty" msgpack:"line"`
	Column  int    `json:"column,omitempty" msgpack:"column"`
	Kind    Kind   `json:"kind" msgpack:"kind"`
	Message string `json:"message" msgpack:"message"`
	Stack   string `json:"stack,omitempty" msgpack:"stack"`
}

// String renders the diagnostic the way editors print compiler output
func (d Diagnostic) String() string {
	file := d.File
	if file == "" {
		file = "<unknown>"
	}
	if d.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s: %s", file, d.Line, d.Column, d.Kind, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", file, d.Kind, d.Message)
}

// IsError reports whether the diagnostic should fail a build
func (d Diagnostic) IsError() bool {
	return d.Kind != KindWarning
}

// DiagnosticFromError converts an error into a diagnostic without position
func DiagnosticFromError(err error) Diagnostic {
	var typed *Error
	if errors.As(err, &typed) {
		return Diagnostic{File: typed.File, Kind: typed.Kind, Message: typed.Error()}
	}
	return Diagnostic{Kind: KindOf(err), Message: err.Error()}
}
