package compiler

import (
	"fmt"
	"strings"
)

// ErrorKind identifies the taxonomy of compile-time failures.
type ErrorKind string

const (
	ErrDuplicateID        ErrorKind = "DuplicateId"
	ErrUnknownID          ErrorKind = "UnknownId"
	ErrMissingStart       ErrorKind = "MissingStart"
	ErrUnreachableNode    ErrorKind = "UnreachableNode" // warning, not fatal
	ErrInvalidExpression  ErrorKind = "InvalidExpression"
	ErrFunctionValidation ErrorKind = "FunctionValidation"
	ErrTopologyMismatch   ErrorKind = "TopologyMismatch"
)

// Diagnostic is a single compile-time finding: an error unless Warning is
// set, in which case it is informational (currently only UnreachableNode).
type Diagnostic struct {
	Kind    ErrorKind
	NodeID  string
	Message string
	Warning bool
}

func (d Diagnostic) String() string {
	if d.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %q)", d.Kind, d.Message, d.NodeID)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// CompileError aggregates every fatal Diagnostic produced while compiling a
// Document. Warnings (e.g. UnreachableNode) are reported separately via
// Result.Warnings and never appear here. Diagnostics of any kind are
// aggregated: the compiler collects every fatal finding of a pass (e.g.
// every failing node's validation error) before returning, rather than
// stopping at the first.
type CompileError struct {
	Diagnostics []Diagnostic
}

func (e *CompileError) Error() string {
	if len(e.Diagnostics) == 1 {
		return e.Diagnostics[0].String()
	}
	parts := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		parts[i] = d.String()
	}
	return fmt.Sprintf("compile failed with %d error(s):\n  - %s", len(e.Diagnostics), strings.Join(parts, "\n  - "))
}

func newError(kind ErrorKind, nodeID, message string) *CompileError {
	return &CompileError{Diagnostics: []Diagnostic{{Kind: kind, NodeID: nodeID, Message: message}}}
}
