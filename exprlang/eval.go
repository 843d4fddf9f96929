// Package exprlang wraps github.com/expr-lang/expr to provide the
// arithmetic/boolean expression grammar workflow conditions and
// assignments use (==, !=, <, <=, >, >=, &&, ||, !, +, -, *, /, %,
// variable references, literals) plus ${var} interpolation into Function
// parameter trees.
package exprlang

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Compiled is an expression checked for syntax once at compile time and
// evaluated many times at runtime against different variable snapshots.
type Compiled struct {
	source  string
	program *vm.Program
}

// Source returns the original expression text, useful for error messages.
func (c *Compiled) Source() string { return c.source }

// Compile parses and compiles source without a variable environment, so
// syntax errors surface here. Which variables exist is only known once a
// snapshot is available, so that check is deferred to Eval, which fails
// with a MissingVariableError instead of silently resolving the reference
// to nil.
func Compile(source string) (*Compiled, error) {
	program, err := expr.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("exprlang: invalid expression %q: %w", source, err)
	}
	return &Compiled{source: source, program: program}, nil
}

// MissingVariableError reports that an expression referenced a variable
// absent from the snapshot it was evaluated against. If/Loop/Assign
// callers treat this as fatal; Function-param interpolation never
// produces it, since it goes through Interpolate/PathLookup instead of
// Compile/Eval.
type MissingVariableError struct {
	Source string
	err    error
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("exprlang: evaluating %q: %v", e.Source, e.err)
}

func (e *MissingVariableError) Unwrap() error { return e.err }

// Eval runs a Compiled expression against a variable snapshot. The source
// is type-checked with vars as its environment, so a variable in vars takes
// precedence over an expr builtin of the same name (e.g. "sum"), and a
// reference to a variable absent from vars fails with a
// *MissingVariableError rather than evaluating to nil; every other
// evaluation error is returned wrapped but otherwise unclassified.
func Eval(c *Compiled, vars map[string]any) (any, error) {
	program, err := expr.Compile(c.source, expr.Env(vars))
	if err != nil {
		if strings.Contains(err.Error(), "unknown name") {
			return nil, &MissingVariableError{Source: c.source, err: err}
		}
		return nil, fmt.Errorf("exprlang: evaluating %q: %w", c.source, err)
	}
	result, err := expr.Run(program, vars)
	if err != nil {
		return nil, fmt.Errorf("exprlang: evaluating %q: %w", c.source, err)
	}
	return result, nil
}
