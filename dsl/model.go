// Package dsl holds the in-memory, pre-compile shape of a workflow
// document: the declarative graph of Nodes a user (or the graphical editor,
// out of scope here) authors, before the Expander and Compiler turn it into
// a Blueprint.
package dsl

// Kind identifies the variant of a Node.
type Kind string

const (
	KindStart     Kind = "start"
	KindEnd       Kind = "end"
	KindAssign    Kind = "assign"
	KindFunction  Kind = "function"
	KindIf        Kind = "if"
	KindParallel  Kind = "parallel"
	KindIteration Kind = "iteration"
	KindFork      Kind = "fork"
	KindJoin      Kind = "join"
	KindLoop      Kind = "loop"
)

// RetryConfig controls how a Function node is retried when its handler
// returns an error. MaxAttempts includes the first attempt: 1 means no
// retries. Backoff grows from InitialBackoff by BackoffMultiplier each
// attempt, capped at MaxBackoff (0 means uncapped).
type RetryConfig struct {
	MaxAttempts       int     `yaml:"maxAttempts" json:"maxAttempts"`
	InitialBackoffMS  int     `yaml:"initialBackoffMs" json:"initialBackoffMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier" json:"backoffMultiplier"`
	MaxBackoffMS      int     `yaml:"maxBackoffMs" json:"maxBackoffMs"`
}

// Node is a single node of the pre-compile workflow graph.
//
// Not every field applies to every Kind; see the per-Kind comment on each
// field. Successor references (Next, Then, Else, Branches, Body, Exit,
// Targets) are string IDs until the Compiler resolves them into indices.
type Node struct {
	ID   string `yaml:"id" json:"id"`
	Kind Kind   `yaml:"kind" json:"kind"`

	// Next is the default successor. Used by Start, Assign, Function, Fork
	// branch heads (implicitly, via Branches), and Join.
	Next string `yaml:"next,omitempty" json:"next,omitempty"`

	// Branches holds one ordered sub-sequence of Nodes per Parallel branch.
	// Only set for Kind == Parallel.
	Branches [][]Node `yaml:"branches,omitempty" json:"branches,omitempty"`

	// Condition is the expression string for If and Loop nodes, and the
	// value expression of an Assign node.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Then/Else are target IDs for If nodes.
	Then string `yaml:"then,omitempty" json:"then,omitempty"`
	Else string `yaml:"else,omitempty" json:"else,omitempty"`

	// Collection/ItemVar/Body describe an Iteration node: Collection is an
	// expression evaluating to an array, ItemVar is the variable bound to
	// the current element, and Body is the ID of the first node of the
	// loop body (whose terminal edge points back to this Iteration node).
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty"`
	ItemVar    string `yaml:"itemVar,omitempty" json:"itemVar,omitempty"`
	Body       string `yaml:"body,omitempty" json:"body,omitempty"`

	// Exit is the successor once an Iteration or Loop finishes.
	Exit string `yaml:"exit,omitempty" json:"exit,omitempty"`

	// Function is the handler name for a Function node.
	Function string `yaml:"function,omitempty" json:"function,omitempty"`

	// Params is the (possibly nested, ${var}-interpolated) argument tree
	// passed to the Function handler.
	Params any `yaml:"params,omitempty" json:"params,omitempty"`

	// Output is the variable name a Function node's result (or an Assign
	// node's value) is bound to.
	Output string `yaml:"output,omitempty" json:"output,omitempty"`

	// Retry configures retry behavior for Function nodes. Nil means the
	// compiler's default retry policy applies (a single attempt unless the
	// caller configured another default).
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Targets lists the successor IDs of a synthetic Fork node. Only
	// produced by the Expander; not expected directly in user documents.
	Targets []string `yaml:"targets,omitempty" json:"targets,omitempty"`

	// Expect is the number of Fork branches that must arrive at a
	// synthetic Join before it fires. Only produced by the Expander.
	Expect int `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// Edge is the alternative, non-inline way to describe an edge between two
// nodes. A document may use inline Next/Then/Else fields, an edges list, or
// both, as long as the two do not disagree (the Compiler rejects conflicts).
type Edge struct {
	Source    string `yaml:"source" json:"source"`
	Target    string `yaml:"target" json:"target"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// WorkflowInfo carries the document's top-level metadata.
type WorkflowInfo struct {
	ID        string         `yaml:"id" json:"id"`
	Name      string         `yaml:"name" json:"name"`
	Version   string         `yaml:"version,omitempty" json:"version,omitempty"`
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// Document is the parsed shape of the external workflow document (YAML or
// JSON): a `workflow` header, a flat `nodes` list, and an optional `edges`
// list.
type Document struct {
	Workflow WorkflowInfo `yaml:"workflow" json:"workflow"`
	Nodes    []Node       `yaml:"nodes" json:"nodes"`
	Edges    []Edge       `yaml:"edges,omitempty" json:"edges,omitempty"`
}
