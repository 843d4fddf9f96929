// Package compiler turns a dsl.Document into an immutable, index-addressed
// Blueprint: it desugars composite constructs (via Expander), assigns each
// node a contiguous integer index, resolves every string-ID successor to an
// index, bakes Function parameter templates and compiles expressions, and
// validates the resulting graph's structural integrity.
package compiler

import "github.com/relayflow/relayflow/exprlang"

// NodeKind is the closed set of primitive node kinds a Blueprint can
// contain. Every high-level construct (e.g. Parallel) is desugared by the
// Expander into these primitives before compilation.
type NodeKind int

const (
	NodeStart NodeKind = iota
	NodeEnd
	NodeAssign
	NodeFunction
	NodeIf
	NodeLoop
	NodeIteration
	NodeFork
	NodeJoin
)

func (k NodeKind) String() string {
	switch k {
	case NodeStart:
		return "Start"
	case NodeEnd:
		return "End"
	case NodeAssign:
		return "Assign"
	case NodeFunction:
		return "Function"
	case NodeIf:
		return "If"
	case NodeLoop:
		return "Loop"
	case NodeIteration:
		return "Iteration"
	case NodeFork:
		return "Fork"
	case NodeJoin:
		return "Join"
	default:
		return "Unknown"
	}
}

// RetryPolicy is the compiled form of dsl.RetryConfig, attached to Function
// nodes. A MaxAttempts of 0 or 1 means "no retries".
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoffMS  int
	BackoffMultiplier float64
	MaxBackoffMS      int
}

// BlueprintNode is a tagged union keyed by Kind, with every string-ID
// successor already resolved to an index. Only the fields relevant to Kind
// are populated; see the field comments for which Kind uses which field.
type BlueprintNode struct {
	Kind NodeKind

	// SourceID is the original document ID, kept for diagnostics and
	// history events; never used for control flow at runtime.
	SourceID string

	// Next is used by Start, Assign, Function, and Join.
	Next int

	// Var/Expr are used by Assign: write the evaluated Expr into Var.
	Var  string
	Expr *exprlang.Compiled

	// HandlerName/ParamsTemplate/OutputVar/Retry are used by Function.
	HandlerName    string
	ParamsTemplate any
	OutputVar      string
	Retry          RetryPolicy

	// Cond is used by If and Loop.
	Cond *exprlang.Compiled

	// Then/Else are used by If.
	Then int
	Else int

	// Body/Exit are used by Loop and Iteration (the body's terminal edge is
	// rewired by the compiler to point back at the Loop/Iteration node).
	Body int
	Exit int

	// CollectionExpr/ItemVar/LoopVar are used by Iteration. LoopVar names
	// the per-instance cursor variable ("__iter_<node_id>"). ContinueIndex
	// is the Iteration node's own index, so the body's terminal jump target
	// (rewired by the compiler to loop back here) doesn't need a second map
	// lookup at dispatch time.
	CollectionExpr *exprlang.Compiled
	ItemVar        string
	LoopVar        string
	ContinueIndex  int

	// Targets/JoinIndex are used by Fork: one Task is enqueued per target,
	// each with a fresh flow ID. JoinIndex is the statically-known matching
	// Join, or -1 if it could not be determined structurally (never
	// happens for compiler-emitted Fork/Join pairs).
	Targets   []int
	JoinIndex int

	// Expect is used by Join: the number of Fork branches that must arrive
	// before the Join fires its Next successor.
	Expect int
}

// Metadata carries workflow-level information that survives compilation.
type Metadata struct {
	ID          string
	Name        string
	Version     string
	Fingerprint string
}

// Blueprint is the compiled, immutable, index-addressable form of a
// workflow. It is safe to share a single *Blueprint across every worker and
// every instance: nothing on it is ever mutated after Compile returns.
type Blueprint struct {
	Nodes      []BlueprintNode
	StartIndex int

	// IDToIndex maps the original document ID to its compiled index.
	// Diagnostic only — never consulted by the runtime's hot path.
	IDToIndex map[string]int

	Metadata Metadata
}
