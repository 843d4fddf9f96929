package dsl

import "fmt"

// Builder provides a fluent, programmatic way to construct a Document
// without hand-writing YAML/JSON, mirroring the ergonomics of a
// hand-authored document while catching obviously-missing wiring (empty
// IDs, nil branches) as early panics rather than deferring everything to
// compile time.
type Builder struct {
	doc Document
}

// NewBuilder starts a new Document builder for the named workflow.
func NewBuilder(id, name string) *Builder {
	return &Builder{
		doc: Document{
			Workflow: WorkflowInfo{ID: id, Name: name},
		},
	}
}

// Variables sets the workflow's initial variables.
func (b *Builder) Variables(vars map[string]any) *Builder {
	b.doc.Workflow.Variables = vars
	return b
}

// Node appends a raw Node, for constructs the fluent helpers below don't
// cover directly.
func (b *Builder) Node(n Node) *Builder {
	if n.ID == "" {
		panic("dsl: node must have a non-empty ID")
	}
	b.doc.Nodes = append(b.doc.Nodes, n)
	return b
}

// Start adds the Start node.
func (b *Builder) Start(id, next string) *Builder {
	return b.Node(Node{ID: id, Kind: KindStart, Next: next})
}

// End adds an End node.
func (b *Builder) End(id string) *Builder {
	return b.Node(Node{ID: id, Kind: KindEnd})
}

// Assign adds an Assign node.
func (b *Builder) Assign(id, varName, expr, next string) *Builder {
	return b.Node(Node{ID: id, Kind: KindAssign, Condition: expr, Output: varName, Next: next})
}

// Function adds a Function node.
func (b *Builder) Function(id, handler string, params any, output, next string) *Builder {
	return b.Node(Node{ID: id, Kind: KindFunction, Function: handler, Params: params, Output: output, Next: next})
}

// FunctionWithRetry is like Function but attaches a RetryConfig.
func (b *Builder) FunctionWithRetry(id, handler string, params any, output, next string, retry RetryConfig) *Builder {
	return b.Node(Node{ID: id, Kind: KindFunction, Function: handler, Params: params, Output: output, Next: next, Retry: &retry})
}

// If adds a conditional branch node.
func (b *Builder) If(id, condition, then, els string) *Builder {
	return b.Node(Node{ID: id, Kind: KindIf, Condition: condition, Then: then, Else: els})
}

// Loop adds a Loop node.
func (b *Builder) Loop(id, condition, body, exit string) *Builder {
	return b.Node(Node{ID: id, Kind: KindLoop, Condition: condition, Body: body, Exit: exit})
}

// Iteration adds an Iteration node.
func (b *Builder) Iteration(id, collection, itemVar, body, exit string) *Builder {
	return b.Node(Node{ID: id, Kind: KindIteration, Collection: collection, ItemVar: itemVar, Body: body, Exit: exit})
}

// Parallel adds a Parallel node whose branches are given as ordered node
// sequences. Each branch is itself typically built with a sub-Builder and
// passed via Nodes().
func (b *Builder) Parallel(id string, next string, branches ...[]Node) *Builder {
	if len(branches) == 0 {
		panic(fmt.Sprintf("dsl: parallel node %q must have at least one branch", id))
	}
	return b.Node(Node{ID: id, Kind: KindParallel, Next: next, Branches: branches})
}

// Edge adds an out-of-line edge, usable alongside or instead of inline
// Next/Then/Else fields.
func (b *Builder) Edge(source, target, condition string) *Builder {
	b.doc.Edges = append(b.doc.Edges, Edge{Source: source, Target: target, Condition: condition})
	return b
}

// Build returns the assembled Document.
func (b *Builder) Build() *Document {
	return &b.doc
}

// Branch is a convenience for building one Parallel branch's node sequence
// with the same fluent style as Builder, without a Workflow header.
type Branch struct {
	nodes []Node
}

// NewBranch starts a Parallel branch.
func NewBranch() *Branch { return &Branch{} }

func (br *Branch) Node(n Node) *Branch {
	if n.ID == "" {
		panic("dsl: branch node must have a non-empty ID")
	}
	br.nodes = append(br.nodes, n)
	return br
}

func (br *Branch) Assign(id, varName, expr, next string) *Branch {
	return br.Node(Node{ID: id, Kind: KindAssign, Condition: expr, Output: varName, Next: next})
}

func (br *Branch) Function(id, handler string, params any, output, next string) *Branch {
	return br.Node(Node{ID: id, Kind: KindFunction, Function: handler, Params: params, Output: output, Next: next})
}

// Nodes returns the accumulated node sequence, for use as one element of
// Builder.Parallel's variadic branches.
func (br *Branch) Nodes() []Node {
	return br.nodes
}
