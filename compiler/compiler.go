package compiler

import (
	"fmt"
	"strings"

	"github.com/relayflow/relayflow/dsl"
	"github.com/relayflow/relayflow/exprlang"
)

// FunctionValidator is implemented by the Function registry. Compile calls
// Validate once per Function node so that a document referencing an unknown
// handler, or passing it a params shape it rejects, fails at compile time
// rather than on the first Task that reaches it. A nil FunctionValidator
// skips this check entirely (useful for tests that compile Blueprints
// without a live registry).
type FunctionValidator interface {
	Validate(handlerName string, params any) error
}

// Result is the outcome of a successful Compile: the Blueprint plus any
// non-fatal Diagnostics (currently only UnreachableNode warnings).
type Result struct {
	Blueprint *Blueprint
	Warnings  []Diagnostic
}

// Options configures optional Compile behavior. The zero value is a
// sensible default for tests and callers that don't need it.
type Options struct {
	// DefaultRetry is applied to a Function node that specifies no retry
	// block of its own. A zero MaxAttempts is normalized to 1 (no
	// retries), matching RetryPolicy's own zero-value convention.
	DefaultRetry RetryPolicy
}

// Compile runs the Expander followed by a three-pass compilation: index
// assignment, edge resolution, and parameter baking. It returns a
// *CompileError (aggregating every fatal Diagnostic
// found) rather than stopping at the first problem, except where a later
// pass genuinely cannot proceed without the earlier one succeeding (e.g.
// edge resolution requires a complete, duplicate-free index).
func Compile(doc *dsl.Document, validator FunctionValidator, opts ...Options) (*Result, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.DefaultRetry.MaxAttempts == 0 {
		o.DefaultRetry = RetryPolicy{MaxAttempts: 1}
	}

	expanded, err := Expand(doc)
	if err != nil {
		return nil, err
	}
	wireLoopBodies(expanded)
	edgeDiags := applyEdges(expanded)

	idToIndex, diags := assignIndices(expanded)
	diags = append(diags, edgeDiags...)
	if hasFatal(diags) {
		return nil, &CompileError{Diagnostics: diags}
	}

	nodes := make([]BlueprintNode, len(expanded.Nodes))
	var startIndex = -1
	var fatal []Diagnostic

	for i, n := range expanded.Nodes {
		bn, ds := compileNode(n, idToIndex, o.DefaultRetry)
		nodes[i] = bn
		if bn.Kind == NodeIteration {
			nodes[i].ContinueIndex = i
		}
		fatal = append(fatal, ds...)
		if n.Kind == dsl.KindStart {
			if startIndex != -1 {
				fatal = append(fatal, Diagnostic{Kind: ErrMissingStart, NodeID: n.ID, Message: "more than one Start node"})
			}
			startIndex = i
		}
	}
	if startIndex == -1 {
		fatal = append(fatal, Diagnostic{Kind: ErrMissingStart, Message: "document has no Start node"})
	}

	resolveJoinIndices(nodes, idToIndex)
	fatal = append(fatal, checkJoinTopology(nodes)...)

	if validator != nil {
		fatal = append(fatal, validateFunctions(expanded, nodes, validator)...)
	}

	if hasFatal(fatal) {
		return nil, &CompileError{Diagnostics: fatal}
	}

	warnings := checkReachability(expanded, nodes, startIndex, idToIndex)

	bp := &Blueprint{
		Nodes:      nodes,
		StartIndex: startIndex,
		IDToIndex:  idToIndex,
		Metadata: Metadata{
			ID:      expanded.Workflow.ID,
			Name:    expanded.Workflow.Name,
			Version: expanded.Workflow.Version,
		},
	}
	bp.Metadata.Fingerprint = fingerprint(bp)

	return &Result{Blueprint: bp, Warnings: warnings}, nil
}

// wireLoopBodies rewrites the dangling successor of every node reachable
// from a Loop or Iteration node's body (without crossing into a nested
// construct's own exit) back to that Loop/Iteration's own id, so that
// finishing one pass through the body returns control to the loop head to
// re-evaluate its condition (Loop) or advance its cursor (Iteration).
func wireLoopBodies(doc *dsl.Document) {
	byID := make(map[string]*dsl.Node, len(doc.Nodes))
	for i := range doc.Nodes {
		byID[doc.Nodes[i].ID] = &doc.Nodes[i]
	}
	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		if n.Kind != dsl.KindLoop && n.Kind != dsl.KindIteration {
			continue
		}
		if n.Body == "" {
			continue
		}
		visited := map[string]bool{}
		wireDangling(byID, n.Body, n.ID, visited)
	}
}

func wireDangling(byID map[string]*dsl.Node, id, backTo string, visited map[string]bool) {
	if id == "" || visited[id] {
		return
	}
	visited[id] = true
	n, ok := byID[id]
	if !ok {
		return
	}
	switch n.Kind {
	case dsl.KindStart, dsl.KindAssign, dsl.KindFunction, dsl.KindJoin:
		if n.Next == "" {
			n.Next = backTo
		} else {
			wireDangling(byID, n.Next, backTo, visited)
		}
	case dsl.KindIf:
		wireDangling(byID, n.Then, backTo, visited)
		wireDangling(byID, n.Else, backTo, visited)
	case dsl.KindLoop, dsl.KindIteration:
		if n.Exit == "" {
			n.Exit = backTo
		} else {
			wireDangling(byID, n.Exit, backTo, visited)
		}
	case dsl.KindFork:
		for _, t := range n.Targets {
			wireDangling(byID, t, backTo, visited)
		}
	}
}

// applyEdges fills in any successor field left empty by a node's inline
// next/then/else with the matching entry from doc.Edges, and reports a
// TopologyMismatch when both an inline field and an edge are present but
// name different targets. An If node's edges are disambiguated by
// Condition: "false" wires Else, anything else (including an empty
// Condition) wires Then. Every other node kind has a single successor,
// so its edges always wire Next.
func applyEdges(doc *dsl.Document) []Diagnostic {
	if len(doc.Edges) == 0 {
		return nil
	}
	byID := make(map[string]*dsl.Node, len(doc.Nodes))
	for i := range doc.Nodes {
		byID[doc.Nodes[i].ID] = &doc.Nodes[i]
	}

	var diags []Diagnostic
	for _, e := range doc.Edges {
		n, ok := byID[e.Source]
		if !ok {
			diags = append(diags, Diagnostic{Kind: ErrUnknownID, NodeID: e.Source, Message: fmt.Sprintf("edge references unknown source id %q", e.Source)})
			continue
		}
		if n.Kind == dsl.KindIf && e.Condition == "false" {
			diags = append(diags, wireOrConflict(&n.Else, e.Target, n.ID, "else")...)
			continue
		}
		if n.Kind == dsl.KindIf {
			diags = append(diags, wireOrConflict(&n.Then, e.Target, n.ID, "then")...)
			continue
		}
		diags = append(diags, wireOrConflict(&n.Next, e.Target, n.ID, "next")...)
	}
	return diags
}

// wireOrConflict sets *field to target if it is currently empty, or
// reports a fatal TopologyMismatch if it is already set to a different
// target, implementing "the compiler rejects conflicting information"
// between inline successors and the edges list.
func wireOrConflict(field *string, target, nodeID, name string) []Diagnostic {
	if *field == "" {
		*field = target
		return nil
	}
	if *field != target {
		return []Diagnostic{{
			Kind:    ErrTopologyMismatch,
			NodeID:  nodeID,
			Message: fmt.Sprintf("inline %s %q disagrees with edges-derived target %q", name, *field, target),
		}}
	}
	return nil
}

func hasFatal(diags []Diagnostic) bool {
	for _, d := range diags {
		if !d.Warning {
			return true
		}
	}
	return false
}

// assignIndices assigns each node a contiguous index by document order and
// rejects duplicate IDs.
func assignIndices(doc *dsl.Document) (map[string]int, []Diagnostic) {
	idToIndex := make(map[string]int, len(doc.Nodes))
	var diags []Diagnostic
	for i, n := range doc.Nodes {
		if n.ID == "" {
			diags = append(diags, Diagnostic{Kind: ErrDuplicateID, Message: fmt.Sprintf("node at position %d has an empty id", i)})
			continue
		}
		if _, exists := idToIndex[n.ID]; exists {
			diags = append(diags, Diagnostic{Kind: ErrDuplicateID, NodeID: n.ID, Message: "duplicate node id"})
			continue
		}
		idToIndex[n.ID] = i
	}
	return idToIndex, diags
}

func resolveID(idToIndex map[string]int, id string, self string, diags *[]Diagnostic) int {
	if id == "" {
		return -1
	}
	idx, ok := idToIndex[id]
	if !ok {
		*diags = append(*diags, Diagnostic{Kind: ErrUnknownID, NodeID: self, Message: fmt.Sprintf("references unknown id %q", id)})
		return -1
	}
	return idx
}

// compileNode resolves n's successor references to indices, compiles its
// expressions, and bakes its Function params template. defaultRetry is
// used for a Function node that specifies no retry block of its own.
func compileNode(n dsl.Node, idToIndex map[string]int, defaultRetry RetryPolicy) (BlueprintNode, []Diagnostic) {
	var diags []Diagnostic
	bn := BlueprintNode{SourceID: n.ID, Then: -1, Else: -1, Body: -1, Exit: -1, JoinIndex: -1}

	switch n.Kind {
	case dsl.KindStart:
		bn.Kind = NodeStart
		bn.Next = resolveID(idToIndex, n.Next, n.ID, &diags)

	case dsl.KindEnd:
		bn.Kind = NodeEnd
		bn.Next = -1

	case dsl.KindAssign:
		bn.Kind = NodeAssign
		bn.Var = n.Output
		bn.Next = resolveID(idToIndex, n.Next, n.ID, &diags)
		if c, err := exprlang.Compile(n.Condition); err != nil {
			diags = append(diags, Diagnostic{Kind: ErrInvalidExpression, NodeID: n.ID, Message: err.Error()})
		} else {
			bn.Expr = c
		}

	case dsl.KindFunction:
		bn.Kind = NodeFunction
		bn.HandlerName = n.Function
		bn.ParamsTemplate = n.Params
		bn.OutputVar = n.Output
		bn.Next = resolveID(idToIndex, n.Next, n.ID, &diags)
		if n.Retry != nil {
			bn.Retry = RetryPolicy{
				MaxAttempts:       n.Retry.MaxAttempts,
				InitialBackoffMS:  n.Retry.InitialBackoffMS,
				BackoffMultiplier: n.Retry.BackoffMultiplier,
				MaxBackoffMS:      n.Retry.MaxBackoffMS,
			}
		} else {
			bn.Retry = defaultRetry
		}

	case dsl.KindIf:
		bn.Kind = NodeIf
		bn.Then = resolveID(idToIndex, n.Then, n.ID, &diags)
		bn.Else = resolveID(idToIndex, n.Else, n.ID, &diags)
		if c, err := exprlang.Compile(n.Condition); err != nil {
			diags = append(diags, Diagnostic{Kind: ErrInvalidExpression, NodeID: n.ID, Message: err.Error()})
		} else {
			bn.Cond = c
		}

	case dsl.KindLoop:
		bn.Kind = NodeLoop
		bn.Body = resolveID(idToIndex, n.Body, n.ID, &diags)
		bn.Exit = resolveID(idToIndex, n.Exit, n.ID, &diags)
		if c, err := exprlang.Compile(n.Condition); err != nil {
			diags = append(diags, Diagnostic{Kind: ErrInvalidExpression, NodeID: n.ID, Message: err.Error()})
		} else {
			bn.Cond = c
		}

	case dsl.KindIteration:
		bn.Kind = NodeIteration
		bn.Body = resolveID(idToIndex, n.Body, n.ID, &diags)
		bn.Exit = resolveID(idToIndex, n.Exit, n.ID, &diags)
		bn.ItemVar = n.ItemVar
		bn.LoopVar = fmt.Sprintf("__iter_%s", n.ID)
		if c, err := exprlang.Compile(n.Collection); err != nil {
			diags = append(diags, Diagnostic{Kind: ErrInvalidExpression, NodeID: n.ID, Message: err.Error()})
		} else {
			bn.CollectionExpr = c
		}

	case dsl.KindFork:
		bn.Kind = NodeFork
		bn.Targets = make([]int, len(n.Targets))
		for i, t := range n.Targets {
			bn.Targets[i] = resolveID(idToIndex, t, n.ID, &diags)
		}

	case dsl.KindJoin:
		bn.Kind = NodeJoin
		bn.Next = resolveID(idToIndex, n.Next, n.ID, &diags)
		bn.Expect = n.Expect

	default:
		diags = append(diags, Diagnostic{Kind: ErrTopologyMismatch, NodeID: n.ID, Message: fmt.Sprintf("unknown node kind %q", n.Kind)})
	}

	return bn, diags
}

// resolveJoinIndices back-fills each Fork's JoinIndex by following its
// first target's chain until it reaches a Join, for compiler-emitted and
// hand-authored Fork nodes alike. A Fork whose chain reaches no Join keeps
// JoinIndex at -1, which is fine since nothing on the runtime hot path
// consults it (it exists purely for diagnostics and Expect validation).
func resolveJoinIndices(nodes []BlueprintNode, idToIndex map[string]int) {
	for i := range nodes {
		if nodes[i].Kind != NodeFork || len(nodes[i].Targets) == 0 {
			continue
		}
		if j, ok := followToJoin(nodes, nodes[i].Targets[0], map[int]bool{}); ok {
			nodes[i].JoinIndex = j
		}
	}
}

func followToJoin(nodes []BlueprintNode, idx int, visited map[int]bool) (int, bool) {
	if idx < 0 || idx >= len(nodes) || visited[idx] {
		return 0, false
	}
	visited[idx] = true
	n := nodes[idx]
	switch n.Kind {
	case NodeJoin:
		return idx, true
	case NodeStart, NodeAssign, NodeFunction:
		return followToJoin(nodes, n.Next, visited)
	case NodeIf:
		if j, ok := followToJoin(nodes, n.Then, visited); ok {
			return j, true
		}
		return followToJoin(nodes, n.Else, visited)
	case NodeLoop, NodeIteration:
		return followToJoin(nodes, n.Exit, visited)
	case NodeFork:
		// A nested Parallel's own synthetic Fork sits on the path to the
		// outer Join: pass through its inner Join (using its JoinIndex when
		// already resolved and recomputing it otherwise, since
		// resolveJoinIndices makes a single forward pass and an outer Fork
		// is always visited before the inner Forks nested inside its
		// branches) and keep following from the inner Join's own Next.
		if len(n.Targets) == 0 {
			return 0, false
		}
		joinIdx := n.JoinIndex
		if joinIdx < 0 {
			j, ok := followToJoin(nodes, n.Targets[0], visited)
			if !ok {
				return 0, false
			}
			joinIdx = j
		}
		return followToJoin(nodes, nodes[joinIdx].Next, visited)
	default:
		return 0, false
	}
}

// checkJoinTopology validates that every Join's Expect matches the number
// of Fork targets that structurally converge on it, for Joins where that
// count could be determined.
func checkJoinTopology(nodes []BlueprintNode) []Diagnostic {
	arriving := make(map[int]int)
	for _, n := range nodes {
		if n.Kind == NodeFork && n.JoinIndex >= 0 {
			arriving[n.JoinIndex] += len(n.Targets)
		}
	}
	var diags []Diagnostic
	for idx, n := range nodes {
		if n.Kind != NodeJoin {
			continue
		}
		if want, ok := arriving[idx]; ok && n.Expect != want {
			diags = append(diags, Diagnostic{
				Kind:    ErrTopologyMismatch,
				NodeID:  n.SourceID,
				Message: fmt.Sprintf("join expects %d arrivals but %d branches converge on it", n.Expect, want),
			})
		}
	}
	return diags
}

func validateFunctions(doc *dsl.Document, nodes []BlueprintNode, validator FunctionValidator) []Diagnostic {
	var diags []Diagnostic
	for i, n := range doc.Nodes {
		if n.Kind != dsl.KindFunction {
			continue
		}
		if err := validator.Validate(n.Function, nodes[i].ParamsTemplate); err != nil {
			diags = append(diags, Diagnostic{Kind: ErrFunctionValidation, NodeID: n.ID, Message: err.Error()})
		}
	}
	return diags
}

// checkReachability walks forward from Start and reports every node index
// never reached as an UnreachableNode warning.
func checkReachability(doc *dsl.Document, nodes []BlueprintNode, startIndex int, idToIndex map[string]int) []Diagnostic {
	reached := make([]bool, len(nodes))
	var visit func(idx int)
	visit = func(idx int) {
		if idx < 0 || idx >= len(nodes) || reached[idx] {
			return
		}
		reached[idx] = true
		n := nodes[idx]
		switch n.Kind {
		case NodeStart, NodeAssign, NodeFunction, NodeJoin:
			visit(n.Next)
		case NodeIf:
			visit(n.Then)
			visit(n.Else)
		case NodeLoop:
			visit(n.Body)
			visit(n.Exit)
		case NodeIteration:
			visit(n.Body)
			visit(n.Exit)
		case NodeFork:
			for _, t := range n.Targets {
				visit(t)
			}
		}
	}
	if startIndex >= 0 {
		visit(startIndex)
	}

	var warnings []Diagnostic
	for i, ok := range reached {
		if !ok {
			warnings = append(warnings, Diagnostic{Kind: ErrUnreachableNode, NodeID: nodes[i].SourceID, Warning: true, Message: "node is not reachable from Start"})
		}
	}
	return warnings
}

// fingerprint derives a short, stable identifier for a compiled Blueprint's
// shape, stored in Metadata.Fingerprint for diagnostics; nothing in the
// compiler or engine compares fingerprints. It hashes the
// canonical node sequence (kind, every successor index, retry policy, and
// the handful of other fields that affect control flow) rather than just
// the node count, so two Blueprints of equal length but different wiring
// never collide.
func fingerprint(bp *Blueprint) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%s|%d", bp.Metadata.ID, bp.Metadata.Version, len(bp.Nodes))
	for _, n := range bp.Nodes {
		fmt.Fprintf(&sb, "|%s:%d,%d,%d,%d,%d,%d:%s:%s:%s:%d,%d,%g,%d:%s,%s:%v",
			n.Kind.String(), n.Next, n.Then, n.Else, n.Body, n.Exit, n.Expect,
			n.Var, n.HandlerName, n.OutputVar,
			n.Retry.MaxAttempts, n.Retry.InitialBackoffMS, n.Retry.BackoffMultiplier, n.Retry.MaxBackoffMS,
			n.ItemVar, n.LoopVar,
			n.Targets,
		)
	}
	return fmt.Sprintf("%016x", fnv1a(sb.String()))
}

func fnv1a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
