package compiler

import (
	"fmt"

	"github.com/relayflow/relayflow/dsl"
)

// Expand desugars every Parallel node in doc into a Fork/Join pair plus its
// flattened branch nodes, recursing into nested Parallels bottom-up so that
// the Compiler never has to reason about anything but the primitive node
// kinds. It returns a new Document; doc itself is left untouched.
func Expand(doc *dsl.Document) (*dsl.Document, error) {
	out := &dsl.Document{
		Workflow: doc.Workflow,
		Edges:    doc.Edges,
	}

	seen := map[string]bool{}
	for _, n := range doc.Nodes {
		if n.ID != "" {
			seen[n.ID] = true
		}
	}

	e := &expander{seen: seen}
	for _, n := range doc.Nodes {
		expanded, err := e.expandNode(n)
		if err != nil {
			return nil, err
		}
		out.Nodes = append(out.Nodes, expanded...)
	}

	// A node reference anywhere in the document may point at the ID of a
	// Parallel node that was retired during expansion (replaced by its
	// Fork). Rewrite every such reference to the Fork's synthetic ID.
	if len(e.aliases) > 0 {
		for i := range out.Nodes {
			rewriteReferences(&out.Nodes[i], e.aliases)
		}
	}

	return out, nil
}

type expander struct {
	seen    map[string]bool
	aliases map[string]string // original Parallel ID -> synthetic Fork ID
}

func (e *expander) freshID(base, suffix string) (string, error) {
	id := base + suffix
	if e.seen[id] {
		return "", &CompileError{Diagnostics: []Diagnostic{{
			Kind:    ErrDuplicateID,
			NodeID:  id,
			Message: fmt.Sprintf("synthetic id %q collides with a user-defined node id", id),
		}}}
	}
	e.seen[id] = true
	return id, nil
}

// expandNode returns the flat sequence of primitive nodes n desugars to. For
// every kind but Parallel this is just []dsl.Node{n} (after recursing into
// any nested branches, which only Parallel has).
func (e *expander) expandNode(n dsl.Node) ([]dsl.Node, error) {
	if n.Kind != dsl.KindParallel {
		return []dsl.Node{n}, nil
	}

	forkID, err := e.freshID(n.ID, "__fork")
	if err != nil {
		return nil, err
	}
	joinID, err := e.freshID(n.ID, "__join")
	if err != nil {
		return nil, err
	}
	if e.aliases == nil {
		e.aliases = map[string]string{}
	}
	e.aliases[n.ID] = forkID

	var flat []dsl.Node
	targets := make([]string, 0, len(n.Branches))

	for bi, branch := range n.Branches {
		if len(branch) == 0 {
			return nil, &CompileError{Diagnostics: []Diagnostic{{
				Kind:    ErrTopologyMismatch,
				NodeID:  n.ID,
				Message: fmt.Sprintf("branch %d is empty", bi),
			}}}
		}

		// Recurse bottom-up: expand nested Parallels within this branch
		// before splicing the branch into the flat node list.
		var branchFlat []dsl.Node
		for _, bn := range branch {
			sub, err := e.expandNode(bn)
			if err != nil {
				return nil, err
			}
			branchFlat = append(branchFlat, sub...)
		}

		targets = append(targets, branch[0].ID)

		terminal := findTerminal(branchFlat)
		if terminal == nil {
			return nil, &CompileError{Diagnostics: []Diagnostic{{
				Kind:    ErrTopologyMismatch,
				NodeID:  n.ID,
				Message: fmt.Sprintf("branch %d has no terminal node to join", bi),
			}}}
		}
		terminal.Next = joinID

		flat = append(flat, branchFlat...)
	}

	fork := dsl.Node{ID: forkID, Kind: dsl.KindFork, Targets: targets}
	join := dsl.Node{ID: joinID, Kind: dsl.KindJoin, Next: n.Next, Expect: len(n.Branches)}

	result := make([]dsl.Node, 0, len(flat)+2)
	result = append(result, fork)
	result = append(result, flat...)
	result = append(result, join)
	return result, nil
}

// findTerminal locates the single node in a flattened branch whose Next (or
// Exit, for Loop/Iteration) is unset — the node whose successor is implicitly
// "whatever comes after this branch". Branches are linear by construction
// (a chain reachable from the branch head), so exactly one such node exists
// unless the branch author left an If arm dangling, which is a document
// error the Compiler's UnknownId/reachability pass will surface later.
//
// A branch whose last element is itself a nested Parallel has already been
// expanded bottom-up by the time it reaches here, so the branch's flattened
// tail is the nested Fork/Join pair rather than a Start/Assign/Function/
// Loop/Iteration node — the inner Join is the dangling successor in that
// case, mirroring wireDangling's treatment of Join as a valid dangling
// candidate.
func findTerminal(nodes []dsl.Node) *dsl.Node {
	for i := range nodes {
		n := &nodes[i]
		switch n.Kind {
		case dsl.KindStart, dsl.KindAssign, dsl.KindFunction, dsl.KindJoin:
			if n.Next == "" {
				return n
			}
		case dsl.KindLoop, dsl.KindIteration:
			if n.Exit == "" {
				return n
			}
		}
	}
	return nil
}

func rewriteReferences(n *dsl.Node, aliases map[string]string) {
	rewrite := func(id string) string {
		if a, ok := aliases[id]; ok {
			return a
		}
		return id
	}
	if n.Next != "" {
		n.Next = rewrite(n.Next)
	}
	if n.Then != "" {
		n.Then = rewrite(n.Then)
	}
	if n.Else != "" {
		n.Else = rewrite(n.Else)
	}
	if n.Body != "" {
		n.Body = rewrite(n.Body)
	}
	if n.Exit != "" {
		n.Exit = rewrite(n.Exit)
	}
	for i, t := range n.Targets {
		n.Targets[i] = rewrite(t)
	}
}
