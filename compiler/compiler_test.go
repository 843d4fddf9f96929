package compiler

import (
	"reflect"
	"testing"

	"github.com/relayflow/relayflow/dsl"
)

func TestCompileLinearAssignChain(t *testing.T) {
	doc := dsl.NewBuilder("wf1", "linear").
		Start("start", "a").
		Assign("a", "x", "1", "b").
		Assign("b", "y", "x + 1", "end").
		End("end").
		Build()

	res, err := Compile(doc, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	bp := res.Blueprint
	if bp.Nodes[bp.StartIndex].Kind != NodeStart {
		t.Fatalf("expected start node at StartIndex")
	}
	if bp.Nodes[bp.IDToIndex["a"]].Var != "x" {
		t.Fatalf("expected assign a to bind var x")
	}
}

func TestCompileRejectsDuplicateID(t *testing.T) {
	doc := dsl.NewBuilder("wf2", "dup").
		Start("start", "a").
		Assign("a", "x", "1", "end").
		Assign("a", "y", "2", "end").
		End("end").
		Build()

	_, err := Compile(doc, nil)
	if err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestCompileRejectsUnknownID(t *testing.T) {
	doc := dsl.NewBuilder("wf3", "unknown").
		Start("start", "nope").
		End("end").
		Build()

	_, err := Compile(doc, nil)
	if err == nil {
		t.Fatalf("expected unknown id error")
	}
}

func TestCompileRejectsMissingStart(t *testing.T) {
	doc := dsl.NewBuilder("wf4", "missing-start").
		End("end").
		Build()

	_, err := Compile(doc, nil)
	if err == nil {
		t.Fatalf("expected missing start error")
	}
}

func TestCompileParallelFanOutFanIn(t *testing.T) {
	doc := dsl.NewBuilder("wf5", "parallel").
		Start("start", "p").
		Parallel("p", "s",
			dsl.NewBranch().Assign("ba", "a", "1", "").Nodes(),
			dsl.NewBranch().Assign("bb", "b", "2", "").Nodes(),
			dsl.NewBranch().Assign("bc", "c", "3", "").Nodes(),
		).
		Assign("s", "sum", "a + b + c", "end").
		End("end").
		Build()

	res, err := Compile(doc, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	bp := res.Blueprint

	forkIdx, ok := bp.IDToIndex["p__fork"]
	if !ok {
		t.Fatalf("expected synthetic fork id p__fork")
	}
	fork := bp.Nodes[forkIdx]
	if fork.Kind != NodeFork || len(fork.Targets) != 3 {
		t.Fatalf("expected fork with 3 targets, got %+v", fork)
	}

	joinIdx, ok := bp.IDToIndex["p__join"]
	if !ok {
		t.Fatalf("expected synthetic join id p__join")
	}
	join := bp.Nodes[joinIdx]
	if join.Kind != NodeJoin || join.Expect != 3 {
		t.Fatalf("expected join with expect 3, got %+v", join)
	}
	if join.Next != bp.IDToIndex["s"] {
		t.Fatalf("expected join to continue at s")
	}
	if fork.JoinIndex != joinIdx {
		t.Fatalf("expected fork.JoinIndex to resolve to the join, got %d want %d", fork.JoinIndex, joinIdx)
	}

	startAliasIdx, ok := bp.IDToIndex["start"]
	if !ok {
		t.Fatalf("missing start")
	}
	if bp.Nodes[startAliasIdx].Next != forkIdx {
		t.Fatalf("expected start's reference to the retired parallel id to be rewritten to the fork")
	}
}

func TestCompileLoopBodyWiredBackToLoop(t *testing.T) {
	doc := dsl.NewBuilder("wf6", "loop").
		Start("start", "l").
		Node(dsl.Node{ID: "l", Kind: dsl.KindLoop, Condition: "n < 3", Body: "inc", Exit: "end"}).
		Assign("inc", "n", "n + 1", "").
		End("end").
		Build()

	res, err := Compile(doc, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	bp := res.Blueprint
	loopIdx := bp.IDToIndex["l"]
	incIdx := bp.IDToIndex["inc"]
	if bp.Nodes[incIdx].Next != loopIdx {
		t.Fatalf("expected loop body terminal to be rewired back to the loop node")
	}
}

func TestCompileIterationSelfLoop(t *testing.T) {
	doc := dsl.NewBuilder("wf7", "iteration").
		Start("start", "it").
		Node(dsl.Node{ID: "it", Kind: dsl.KindIteration, Collection: "items", ItemVar: "item", Body: "sum", Exit: "end"}).
		Assign("sum", "total", "total + item", "").
		End("end").
		Build()

	res, err := Compile(doc, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	bp := res.Blueprint
	itIdx := bp.IDToIndex["it"]
	sumIdx := bp.IDToIndex["sum"]
	if bp.Nodes[sumIdx].Next != itIdx {
		t.Fatalf("expected iteration body terminal to loop back to the iteration node")
	}
	if bp.Nodes[itIdx].ContinueIndex != itIdx {
		t.Fatalf("expected ContinueIndex to equal the iteration node's own index")
	}
}

type stubValidator struct{ err error }

func (s stubValidator) Validate(handler string, params any) error { return s.err }

func TestCompileFunctionValidationFailure(t *testing.T) {
	doc := dsl.NewBuilder("wf8", "fn").
		Start("start", "f").
		Function("f", "does-not-exist", map[string]any{"x": 1}, "out", "end").
		End("end").
		Build()

	_, err := Compile(doc, stubValidator{err: errBoom})
	if err == nil {
		t.Fatalf("expected function validation error")
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (e *boomError) Error() string { return "boom" }

// buildDoc constructs a fresh Document each call so a determinism test
// never accidentally shares mutable state (e.g. Node slices) between the
// two Compile calls it compares.
func buildDoc() *dsl.Document {
	return dsl.NewBuilder("wf10", "determinism").
		Start("start", "p").
		Parallel("p", "s",
			dsl.NewBranch().Assign("ba", "a", "1", "").Nodes(),
			dsl.NewBranch().Assign("bb", "b", "2", "").Nodes(),
		).
		If("s", "a + b > 0", "yes", "no").
		Assign("yes", "r", "1", "end").
		Assign("no", "r", "0", "end").
		End("end").
		Build()
}

// wireShape strips a BlueprintNode down to the fields that determine its
// position in the graph, leaving out the compiled *exprlang.Compiled
// pointers (which carry an internal bytecode program not meant to be
// compared by identity or deep equality across separate Compile calls).
type wireShape struct {
	Kind                                  NodeKind
	Next, Then, Else, Body, Exit, Expect  int
	Var, HandlerName, OutputVar, ItemVar  string
	LoopVar                               string
	Targets                               []int
	Retry                                 RetryPolicy
}

func shapesOf(nodes []BlueprintNode) []wireShape {
	out := make([]wireShape, len(nodes))
	for i, n := range nodes {
		out[i] = wireShape{
			Kind: n.Kind, Next: n.Next, Then: n.Then, Else: n.Else, Body: n.Body, Exit: n.Exit, Expect: n.Expect,
			Var: n.Var, HandlerName: n.HandlerName, OutputVar: n.OutputVar, ItemVar: n.ItemVar, LoopVar: n.LoopVar,
			Targets: n.Targets, Retry: n.Retry,
		}
	}
	return out
}

func TestCompileIsDeterministic(t *testing.T) {
	res1, err := Compile(buildDoc(), nil)
	if err != nil {
		t.Fatalf("Compile (1st): %v", err)
	}
	res2, err := Compile(buildDoc(), nil)
	if err != nil {
		t.Fatalf("Compile (2nd): %v", err)
	}

	if !reflect.DeepEqual(res1.Blueprint.IDToIndex, res2.Blueprint.IDToIndex) {
		t.Fatalf("IDToIndex differs between compiles:\n%+v\n%+v", res1.Blueprint.IDToIndex, res2.Blueprint.IDToIndex)
	}
	if !reflect.DeepEqual(shapesOf(res1.Blueprint.Nodes), shapesOf(res2.Blueprint.Nodes)) {
		t.Fatalf("node wiring differs between compiles:\n%+v\n%+v", shapesOf(res1.Blueprint.Nodes), shapesOf(res2.Blueprint.Nodes))
	}
	if res1.Blueprint.Metadata.Fingerprint != res2.Blueprint.Metadata.Fingerprint {
		t.Fatalf("fingerprint differs between compiles: %q vs %q", res1.Blueprint.Metadata.Fingerprint, res2.Blueprint.Metadata.Fingerprint)
	}
}

// TestCompileForkJoinExpectMismatch hand-authors a Fork with two targets
// converging on a Join whose Expect claims three arrivals, exercising
// checkJoinTopology's ErrTopologyMismatch branch directly (the Expander
// never produces a mismatch like this on its own; only a hand-authored or
// malformed document can).
func TestCompileForkJoinExpectMismatch(t *testing.T) {
	doc := dsl.NewBuilder("wf11", "join-mismatch").
		Start("start", "f").
		Node(dsl.Node{ID: "f", Kind: dsl.KindFork, Targets: []string{"ba", "bb"}}).
		Assign("ba", "a", "1", "j").
		Assign("bb", "b", "2", "j").
		Node(dsl.Node{ID: "j", Kind: dsl.KindJoin, Next: "end", Expect: 3}).
		End("end").
		Build()

	_, err := Compile(doc, nil)
	if err == nil {
		t.Fatalf("expected a topology mismatch error for a join expecting 3 arrivals with only 2 branches converging")
	}
	ce, ok := err.(*CompileError)
	if !ok {
		t.Fatalf("expected *CompileError, got %T", err)
	}
	found := false
	for _, d := range ce.Diagnostics {
		if d.Kind == ErrTopologyMismatch {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ErrTopologyMismatch diagnostic, got %+v", ce.Diagnostics)
	}
}

// TestCompileNestedParallelBranchTerminal builds an outer Parallel whose
// second branch's last (and only) element is itself a nested Parallel, the
// shape that requires findTerminal to recognize the nested pair's own Join
// as the branch's dangling successor and followToJoin to see through the
// nested Fork/Join pair when resolving the outer Fork's JoinIndex.
func TestCompileNestedParallelBranchTerminal(t *testing.T) {
	doc := dsl.NewBuilder("wf14", "nested-parallel").
		Start("start", "p").
		Parallel("p", "s",
			dsl.NewBranch().Node(dsl.Node{
				ID:   "np",
				Kind: dsl.KindParallel,
				Branches: [][]dsl.Node{
					{{ID: "bc", Kind: dsl.KindAssign, Output: "c", Condition: "3"}},
					{{ID: "bd", Kind: dsl.KindAssign, Output: "d", Condition: "4"}},
				},
			}).Nodes(),
			dsl.NewBranch().Assign("ba", "a", "1", "").Nodes(),
		).
		Assign("s", "sum", "a + c + d", "end").
		End("end").
		Build()

	res, err := Compile(doc, nil)
	if err != nil {
		t.Fatalf("expected an outer branch ending in a nested Parallel to compile, got: %v", err)
	}
	bp := res.Blueprint

	outerForkIdx := bp.IDToIndex["p__fork"]
	outerJoinIdx := bp.IDToIndex["p__join"]
	outerFork := bp.Nodes[outerForkIdx]
	if outerFork.Kind != NodeFork || len(outerFork.Targets) != 2 {
		t.Fatalf("expected outer fork with 2 targets, got %+v", outerFork)
	}
	outerJoin := bp.Nodes[outerJoinIdx]
	if outerJoin.Kind != NodeJoin || outerJoin.Expect != 2 {
		t.Fatalf("expected outer join with expect 2, got %+v", outerJoin)
	}
	if outerFork.JoinIndex != outerJoinIdx {
		t.Fatalf("expected outer fork's JoinIndex to see through the nested fork/join and resolve to the outer join, got %d want %d", outerFork.JoinIndex, outerJoinIdx)
	}

	innerJoinIdx := bp.IDToIndex["np__join"]
	if bp.Nodes[innerJoinIdx].Next != outerJoinIdx {
		t.Fatalf("expected the inner join to be rewired to the outer join")
	}
}

// TestCompileNestedParallelExpectMismatchDetected proves that a malformed
// Expect on a Join reached through a nested Parallel is now caught rather
// than silently skipped: the outer Join here claims 3 arrivals but only 2
// branches (one of them itself a nested Parallel) actually converge on it.
func TestCompileNestedParallelExpectMismatchDetected(t *testing.T) {
	doc := dsl.NewBuilder("wf15", "nested-parallel-mismatch").
		Start("start", "f").
		Node(dsl.Node{ID: "f", Kind: dsl.KindFork, Targets: []string{"np__fork", "ba"}}).
		Assign("ba", "a", "1", "j").
		Node(dsl.Node{ID: "np__fork", Kind: dsl.KindFork, Targets: []string{"bc", "bd"}}).
		Assign("bc", "c", "3", "np__join").
		Assign("bd", "d", "4", "np__join").
		Node(dsl.Node{ID: "np__join", Kind: dsl.KindJoin, Next: "j", Expect: 2}).
		Node(dsl.Node{ID: "j", Kind: dsl.KindJoin, Next: "end", Expect: 3}).
		End("end").
		Build()

	_, err := Compile(doc, nil)
	if err == nil {
		t.Fatalf("expected a topology mismatch error for the outer join expecting 3 arrivals with only 2 branches converging")
	}
	ce, ok := err.(*CompileError)
	if !ok {
		t.Fatalf("expected *CompileError, got %T", err)
	}
	found := false
	for _, d := range ce.Diagnostics {
		if d.Kind == ErrTopologyMismatch {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ErrTopologyMismatch diagnostic, got %+v", ce.Diagnostics)
	}
}

func TestCompileEdgesOnlyWiring(t *testing.T) {
	doc := dsl.NewBuilder("wf12", "edges-only").
		Node(dsl.Node{ID: "start", Kind: dsl.KindStart}).
		Node(dsl.Node{ID: "a", Kind: dsl.KindAssign, Output: "x", Condition: "1"}).
		Node(dsl.Node{ID: "end", Kind: dsl.KindEnd}).
		Edge("start", "a", "").
		Edge("a", "end", "").
		Build()

	res, err := Compile(doc, nil)
	if err != nil {
		t.Fatalf("expected a document wired purely via edges to compile, got: %v", err)
	}
	bp := res.Blueprint
	if bp.Nodes[bp.StartIndex].Next != bp.IDToIndex["a"] {
		t.Fatalf("expected edges-derived Next on start to resolve to node a")
	}
	if bp.Nodes[bp.IDToIndex["a"]].Next != bp.IDToIndex["end"] {
		t.Fatalf("expected edges-derived Next on a to resolve to end")
	}
}

func TestCompileRejectsConflictingInlineAndEdge(t *testing.T) {
	doc := dsl.NewBuilder("wf13", "edges-conflict").
		Start("start", "a").
		Assign("a", "x", "1", "end").
		End("end").
		Edge("a", "somewhere-else", "").
		Build()

	_, err := Compile(doc, nil)
	if err == nil {
		t.Fatalf("expected a topology mismatch error when an inline next disagrees with an edges-derived target")
	}
	ce, ok := err.(*CompileError)
	if !ok {
		t.Fatalf("expected *CompileError, got %T", err)
	}
	found := false
	for _, d := range ce.Diagnostics {
		if d.Kind == ErrTopologyMismatch {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ErrTopologyMismatch diagnostic, got %+v", ce.Diagnostics)
	}
}
