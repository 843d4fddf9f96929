package dsl

import "testing"

func TestBuilderLinearChain(t *testing.T) {
	doc := NewBuilder("wf1", "linear").
		Start("start", "add").
		Assign("add", "x", "1 + 1", "end").
		End("end").
		Build()

	if doc.Workflow.ID != "wf1" || doc.Workflow.Name != "linear" {
		t.Fatalf("unexpected workflow header: %+v", doc.Workflow)
	}
	if len(doc.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(doc.Nodes))
	}
	if doc.Nodes[0].Kind != KindStart || doc.Nodes[0].Next != "add" {
		t.Fatalf("unexpected start node: %+v", doc.Nodes[0])
	}
	if doc.Nodes[2].Kind != KindEnd {
		t.Fatalf("unexpected end node: %+v", doc.Nodes[2])
	}
}

func TestBuilderParallelBranches(t *testing.T) {
	doc := NewBuilder("wf2", "fanout").
		Start("start", "p").
		Parallel("p", "join",
			NewBranch().Assign("a", "x", "1", "").Nodes(),
			NewBranch().Assign("b", "y", "2", "").Nodes(),
		).
		End("join").
		Build()

	var parallel *Node
	for i := range doc.Nodes {
		if doc.Nodes[i].Kind == KindParallel {
			parallel = &doc.Nodes[i]
		}
	}
	if parallel == nil {
		t.Fatalf("expected a parallel node")
	}
	if len(parallel.Branches) != 2 {
		t.Fatalf("expected 2 branches, got %d", len(parallel.Branches))
	}
	if parallel.Branches[0][0].ID != "a" || parallel.Branches[1][0].ID != "b" {
		t.Fatalf("unexpected branch contents: %+v", parallel.Branches)
	}
}

func TestBuilderNodeRejectsEmptyID(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic for an empty node ID")
		}
	}()
	NewBuilder("wf3", "bad").Node(Node{Kind: KindEnd})
}

func TestBuilderParallelRejectsNoBranches(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic for a parallel node with no branches")
		}
	}()
	NewBuilder("wf4", "bad").Parallel("p", "end")
}
