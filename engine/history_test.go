package engine

import "testing"

func TestHistoryLogChronologicalUnderLimit(t *testing.T) {
	h := newHistoryLog(4)
	h.append("i1", HistoryEvent{NodeIndex: 0, Outcome: "ok"})
	h.append("i1", HistoryEvent{NodeIndex: 1, Outcome: "ok"})
	h.append("i1", HistoryEvent{NodeIndex: 2, Outcome: "ok"})

	got := h.events("i1")
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.NodeIndex != i {
			t.Fatalf("expected event %d to have NodeIndex %d, got %d", i, i, ev.NodeIndex)
		}
	}
}

func TestHistoryLogWrapsAtLimit(t *testing.T) {
	h := newHistoryLog(3)
	for i := 0; i < 5; i++ {
		h.append("i1", HistoryEvent{NodeIndex: i, Outcome: "ok"})
	}

	got := h.events("i1")
	if len(got) != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", len(got))
	}
	want := []int{2, 3, 4}
	for i, ev := range got {
		if ev.NodeIndex != want[i] {
			t.Fatalf("expected oldest-to-newest %v, got %+v", want, got)
		}
	}
}

func TestHistoryLogIsolatesInstances(t *testing.T) {
	h := newHistoryLog(4)
	h.append("i1", HistoryEvent{NodeIndex: 0})
	h.append("i2", HistoryEvent{NodeIndex: 100})

	if got := h.events("i1"); len(got) != 1 || got[0].NodeIndex != 0 {
		t.Fatalf("i1 history contaminated: %+v", got)
	}
	if got := h.events("i2"); len(got) != 1 || got[0].NodeIndex != 100 {
		t.Fatalf("i2 history contaminated: %+v", got)
	}
}

func TestHistoryLogUnknownInstanceIsEmpty(t *testing.T) {
	h := newHistoryLog(4)
	if got := h.events("missing"); len(got) != 0 {
		t.Fatalf("expected no events for an unknown instance, got %+v", got)
	}
}
