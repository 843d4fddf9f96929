package sqlite

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestQueuePushPop(t *testing.T) {
	db := openTestDB(t)
	q, err := NewQueue(db)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	ctx := context.Background()
	if err := q.Push(ctx, store.Task{InstanceID: "i1", NodeIndex: 3, EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	got, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got.InstanceID != "i1" || got.NodeIndex != 3 {
		t.Fatalf("unexpected task: %+v", got)
	}
	if _, err := q.Pop(ctx, 50*time.Millisecond); err != store.ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestStateStoreVarsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s, err := NewStateStore(db)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	ctx := context.Background()
	if err := s.CreateInstance(ctx, "i1", "bp1", map[string]value.Value{"x": value.Int(1)}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := s.SetVar(ctx, "i1", "y", value.String("hi")); err != nil {
		t.Fatalf("SetVar: %v", err)
	}
	snap, err := s.GetVarsSnapshot(ctx, "i1")
	if err != nil {
		t.Fatalf("GetVarsSnapshot: %v", err)
	}
	x, _ := snap["x"].Int()
	y, _ := snap["y"].String()
	if x != 1 || y != "hi" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestJoinArriveExactlyOneWinner(t *testing.T) {
	db := openTestDB(t)
	s, err := NewStateStore(db)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	ctx := context.Background()
	if err := s.CreateInstance(ctx, "i1", "bp1", nil); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	const branches = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < branches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remaining, err := s.JoinArrive(ctx, "i1", 0, branches)
			if err != nil {
				t.Errorf("JoinArrive: %v", err)
				return
			}
			if remaining == 0 {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
