package postgres

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

func testDSN(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "relayflow",
				"POSTGRES_PASSWORD": "relayflow",
				"POSTGRES_DB":       "relayflow",
			}),
			testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
		)
		if err != nil {
			containerErr = err
			return
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			containerErr = err
			return
		}
		containerDSN = fmt.Sprintf("postgres://relayflow:relayflow@%s/relayflow?sslmode=disable", endpoint)
	})
	if containerErr != nil {
		t.Fatalf("starting postgres container: %v", containerErr)
	}
	return containerDSN
}

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), testDSN(t))
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestQueuePushPop(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q, err := NewQueue(ctx, pool)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	task := store.Task{InstanceID: "i1", BlueprintID: "b1", NodeIndex: 3, FlowID: "f1"}
	if err := q.Push(ctx, task); err != nil {
		t.Fatalf("Push: %v", err)
	}
	got, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got.InstanceID != task.InstanceID || got.NodeIndex != task.NodeIndex {
		t.Fatalf("expected %+v, got %+v", task, got)
	}
}

func TestQueuePopTimesOutOnEmpty(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	q, err := NewQueue(ctx, pool)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	_, err = q.Pop(ctx, 200*time.Millisecond)
	if err != store.ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestStateStoreVarsRoundTrip(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	s, err := NewStateStore(ctx, pool)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	if err := s.CreateInstance(ctx, "inst1", "bp1", map[string]value.Value{"x": value.Int(1)}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := s.SetVar(ctx, "inst1", "y", value.String("hi")); err != nil {
		t.Fatalf("SetVar: %v", err)
	}
	vars, err := s.GetVarsSnapshot(ctx, "inst1")
	if err != nil {
		t.Fatalf("GetVarsSnapshot: %v", err)
	}
	x, _ := vars["x"].Int()
	y, _ := vars["y"].String()
	if x != 1 || y != "hi" {
		t.Fatalf("unexpected vars: %+v", vars)
	}
}

func TestJoinArriveExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t)
	s, err := NewStateStore(ctx, pool)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	if err := s.CreateInstance(ctx, "inst1", "bp1", nil); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	const branches = 5
	var winners int32
	var wg sync.WaitGroup
	wg.Add(branches)
	for i := 0; i < branches; i++ {
		go func() {
			defer wg.Done()
			remaining, err := s.JoinArrive(ctx, "inst1", 0, branches)
			if err != nil {
				t.Errorf("JoinArrive: %v", err)
				return
			}
			if remaining <= 0 {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}
