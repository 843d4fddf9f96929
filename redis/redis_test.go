package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

var (
	containerOnce sync.Once
	containerAddr string
	containerErr  error
)

func redisAddress(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
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
		containerAddr = endpoint
	})
	if containerErr != nil {
		t.Fatalf("starting redis container: %v", containerErr)
	}
	return containerAddr
}

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: redisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return client
}

func TestQueuePushPop(t *testing.T) {
	client := newTestClient(t)
	q := NewQueue(client, fmt.Sprintf("relayflow:test:%d:", time.Now().UnixNano()))
	ctx := context.Background()

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
	client := newTestClient(t)
	q := NewQueue(client, fmt.Sprintf("relayflow:test:%d:", time.Now().UnixNano()))
	_, err := q.Pop(context.Background(), 200*time.Millisecond)
	if err != store.ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestStateStoreVarsRoundTrip(t *testing.T) {
	client := newTestClient(t)
	s := NewStateStore(client, fmt.Sprintf("relayflow:test:%d:", time.Now().UnixNano()))
	ctx := context.Background()

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
	client := newTestClient(t)
	s := NewStateStore(client, fmt.Sprintf("relayflow:test:%d:", time.Now().UnixNano()))
	ctx := context.Background()

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

func TestStatusTransitions(t *testing.T) {
	client := newTestClient(t)
	s := NewStateStore(client, fmt.Sprintf("relayflow:test:%d:", time.Now().UnixNano()))
	ctx := context.Background()

	if err := s.CreateInstance(ctx, "inst1", "bp1", nil); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	status, cause, err := s.GetStatus(ctx, "inst1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != store.StatusRunning || cause != nil {
		t.Fatalf("expected Running/nil cause, got %v %+v", status, cause)
	}

	if err := s.SetStatus(ctx, "inst1", store.StatusFailed, &store.FailureCause{Kind: "FunctionError", Message: "boom", NodeIndex: 2}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	status, cause, err = s.GetStatus(ctx, "inst1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != store.StatusFailed || cause == nil || cause.Kind != "FunctionError" || cause.NodeIndex != 2 {
		t.Fatalf("unexpected status after SetStatus: %v %+v", status, cause)
	}
}
