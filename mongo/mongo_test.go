package mongo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

var (
	containerOnce sync.Once
	containerURI  string
	containerErr  error
)

func mongoURI(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
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
		containerURI = fmt.Sprintf("mongodb://%s", endpoint)
	})
	if containerErr != nil {
		t.Fatalf("starting mongo container: %v", containerErr)
	}
	return containerURI
}

func newTestClient(t *testing.T) *mongo.Client {
	t.Helper()
	client, err := mongo.Connect(context.Background(), mongooptions.Client().ApplyURI(mongoURI(t)))
	if err != nil {
		t.Fatalf("mongo.Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

func testDBName(t *testing.T) string {
	return fmt.Sprintf("relayflow_test_%d", time.Now().UnixNano())
}

func TestQueuePushPop(t *testing.T) {
	client := newTestClient(t)
	q := NewQueue(client, testDBName(t), "")
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
	q := NewQueue(client, testDBName(t), "")
	_, err := q.Pop(context.Background(), 200*time.Millisecond)
	if err != store.ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestStateStoreVarsRoundTrip(t *testing.T) {
	client := newTestClient(t)
	s := NewStateStore(client, testDBName(t))
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
	s := NewStateStore(client, testDBName(t))
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
