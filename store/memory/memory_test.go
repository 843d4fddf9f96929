package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

func TestQueuePushPop(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()
	task := store.Task{InstanceID: "i1", NodeIndex: 2}
	require.NoError(t, q.Push(ctx, task))

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "i1", got.InstanceID)
	require.Equal(t, 2, got.NodeIndex)
}

func TestQueuePopTimesOut(t *testing.T) {
	q := NewQueue(4)
	_, err := q.Pop(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, store.ErrEmpty)
}

func TestStateStoreVars(t *testing.T) {
	s := NewStateStore()
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, "i1", "bp1", map[string]value.Value{"x": value.Int(1)}))
	require.NoError(t, s.SetVar(ctx, "i1", "y", value.Int(2)))

	snap, err := s.GetVarsSnapshot(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, snap, 2)
}

func TestJoinArriveExactlyOneWinner(t *testing.T) {
	s := NewStateStore()
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, "i1", "bp1", nil))

	const branches = 8
	var wg sync.WaitGroup
	var winners int
	var mu sync.Mutex
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
	require.Equal(t, 1, winners)
}

func TestStatusTransitions(t *testing.T) {
	s := NewStateStore()
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, "i1", "bp1", nil))

	status, _, err := s.GetStatus(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, status)

	require.NoError(t, s.SetStatus(ctx, "i1", store.StatusFailed, &store.FailureCause{Kind: "FunctionError", Message: "boom"}))

	status, cause, err := s.GetStatus(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, status)
	require.Equal(t, "FunctionError", cause.Kind)
}
