// Package store defines the Storage SPI (TaskQueue and StateStore) that
// lets the same engine run entirely in one process or spread across
// machines. See store/memory and store/sqlite for single-process
// implementations, and the redis/, postgres/, and mongo/ submodules for
// networked ones.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/relayflow/relayflow/value"
)

// ErrNotFound is returned by StateStore lookups (such as GetStatus) for an
// instance that does not exist. GetVar reports a missing key through its
// boolean result with a nil error.
var ErrNotFound = errors.New("store: not found")

// ErrEmpty is returned by TaskQueue.Pop when no Task arrived before the
// timeout elapsed. It is not itself a QueueError: a Worker treats an
// empty queue as a normal idle condition and simply polls again.
var ErrEmpty = errors.New("store: queue empty")

// Task is one unit of dispatch: "resume execution of instanceID at
// NodeIndex". FlowID identifies the branch lineage (fresh per Fork
// branch, inherited across sequential edges) for tracing; Token counts the
// sequential steps within a branch (incremented on each edge, reset to 0
// at a Fork). No TaskQueue in this repository reads Token.
type Task struct {
	InstanceID  string
	BlueprintID string
	NodeIndex   int
	FlowID      string
	Token       int64
	EnqueuedAt  time.Time
}

// TaskQueue is the minimal queue contract the Worker loop needs. FIFO
// ordering is only required within a single producer/consumer pair;
// implementations backed by a distributed queue may reorder across
// producers.
type TaskQueue interface {
	Push(ctx context.Context, t Task) error
	// Pop blocks up to timeout waiting for a Task, returning ErrEmpty if
	// none arrives.
	Pop(ctx context.Context, timeout time.Duration) (Task, error)
	Len(ctx context.Context) (int, error)
}

// Status is an Instance's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// FailureCause records why an instance transitioned to Failed: a
// status(id) query returns Failed alongside { cause: { kind, message,
// node_index? } }.
type FailureCause struct {
	Kind      string
	Message   string
	NodeIndex int
}

// StateStore is the per-instance variable map plus atomic Join counters
// every backend must provide. Every method must be safe for concurrent
// use by multiple Workers, potentially in different processes.
type StateStore interface {
	CreateInstance(ctx context.Context, instanceID, blueprintID string, initialVars map[string]value.Value) error

	GetVar(ctx context.Context, instanceID, key string) (value.Value, bool, error)
	SetVar(ctx context.Context, instanceID, key string, v value.Value) error
	// GetVarsSnapshot returns a point-in-time view of every variable,
	// used by the expression evaluator so a single If/Assign evaluation
	// never observes a partial write from a concurrent branch.
	GetVarsSnapshot(ctx context.Context, instanceID string) (map[string]value.Value, error)

	// JoinArrive is the sole cross-branch synchronization primitive: if no
	// counter exists yet for (instanceID, joinIndex) it is initialized to
	// expect and then decremented; otherwise the existing counter is
	// decremented. The whole read-or-init-then-decrement sequence must be
	// a single atomic operation — the returned remaining value is only
	// meaningful if exactly one caller ever observes each value down to
	// zero.
	JoinArrive(ctx context.Context, instanceID string, joinIndex, expect int) (remaining int, err error)

	// TrackOutstanding adjusts the instance's live outstanding-Task
	// counter by delta and returns the new value, used by End to decide
	// whether any other branch is still in flight.
	TrackOutstanding(ctx context.Context, instanceID string, delta int) (int, error)

	SetStatus(ctx context.Context, instanceID string, status Status, cause *FailureCause) error
	GetStatus(ctx context.Context, instanceID string) (Status, *FailureCause, error)
}
