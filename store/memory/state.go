package memory

import (
	"context"
	"sync"

	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

type instanceState struct {
	mu          sync.Mutex
	blueprintID string
	vars        map[string]value.Value
	joins       map[int]int
	outstanding int
	status      store.Status
	cause       *store.FailureCause
}

// StateStore is a goroutine-safe StateStore implementation backed by a
// map of per-instance state, each guarded by its own mutex so that
// concurrent branches of different instances never contend on a single
// global lock.
type StateStore struct {
	mu        sync.RWMutex
	instances map[string]*instanceState
}

// NewStateStore creates an empty StateStore.
func NewStateStore() *StateStore {
	return &StateStore{instances: make(map[string]*instanceState)}
}

var _ store.StateStore = (*StateStore)(nil)

func (s *StateStore) get(instanceID string) (*instanceState, error) {
	s.mu.RLock()
	inst, ok := s.instances[instanceID]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return inst, nil
}

func (s *StateStore) CreateInstance(ctx context.Context, instanceID, blueprintID string, initialVars map[string]value.Value) error {
	vars := make(map[string]value.Value, len(initialVars))
	for k, v := range initialVars {
		vars[k] = v.Clone()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instanceID] = &instanceState{
		blueprintID: blueprintID,
		vars:        vars,
		joins:       make(map[int]int),
		status:      store.StatusRunning,
		outstanding: 1,
	}
	return nil
}

func (s *StateStore) GetVar(ctx context.Context, instanceID, key string) (value.Value, bool, error) {
	inst, err := s.get(instanceID)
	if err != nil {
		return value.Null, false, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	v, ok := inst.vars[key]
	return v, ok, nil
}

func (s *StateStore) SetVar(ctx context.Context, instanceID, key string, v value.Value) error {
	inst, err := s.get(instanceID)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.vars[key] = v
	return nil
}

func (s *StateStore) GetVarsSnapshot(ctx context.Context, instanceID string) (map[string]value.Value, error) {
	inst, err := s.get(instanceID)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	snap := make(map[string]value.Value, len(inst.vars))
	for k, v := range inst.vars {
		snap[k] = v
	}
	return snap, nil
}

// JoinArrive is the single atomic init-then-decrement operation: the
// per-instance mutex serializes every arrival, so there is no window in
// which two callers can both observe remaining == 0.
func (s *StateStore) JoinArrive(ctx context.Context, instanceID string, joinIndex, expect int) (int, error) {
	inst, err := s.get(instanceID)
	if err != nil {
		return 0, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	remaining, ok := inst.joins[joinIndex]
	if !ok {
		remaining = expect
	}
	remaining--
	if remaining <= 0 {
		delete(inst.joins, joinIndex)
	} else {
		inst.joins[joinIndex] = remaining
	}
	return remaining, nil
}

func (s *StateStore) TrackOutstanding(ctx context.Context, instanceID string, delta int) (int, error) {
	inst, err := s.get(instanceID)
	if err != nil {
		return 0, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.outstanding += delta
	return inst.outstanding, nil
}

func (s *StateStore) SetStatus(ctx context.Context, instanceID string, status store.Status, cause *store.FailureCause) error {
	inst, err := s.get(instanceID)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.status = status
	inst.cause = cause
	return nil
}

func (s *StateStore) GetStatus(ctx context.Context, instanceID string) (store.Status, *store.FailureCause, error) {
	inst, err := s.get(instanceID)
	if err != nil {
		return "", nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status, inst.cause, nil
}
