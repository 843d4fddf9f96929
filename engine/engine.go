// Package engine wires the compiler, the Function registry, and a
// Storage SPI implementation into a running workflow engine: it accepts
// documents, compiles and registers Blueprints, starts Instances, and
// runs a pool of Workers that drain the Task queue until every branch of
// every instance either completes or fails.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/relayflow/relayflow/compiler"
	"github.com/relayflow/relayflow/dsl"
	"github.com/relayflow/relayflow/function"
	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

// blueprintRegistry is the read-mostly map of registered Blueprints,
// populated at startup and consulted by every Worker on every dispatch.
type blueprintRegistry struct {
	mu   sync.RWMutex
	byID map[string]*compiler.Blueprint
}

func newBlueprintRegistry() *blueprintRegistry {
	return &blueprintRegistry{byID: make(map[string]*compiler.Blueprint)}
}

func (r *blueprintRegistry) put(id string, bp *compiler.Blueprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = bp
}

func (r *blueprintRegistry) get(id string) (*compiler.Blueprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bp, ok := r.byID[id]
	return bp, ok
}

// Engine compiles documents, registers Function handlers, starts
// Instances, and observes their outcome.
type Engine struct {
	config    Config
	functions *function.Registry
	states    store.StateStore
	queue     store.TaskQueue
	blueprint *blueprintRegistry
	observer  Observer
	history   *historyLog

	workersOnce sync.Once
	cancelPool  context.CancelFunc
	wg          sync.WaitGroup
}

// New builds an Engine over the given Storage SPI implementations. cfg is
// validated via LoadConfig if it hasn't been already; passing an
// already-loaded Config is safe (LoadConfig is idempotent for
// already-valid values).
func New(cfg Config, states store.StateStore, queue store.TaskQueue, functions *function.Registry, observer Observer) (*Engine, error) {
	if err := LoadConfig(&cfg); err != nil {
		return nil, err
	}
	if functions == nil {
		functions = function.NewRegistry()
	}
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Engine{
		config:    cfg,
		functions: functions,
		states:    states,
		queue:     queue,
		blueprint: newBlueprintRegistry(),
		observer:  observer,
		history:   newHistoryLog(cfg.HistoryLimit),
	}, nil
}

// Compile runs the document through the compiler, validating Function
// nodes against the Engine's registered handlers and applying the
// Engine's configured default retry policy to any Function node that
// specifies no retry block of its own.
func (e *Engine) Compile(doc *dsl.Document) (*compiler.Blueprint, error) {
	result, err := compiler.Compile(doc, e.functions, compiler.Options{
		DefaultRetry: compiler.RetryPolicy{
			MaxAttempts:       e.config.DefaultMaxAttempts,
			InitialBackoffMS:  e.config.DefaultInitialBackoffMS,
			BackoffMultiplier: e.config.DefaultBackoffMultiplier,
			MaxBackoffMS:      e.config.DefaultMaxBackoffMS,
		},
	})
	if err != nil {
		return nil, err
	}
	return result.Blueprint, nil
}

// RegisterBlueprint makes bp available to Start under its workflow ID
// (bp.Metadata.ID), or under a generated UUID when that ID is empty.
func (e *Engine) RegisterBlueprint(bp *compiler.Blueprint) string {
	id := bp.Metadata.ID
	if id == "" {
		id = uuid.NewString()
	}
	e.blueprint.put(id, bp)
	return id
}

// RegisterFunction adds a Function handler to the registry consulted by
// Compile and by every Worker's dispatch.
func (e *Engine) RegisterFunction(h function.Handler) error {
	return e.functions.Register(h)
}

// StartWorkers launches cfg.WorkerCount goroutines draining the Task
// queue. Calling it more than once is a no-op; Stop shuts the pool down.
func (e *Engine) StartWorkers(ctx context.Context) {
	e.workersOnce.Do(func() {
		poolCtx, cancel := context.WithCancel(ctx)
		e.cancelPool = cancel
		d := &dispatcher{states: e.states, queue: e.queue, functions: e.functions, observer: e.observer, config: e.config, history: e.history}
		for i := 0; i < e.config.WorkerCount; i++ {
			w := &Worker{dispatcher: d, blueprints: e.blueprint, queue: e.queue, states: e.states, config: e.config}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				w.Run(poolCtx)
			}()
		}
	})
}

// Stop cancels every running Worker and waits for them to return.
func (e *Engine) Stop() {
	if e.cancelPool != nil {
		e.cancelPool()
	}
	e.wg.Wait()
}

// Start creates a new Instance of the Blueprint registered under
// blueprintID and enqueues its first Task. Workers must be running (via
// StartWorkers) for the instance to make progress.
func (e *Engine) Start(ctx context.Context, blueprintID string, initialVars map[string]value.Value) (string, error) {
	bp, ok := e.blueprint.get(blueprintID)
	if !ok {
		return "", fmt.Errorf("engine: no blueprint registered under id %q", blueprintID)
	}

	instanceID := uuid.NewString()
	if err := e.states.CreateInstance(ctx, instanceID, blueprintID, initialVars); err != nil {
		return "", err
	}
	e.observer.OnInstanceStarted(ctx, instanceID, blueprintID)

	err := e.queue.Push(ctx, store.Task{
		InstanceID:  instanceID,
		BlueprintID: blueprintID,
		NodeIndex:   bp.StartIndex,
		FlowID:      uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	return instanceID, nil
}

// Status is the caller-facing view of an instance's lifecycle state and,
// if failed, the cause.
type Status struct {
	State store.Status
	Cause *store.FailureCause
}

// Status returns an instance's current status.
func (e *Engine) Status(ctx context.Context, instanceID string) (Status, error) {
	state, cause, err := e.states.GetStatus(ctx, instanceID)
	if err != nil {
		return Status{}, err
	}
	return Status{State: state, Cause: cause}, nil
}

// Variables returns a point-in-time snapshot of an instance's variables.
func (e *Engine) Variables(ctx context.Context, instanceID string) (map[string]value.Value, error) {
	return e.states.GetVarsSnapshot(ctx, instanceID)
}

// History returns the instance's bounded observability log, oldest event
// first. It reflects only Tasks processed by this Engine's own Worker
// pool: history is an in-process debugging aid, not persisted state, so it
// does not survive a process restart and is not shared across Engines
// pointed at the same Storage SPI.
func (e *Engine) History(instanceID string) []HistoryEvent {
	return e.history.events(instanceID)
}

// Cancel transitions an instance to Failed with a cancellation cause.
// Workers check status before dispatching a Task's successors, so
// outstanding branches are dropped rather than executed further;
// in-flight Function executions observe ctx cancellation cooperatively
// only if the caller also cancels the context passed to StartWorkers.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	return e.states.SetStatus(ctx, instanceID, store.StatusFailed, &store.FailureCause{
		Kind:    "Cancelled",
		Message: "instance cancelled by caller",
	})
}
