package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relayflow/relayflow/compiler"
	"github.com/relayflow/relayflow/exprlang"
	"github.com/relayflow/relayflow/function"
	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

// dispatcher executes a single Task's node against a Blueprint and a
// StateStore, producing the successor Tasks to enqueue. It holds no
// mutable state of its own; every field is read-only and safe to share
// across goroutines, so any Worker can pop and process any Task.
type dispatcher struct {
	states    store.StateStore
	queue     store.TaskQueue
	functions *function.Registry
	observer  Observer
	config    Config
	history   *historyLog
}

// outcome is the effect a single node dispatch had on the instance: which
// Tasks to enqueue next (jump/fork), and whether the instance transitioned
// to a terminal status.
type outcome struct {
	next   []store.Task
	failed *store.FailureCause
}

func (d *dispatcher) run(ctx context.Context, bp *compiler.Blueprint, t store.Task) error {
	if t.NodeIndex < 0 || t.NodeIndex >= len(bp.Nodes) {
		return newRuntimeError(KindTopologyError, t.NodeIndex, fmt.Errorf("node index out of range"))
	}
	node := bp.Nodes[t.NodeIndex]
	d.observer.OnNodeDispatch(ctx, t.InstanceID, t.FlowID, t.NodeIndex, node.Kind.String())
	start := time.Now()

	out, err := d.dispatch(ctx, bp, t, node)
	d.observer.OnNodeCompleted(ctx, t.InstanceID, t.FlowID, t.NodeIndex, node.Kind.String(), err, time.Since(start))
	d.recordHistory(t.InstanceID, t.NodeIndex, t.FlowID, node.Kind.String(), err)
	if err != nil {
		d.failInstance(ctx, t.InstanceID, t.NodeIndex, err)
		return err
	}

	if out.failed != nil {
		if setErr := d.states.SetStatus(ctx, t.InstanceID, store.StatusFailed, out.failed); setErr != nil {
			return setErr
		}
		d.observer.OnInstanceFailed(ctx, t.InstanceID, fmt.Errorf("%s: %s", out.failed.Kind, out.failed.Message))
		return nil
	}

	for _, next := range out.next {
		if err := d.queue.Push(ctx, next); err != nil {
			return newRuntimeError(KindQueueError, t.NodeIndex, err)
		}
	}
	return nil
}

// recordHistory appends a bounded HistoryEvent for the instance if a
// history log was configured. A nil log makes this a no-op; Engine.New
// always configures one, sized by Config.HistoryLimit.
func (d *dispatcher) recordHistory(instanceID string, nodeIndex int, flowID, kind string, err error) {
	if d.history == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
	}
	d.history.append(instanceID, HistoryEvent{
		NodeIndex: nodeIndex,
		FlowID:    flowID,
		Kind:      kind,
		At:        time.Now(),
		Outcome:   outcome,
	})
}

func (d *dispatcher) failInstance(ctx context.Context, instanceID string, nodeIndex int, err error) {
	cause := &store.FailureCause{Kind: string(KindTopologyError), Message: err.Error(), NodeIndex: nodeIndex}
	if re, ok := err.(*RuntimeError); ok {
		cause.Kind = string(re.Kind)
	}
	if setErr := d.states.SetStatus(ctx, instanceID, store.StatusFailed, cause); setErr == nil {
		d.observer.OnInstanceFailed(ctx, instanceID, err)
	}
}

func (d *dispatcher) dispatch(ctx context.Context, bp *compiler.Blueprint, t store.Task, node compiler.BlueprintNode) (outcome, error) {
	switch node.Kind {
	case compiler.NodeStart:
		return d.jump(node.Next, t)

	case compiler.NodeEnd:
		remaining, err := d.states.TrackOutstanding(ctx, t.InstanceID, -1)
		if err != nil {
			return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
		}
		if remaining <= 0 {
			if err := d.states.SetStatus(ctx, t.InstanceID, store.StatusCompleted, nil); err != nil {
				return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
			}
			d.observer.OnInstanceCompleted(ctx, t.InstanceID)
		}
		return outcome{}, nil

	case compiler.NodeAssign:
		vars, err := d.states.GetVarsSnapshot(ctx, t.InstanceID)
		if err != nil {
			return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
		}
		result, err := exprlang.Eval(node.Expr, valuesToNative(vars))
		if err != nil {
			return outcome{}, newRuntimeError(evalKind(err), t.NodeIndex, err)
		}
		if err := d.states.SetVar(ctx, t.InstanceID, node.Var, value.FromNative(result)); err != nil {
			return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
		}
		return d.jump(node.Next, t)

	case compiler.NodeIf:
		vars, err := d.states.GetVarsSnapshot(ctx, t.InstanceID)
		if err != nil {
			return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
		}
		result, err := exprlang.Eval(node.Cond, valuesToNative(vars))
		if err != nil {
			return outcome{}, newRuntimeError(evalKind(err), t.NodeIndex, err)
		}
		if value.FromNative(result).Truthy() {
			return d.jump(node.Then, t)
		}
		return d.jump(node.Else, t)

	case compiler.NodeLoop:
		vars, err := d.states.GetVarsSnapshot(ctx, t.InstanceID)
		if err != nil {
			return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
		}
		result, err := exprlang.Eval(node.Cond, valuesToNative(vars))
		if err != nil {
			return outcome{}, newRuntimeError(evalKind(err), t.NodeIndex, err)
		}
		if value.FromNative(result).Truthy() {
			return d.jump(node.Body, t)
		}
		return d.jump(node.Exit, t)

	case compiler.NodeIteration:
		return d.dispatchIteration(ctx, t, node)

	case compiler.NodeFork:
		return d.dispatchFork(ctx, t, node)

	case compiler.NodeJoin:
		return d.dispatchJoin(ctx, t, node)

	case compiler.NodeFunction:
		return d.dispatchFunction(ctx, t, node)

	default:
		return outcome{}, newRuntimeError(KindTopologyError, t.NodeIndex, fmt.Errorf("unhandled node kind %v", node.Kind))
	}
}

// evalKind classifies an exprlang.Eval error: a reference to a variable
// absent from the snapshot is the fatal MissingVariable kind spec.md
// requires for If/Loop/Assign/Iteration conditions, distinct from any
// other evaluation failure (type mismatch, division by zero, ...).
func evalKind(err error) ErrorKind {
	var missing *exprlang.MissingVariableError
	if errors.As(err, &missing) {
		return KindMissingVariable
	}
	return KindEvaluationError
}

func (d *dispatcher) jump(nextIndex int, t store.Task) (outcome, error) {
	if nextIndex < 0 {
		return outcome{}, newRuntimeError(KindTopologyError, t.NodeIndex, fmt.Errorf("node has no successor"))
	}
	return outcome{next: []store.Task{{
		InstanceID:  t.InstanceID,
		BlueprintID: t.BlueprintID,
		NodeIndex:   nextIndex,
		FlowID:      t.FlowID,
		Token:       t.Token + 1,
	}}}, nil
}

func (d *dispatcher) dispatchIteration(ctx context.Context, t store.Task, node compiler.BlueprintNode) (outcome, error) {
	vars, err := d.states.GetVarsSnapshot(ctx, t.InstanceID)
	if err != nil {
		return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
	}
	native := valuesToNative(vars)

	cursorVal, _, err := d.states.GetVar(ctx, t.InstanceID, node.LoopVar)
	if err != nil {
		return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
	}
	cursor, _ := cursorVal.Int()

	collResult, err := exprlang.Eval(node.CollectionExpr, native)
	if err != nil {
		return outcome{}, newRuntimeError(evalKind(err), t.NodeIndex, err)
	}
	collection := value.FromNative(collResult)
	items, ok := collection.Array()
	if !ok {
		return outcome{}, newRuntimeError(KindEvaluationError, t.NodeIndex, fmt.Errorf("iteration collection did not evaluate to an array"))
	}

	if int(cursor) >= len(items) {
		if err := d.states.SetVar(ctx, t.InstanceID, node.LoopVar, value.Int(0)); err != nil {
			return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
		}
		return d.jump(node.Exit, t)
	}

	if err := d.states.SetVar(ctx, t.InstanceID, node.ItemVar, items[int(cursor)]); err != nil {
		return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
	}
	if err := d.states.SetVar(ctx, t.InstanceID, node.LoopVar, value.Int(cursor+1)); err != nil {
		return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
	}
	return d.jump(node.Body, t)
}

func (d *dispatcher) dispatchFork(ctx context.Context, t store.Task, node compiler.BlueprintNode) (outcome, error) {
	if len(node.Targets) == 0 {
		return outcome{}, newRuntimeError(KindTopologyError, t.NodeIndex, fmt.Errorf("fork has no targets"))
	}
	if len(node.Targets) > 1 {
		if _, err := d.states.TrackOutstanding(ctx, t.InstanceID, len(node.Targets)-1); err != nil {
			return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
		}
	}
	tasks := make([]store.Task, len(node.Targets))
	for i, target := range node.Targets {
		tasks[i] = store.Task{
			InstanceID:  t.InstanceID,
			BlueprintID: t.BlueprintID,
			NodeIndex:   target,
			FlowID:      uuid.NewString(),
			Token:       0,
		}
	}
	d.observer.OnForkSpawned(ctx, t.InstanceID, t.NodeIndex, len(node.Targets))
	return outcome{next: tasks}, nil
}

func (d *dispatcher) dispatchJoin(ctx context.Context, t store.Task, node compiler.BlueprintNode) (outcome, error) {
	remaining, err := d.states.JoinArrive(ctx, t.InstanceID, t.NodeIndex, node.Expect)
	if err != nil {
		return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
	}
	d.observer.OnJoinArrive(ctx, t.InstanceID, t.NodeIndex, remaining)
	if remaining > 0 {
		// wait(): this branch is absorbed. One fewer branch is now
		// outstanding for the instance.
		if _, err := d.states.TrackOutstanding(ctx, t.InstanceID, -1); err != nil {
			return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
		}
		return outcome{}, nil
	}
	return d.jump(node.Next, t)
}

func (d *dispatcher) dispatchFunction(ctx context.Context, t store.Task, node compiler.BlueprintNode) (outcome, error) {
	handler, ok := d.functions.Lookup(node.HandlerName)
	if !ok {
		return outcome{}, newRuntimeError(KindTopologyError, t.NodeIndex, fmt.Errorf("no handler registered for %q", node.HandlerName))
	}

	vars, err := d.states.GetVarsSnapshot(ctx, t.InstanceID)
	if err != nil {
		return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
	}
	native := valuesToNative(vars)
	params := exprlang.Interpolate(node.ParamsTemplate, native)

	attempts := maxAttempts(node.Retry)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffFor(node.Retry, attempt-1)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return outcome{}, newRuntimeError(KindTopologyError, t.NodeIndex, ctx.Err())
				case <-time.After(delay):
				}
			}
			d.observer.OnFunctionRetry(ctx, t.InstanceID, t.FlowID, t.NodeIndex, attempt, lastErr)
		}
		result, execErr := handler.Execute(ctx, params)
		if execErr == nil {
			if node.OutputVar != "" {
				if err := d.states.SetVar(ctx, t.InstanceID, node.OutputVar, result); err != nil {
					return outcome{}, newRuntimeError(KindStateStoreError, t.NodeIndex, err)
				}
			}
			return d.jump(node.Next, t)
		}
		lastErr = execErr
	}

	return outcome{failed: &store.FailureCause{
		Kind:      string(KindFunctionError),
		Message:   lastErr.Error(),
		NodeIndex: t.NodeIndex,
	}}, nil
}

func valuesToNative(vars map[string]value.Value) map[string]any {
	native := make(map[string]any, len(vars))
	for k, v := range vars {
		native[k] = v.Native()
	}
	return native
}
