package engine

import (
	"context"
	"errors"

	"github.com/relayflow/relayflow/store"
)

// Worker pulls Tasks from a queue and dispatches them against the
// blueprint registry. Workers hold no per-instance state: any Worker can
// process any Task for any instance, which is what lets a pool of them
// run concurrently, in one process or many.
type Worker struct {
	dispatcher *dispatcher
	blueprints *blueprintRegistry
	queue      store.TaskQueue
	states     store.StateStore
	config     Config
}

// ProcessOne pops a single Task and dispatches it. Returns (processed,
// error): processed is false only when the queue had nothing to offer
// before the poll timeout elapsed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Pop(ctx, w.config.PopTimeout)
	if errors.Is(err, store.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	status, _, err := w.states.GetStatus(ctx, task.InstanceID)
	if err != nil {
		return true, err
	}
	if status != store.StatusRunning {
		// The instance already reached a terminal status (e.g. a sibling
		// branch failed first): drop this Task rather than dispatching
		// into a decided instance.
		return true, nil
	}

	bp, ok := w.blueprints.get(task.BlueprintID)
	if !ok {
		return true, newRuntimeError(KindTopologyError, task.NodeIndex, errors.New("no blueprint registered for id "+task.BlueprintID))
	}

	return true, w.dispatcher.run(ctx, bp, task)
}

// Run processes Tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
			// A single Task's failure is already recorded on its
			// instance by the dispatcher; keep the Worker alive so
			// other instances keep making progress.
			continue
		}
	}
}
