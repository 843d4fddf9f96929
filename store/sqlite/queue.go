// Package sqlite provides a durable, single-process TaskQueue and
// StateStore backed by modernc.org/sqlite (pure Go, no cgo).
//
// It expects an *sql.DB opened against the "sqlite" driver:
//
//	import _ "modernc.org/sqlite"
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/relayflow/relayflow/store"
)

// Queue is a TaskQueue backed by a SQLite table, polled with a short
// sleep between empty reads since SQLite has no native blocking pop.
type Queue struct {
	db       *sql.DB
	pollEach time.Duration
}

// NewQueue initializes the queue's schema in db and returns a Queue.
func NewQueue(db *sql.DB) (*Queue, error) {
	q := &Queue{db: db, pollEach: 25 * time.Millisecond}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			blueprint_id TEXT NOT NULL,
			node_index INTEGER NOT NULL,
			flow_id TEXT NOT NULL,
			token INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL
		);`); err != nil {
		return nil, err
	}
	return q, nil
}

var _ store.TaskQueue = (*Queue)(nil)

func (q *Queue) Push(ctx context.Context, t store.Task) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (instance_id, blueprint_id, node_index, flow_id, token, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.InstanceID, t.BlueprintID, t.NodeIndex, t.FlowID, t.Token, t.EnqueuedAt.UnixNano(),
	)
	return err
}

// Pop deletes and returns the oldest queued Task, polling every
// pollEach until timeout elapses or ctx is cancelled. The delete-then-
// return happens inside a transaction so a crash between the two never
// loses or duplicates a Task within this single process.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (store.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		t, ok, err := q.tryPop(ctx)
		if err != nil {
			return store.Task{}, err
		}
		if ok {
			return t, nil
		}
		if time.Now().After(deadline) {
			return store.Task{}, store.ErrEmpty
		}
		select {
		case <-time.After(q.pollEach):
		case <-ctx.Done():
			return store.Task{}, ctx.Err()
		}
	}
}

func (q *Queue) tryPop(ctx context.Context) (store.Task, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Task{}, false, err
	}
	defer tx.Rollback()

	var (
		id              int64
		t               store.Task
		enqueuedAtNanos int64
	)
	row := tx.QueryRowContext(ctx, `
		SELECT id, instance_id, blueprint_id, node_index, flow_id, token, enqueued_at
		FROM tasks ORDER BY id ASC LIMIT 1`)
	if err := row.Scan(&id, &t.InstanceID, &t.BlueprintID, &t.NodeIndex, &t.FlowID, &t.Token, &enqueuedAtNanos); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Task{}, false, nil
		}
		return store.Task{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return store.Task{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return store.Task{}, false, err
	}
	t.EnqueuedAt = time.Unix(0, enqueuedAtNanos)
	return t, true, nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, err
}
