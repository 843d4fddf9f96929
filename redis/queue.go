// Package redis implements the store.TaskQueue and store.StateStore SPI
// against a single Redis instance, letting Workers run across processes
// and machines that all share one Redis. It is a separate module so a
// binary that only needs the in-process store isn't forced to pull in
// go-redis.
package redis

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relayflow/relayflow/store"
)

// Queue implements store.TaskQueue over a single Redis list:
//
//	<prefix>tasks
//
// Push is LPUSH, Pop is BRPOP so the queue behaves FIFO, and Len is LLEN.
// Tasks are gob-encoded.
type Queue struct {
	client *goredis.Client
	key    string
}

var _ store.TaskQueue = (*Queue)(nil)

// NewQueue constructs a Redis-backed TaskQueue. prefix is optional but
// recommended (e.g. "relayflow:") to let one Redis instance host more
// than one engine's queue.
func NewQueue(client *goredis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "relayflow:"
	}
	return &Queue{client: client, key: prefix + "tasks"}
}

func (q *Queue) Push(ctx context.Context, t store.Task) error {
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Pop blocks for up to timeout on BRPOP, translating a Redis timeout into
// store.ErrEmpty so Workers see the same contract as the in-process
// implementations; any other error, including a cancelled ctx, is
// returned as the client reported it.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (store.Task, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, goredis.Nil) {
		return store.Task{}, store.ErrEmpty
	}
	if err != nil {
		return store.Task{}, err
	}
	if len(res) != 2 {
		return store.Task{}, store.ErrEmpty
	}
	return decodeTask([]byte(res[1]))
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func encodeTask(t store.Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTask(data []byte) (store.Task, error) {
	var t store.Task
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return store.Task{}, err
	}
	return t, nil
}
