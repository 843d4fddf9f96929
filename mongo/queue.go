// Package mongo implements the store.TaskQueue and store.StateStore SPI
// against MongoDB, using FindOneAndDelete-based claims so multiple
// Worker processes can share one collection safely.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relayflow/relayflow/store"
)

// Queue is a TaskQueue backed by a Mongo collection. A Task is claimed by
// atomically finding-and-deleting the oldest unclaimed document, so Pop
// never hands the same Task to two Workers.
type Queue struct {
	coll     *mongo.Collection
	pollEach time.Duration
}

var _ store.TaskQueue = (*Queue)(nil)

type queueDoc struct {
	ID          string    `bson:"_id"`
	InstanceID  string    `bson:"instance_id"`
	BlueprintID string    `bson:"blueprint_id"`
	NodeIndex   int       `bson:"node_index"`
	FlowID      string    `bson:"flow_id"`
	Token       int64     `bson:"token"`
	EnqueuedAt  time.Time `bson:"enqueued_at"`
}

// NewQueue returns a Mongo-backed TaskQueue. dbName defaults to
// "relayflow", collName to "queue_tasks".
func NewQueue(client *mongo.Client, dbName, collName string) *Queue {
	if dbName == "" {
		dbName = "relayflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &Queue{
		coll:     client.Database(dbName).Collection(collName),
		pollEach: 100 * time.Millisecond,
	}
}

func (q *Queue) Push(ctx context.Context, t store.Task) error {
	doc := queueDoc{
		ID:          primitive.NewObjectID().Hex(),
		InstanceID:  t.InstanceID,
		BlueprintID: t.BlueprintID,
		NodeIndex:   t.NodeIndex,
		FlowID:      t.FlowID,
		Token:       t.Token,
		EnqueuedAt:  time.Now().UTC(),
	}
	_, err := q.coll.InsertOne(ctx, doc)
	return err
}

// Pop finds and deletes the oldest queued document, polling every
// pollEach until timeout elapses.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (store.Task, error) {
	deadline := time.Now().Add(timeout)
	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "enqueued_at", Value: 1}})
	for {
		var doc queueDoc
		err := q.coll.FindOneAndDelete(ctx, bson.M{}, opts).Decode(&doc)
		if err == nil {
			return store.Task{
				InstanceID:  doc.InstanceID,
				BlueprintID: doc.BlueprintID,
				NodeIndex:   doc.NodeIndex,
				FlowID:      doc.FlowID,
				Token:       doc.Token,
				EnqueuedAt:  doc.EnqueuedAt,
			}, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return store.Task{}, err
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

func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.coll.CountDocuments(ctx, bson.M{})
	return int(n), err
}
