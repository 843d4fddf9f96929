package mongo

import (
	"context"
	"errors"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

// StateStore implements store.StateStore against MongoDB. Each instance
// is one document; variables live in a nested "vars" subdocument keyed
// by variable name, and Join counters live in their own collection so a
// concurrent JoinArrive never contends on the instance document itself.
type StateStore struct {
	instances *mongo.Collection
	joins     *mongo.Collection
}

var _ store.StateStore = (*StateStore)(nil)

type instanceDoc struct {
	ID          string         `bson:"_id"`
	BlueprintID string         `bson:"blueprint_id"`
	Vars        map[string]any `bson:"vars"`
	Outstanding int            `bson:"outstanding"`
	Status      string         `bson:"status"`
	CauseKind   string         `bson:"cause_kind,omitempty"`
	CauseMsg    string         `bson:"cause_msg,omitempty"`
	CauseNode   int            `bson:"cause_node,omitempty"`
	HasCause    bool           `bson:"has_cause"`
}

type joinDoc struct {
	ID        string `bson:"_id"`
	Remaining int    `bson:"remaining"`
}

// NewStateStore returns a Mongo-backed StateStore. dbName defaults to
// "relayflow".
func NewStateStore(client *mongo.Client, dbName string) *StateStore {
	if dbName == "" {
		dbName = "relayflow"
	}
	db := client.Database(dbName)
	return &StateStore{
		instances: db.Collection("instances"),
		joins:     db.Collection("instance_joins"),
	}
}

func (s *StateStore) CreateInstance(ctx context.Context, instanceID, blueprintID string, initialVars map[string]value.Value) error {
	vars := make(map[string]any, len(initialVars))
	for k, v := range initialVars {
		vars[k] = v.Native()
	}
	doc := instanceDoc{
		ID:          instanceID,
		BlueprintID: blueprintID,
		Vars:        vars,
		Outstanding: 1,
		Status:      string(store.StatusRunning),
	}
	_, err := s.instances.InsertOne(ctx, doc)
	return err
}

func (s *StateStore) GetVar(ctx context.Context, instanceID, key string) (value.Value, bool, error) {
	var doc instanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": instanceID}, options.FindOne().SetProjection(bson.M{"vars": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return value.Null, false, store.ErrNotFound
	}
	if err != nil {
		return value.Value{}, false, err
	}
	native, ok := doc.Vars[key]
	if !ok {
		return value.Null, false, nil
	}
	return value.FromNative(native), true, nil
}

func (s *StateStore) SetVar(ctx context.Context, instanceID, key string, v value.Value) error {
	_, err := s.instances.UpdateByID(ctx, instanceID, bson.M{
		"$set": bson.M{"vars." + key: v.Native()},
	})
	return err
}

func (s *StateStore) GetVarsSnapshot(ctx context.Context, instanceID string) (map[string]value.Value, error) {
	var doc instanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": instanceID}, options.FindOne().SetProjection(bson.M{"vars": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]value.Value, len(doc.Vars))
	for k, native := range doc.Vars {
		out[k] = value.FromNative(native)
	}
	return out, nil
}

// JoinArrive uses an aggregation-pipeline update against a per-(instance,
// join) document, so the read-or-seed-then-decrement sequence is one
// atomic round trip: $ifNull substitutes expect for a not-yet-created
// "remaining" field before subtracting 1, mirroring the seed-to-expect-1
// the sqlite and postgres backends perform with their own
// INSERT ... ON CONFLICT ... RETURNING statements. Without this, $inc on a
// missing field during upsert would set it to the increment itself
// (-1) rather than expect-1, firing the Join on every arrival.
func (s *StateStore) JoinArrive(ctx context.Context, instanceID string, joinIndex, expect int) (int, error) {
	id := joinDocID(instanceID, joinIndex)
	filter := bson.M{"_id": id}
	update := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "remaining", Value: bson.D{{Key: "$subtract", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$remaining", expect}}},
				1,
			}}}},
		}}},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc joinDoc
	err := s.joins.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Remaining, nil
}

func joinDocID(instanceID string, joinIndex int) string {
	return instanceID + ":" + strconv.Itoa(joinIndex)
}

func (s *StateStore) TrackOutstanding(ctx context.Context, instanceID string, delta int) (int, error) {
	var doc instanceDoc
	err := s.instances.FindOneAndUpdate(ctx,
		bson.M{"_id": instanceID},
		bson.M{"$inc": bson.M{"outstanding": delta}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	return doc.Outstanding, err
}

func (s *StateStore) SetStatus(ctx context.Context, instanceID string, status store.Status, cause *store.FailureCause) error {
	set := bson.M{"status": string(status)}
	if cause != nil {
		set["cause_kind"] = cause.Kind
		set["cause_msg"] = cause.Message
		set["cause_node"] = cause.NodeIndex
		set["has_cause"] = true
	}
	_, err := s.instances.UpdateByID(ctx, instanceID, bson.M{"$set": set})
	return err
}

func (s *StateStore) GetStatus(ctx context.Context, instanceID string) (store.Status, *store.FailureCause, error) {
	var doc instanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": instanceID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil, store.ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	if !doc.HasCause {
		return store.Status(doc.Status), nil, nil
	}
	return store.Status(doc.Status), &store.FailureCause{
		Kind:      doc.CauseKind,
		Message:   doc.CauseMsg,
		NodeIndex: doc.CauseNode,
	}, nil
}
