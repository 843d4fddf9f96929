package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

// StateStore implements store.StateStore over Redis, using one key per
// instance concern rather than one blob per instance:
//
//	<prefix>vars:<id>          => hash of variable name -> JSON value
//	<prefix>status:<id>        => hash {state, cause_kind, cause_message, cause_node}
//	<prefix>outstanding:<id>   => integer counter (INCRBY)
//	<prefix>join:<id>:<index>  => integer counter, initialized and
//	                              decremented by a single Lua script so
//	                              concurrent branch arrivals never race
type StateStore struct {
	client *goredis.Client
	prefix string
}

var _ store.StateStore = (*StateStore)(nil)

// NewStateStore constructs a Redis-backed StateStore. prefix is optional
// but recommended (e.g. "relayflow:").
func NewStateStore(client *goredis.Client, prefix string) *StateStore {
	if prefix == "" {
		prefix = "relayflow:"
	}
	return &StateStore{client: client, prefix: prefix}
}

func (s *StateStore) keyVars(id string) string       { return s.prefix + "vars:" + id }
func (s *StateStore) keyStatus(id string) string      { return s.prefix + "status:" + id }
func (s *StateStore) keyOutstanding(id string) string { return s.prefix + "outstanding:" + id }

func (s *StateStore) keyJoin(id string, idx int) string {
	return s.prefix + "join:" + id + ":" + strconv.Itoa(idx)
}

func (s *StateStore) CreateInstance(ctx context.Context, instanceID, blueprintID string, initialVars map[string]value.Value) error {
	pipe := s.client.TxPipeline()
	if len(initialVars) > 0 {
		fields := make(map[string]any, len(initialVars))
		for k, v := range initialVars {
			data, err := json.Marshal(v.Native())
			if err != nil {
				return fmt.Errorf("redis: encoding var %q: %w", k, err)
			}
			fields[k] = data
		}
		pipe.HSet(ctx, s.keyVars(instanceID), fields)
	}
	pipe.HSet(ctx, s.keyStatus(instanceID), "state", string(store.StatusRunning))
	pipe.Set(ctx, s.keyOutstanding(instanceID), 1, 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *StateStore) GetVar(ctx context.Context, instanceID, key string) (value.Value, bool, error) {
	data, err := s.client.HGet(ctx, s.keyVars(instanceID), key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return value.Null, false, nil
	}
	if err != nil {
		return value.Value{}, false, err
	}
	return decodeVar(data)
}

func (s *StateStore) SetVar(ctx context.Context, instanceID, key string, v value.Value) error {
	data, err := json.Marshal(v.Native())
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.keyVars(instanceID), key, data).Err()
}

func (s *StateStore) GetVarsSnapshot(ctx context.Context, instanceID string) (map[string]value.Value, error) {
	all, err := s.client.HGetAll(ctx, s.keyVars(instanceID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]value.Value, len(all))
	for k, raw := range all {
		v, _, err := decodeVar([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("redis: decoding var %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func decodeVar(data []byte) (value.Value, bool, error) {
	var v value.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return value.Value{}, false, err
	}
	return v, true, nil
}

// joinArriveLua is the single atomic operation JoinArrive requires: if the
// counter doesn't exist yet, seed it from expect before decrementing,
// otherwise decrement the existing value. Reads the key before
// conditionally writing it back inside one EVAL so concurrent callers
// never race.
const joinArriveLua = `
local key = KEYS[1]
local expect = tonumber(ARGV[1])

local cur = redis.call('GET', key)
if not cur then
	cur = expect
else
	cur = tonumber(cur)
end
cur = cur - 1
redis.call('SET', key, cur)
return cur
`

func (s *StateStore) JoinArrive(ctx context.Context, instanceID string, joinIndex, expect int) (int, error) {
	res, err := s.client.Eval(ctx, joinArriveLua, []string{s.keyJoin(instanceID, joinIndex)}, expect).Result()
	if err != nil {
		return 0, err
	}
	remaining, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("redis: unexpected JoinArrive result type %T", res)
	}
	return int(remaining), nil
}

func (s *StateStore) TrackOutstanding(ctx context.Context, instanceID string, delta int) (int, error) {
	n, err := s.client.IncrBy(ctx, s.keyOutstanding(instanceID), int64(delta)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *StateStore) SetStatus(ctx context.Context, instanceID string, status store.Status, cause *store.FailureCause) error {
	fields := map[string]any{"state": string(status)}
	if cause != nil {
		fields["cause_kind"] = cause.Kind
		fields["cause_message"] = cause.Message
		fields["cause_node"] = cause.NodeIndex
	}
	return s.client.HSet(ctx, s.keyStatus(instanceID), fields).Err()
}

func (s *StateStore) GetStatus(ctx context.Context, instanceID string) (store.Status, *store.FailureCause, error) {
	fields, err := s.client.HGetAll(ctx, s.keyStatus(instanceID)).Result()
	if err != nil {
		return "", nil, err
	}
	state, ok := fields["state"]
	if !ok {
		return "", nil, store.ErrNotFound
	}
	kind, hasCause := fields["cause_kind"]
	if !hasCause {
		return store.Status(state), nil, nil
	}
	nodeIndex, _ := strconv.Atoi(fields["cause_node"])
	return store.Status(state), &store.FailureCause{
		Kind:      kind,
		Message:   fields["cause_message"],
		NodeIndex: nodeIndex,
	}, nil
}
