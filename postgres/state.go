package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

// StateStore implements store.StateStore against Postgres. Instance
// variables live one row per (instance, key) rather than a single JSON
// blob so a Function's SetVar never needs to read the whole variable set
// back just to write one entry.
type StateStore struct {
	pool *pgxpool.Pool
}

var _ store.StateStore = (*StateStore)(nil)

// NewStateStore creates the required schema in pool and returns a
// StateStore.
func NewStateStore(ctx context.Context, pool *pgxpool.Pool) (*StateStore, error) {
	s := &StateStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StateStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS instances (
			id           TEXT PRIMARY KEY,
			blueprint_id TEXT NOT NULL,
			status       TEXT NOT NULL,
			outstanding  INTEGER NOT NULL DEFAULT 1,
			cause_kind   TEXT,
			cause_msg    TEXT,
			cause_node   INTEGER
		);
		CREATE TABLE IF NOT EXISTS instance_vars (
			instance_id TEXT NOT NULL,
			key         TEXT NOT NULL,
			value_json  JSONB NOT NULL,
			PRIMARY KEY (instance_id, key)
		);
		CREATE TABLE IF NOT EXISTS instance_joins (
			instance_id TEXT NOT NULL,
			join_index  INTEGER NOT NULL,
			remaining   INTEGER NOT NULL,
			PRIMARY KEY (instance_id, join_index)
		);
	`)
	return err
}

func (s *StateStore) CreateInstance(ctx context.Context, instanceID, blueprintID string, initialVars map[string]value.Value) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO instances (id, blueprint_id, status, outstanding)
		VALUES ($1, $2, $3, 1)
	`, instanceID, blueprintID, string(store.StatusRunning)); err != nil {
		return err
	}
	for k, v := range initialVars {
		data, err := json.Marshal(v.Native())
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO instance_vars (instance_id, key, value_json) VALUES ($1, $2, $3)
		`, instanceID, k, data); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *StateStore) GetVar(ctx context.Context, instanceID, key string) (value.Value, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value_json FROM instance_vars WHERE instance_id = $1 AND key = $2
	`, instanceID, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return value.Null, false, nil
	}
	if err != nil {
		return value.Value{}, false, err
	}
	v, err := decodeVarJSON(data)
	if err != nil {
		return value.Value{}, false, err
	}
	return v, true, nil
}

func (s *StateStore) SetVar(ctx context.Context, instanceID, key string, v value.Value) error {
	data, err := json.Marshal(v.Native())
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO instance_vars (instance_id, key, value_json)
		VALUES ($1, $2, $3)
		ON CONFLICT (instance_id, key) DO UPDATE SET value_json = EXCLUDED.value_json
	`, instanceID, key, data)
	return err
}

func (s *StateStore) GetVarsSnapshot(ctx context.Context, instanceID string) (map[string]value.Value, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, value_json FROM instance_vars WHERE instance_id = $1
	`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]value.Value)
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		v, err := decodeVarJSON(data)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, rows.Err()
}

func decodeVarJSON(data []byte) (value.Value, error) {
	var v value.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return value.Value{}, err
	}
	return v, nil
}

// JoinArrive uses a single INSERT ... ON CONFLICT DO UPDATE ... RETURNING
// statement so the read-or-init-then-decrement sequence is one atomic
// round trip, letting Postgres's row lock (rather than application code)
// serialize concurrent branch arrivals.
func (s *StateStore) JoinArrive(ctx context.Context, instanceID string, joinIndex, expect int) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO instance_joins (instance_id, join_index, remaining)
		VALUES ($1, $2, $3 - 1)
		ON CONFLICT (instance_id, join_index)
		DO UPDATE SET remaining = instance_joins.remaining - 1
		RETURNING remaining
	`, instanceID, joinIndex, expect).Scan(&remaining)
	return remaining, err
}

func (s *StateStore) TrackOutstanding(ctx context.Context, instanceID string, delta int) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE instances SET outstanding = outstanding + $1 WHERE id = $2 RETURNING outstanding
	`, delta, instanceID).Scan(&n)
	return n, err
}

func (s *StateStore) SetStatus(ctx context.Context, instanceID string, status store.Status, cause *store.FailureCause) error {
	if cause == nil {
		_, err := s.pool.Exec(ctx, `UPDATE instances SET status = $1 WHERE id = $2`, string(status), instanceID)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE instances SET status = $1, cause_kind = $2, cause_msg = $3, cause_node = $4 WHERE id = $5
	`, string(status), cause.Kind, cause.Message, cause.NodeIndex, instanceID)
	return err
}

func (s *StateStore) GetStatus(ctx context.Context, instanceID string) (store.Status, *store.FailureCause, error) {
	var (
		status               string
		causeKind, causeMsg *string
		causeNode           *int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT status, cause_kind, cause_msg, cause_node FROM instances WHERE id = $1
	`, instanceID).Scan(&status, &causeKind, &causeMsg, &causeNode)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, store.ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	if causeKind == nil {
		return store.Status(status), nil, nil
	}
	cause := &store.FailureCause{Kind: *causeKind}
	if causeMsg != nil {
		cause.Message = *causeMsg
	}
	if causeNode != nil {
		cause.NodeIndex = *causeNode
	}
	return store.Status(status), cause, nil
}
