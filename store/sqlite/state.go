package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/relayflow/relayflow/store"
	"github.com/relayflow/relayflow/value"
)

// StateStore is a StateStore backed by SQLite. Variables are stored as a
// single JSON blob per instance rather than one row per key:
// GetVarsSnapshot needs a point-in-time view of the whole map, which a
// blob read gets for free, and per-key row locking buys nothing extra
// since SQLite already serializes writers at the database level.
type StateStore struct {
	db *sql.DB
}

// NewStateStore initializes the required schema in db and returns a
// StateStore.
func NewStateStore(db *sql.DB) (*StateStore, error) {
	s := &StateStore{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			blueprint_id TEXT NOT NULL,
			vars_json TEXT NOT NULL,
			outstanding INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			cause_kind TEXT,
			cause_message TEXT,
			cause_node_index INTEGER
		);
		CREATE TABLE IF NOT EXISTS joins (
			instance_id TEXT NOT NULL,
			join_index INTEGER NOT NULL,
			remaining INTEGER NOT NULL,
			PRIMARY KEY (instance_id, join_index)
		);`); err != nil {
		return nil, err
	}
	return s, nil
}

var _ store.StateStore = (*StateStore)(nil)

func (s *StateStore) CreateInstance(ctx context.Context, instanceID, blueprintID string, initialVars map[string]value.Value) error {
	blob, err := encodeVars(initialVars)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, blueprint_id, vars_json, outstanding, status)
		VALUES (?, ?, ?, 1, ?)`,
		instanceID, blueprintID, blob, string(store.StatusRunning),
	)
	return err
}

func (s *StateStore) GetVar(ctx context.Context, instanceID, key string) (value.Value, bool, error) {
	snap, err := s.GetVarsSnapshot(ctx, instanceID)
	if err != nil {
		return value.Null, false, err
	}
	v, ok := snap[key]
	return v, ok, nil
}

// SetVar reads-modifies-writes the vars blob inside a transaction.
// SQLite's default transaction isolation serializes concurrent writers,
// so two branches setting different keys never lose an update to each
// other; for same-key races, the final value is simply whichever write
// commits last.
func (s *StateStore) SetVar(ctx context.Context, instanceID, key string, v value.Value) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var blob string
	if err := tx.QueryRowContext(ctx, `SELECT vars_json FROM instances WHERE id = ?`, instanceID).Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	vars, err := decodeVars(blob)
	if err != nil {
		return err
	}
	vars[key] = v
	newBlob, err := encodeVars(vars)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE instances SET vars_json = ? WHERE id = ?`, newBlob, instanceID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *StateStore) GetVarsSnapshot(ctx context.Context, instanceID string) (map[string]value.Value, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT vars_json FROM instances WHERE id = ?`, instanceID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeVars(blob)
}

// JoinArrive performs the init-then-decrement in a single statement:
// INSERT ... ON CONFLICT DO UPDATE with a RETURNING clause, so no other
// writer can observe or mutate the counter between the read and the
// write.
func (s *StateStore) JoinArrive(ctx context.Context, instanceID string, joinIndex, expect int) (int, error) {
	var remaining int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO joins (instance_id, join_index, remaining)
		VALUES (?, ?, ?)
		ON CONFLICT (instance_id, join_index)
		DO UPDATE SET remaining = joins.remaining - 1
		RETURNING remaining`,
		instanceID, joinIndex, expect-1,
	).Scan(&remaining)
	if err != nil {
		return 0, err
	}
	if remaining <= 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM joins WHERE instance_id = ? AND join_index = ?`, instanceID, joinIndex); err != nil {
			return 0, err
		}
	}
	return remaining, nil
}

func (s *StateStore) TrackOutstanding(ctx context.Context, instanceID string, delta int) (int, error) {
	var outstanding int
	err := s.db.QueryRowContext(ctx, `
		UPDATE instances SET outstanding = outstanding + ?
		WHERE id = ?
		RETURNING outstanding`,
		delta, instanceID,
	).Scan(&outstanding)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return outstanding, err
}

func (s *StateStore) SetStatus(ctx context.Context, instanceID string, status store.Status, cause *store.FailureCause) error {
	var kind, message sql.NullString
	var nodeIndex sql.NullInt64
	if cause != nil {
		kind = sql.NullString{String: cause.Kind, Valid: true}
		message = sql.NullString{String: cause.Message, Valid: true}
		nodeIndex = sql.NullInt64{Int64: int64(cause.NodeIndex), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status = ?, cause_kind = ?, cause_message = ?, cause_node_index = ?
		WHERE id = ?`,
		string(status), kind, message, nodeIndex, instanceID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *StateStore) GetStatus(ctx context.Context, instanceID string) (store.Status, *store.FailureCause, error) {
	var statusStr string
	var kind, message sql.NullString
	var nodeIndex sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT status, cause_kind, cause_message, cause_node_index FROM instances WHERE id = ?`,
		instanceID,
	).Scan(&statusStr, &kind, &message, &nodeIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, store.ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	var cause *store.FailureCause
	if kind.Valid {
		cause = &store.FailureCause{Kind: kind.String, Message: message.String, NodeIndex: int(nodeIndex.Int64)}
	}
	return store.Status(statusStr), cause, nil
}

func encodeVars(vars map[string]value.Value) (string, error) {
	native := make(map[string]any, len(vars))
	for k, v := range vars {
		native[k] = v.Native()
	}
	b, err := json.Marshal(native)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeVars(blob string) (map[string]value.Value, error) {
	var decoded map[string]value.Value
	if err := json.Unmarshal([]byte(blob), &decoded); err != nil {
		return nil, err
	}
	vars := make(map[string]value.Value, len(decoded))
	for k, v := range decoded {
		vars[k] = v
	}
	return vars, nil
}
