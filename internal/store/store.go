package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const schemaSQL = `
    CREATE TABLE IF NOT EXISTS action_history (
        run_id      TEXT        NOT NULL,
        step        INTEGER     NOT NULL,
        action      TEXT        NOT NULL,
        params      JSONB       NOT NULL DEFAULT '{}',
        success     BOOLEAN     NOT NULL,
        error_kind  TEXT        NOT NULL DEFAULT '',
        error       TEXT        NOT NULL DEFAULT '',
        description TEXT        NOT NULL DEFAULT '',
        payload     JSONB,
        done        BOOLEAN     NOT NULL DEFAULT FALSE,
        duration_ms BIGINT      NOT NULL DEFAULT 0,
        snapshot_id TEXT        NOT NULL DEFAULT '',
        recorded_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (run_id, step)
    );
`

const insertEntrySQL = `
    INSERT INTO action_history (run_id, step, action, params, success, error_kind, error, description, payload, done, duration_ms, snapshot_id, recorded_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    ON CONFLICT (run_id, step) DO NOTHING;
`

const selectEntriesSQL = `
    SELECT step, action, params, success, error_kind, error, description, payload, done, duration_ms, snapshot_id, recorded_at
    FROM action_history
    WHERE run_id = $1
    ORDER BY step ASC;
`

var historyColumns = []string{
	"run_id", "step", "action", "params", "success", "error_kind", "error",
	"description", "payload", "done", "duration_ms", "snapshot_id", "recorded_at",
}

// Store persists action history to PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the action_history table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create action_history table: %w", err)
	}
	return nil
}

// RecordEntry inserts one history entry. Re-recording the same step of a run is a no-op.
func (s *Store) RecordEntry(ctx context.Context, runID string, entry schemas.HistoryEntry) error {
	row, err := entryRow(runID, entry)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, insertEntrySQL, row...); err != nil {
		return fmt.Errorf("failed to insert history entry %d: %w", entry.Step, err)
	}
	return nil
}

// RecordEntries bulk-copies a whole history in one transaction.
func (s *Store) RecordEntries(ctx context.Context, runID string, entries []schemas.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(entries))
	for i, e := range entries {
		row, err := entryRow(runID, e)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"action_history"}, historyColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy history entries: %w", err)
	}
	if int(copyCount) != len(entries) {
		return fmt.Errorf("mismatch in copied history count: expected %d, got %d", len(entries), copyCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func entryRow(runID string, e schemas.HistoryEntry) ([]interface{}, error) {
	params := []byte("{}")
	if e.Request.Params != nil {
		b, err := json.ConfigCompatibleWithStandardLibrary.Marshal(e.Request.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params for step %d: %w", e.Step, err)
		}
		params = b
	}

	var payload []byte
	if e.Result.Payload != nil {
		b, err := json.ConfigCompatibleWithStandardLibrary.Marshal(e.Result.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload for step %d: %w", e.Step, err)
		}
		payload = b
	}

	return []interface{}{
		runID, e.Step, string(e.Request.Action), params,
		e.Result.Success, string(e.Result.ErrorKind), e.Result.Error, e.Result.Description,
		payload, e.Result.Done, e.Result.Duration.Milliseconds(),
		e.SnapshotID, e.RecordedAt.UTC(),
	}, nil
}

// EntriesForRun reads a run's history back in step order.
func (s *Store) EntriesForRun(ctx context.Context, runID string) ([]schemas.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, selectEntriesSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []schemas.HistoryEntry
	for rows.Next() {
		var (
			e          schemas.HistoryEntry
			action     string
			params     []byte
			errorKind  string
			payload    []byte
			durationMs int64
		)
		err := rows.Scan(
			&e.Step, &action, &params,
			&e.Result.Success, &errorKind, &e.Result.Error, &e.Result.Description,
			&payload, &e.Result.Done, &durationMs,
			&e.SnapshotID, &e.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		if err := e.Request.UnmarshalJSON(wireRequest(action, params)); err != nil {
			return nil, fmt.Errorf("failed to decode request for step %d: %w", e.Step, err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Result.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload for step %d: %w", e.Step, err)
			}
		}
		e.Result.ErrorKind = schemas.ErrorKind(errorKind)
		e.Result.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

func wireRequest(action string, params []byte) []byte {
	if len(params) == 0 {
		params = []byte("{}")
	}
	b, _ := json.ConfigCompatibleWithStandardLibrary.Marshal(map[string]interface{}{
		"action": action,
		"params": json.RawMessage(params),
	})
	return b
}

// RunSink adapts the store to a history sink for one run.
type RunSink struct {
	store *Store
	runID string
}

// Sink returns a history sink that records entries under runID.
func (s *Store) Sink(runID string) *RunSink {
	return &RunSink{store: s, runID: runID}
}

// Persist satisfies history.Sink.
func (r *RunSink) Persist(ctx context.Context, entry schemas.HistoryEntry) error {
	return r.store.RecordEntry(ctx, r.runID, entry)
}
