// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

const (
	executionTable = "orchestrator_executions"
	auditTable     = "orchestrator_audit"
)

// OpenSQLite opens a database with the pure-Go sqlite driver.
// A dsn of ":memory:" is pinned to one connection so every query sees the same database.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SQLiteExecutionStore persists executions as JSON documents with indexed
// state and plan columns.
type SQLiteExecutionStore struct {
	db *sql.DB
}

// NewSQLiteExecutionStore creates the store and ensures schema.
func NewSQLiteExecutionStore(db *sql.DB) (*SQLiteExecutionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureSQLiteSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteExecutionStore{db: db}, nil
}

// Save upserts an execution.
func (s *SQLiteExecutionStore) Save(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return errors.New(errors.CodeInvalidInput, "execution id is required", nil)
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, plan_id, state, created_at, updated_at, body_json)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				plan_id = excluded.plan_id,
				state = excluded.state,
				updated_at = excluded.updated_at,
				body_json = excluded.body_json`, executionTable),
		exec.ID, exec.PlanID(), string(exec.State),
		exec.CreatedAt.UnixMilli(), exec.UpdatedAt.UnixMilli(), payload)
	return err
}

// Get returns an execution by id.
func (s *SQLiteExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT body_json FROM %s WHERE id = ?", executionTable), id)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("execution", id)
		}
		return nil, err
	}
	return decodeExecution(body)
}

// FindByPlan returns the newest execution of planID.
func (s *SQLiteExecutionStore) FindByPlan(ctx context.Context, planID string) (*Execution, error) {
	out, err := s.List(ctx, ExecutionFilter{PlanID: planID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.NotFound("plan", planID)
	}
	return out[0], nil
}

// List returns matching executions, newest first.
func (s *SQLiteExecutionStore) List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	where := "1=1"
	args := make([]any, 0)
	if filter.State != "" {
		where += " AND state = ?"
		args = append(args, string(filter.State))
	}
	if filter.PlanID != "" {
		where += " AND plan_id = ?"
		args = append(args, filter.PlanID)
	}
	limit := ""
	if filter.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT body_json FROM %s WHERE %s ORDER BY created_at DESC, id DESC%s", executionTable, where, limit),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Execution, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		exec, err := decodeExecution(body)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func decodeExecution(body []byte) (*Execution, error) {
	var exec Execution
	if err := json.Unmarshal(body, &exec); err != nil {
		return nil, errors.New(errors.CodeInternal, "decode stored execution", err)
	}
	return &exec, nil
}

// SQLiteAuditStore persists the transition log.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore creates the store and ensures schema.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureSQLiteSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteAuditStore{db: db}, nil
}

// Record appends an entry.
func (s *SQLiteAuditStore) Record(ctx context.Context, entry AuditEntry) error {
	detail := []byte("null")
	if entry.Detail != nil {
		var err error
		if detail, err = json.Marshal(entry.Detail); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (execution_id, plan_id, from_state, to_state, reason, detail_json, at) VALUES (?, ?, ?, ?, ?, ?, ?)", auditTable),
		entry.ExecutionID, entry.PlanID, string(entry.From), string(entry.To), entry.Reason, string(detail), entry.At.UTC().UnixMilli())
	return err
}

// List returns matching entries in insertion order.
func (s *SQLiteAuditStore) List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	where := "1=1"
	args := make([]any, 0)
	if filter.ExecutionID != "" {
		where += " AND execution_id = ?"
		args = append(args, filter.ExecutionID)
	}
	if filter.PlanID != "" {
		where += " AND plan_id = ?"
		args = append(args, filter.PlanID)
	}
	if filter.To != "" {
		where += " AND to_state = ?"
		args = append(args, string(filter.To))
	}
	limit := ""
	if filter.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT execution_id, plan_id, from_state, to_state, reason, detail_json, at FROM %s WHERE %s ORDER BY id ASC%s", auditTable, where, limit),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditEntry, 0)
	for rows.Next() {
		var (
			entry      AuditEntry
			from, to   string
			detailJSON string
			atMs       int64
		)
		if err := rows.Scan(&entry.ExecutionID, &entry.PlanID, &from, &to, &entry.Reason, &detailJSON, &atMs); err != nil {
			return nil, err
		}
		entry.From = State(from)
		entry.To = State(to)
		entry.At = time.UnixMilli(atMs).UTC()
		if detailJSON != "" && detailJSON != "null" {
			if err := json.Unmarshal([]byte(detailJSON), &entry.Detail); err != nil {
				return nil, err
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func ensureSQLiteSchema(db *sql.DB) error {
	_, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			body_json BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_plan ON %[1]s(plan_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_state ON %[1]s(state);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			detail_json TEXT,
			at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_execution ON %[2]s(execution_id);
	`, executionTable, auditTable))
	return err
}
