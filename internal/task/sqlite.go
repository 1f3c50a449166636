// SPDX-License-Identifier: MIT

package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/mofsim/gpusched/internal/lifecycle"
	"github.com/mofsim/gpusched/internal/queue"
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	task_type       TEXT NOT NULL,
	model           TEXT NOT NULL,
	structure_ref   TEXT NOT NULL,
	parameters      TEXT,
	priority        INTEGER NOT NULL,
	state           TEXT NOT NULL,
	atom_count      INTEGER NOT NULL DEFAULT 0,
	formula         TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT,
	gpu_id          INTEGER,
	result          TEXT,
	output_files    TEXT,
	error_message   TEXT NOT NULL DEFAULT '',
	error_traceback TEXT NOT NULL DEFAULT '',
	callback        TEXT,
	timeout_seconds INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

CREATE TABLE IF NOT EXISTS structures (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	path       TEXT NOT NULL,
	atom_count INTEGER NOT NULL,
	formula    TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// SQLiteRepository is the durable Repository backend.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite-backed repository. WAL mode and
// busy_timeout are set in the DSN so they apply to every pooled connection.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(16)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.Exec(taskSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate failed: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

var _ Repository = (*SQLiteRepository)(nil)

// Close releases the connection pool.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Ping verifies backend connectivity; used by health checks.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// Create stores a new task row.
func (r *SQLiteRepository) Create(ctx context.Context, t *Task) error {
	params, err := marshalJSON(t.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	result, err := marshalJSON(t.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	files, err := marshalJSON(t.OutputFiles)
	if err != nil {
		return fmt.Errorf("marshal output files: %w", err)
	}
	callback, err := marshalJSON(t.Callback)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	var gpuID sql.NullInt64
	if t.GPUID != nil {
		gpuID = sql.NullInt64{Int64: int64(*t.GPUID), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, task_type, model, structure_ref, parameters, priority, state,
			atom_count, formula, created_at, started_at, completed_at, gpu_id,
			result, output_files, error_message, error_traceback, callback,
			timeout_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), string(t.Type), t.Model, t.StructureRef, params,
		int(t.Priority), string(t.State), t.AtomCount, t.Formula,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(t.StartedAt), nullTime(t.CompletedAt), gpuID,
		result, files, t.ErrorMessage, t.ErrorTraceback, callback,
		int(t.Timeout/time.Second),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, task_type, model, structure_ref, parameters, priority, state,
	atom_count, formula, created_at, started_at, completed_at, gpu_id,
	result, output_files, error_message, error_traceback, callback, timeout_seconds`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var (
		t          Task
		id         string
		taskType   string
		params     sql.NullString
		priority   int
		state      string
		createdAt  string
		startedAt  sql.NullString
		completed  sql.NullString
		gpuID      sql.NullInt64
		result     sql.NullString
		files      sql.NullString
		callback   sql.NullString
		timeoutSec int
	)
	err := row.Scan(
		&id, &taskType, &t.Model, &t.StructureRef, &params, &priority, &state,
		&t.AtomCount, &t.Formula, &createdAt, &startedAt, &completed, &gpuID,
		&result, &files, &t.ErrorMessage, &t.ErrorTraceback, &callback,
		&timeoutSec,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse task id: %w", err)
	}
	t.Type = Type(taskType)
	t.Priority = queue.Priority(priority)
	t.State = lifecycle.State(state)
	t.Timeout = time.Duration(timeoutSec) * time.Second

	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if startedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		t.StartedAt = &ts
	}
	if completed.Valid {
		ts, err := time.Parse(time.RFC3339Nano, completed.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	if gpuID.Valid {
		g := int(gpuID.Int64)
		t.GPUID = &g
	}
	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &t.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if files.Valid {
		if err := json.Unmarshal([]byte(files.String), &t.OutputFiles); err != nil {
			return nil, fmt.Errorf("unmarshal output files: %w", err)
		}
	}
	if callback.Valid {
		var cb Callback
		if err := json.Unmarshal([]byte(callback.String), &cb); err != nil {
			return nil, fmt.Errorf("unmarshal callback: %w", err)
		}
		t.Callback = &cb
	}
	return &t, nil
}

// Get returns the task or ErrNotFound.
func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id.String())
	return scanTask(row)
}

// Update overwrites the stored row.
func (r *SQLiteRepository) Update(ctx context.Context, t *Task) error {
	params, err := marshalJSON(t.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	result, err := marshalJSON(t.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	files, err := marshalJSON(t.OutputFiles)
	if err != nil {
		return fmt.Errorf("marshal output files: %w", err)
	}
	callback, err := marshalJSON(t.Callback)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	var gpuID sql.NullInt64
	if t.GPUID != nil {
		gpuID = sql.NullInt64{Int64: int64(*t.GPUID), Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET
			task_type = ?, model = ?, structure_ref = ?, parameters = ?,
			priority = ?, state = ?, atom_count = ?, formula = ?,
			started_at = ?, completed_at = ?, gpu_id = ?,
			result = ?, output_files = ?, error_message = ?,
			error_traceback = ?, callback = ?, timeout_seconds = ?
		WHERE id = ?
		  AND (state = ? OR state NOT IN ('completed', 'failed', 'cancelled', 'timeout'))`,
		string(t.Type), t.Model, t.StructureRef, params,
		int(t.Priority), string(t.State), t.AtomCount, t.Formula,
		nullTime(t.StartedAt), nullTime(t.CompletedAt), gpuID,
		result, files, t.ErrorMessage, t.ErrorTraceback, callback,
		int(t.Timeout/time.Second), t.ID.String(), string(t.State),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Either the row is gone or it is terminal and the write would
		// change its state.
		var cur string
		err := r.db.QueryRowContext(ctx,
			`SELECT state FROM tasks WHERE id = ?`, t.ID.String()).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load current state: %w", err)
		}
		return lifecycle.ValidateTransition(lifecycle.State(cur), t.State)
	}
	return nil
}

// List returns matching tasks newest-first plus the unpaged total.
func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]*Task, int, error) {
	where := " WHERE 1=1"
	var args []any
	if f.State != "" {
		where += " AND state = ?"
		args = append(args, string(f.State))
	}
	if f.Type != "" {
		where += " AND task_type = ?"
		args = append(args, string(f.Type))
	}
	if f.Model != "" {
		where += " AND model = ?"
		args = append(args, f.Model)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, total, nil
}

// Delete removes the row; missing ids return ErrNotFound.
func (r *SQLiteRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneTerminal removes terminal tasks completed before the cutoff.
func (r *SQLiteRepository) PruneTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE state IN ('completed', 'failed', 'cancelled', 'timeout')
		AND completed_at IS NOT NULL AND completed_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// SaveStructure upserts a parsed structure row.
func (r *SQLiteRepository) SaveStructure(ctx context.Context, s *Structure) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO structures (id, name, path, atom_count, formula, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, path = excluded.path,
			atom_count = excluded.atom_count, formula = excluded.formula,
			checksum = excluded.checksum`,
		s.ID.String(), s.Name, s.Path, s.AtomCount, s.Formula, s.Checksum,
		s.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save structure: %w", err)
	}
	return nil
}

// GetStructure returns the structure row or ErrNotFound.
func (r *SQLiteRepository) GetStructure(ctx context.Context, id uuid.UUID) (*Structure, error) {
	var (
		s         Structure
		rawID     string
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, path, atom_count, formula, checksum, created_at
		FROM structures WHERE id = ?`, id.String()).
		Scan(&rawID, &s.Name, &s.Path, &s.AtomCount, &s.Formula, &s.Checksum, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan structure: %w", err)
	}
	if s.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("parse structure id: %w", err)
	}
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &s, nil
}
