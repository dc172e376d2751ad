package etl

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunRecord is the persisted audit row of one plugin run.
type RunRecord struct {
	TaskID        int64
	Plugin        string
	RunID         string
	Operation     Operation
	CodeVersion   string
	Params        string
	Status        Status
	RowsProcessed int64
	StartTime     time.Time
	EndTime       time.Time
	Message       string
}

// RunLog persists run records. The runtime creates a record as RUNNING at
// start and completes it exactly once.
type RunLog interface {
	CreateRun(ctx context.Context, rec *RunRecord) (int64, error)
	CompleteRun(ctx context.Context, taskID int64, endTime time.Time,
		status Status, rows int64, message string) error
}

const runLogSchema = `
CREATE TABLE IF NOT EXISTS etl_plugin_run (
	task_id        INTEGER PRIMARY KEY,
	plugin_name    TEXT NOT NULL,
	run_id         TEXT NOT NULL,
	operation      TEXT,
	code_version   TEXT,
	params         TEXT,
	status         TEXT NOT NULL,
	rows_processed INTEGER NOT NULL DEFAULT 0,
	start_time     TIMESTAMP NOT NULL,
	end_time       TIMESTAMP,
	message        TEXT
);
CREATE INDEX IF NOT EXISTS etl_plugin_run_run_id ON etl_plugin_run (run_id);`

// SQLRunLog is the database/sql-backed RunLog. It is driver-agnostic;
// the runner and tests wire it over sqlite3.
type SQLRunLog struct {
	db *sql.DB
}

func NewSQLRunLog(db *sql.DB) *SQLRunLog { return &SQLRunLog{db: db} }

// Init creates the run table when missing.
func (l *SQLRunLog) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, runLogSchema); err != nil {
		return fmt.Errorf("etl: init run log schema: %w", err)
	}
	return nil
}

func (l *SQLRunLog) CreateRun(ctx context.Context, rec *RunRecord) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO etl_plugin_run
		 (plugin_name, run_id, operation, code_version, params, status,
		  rows_processed, start_time, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Plugin, rec.RunID, string(rec.Operation), rec.CodeVersion,
		rec.Params, string(rec.Status), rec.RowsProcessed, rec.StartTime,
		rec.Message)
	if err != nil {
		return 0, fmt.Errorf("etl: create run record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("etl: create run record: %w", err)
	}
	return id, nil
}

func (l *SQLRunLog) CompleteRun(ctx context.Context, taskID int64, endTime time.Time,
	status Status, rows int64, message string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE etl_plugin_run
		 SET end_time = ?, status = ?, rows_processed = ?, message = ?
		 WHERE task_id = ?`,
		endTime, string(status), rows, message, taskID)
	if err != nil {
		return fmt.Errorf("etl: complete run %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("etl: complete run %d: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("etl: complete run %d: record not found", taskID)
	}
	return nil
}

// GetRun loads one run record by task id.
func (l *SQLRunLog) GetRun(ctx context.Context, taskID int64) (*RunRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT task_id, plugin_name, run_id, operation, code_version, params,
		        status, rows_processed, start_time, end_time, message
		 FROM etl_plugin_run WHERE task_id = ?`, taskID)
	rec, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("etl: get run %d: %w", taskID, err)
	}
	return rec, nil
}

// ListRuns returns the most recent run records, newest first.
func (l *SQLRunLog) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT task_id, plugin_name, run_id, operation, code_version, params,
		        status, rows_processed, start_time, end_time, message
		 FROM etl_plugin_run ORDER BY task_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("etl: list runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("etl: list runs: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("etl: list runs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var operation, codeVersion, params, message sql.NullString
	var end sql.NullTime
	err := row.Scan(&rec.TaskID, &rec.Plugin, &rec.RunID, &operation,
		&codeVersion, &params, &rec.Status, &rec.RowsProcessed,
		&rec.StartTime, &end, &message)
	if err != nil {
		return nil, err
	}
	rec.Operation = Operation(operation.String)
	rec.CodeVersion = codeVersion.String
	rec.Params = params.String
	rec.Message = message.String
	if end.Valid {
		rec.EndTime = end.Time
	}
	return &rec, nil
}
