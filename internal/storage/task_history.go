package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/model"
)

// ErrNotFound is returned when no record matches the requested task ID
var ErrNotFound = errors.New("task history record not found")

// TaskRecord is the final outcome of one task
type TaskRecord struct {
	TaskID      string           `json:"task_id"`
	Kind        model.TaskKind   `json:"kind"`
	WorkerID    string           `json:"worker_id,omitempty"`
	Status      model.TaskStatus `json:"status"`
	Result      json.RawMessage  `json:"result,omitempty"`
	ErrorCode   string           `json:"error_code,omitempty"`
	Error       string           `json:"error,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
	Duration    time.Duration    `json:"duration,omitempty"`
}

// Filter narrows List and Count. Empty fields match everything.
type Filter struct {
	Kind     model.TaskKind
	Status   model.TaskStatus
	WorkerID string
}

func (f Filter) where() (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.WorkerID != "" {
		conds = append(conds, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// TaskHistory stores task outcomes
type TaskHistory interface {
	// Record stores a task outcome, replacing any earlier record for the same task
	Record(ctx context.Context, record *TaskRecord) error

	// Get retrieves the record for a task
	Get(ctx context.Context, taskID string) (*TaskRecord, error)

	// List retrieves records, newest first
	List(ctx context.Context, filter Filter, offset, limit int) ([]*TaskRecord, error)

	// Count returns the number of records matching filter
	Count(ctx context.Context, filter Filter) (int, error)

	// DeleteBefore deletes records completed before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteTaskHistory implements TaskHistory using SQLite
type SQLiteTaskHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

var _ TaskHistory = (*SQLiteTaskHistory)(nil)

// NewSQLiteTaskHistory opens (or creates) the database at dbPath
func NewSQLiteTaskHistory(logger *zap.Logger, dbPath string) (*SQLiteTaskHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	storage := &SQLiteTaskHistory{
		logger: logger.Named("task-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

func (s *SQLiteTaskHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			worker_id TEXT,
			status TEXT NOT NULL,
			result TEXT,
			error_code TEXT,
			error TEXT,
			completed_at DATETIME NOT NULL,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_kind ON task_history(kind);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_completed_at ON task_history(completed_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Record implements TaskHistory.Record
func (s *SQLiteTaskHistory) Record(ctx context.Context, record *TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_history (
			task_id, kind, worker_id, status, result, error_code, error, completed_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TaskID,
		string(record.Kind),
		sql.NullString{String: record.WorkerID, Valid: record.WorkerID != ""},
		string(record.Status),
		sql.NullString{String: string(record.Result), Valid: len(record.Result) > 0},
		sql.NullString{String: record.ErrorCode, Valid: record.ErrorCode != ""},
		sql.NullString{String: record.Error, Valid: record.Error != ""},
		record.CompletedAt.UTC(),
		sql.NullInt64{Int64: int64(record.Duration), Valid: record.Duration != 0},
	)
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

const selectColumns = "SELECT task_id, kind, worker_id, status, result, error_code, error, completed_at, duration FROM task_history"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*TaskRecord, error) {
	var (
		record                            TaskRecord
		kind, status                      string
		workerID, result, errCode, errStr sql.NullString
		duration                          sql.NullInt64
	)
	err := row.Scan(
		&record.TaskID,
		&kind,
		&workerID,
		&status,
		&result,
		&errCode,
		&errStr,
		&record.CompletedAt,
		&duration,
	)
	if err != nil {
		return nil, err
	}

	record.Kind = model.TaskKind(kind)
	record.Status = model.TaskStatus(status)
	record.WorkerID = workerID.String
	if result.Valid && result.String != "" {
		record.Result = json.RawMessage(result.String)
	}
	record.ErrorCode = errCode.String
	record.Error = errStr.String
	if duration.Valid {
		record.Duration = time.Duration(duration.Int64)
	}
	return &record, nil
}

// Get implements TaskHistory.Get
func (s *SQLiteTaskHistory) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+" WHERE task_id = ?", taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}
	return record, nil
}

// List implements TaskHistory.List
func (s *SQLiteTaskHistory) List(ctx context.Context, filter Filter, offset, limit int) ([]*TaskRecord, error) {
	where, args := filter.where()
	query := selectColumns + where + " ORDER BY completed_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

// Count implements TaskHistory.Count
func (s *SQLiteTaskHistory) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements TaskHistory.DeleteBefore
func (s *SQLiteTaskHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE completed_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteTaskHistory) Close() error {
	return s.db.Close()
}
