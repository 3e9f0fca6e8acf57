// internal/state/history_sqlite.go
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/internal/types"
	"github.com/user/pagewright/pkg/llm"
)

// SQLiteHistory stores task records in a SQLite database.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory opens (and migrates) the database at path.
func NewSQLiteHistory(ctx context.Context, path string) (*SQLiteHistory, error) {
	db, err := OpenDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLiteHistory{db: db}, nil
}

func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

// Save writes the record, its messages and its events in one transaction.
func (h *SQLiteHistory) Save(ctx context.Context, rec *types.TaskRecord) error {
	if rec == nil {
		return types.ErrBadParameter.With("nil record")
	}
	if err := rec.ProjectID.Validate(); err != nil {
		return err
	}
	err := RetryWithBackoff(ctx, func() error {
		return h.save(ctx, rec)
	})
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return types.ErrConflict.Withf("task %q already saved", rec.TaskID)
	}
	return err
}

func (h *SQLiteHistory) save(ctx context.Context, rec *types.TaskRecord) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (task_id, project_id, prompt, status, error, iterations, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.TaskID), string(rec.ProjectID), rec.Prompt, string(rec.Status), rec.Error,
		rec.Iterations, toMillis(rec.CreatedAt), toMillis(rec.CompletedAt),
	); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	for i, msg := range rec.Messages {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (task_id, position, body) VALUES (?, ?, ?)`,
			string(rec.TaskID), i, string(body),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	for _, entry := range rec.Events {
		body, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_events (task_id, seq, type, body) VALUES (?, ?, ?, ?)`,
			string(rec.TaskID), entry.Seq, string(entry.Event.Type()), string(body),
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return tx.Commit()
}

// Conversation returns the messages of every saved task, oldest first.
func (h *SQLiteHistory) Conversation(ctx context.Context, projectID types.ProjectID) ([]llm.Message, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT m.body FROM messages m
		JOIN tasks t ON t.task_id = m.task_id
		WHERE t.project_id = ?
		ORDER BY m.id`, string(projectID))
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// List returns up to limit records, newest first, without their events.
// A limit of zero or less returns every record.
func (h *SQLiteHistory) List(ctx context.Context, projectID types.ProjectID, limit int) ([]*types.TaskRecord, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT task_id, project_id, prompt, status, error, iterations, created_at, completed_at
		FROM tasks WHERE project_id = ?
		ORDER BY rowid DESC LIMIT ?`, string(projectID), limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	var records []*types.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, rec := range records {
		if rec.Messages, err = h.messages(ctx, rec.TaskID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Get returns a single record including its events.
func (h *SQLiteHistory) Get(ctx context.Context, projectID types.ProjectID, taskID types.TaskID) (*types.TaskRecord, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	row := h.db.QueryRowContext(ctx, `
		SELECT task_id, project_id, prompt, status, error, iterations, created_at, completed_at
		FROM tasks WHERE project_id = ? AND task_id = ?`, string(projectID), string(taskID))
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound.Withf("task %q", taskID)
	} else if err != nil {
		return nil, err
	}
	if rec.Messages, err = h.messages(ctx, taskID); err != nil {
		return nil, err
	}
	if rec.Events, err = h.events(ctx, taskID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (h *SQLiteHistory) messages(ctx context.Context, taskID types.TaskID) ([]llm.Message, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT body FROM messages WHERE task_id = ? ORDER BY position`, string(taskID))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (h *SQLiteHistory) events(ctx context.Context, taskID types.TaskID) ([]events.Entry, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT body FROM task_events WHERE task_id = ? ORDER BY seq`, string(taskID))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []events.Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var entry events.Entry
		if err := json.Unmarshal([]byte(body), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*types.TaskRecord, error) {
	var (
		rec                  types.TaskRecord
		taskID, projectID    string
		status               string
		createdAt, completed int64
	)
	if err := row.Scan(&taskID, &projectID, &rec.Prompt, &status, &rec.Error,
		&rec.Iterations, &createdAt, &completed); err != nil {
		return nil, err
	}
	rec.TaskID = types.TaskID(taskID)
	rec.ProjectID = types.ProjectID(projectID)
	rec.Status = types.TaskStatus(status)
	rec.CreatedAt = fromMillis(createdAt)
	rec.CompletedAt = fromMillis(completed)
	return &rec, nil
}

func scanMessages(rows *sql.Rows) ([]llm.Message, error) {
	var result []llm.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var msg llm.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
