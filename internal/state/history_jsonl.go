// internal/state/history_jsonl.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/pagewright/internal/types"
	"github.com/user/pagewright/pkg/llm"
)

// maxRecordSize bounds a single history line. Records carry the full event
// list of a task, so lines are much longer than bufio's default.
const maxRecordSize = 64 << 20

// JSONLHistory is a JSONL-backed append-only history store.
// Records are stored per-project in projects/<projectID>/history.jsonl.
type JSONLHistory struct {
	root  string
	mu    sync.Mutex
	locks map[types.ProjectID]*sync.Mutex
}

// NewJSONLHistory creates a new file-backed history store rooted at the given directory.
func NewJSONLHistory(root string) *JSONLHistory {
	return &JSONLHistory{
		root:  root,
		locks: make(map[types.ProjectID]*sync.Mutex),
	}
}

// getLock returns the per-project mutex, creating one if it doesn't exist.
func (h *JSONLHistory) getLock(projectID types.ProjectID) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()

	if lock, ok := h.locks[projectID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	h.locks[projectID] = lock
	return lock
}

func (h *JSONLHistory) historyPath(projectID types.ProjectID) string {
	return filepath.Join(h.root, "projects", string(projectID), "history.jsonl")
}

// Save appends a finished task to the project's history file.
func (h *JSONLHistory) Save(_ context.Context, rec *types.TaskRecord) error {
	if rec == nil {
		return types.ErrBadParameter.With("nil record")
	}
	if err := rec.ProjectID.Validate(); err != nil {
		return err
	}

	lock := h.getLock(rec.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	path := h.historyPath(rec.ProjectID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write task record: %w", err)
	}
	return nil
}

// scan calls fn for every record in file order. Caller must hold the project lock.
func (h *JSONLHistory) scan(projectID types.ProjectID, fn func(*types.TaskRecord) bool) error {
	f, err := os.Open(h.historyPath(projectID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > maxRecordSize {
			return fmt.Errorf("history record exceeds %d bytes", maxRecordSize)
		}
		if len(line) > 1 {
			var rec types.TaskRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return fmt.Errorf("unmarshal task record: %w", err)
			}
			if !fn(&rec) {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("read history file: %w", err)
		}
	}
}

// Conversation returns the messages of every saved task, oldest first.
func (h *JSONLHistory) Conversation(_ context.Context, projectID types.ProjectID) ([]llm.Message, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	lock := h.getLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	var messages []llm.Message
	err := h.scan(projectID, func(rec *types.TaskRecord) bool {
		messages = append(messages, rec.Messages...)
		return true
	})
	return messages, err
}

// List returns up to limit records, newest first, without their events.
// A limit of zero or less returns every record.
func (h *JSONLHistory) List(_ context.Context, projectID types.ProjectID, limit int) ([]*types.TaskRecord, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	lock := h.getLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	var records []*types.TaskRecord
	if err := h.scan(projectID, func(rec *types.TaskRecord) bool {
		rec.Events = nil
		records = append(records, rec)
		return true
	}); err != nil {
		return nil, err
	}

	// Reverse in place to get newest first
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Get returns a single record including its events.
func (h *JSONLHistory) Get(_ context.Context, projectID types.ProjectID, taskID types.TaskID) (*types.TaskRecord, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	lock := h.getLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	var found *types.TaskRecord
	if err := h.scan(projectID, func(rec *types.TaskRecord) bool {
		if rec.TaskID == taskID {
			found = rec
			return false
		}
		return true
	}); err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.ErrNotFound.Withf("task %q", taskID)
	}
	return found, nil
}

func (h *JSONLHistory) Close() error { return nil }
