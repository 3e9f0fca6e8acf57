// internal/types/models.go
package types

import (
	"time"

	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/pkg/llm"
)

type TaskStatus string

const (
	StatusIdle     TaskStatus = "idle"
	StatusRunning  TaskStatus = "running"
	StatusComplete TaskStatus = "complete"
	StatusError    TaskStatus = "error"
)

// Terminal reports whether no further transitions can happen.
func (s TaskStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Snapshot is a point-in-time view of a project's task buffer.
type Snapshot struct {
	ProjectID  ProjectID  `json:"projectId"`
	TaskID     TaskID     `json:"taskId,omitempty"`
	Status     TaskStatus `json:"status"`
	EventCount int        `json:"eventCount"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt,omitzero"`
}

// TaskRecord is the durable record of a finished task.
type TaskRecord struct {
	TaskID      TaskID         `json:"taskId"`
	ProjectID   ProjectID      `json:"projectId"`
	Prompt      string         `json:"prompt"`
	Status      TaskStatus     `json:"status"`
	Error       string         `json:"error,omitempty"`
	Iterations  int            `json:"iterations"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt time.Time      `json:"completedAt"`
	Messages    []llm.Message  `json:"messages,omitempty"`
	Events      []events.Entry `json:"events,omitempty"`
}

// ComponentInfo describes a stored component file.
type ComponentInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}
