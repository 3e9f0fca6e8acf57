// internal/types/interfaces.go
package types

import (
	"context"

	"github.com/user/pagewright/pkg/llm"
)

// HistoryStore persists finished tasks and rebuilds a project's
// conversation for its next task.
type HistoryStore interface {
	Save(ctx context.Context, rec *TaskRecord) error
	Conversation(ctx context.Context, projectID ProjectID) ([]llm.Message, error)
	List(ctx context.Context, projectID ProjectID, limit int) ([]*TaskRecord, error)
	Get(ctx context.Context, projectID ProjectID, taskID TaskID) (*TaskRecord, error)
	Close() error
}

// ComponentStore holds the generated component sources of each project.
type ComponentStore interface {
	Create(ctx context.Context, projectID ProjectID, name, code string) (string, error)
	Update(ctx context.Context, projectID ProjectID, name, code string) (string, error)
	Read(ctx context.Context, projectID ProjectID, name string) (string, error)
	List(ctx context.Context, projectID ProjectID) ([]ComponentInfo, error)
}
