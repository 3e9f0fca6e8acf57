package gateway

import (
	"time"

	"github.com/user/pagewright/internal/bus"
	"github.com/user/pagewright/internal/types"
	"github.com/user/pagewright/pkg/llm"
)

// Handle identifies an accepted task.
type Handle struct {
	TaskID    types.TaskID    `json:"taskId"`
	ProjectID types.ProjectID `json:"projectId"`
}

// task tracks one accepted generation from submission until its record
// has been written.
type task struct {
	ID        types.TaskID
	ProjectID types.ProjectID
	Prompt    string
	Buffer    *bus.Buffer
	StartedAt time.Time
	EndedAt   time.Time
}

func newTask(buf *bus.Buffer, prompt string) *task {
	return &task{
		ID:        buf.TaskID(),
		ProjectID: buf.ProjectID(),
		Prompt:    prompt,
		Buffer:    buf,
	}
}

func (t *task) handle() *Handle {
	return &Handle{TaskID: t.ID, ProjectID: t.ProjectID}
}

// record builds the durable record from the finished buffer. messages are
// the conversation messages the run added after the prompt.
func (t *task) record(iterations int, messages []llm.Message) *types.TaskRecord {
	snap := t.Buffer.Snapshot()
	conv := make([]llm.Message, 0, len(messages)+1)
	conv = append(conv, llm.UserMessage(t.Prompt))
	conv = append(conv, messages...)
	return &types.TaskRecord{
		TaskID:      t.ID,
		ProjectID:   t.ProjectID,
		Prompt:      t.Prompt,
		Status:      snap.Status,
		Error:       snap.Error,
		Iterations:  iterations,
		CreatedAt:   t.Buffer.CreatedAt(),
		CompletedAt: t.EndedAt,
		Messages:    conv,
		Events:      t.Buffer.Entries(),
	}
}
