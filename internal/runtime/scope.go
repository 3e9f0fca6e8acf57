package runtime

import (
	"sync"

	"github.com/user/pagewright/internal/types"
)

// MaxRejections is how many times an artifact's content may be rejected
// before it is accepted as is.
const MaxRejections = 2

// Scope is the per-task state shared by the tool calls of one task.
type Scope struct {
	ProjectID types.ProjectID

	mu         sync.Mutex
	rejections map[string]int
}

func NewScope(projectID types.ProjectID) *Scope {
	return &Scope{ProjectID: projectID, rejections: make(map[string]int)}
}

// reject records a failed validation of artifact and reports whether the
// rejection stands. Once MaxRejections have been recorded it returns false.
func (s *Scope) reject(artifact string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejections[artifact] >= MaxRejections {
		return false
	}
	s.rejections[artifact]++
	return true
}

// Rejections returns how many times artifact has been rejected.
func (s *Scope) Rejections(artifact string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejections[artifact]
}
