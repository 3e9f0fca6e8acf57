// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type ProjectID string
type TaskID string

func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

// Validate checks that a project ID is safe to use as a map key and as a
// single path element: 1-128 characters of letters, digits, '-' and '_'.
func (p ProjectID) Validate() error {
	if p == "" {
		return ErrBadParameter.With("project id is empty")
	}
	if len(p) > 128 {
		return ErrBadParameter.Withf("project id too long (%d characters)", len(p))
	}
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ErrBadParameter.Withf("project id %q contains %q", string(p), r)
		}
	}
	return nil
}
