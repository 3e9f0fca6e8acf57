// internal/types/errors.go
package types

import "fmt"

const (
	ErrSuccess Err = iota
	ErrNotFound
	ErrBadParameter
	ErrConflict
	ErrProviderStream
	ErrToolExecution
	ErrValidation
	ErrMaxIterations
	ErrInternal
)

// Err is a coded error. Wrapped errors keep their code for errors.Is and
// errors.As.
type Err int

func (e Err) Error() string {
	switch e {
	case ErrSuccess:
		return "success"
	case ErrNotFound:
		return "not found"
	case ErrBadParameter:
		return "bad parameter"
	case ErrConflict:
		return "conflict"
	case ErrProviderStream:
		return "provider stream failed"
	case ErrToolExecution:
		return "tool execution failed"
	case ErrValidation:
		return "validation failed"
	case ErrMaxIterations:
		return "iteration budget exceeded"
	case ErrInternal:
		return "internal error"
	}
	return fmt.Sprintf("error code %d", int(e))
}

func (e Err) With(args ...any) error {
	return fmt.Errorf("%w: %s", e, fmt.Sprint(args...))
}

func (e Err) Withf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", e, fmt.Sprintf(format, args...))
}
