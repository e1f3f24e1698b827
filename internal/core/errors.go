package core

import "fmt"

// ErrInvalidArgument reports a caller mistake: a bad parameter, a vector of
// the wrong length or a buffer that breaks its size invariant. Services
// never retry these.
type ErrInvalidArgument struct {
	Field   string
	Message string
}

func (e *ErrInvalidArgument) Error() string {
	if e.Field == "" {
		return "invalid argument: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func NewInvalidArgumentError(field, message string) error {
	return &ErrInvalidArgument{Field: field, Message: message}
}
