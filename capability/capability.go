package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/agentrelay/message"
)

// Error codes used by *Error.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)

// Descriptor is what the oracle sees of a capability.
type Descriptor struct {
	// Name is the broker recipient name (snake_case recommended).
	Name string `json:"name" yaml:"name"`
	// Description is shown to the oracle.
	Description string `json:"description" yaml:"description"`
	// Parameters is a minimal JSON schema of the accepted arguments.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	// Timeout overrides the dispatch default for requests to this capability.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Capability executes requests addressed to it.
//
// Implementations must be safe for concurrent use only if they are
// registered under more than one name; the broker serializes calls per name.
// Execute should honour ctx cancellation, which signals that the requester
// stopped waiting.
type Capability interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Error represents a failure reported by a capability.
type Error struct {
	Capability string `json:"capability"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	Details    any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("capability error [%s] in %s: %s", e.Code, e.Capability, e.Message)
	}

	return fmt.Sprintf("capability error in %s: %s", e.Capability, e.Message)
}

// NewError creates an *Error.
func NewError(capability, msg, code string) *Error {
	return &Error{Capability: capability, Message: msg, Code: code}
}

// Success builds a result with status "success" merged with fields.
func Success(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}

	out[message.KeyStatus] = message.StatusSuccess

	return out
}

// Failure builds a result with status "error" and the given message.
func Failure(msg string) map[string]any {
	return map[string]any{message.KeyStatus: message.StatusError, message.KeyMessage: msg}
}
