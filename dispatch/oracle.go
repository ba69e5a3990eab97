package dispatch

import (
	"context"

	"github.com/hupe1980/agentrelay/capability"
	"github.com/hupe1980/agentrelay/message"
)

// Invocation asks for one capability call. Tag correlates the result with
// the request within a round.
type Invocation struct {
	Tag        string         `json:"tag"`
	Capability string         `json:"capability"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

func (i Invocation) clone() Invocation {
	c := i
	if i.Arguments != nil {
		c.Arguments = message.Payload(i.Arguments).Clone()
	}

	return c
}

// Request is what the oracle is asked to decide on.
type Request struct {
	// Transcript is the working transcript; the oracle must not retain it.
	Transcript []Turn
	// Catalog lists the capabilities that may be invoked.
	Catalog []capability.Descriptor
	// AllowInvocations is false on the forced final call.
	AllowInvocations bool
	// Round is the zero-based round number.
	Round int
}

// Decision is either a final answer (no invocations) or a set of invocations.
type Decision struct {
	Answer      string
	Invocations []Invocation
}

// Oracle decides the next step of a dispatch run.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, req Request) (Decision, error)

// Decide calls f.
func (f OracleFunc) Decide(ctx context.Context, req Request) (Decision, error) { return f(ctx, req) }
