package testutil

import (
	"github.com/hupe1980/agentrelay/dispatch"
)

// TranscriptBuilder builds dispatch transcripts with fluent chaining.
// Example:
//
//	tr := NewTranscriptBuilder().User("hi").Assistant("hello").Build()
type TranscriptBuilder struct {
	turns []dispatch.Turn
}

// NewTranscriptBuilder creates an empty builder.
func NewTranscriptBuilder() *TranscriptBuilder { return &TranscriptBuilder{} }

// User appends a user turn (chainable).
func (b *TranscriptBuilder) User(text string) *TranscriptBuilder {
	b.turns = append(b.turns, dispatch.Turn{Role: dispatch.RoleUser, Content: text})
	return b
}

// Assistant appends an assistant turn (chainable).
func (b *TranscriptBuilder) Assistant(text string) *TranscriptBuilder {
	b.turns = append(b.turns, dispatch.Turn{Role: dispatch.RoleAssistant, Content: text})
	return b
}

// Exchanges appends n user/assistant pairs (chainable).
func (b *TranscriptBuilder) Exchanges(n int) *TranscriptBuilder {
	for i := 0; i < n; i++ {
		b.User("question").Assistant("answer")
	}

	return b
}

// Build returns a new transcript holding the turns.
func (b *TranscriptBuilder) Build() *dispatch.Transcript {
	return dispatch.NewTranscript(b.turns...)
}
