package dispatch

import (
	"sync"

	"github.com/hupe1980/agentrelay/message"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry of a transcript. Assistant turns may carry the
// invocations the oracle requested; tool turns carry one invocation result.
type Turn struct {
	Role        Role           `json:"role"`
	Content     string         `json:"content,omitempty"`
	Invocations []Invocation   `json:"invocations,omitempty"`
	Tag         string         `json:"tag,omitempty"`
	Capability  string         `json:"capability,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (t Turn) clone() Turn {
	c := t
	if t.Invocations != nil {
		c.Invocations = make([]Invocation, len(t.Invocations))
		for i, inv := range t.Invocations {
			c.Invocations[i] = inv.clone()
		}
	}

	if t.Payload != nil {
		c.Payload = message.Payload(t.Payload).Clone()
	}

	return c
}

// Transcript is an ordered, concurrency-safe list of turns.
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewTranscript creates a transcript seeded with turns.
func NewTranscript(turns ...Turn) *Transcript {
	t := &Transcript{}
	t.Append(turns...)

	return t
}

// Append adds copies of turns to the end.
func (t *Transcript) Append(turns ...Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, turn := range turns {
		t.turns = append(t.turns, turn.clone())
	}
}

// Turns returns a deep copy of all turns.
func (t *Transcript) Turns() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Turn, len(t.turns))
	for i, turn := range t.turns {
		out[i] = turn.clone()
	}

	return out
}

// Len returns the number of turns.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.turns)
}

// Clone returns an independent deep copy.
func (t *Transcript) Clone() *Transcript {
	return &Transcript{turns: t.Turns()}
}

// Last returns the final turn.
func (t *Transcript) Last() (Turn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.turns) == 0 {
		return Turn{}, false
	}

	return t.turns[len(t.turns)-1].clone(), true
}
