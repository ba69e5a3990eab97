package monitor

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/agentrelay/message"
)

// Status is a lifecycle state of a message.
type Status string

const (
	StatusCreated    Status = "created"
	StatusSent       Status = "sent"
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusNoHandler  Status = "no_handler"
	StatusExpired    Status = "expired"
)

// IsFailure reports whether s ends a trace unsuccessfully.
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusTimeout, StatusNoHandler, StatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further events are expected after s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s.IsFailure()
}

// Event is one timestamped lifecycle transition.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Status    Status         `json:"status"`
	Detail    string         `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Trace is the ordered event history of a single message.
type Trace struct {
	MessageID string       `json:"message_id"`
	Sender    string       `json:"sender"`
	Recipient string       `json:"recipient"`
	Kind      message.Kind `json:"message_type"`
	CreatedAt time.Time    `json:"created_at"`
	Events    []Event      `json:"events"`
}

// Duration is the time between creation and the last event.
func (t Trace) Duration() time.Duration {
	if len(t.Events) == 0 {
		return 0
	}

	return t.Events[len(t.Events)-1].Timestamp.Sub(t.CreatedAt)
}

// CurrentStatus is the status of the last event, or created when there is none.
func (t Trace) CurrentStatus() Status {
	if len(t.Events) == 0 {
		return StatusCreated
	}

	return t.Events[len(t.Events)-1].Status
}

// LastEvent returns the most recent event.
func (t Trace) LastEvent() (Event, bool) {
	if len(t.Events) == 0 {
		return Event{}, false
	}

	return t.Events[len(t.Events)-1], true
}

// HasStatus reports whether any event carries s.
func (t Trace) HasStatus(s Status) bool {
	for _, e := range t.Events {
		if e.Status == s {
			return true
		}
	}

	return false
}

func (t Trace) clone() Trace {
	c := t
	c.Events = make([]Event, len(t.Events))
	copy(c.Events, t.Events)

	return c
}

type traceJSON struct {
	MessageID  string       `json:"message_id"`
	Sender     string       `json:"sender"`
	Recipient  string       `json:"recipient"`
	Kind       message.Kind `json:"message_type"`
	CreatedAt  time.Time    `json:"created_at"`
	Events     []Event      `json:"events"`
	DurationMS float64      `json:"duration_ms"`
	Status     Status       `json:"status"`
}

// MarshalJSON adds the derived duration and current status.
func (t Trace) MarshalJSON() ([]byte, error) {
	return json.Marshal(traceJSON{
		MessageID:  t.MessageID,
		Sender:     t.Sender,
		Recipient:  t.Recipient,
		Kind:       t.Kind,
		CreatedAt:  t.CreatedAt,
		Events:     t.Events,
		DurationMS: float64(t.Duration().Microseconds()) / 1000,
		Status:     t.CurrentStatus(),
	})
}

// UnmarshalJSON ignores the derived fields.
func (t *Trace) UnmarshalJSON(data []byte) error {
	var raw traceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = Trace{
		MessageID: raw.MessageID,
		Sender:    raw.Sender,
		Recipient: raw.Recipient,
		Kind:      raw.Kind,
		CreatedAt: raw.CreatedAt,
		Events:    raw.Events,
	}

	return nil
}
