package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message.
type Kind string

const (
	// KindRequest expects a correlated response.
	KindRequest Kind = "request"
	// KindResponse answers a request.
	KindResponse Kind = "response"
	// KindNotification is fire-and-forget.
	KindNotification Kind = "notification"
	// KindStatus reports progress or health.
	KindStatus Kind = "status"
	// KindError answers a request whose handler failed.
	KindError Kind = "error"
	// KindBroadcast is advisory; it is routed like any other kind to the
	// single recipient mailbox.
	KindBroadcast Kind = "broadcast"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindResponse, KindNotification, KindStatus, KindError, KindBroadcast:
		return true
	default:
		return false
	}
}

// Priority bounds. Priority is advisory; the broker keeps FIFO order.
const (
	PriorityHigh = 1
	PriorityLow  = 5
)

// Defaults applied by New when no option overrides them.
const (
	DefaultPriority        = PriorityHigh
	DefaultTTL             = 300 * time.Second
	DefaultResponseTimeout = 30 * time.Second
)

var (
	// ErrEmptySender is returned when a message has no sender.
	ErrEmptySender = errors.New("message: sender must not be empty")
	// ErrEmptyRecipient is returned when a message has no recipient.
	ErrEmptyRecipient = errors.New("message: recipient must not be empty")
	// ErrInvalidKind is returned for an unknown kind.
	ErrInvalidKind = errors.New("message: invalid kind")
	// ErrInvalidPriority is returned for a priority outside 1..5.
	ErrInvalidPriority = errors.New("message: priority out of range")
)

// Message is the unit of communication between capabilities.
type Message struct {
	ID               string        `json:"id"`
	CorrelationID    string        `json:"correlation_id,omitempty"`
	Sender           string        `json:"sender"`
	Recipient        string        `json:"recipient"`
	Kind             Kind          `json:"kind"`
	Payload          Payload       `json:"payload"`
	CreatedAt        time.Time     `json:"created_at"`
	Priority         int           `json:"priority"`
	TTL              time.Duration `json:"ttl,omitempty"`
	RequiresResponse bool          `json:"requires_response"`
	ResponseTimeout  time.Duration `json:"response_timeout,omitempty"`
}

// Option customizes a message during construction.
type Option func(m *Message)

// WithID overrides the generated id.
func WithID(id string) Option { return func(m *Message) { m.ID = id } }

// WithCorrelationID sets the correlation id.
func WithCorrelationID(id string) Option { return func(m *Message) { m.CorrelationID = id } }

// WithPriority sets the advisory priority (1 high .. 5 low).
func WithPriority(p int) Option { return func(m *Message) { m.Priority = p } }

// WithTTL sets the time to live. Zero disables expiry.
func WithTTL(ttl time.Duration) Option { return func(m *Message) { m.TTL = ttl } }

// WithResponseTimeout sets how long a requester is willing to wait.
func WithResponseTimeout(d time.Duration) Option {
	return func(m *Message) { m.ResponseTimeout = d }
}

// WithCreatedAt overrides the creation timestamp. Mostly useful in tests.
func WithCreatedAt(t time.Time) Option { return func(m *Message) { m.CreatedAt = t } }

// WithRequiresResponse marks the message as expecting an answer.
func WithRequiresResponse(v bool) Option { return func(m *Message) { m.RequiresResponse = v } }

// New constructs a validated message with a fresh id.
func New(sender, recipient string, kind Kind, payload Payload, opts ...Option) (Message, error) {
	if payload == nil {
		payload = Payload{}
	}

	m := Message{
		ID:              uuid.NewString(),
		Sender:          sender,
		Recipient:       recipient,
		Kind:            kind,
		Payload:         payload,
		CreatedAt:       time.Now(),
		Priority:        DefaultPriority,
		TTL:             DefaultTTL,
		ResponseTimeout: DefaultResponseTimeout,
	}

	for _, opt := range opts {
		opt(&m)
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}

	return m, nil
}

// NewRequest constructs a request that requires a response.
func NewRequest(sender, recipient string, payload Payload, opts ...Option) (Message, error) {
	opts = append([]Option{WithRequiresResponse(true)}, opts...)
	return New(sender, recipient, KindRequest, payload, opts...)
}

// Validate checks the structural invariants of the message.
func (m Message) Validate() error {
	if m.Sender == "" {
		return ErrEmptySender
	}

	if m.Recipient == "" {
		return ErrEmptyRecipient
	}

	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}

	if m.Priority < PriorityHigh || m.Priority > PriorityLow {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, m.Priority)
	}

	return nil
}

// CreateResponse derives a response addressed back to the sender of m.
// An empty kind defaults to KindResponse.
func (m Message) CreateResponse(payload Payload, kind Kind) Message {
	if kind == "" {
		kind = KindResponse
	}

	if payload == nil {
		payload = Payload{}
	}

	return Message{
		ID:               uuid.NewString(),
		CorrelationID:    m.ID,
		Sender:           m.Recipient,
		Recipient:        m.Sender,
		Kind:             kind,
		Payload:          payload,
		CreatedAt:        time.Now(),
		Priority:         m.Priority,
		TTL:              m.TTL,
		RequiresResponse: false,
	}
}

// IsRequest reports whether the message is a request.
func (m Message) IsRequest() bool { return m.Kind == KindRequest }

// IsExpired reports whether the message outlived its TTL.
func (m Message) IsExpired() bool { return m.ExpiredAt(time.Now()) }

// ExpiredAt reports whether the message is expired at the given instant.
func (m Message) ExpiredAt(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}

	return now.Sub(m.CreatedAt) > m.TTL
}

// ShortID returns the first eight characters of the id for log lines.
func (m Message) ShortID() string { return ShortID(m.ID) }

// ShortID truncates an id to eight characters.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}

// String implements fmt.Stringer.
func (m Message) String() string {
	return fmt.Sprintf("%s %s->%s [%s]", m.Kind, m.Sender, m.Recipient, m.ShortID())
}
