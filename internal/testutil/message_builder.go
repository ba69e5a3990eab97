package testutil

import (
	"time"

	"github.com/hupe1980/agentrelay/message"
)

// MessageBuilder provides a fluent helper for constructing messages in tests.
// Example:
//
//	msg := NewMessageBuilder("echo").Arg("text", "hi").TTL(time.Second).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type MessageBuilder struct {
	sender    string
	recipient string
	kind      message.Kind
	payload   message.Payload
	opts      []message.Option
}

// NewMessageBuilder creates a request builder for recipient with sender "tester".
func NewMessageBuilder(recipient string) *MessageBuilder {
	return &MessageBuilder{sender: "tester", recipient: recipient, kind: message.KindRequest, payload: message.Payload{}}
}

// From sets the sender (chainable).
func (b *MessageBuilder) From(s string) *MessageBuilder { b.sender = s; return b }

// Kind sets the message kind (chainable).
func (b *MessageBuilder) Kind(k message.Kind) *MessageBuilder { b.kind = k; return b }

// Arg sets a payload key (chainable).
func (b *MessageBuilder) Arg(key string, val any) *MessageBuilder { b.payload[key] = val; return b }

// ID overrides the generated id (chainable).
func (b *MessageBuilder) ID(id string) *MessageBuilder {
	b.opts = append(b.opts, message.WithID(id))
	return b
}

// TTL sets the time-to-live (chainable).
func (b *MessageBuilder) TTL(d time.Duration) *MessageBuilder {
	b.opts = append(b.opts, message.WithTTL(d))
	return b
}

// CreatedAt backdates the message (chainable).
func (b *MessageBuilder) CreatedAt(t time.Time) *MessageBuilder {
	b.opts = append(b.opts, message.WithCreatedAt(t))
	return b
}

// Build returns the message. It panics on invalid input since builders are
// only used with literal test data.
func (b *MessageBuilder) Build() message.Message {
	var (
		msg message.Message
		err error
	)

	if b.kind == message.KindRequest {
		msg, err = message.NewRequest(b.sender, b.recipient, b.payload, b.opts...)
	} else {
		msg, err = message.New(b.sender, b.recipient, b.kind, b.payload, b.opts...)
	}

	if err != nil {
		panic(err)
	}

	return msg
}
