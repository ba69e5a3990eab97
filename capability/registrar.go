package capability

import (
	"context"
	"errors"

	"github.com/hupe1980/agentrelay/broker"
	"github.com/hupe1980/agentrelay/message"
)

// Status check convention: a request whose payload is exactly
// {"action": "get_status"} is answered by the adapter itself.
const (
	KeyAction       = "action"
	ActionGetStatus = "get_status"
)

var errNilCapability = errors.New("capability: nil capability")

// AsHandler adapts c to a broker.Handler. The request payload is passed to
// Execute as the argument map; the result becomes the response payload.
func AsHandler(c Capability) broker.Handler {
	name := c.Descriptor().Name

	return broker.HandlerFunc(func(ctx context.Context, msg message.Message) (message.Payload, error) {
		if isStatusCheck(msg.Payload) {
			return message.Payload{
				message.KeyStatus: message.StatusSuccess,
				"capability":      name,
				"state":           "ready",
			}, nil
		}

		result, err := c.Execute(ctx, msg.Payload.Clone())
		if err != nil {
			return nil, err
		}

		return message.Payload(result), nil
	})
}

func isStatusCheck(p message.Payload) bool {
	if len(p) != 1 {
		return false
	}

	action, _ := p[KeyAction].(string)

	return action == ActionGetStatus
}

// Register binds c to b under its descriptor name and advertises it in cat.
// cat may be nil.
func Register(b *broker.Broker, cat *Catalog, c Capability) error {
	if c == nil {
		return errNilCapability
	}

	d := c.Descriptor()
	if err := b.Register(d.Name, AsHandler(c)); err != nil {
		return err
	}

	if cat != nil {
		cat.Add(d)
	}

	return nil
}

// RegisterAll registers every capability, stopping at the first error.
func RegisterAll(b *broker.Broker, cat *Catalog, caps ...Capability) error {
	for _, c := range caps {
		if err := Register(b, cat, c); err != nil {
			return err
		}
	}

	return nil
}
