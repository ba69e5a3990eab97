package capability

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/agentrelay/broker"
	"github.com/hupe1980/agentrelay/message"
)

// Built-in capability names.
const (
	EchoName         = "echo"
	BrokerStatusName = "get_agent_status"
)

// DefaultStatusTimeout bounds the status check sent by BrokerStatus.
const DefaultStatusTimeout = 5 * time.Second

// Echo returns a capability that answers {"status":"success","echo":text}.
func Echo() *Function {
	return NewFunction(EchoName, "Echo the given text back.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "Text to echo"},
			},
			"required": []string{"text"},
		},
		func(_ context.Context, args map[string]any) (map[string]any, error) {
			return Success(map[string]any{"echo": args["text"]}), nil
		},
	)
}

// BrokerStatus returns a capability reporting the state of b. Without an
// agent_type argument it reports broker counters; with one it checks that
// capability with a get_status request.
func BrokerStatus(b *broker.Broker, sender string, timeout time.Duration) *Function {
	if timeout <= 0 {
		timeout = DefaultStatusTimeout
	}

	if sender == "" {
		sender = BrokerStatusName
	}

	return NewFunction(BrokerStatusName, "Report whether a capability is registered and responsive, or overall broker statistics.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_type": map[string]any{"type": "string", "description": "Capability name to check; omit for broker statistics"},
			},
		},
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			target, _ := args["agent_type"].(string)
			if target == "" {
				s := b.Stats()
				return Success(map[string]any{
					"registered":        s.Registered,
					"pending_responses": s.Pending,
					"messages_sent":     s.Sent,
					"messages_failed":   s.Failed,
				}), nil
			}

			if !b.HasHandler(target) {
				return map[string]any{message.KeyStatus: "not_registered", "agent_type": target}, nil
			}

			if target == BrokerStatusName {
				return Success(map[string]any{"agent_type": target, "state": "ready"}), nil
			}

			req, err := message.NewRequest(sender, target, message.Payload{KeyAction: ActionGetStatus})
			if err != nil {
				return nil, err
			}

			resp, err := b.SendRequest(ctx, req, timeout)
			if err != nil {
				if errors.Is(err, broker.ErrTimeout) {
					return map[string]any{message.KeyStatus: "no_response", "agent_type": target}, nil
				}

				return nil, err
			}

			return map[string]any(resp.Payload), nil
		},
	)
}
