package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hupe1980/agentrelay/capability"
	"github.com/hupe1980/agentrelay/logging"
)

// DefaultServeTimeout bounds a served capability without a descriptor timeout.
const DefaultServeTimeout = 30 * time.Second

// Remote is a capability executed by another process over NATS
// request/reply. Arguments are sent as a JSON object and the reply must be a
// JSON object.
type Remote struct {
	nc      *nats.Conn
	subject string
	desc    capability.Descriptor
}

var _ capability.Capability = (*Remote)(nil)

// NewRemote creates a Remote capability. An empty subject defaults to
// SubjectFor(desc.Name).
func NewRemote(nc *nats.Conn, subject string, desc capability.Descriptor) *Remote {
	if subject == "" {
		subject = SubjectFor(desc.Name)
	}

	return &Remote{nc: nc, subject: subject, desc: desc}
}

// SubjectFor builds the default request subject for a capability name.
func SubjectFor(name string) string {
	return "agentrelay.capability." + strings.ReplaceAll(name, ".", "_")
}

// Subject returns the request subject.
func (r *Remote) Subject() string { return r.subject }

// Descriptor implements capability.Capability.
func (r *Remote) Descriptor() capability.Descriptor { return r.desc }

// Execute implements capability.Capability. The broker's handler context
// bounds the request.
func (r *Remote) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}

	data, err := json.Marshal(args)
	if err != nil {
		return nil, capability.NewError(r.desc.Name, fmt.Sprintf("encode arguments: %v", err), capability.CodeValidation)
	}

	reply, err := r.nc.RequestWithContext(ctx, r.subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, capability.NewError(r.desc.Name, "no responders on "+r.subject, capability.CodeExecution)
		}

		return nil, fmt.Errorf("%s: request %s: %w", logPrefix, r.subject, err)
	}

	var out map[string]any
	if err := json.Unmarshal(reply.Data, &out); err != nil {
		return nil, capability.NewError(r.desc.Name, fmt.Sprintf("decode reply: %v", err), capability.CodeExecution)
	}

	if out == nil {
		out = map[string]any{}
	}

	return out, nil
}

// Serve answers requests on subject by executing c. Failures are replied as
// {"status":"error","message":...}. The returned subscription stops serving
// when unsubscribed.
func Serve(nc *nats.Conn, subject string, c capability.Capability, logger logging.Logger) (*nats.Subscription, error) {
	if subject == "" {
		subject = SubjectFor(c.Descriptor().Name)
	}

	log := logging.OrNop(logger)

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		result := handle(c, msg.Data)

		data, err := json.Marshal(result)
		if err != nil {
			data, _ = json.Marshal(capability.Failure(err.Error()))
		}

		if err := msg.Respond(data); err != nil {
			log.Warn("natsbridge.serve.respond_error", "subject", subject, "error", err.Error())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s: subscribe %s: %w", logPrefix, subject, err)
	}

	log.Info("natsbridge.serve.started", "subject", subject, "capability", c.Descriptor().Name)

	return sub, nil
}

func handle(c capability.Capability, data []byte) (out map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			out = capability.Failure(fmt.Sprintf("capability panic: %v", r))
		}
	}()

	args := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &args); err != nil {
			return capability.Failure("invalid arguments: " + err.Error())
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeoutOf(c))
	defer cancel()

	result, err := c.Execute(ctx, args)
	if err != nil {
		return capability.Failure(err.Error())
	}

	return result
}

func timeoutOf(c capability.Capability) time.Duration {
	if d := c.Descriptor().Timeout; d > 0 {
		return d
	}

	return DefaultServeTimeout
}
