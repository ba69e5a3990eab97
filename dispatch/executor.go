package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentrelay/broker"
	"github.com/hupe1980/agentrelay/message"
)

// InvocationResult is the outcome of one invocation.
type InvocationResult struct {
	Invocation
	Payload  map[string]any `json:"payload"`
	Duration time.Duration  `json:"duration"`
	Err      error          `json:"-"`
}

// Failed reports whether the result follows the error convention.
func (r InvocationResult) Failed() bool {
	return message.Payload(r.Payload).IsError()
}

// normalizeTags assigns a tag to untagged invocations and reports which
// positions reuse a tag already seen in the round.
func normalizeTags(invs []Invocation) ([]Invocation, []bool) {
	out := make([]Invocation, len(invs))
	dup := make([]bool, len(invs))
	seen := make(map[string]struct{}, len(invs))

	for i, inv := range invs {
		inv = inv.clone()
		if inv.Tag == "" {
			inv.Tag = uuid.NewString()
		}

		if _, ok := seen[inv.Tag]; ok {
			dup[i] = true
		}

		seen[inv.Tag] = struct{}{}
		out[i] = inv
	}

	return out, dup
}

// execute runs all invocations of a round concurrently. Results are stored
// by position, so they line up with invs regardless of completion order.
func (l *Loop) execute(ctx context.Context, invs []Invocation, dup []bool) []InvocationResult {
	results := make([]InvocationResult, len(invs))

	var g errgroup.Group
	if l.opts.MaxParallel > 0 {
		g.SetLimit(l.opts.MaxParallel)
	}

	for i := range invs {
		if dup[i] {
			err := fmt.Errorf("duplicate invocation tag %q", invs[i].Tag)
			results[i] = InvocationResult{Invocation: invs[i], Payload: message.ErrorPayload(err.Error()), Err: err}

			continue
		}

		i := i
		g.Go(func() error {
			results[i] = l.invoke(ctx, invs[i])
			return nil
		})
	}

	_ = g.Wait()

	return results
}

func (l *Loop) invoke(ctx context.Context, inv Invocation) (res InvocationResult) {
	start := time.Now()
	res.Invocation = inv

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("invocation panic: %v", r)
			res.Payload = message.ErrorPayload(res.Err.Error())
			l.log.Error("dispatch.invocation.panic", "capability", inv.Capability, "tag", inv.Tag, "recover", r, "stack", string(debug.Stack()))
		}

		res.Duration = time.Since(start)
		l.log.Info("dispatch.invocation.executed",
			"capability", inv.Capability,
			"tag", inv.Tag,
			"duration_ms", res.Duration.Milliseconds(),
			"error", res.Err != nil,
		)
	}()

	timeout := l.timeoutFor(inv.Capability)

	req, err := message.NewRequest(l.opts.Sender, inv.Capability, message.Payload(inv.Arguments).Clone(), message.WithResponseTimeout(timeout))
	if err != nil {
		res.Err = err
		res.Payload = message.ErrorPayload(err.Error())

		return res
	}

	resp, err := l.broker.SendRequest(ctx, req, timeout)

	switch {
	case err == nil:
		res.Payload = resp.Payload.Clone()
		if res.Payload == nil {
			res.Payload = map[string]any{}
		}
	case errors.Is(err, broker.ErrTimeout):
		res.Err = err
		res.Payload = message.ErrorPayload("no response from " + inv.Capability)
	case errors.Is(err, broker.ErrNoHandler):
		res.Err = err
		res.Payload = message.ErrorPayload(fmt.Sprintf("capability %s is not registered", inv.Capability))
	default:
		res.Err = err
		res.Payload = message.ErrorPayload(err.Error())
	}

	return res
}

func (l *Loop) timeoutFor(name string) time.Duration {
	if l.catalog != nil {
		if d, ok := l.catalog.Get(name); ok && d.Timeout > 0 {
			return d.Timeout
		}
	}

	return l.opts.DefaultTimeout
}
