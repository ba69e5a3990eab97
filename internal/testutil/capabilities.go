package testutil

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/agentrelay/capability"
)

// Slow returns a capability that waits d (or until cancelled) and then
// answers {"status":"success","slept":d}.
func Slow(name string, d time.Duration, optFns ...func(*capability.Descriptor)) *capability.Function {
	return capability.NewFunction(name, "Sleeps before answering", nil, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		select {
		case <-time.After(d):
			return map[string]any{"slept": d.String()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, optFns...)
}

// Failing returns a capability that always fails with msg.
func Failing(name, msg string) *capability.Function {
	return capability.NewFunction(name, "Always fails", nil, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New(msg)
	})
}
