package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentrelay/internal/schema"
	"github.com/hupe1980/agentrelay/message"
)

// ExecuteFunc is the signature of a function-backed capability.
type ExecuteFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Function exposes a plain Go function as a Capability.
//
// Arguments are validated against the parameter schema before the function
// runs. Failures are normalized to *Error:
//
//	VALIDATION_ERROR -> schema / argument mismatch
//	EXECUTION_ERROR  -> the function returned a plain error
//
// An *Error returned by the function is forwarded unchanged. A nil result
// becomes {"status":"success"}; a result without a status key gets one.
type Function struct {
	desc Descriptor
	fn   ExecuteFunc
}

// NewFunction constructs a Function from an explicit schema.
//
//	sum := capability.NewFunction("calculate_sum", "Add two numbers",
//		map[string]any{
//			"type": "object",
//			"properties": map[string]any{
//				"a": map[string]any{"type": "number"},
//				"b": map[string]any{"type": "number"},
//			},
//			"required": []string{"a", "b"},
//		},
//		func(_ context.Context, args map[string]any) (map[string]any, error) {
//			return map[string]any{"sum": args["a"].(float64) + args["b"].(float64)}, nil
//		},
//	)
func NewFunction(name, description string, parameters map[string]any, fn ExecuteFunc, optFns ...func(d *Descriptor)) *Function {
	if parameters == nil {
		parameters = schema.Object()
	}

	d := Descriptor{Name: name, Description: description, Parameters: parameters}
	for _, opt := range optFns {
		opt(&d)
	}

	return &Function{desc: d, fn: fn}
}

// NewFunctionFromStruct derives the parameter schema from a struct.
func NewFunctionFromStruct(name, description string, structType any, fn ExecuteFunc, optFns ...func(d *Descriptor)) *Function {
	return NewFunction(name, description, schema.FromStruct(structType), fn, optFns...)
}

// WithTimeout sets Descriptor.Timeout.
func WithTimeout(d time.Duration) func(*Descriptor) {
	return func(desc *Descriptor) { desc.Timeout = d }
}

// Descriptor implements Capability.
func (f *Function) Descriptor() Descriptor { return f.desc }

// Execute implements Capability.
func (f *Function) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}

	if err := schema.Validate(args, f.desc.Parameters); err != nil {
		return nil, &Error{
			Capability: f.desc.Name,
			Message:    fmt.Sprintf("parameter validation failed: %v", err),
			Code:       CodeValidation,
			Details:    err,
		}
	}

	result, err := f.fn(ctx, args)
	if err != nil {
		var capErr *Error
		if errors.As(err, &capErr) {
			return nil, capErr
		}

		return nil, &Error{Capability: f.desc.Name, Message: err.Error(), Code: CodeExecution}
	}

	if result == nil {
		result = map[string]any{}
	}

	if _, ok := result[message.KeyStatus]; !ok {
		result[message.KeyStatus] = message.StatusSuccess
	}

	return result, nil
}
