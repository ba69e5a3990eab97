// Package openai provides a dispatch.Oracle backed by the OpenAI Chat
// Completions API with function calling.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentrelay/capability"
	"github.com/hupe1980/agentrelay/dispatch"
	"github.com/hupe1980/agentrelay/oracle"
)

// Options configure the OpenAI oracle.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	// RequestOptions are passed to the client created by NewOracle.
	RequestOptions []option.RequestOption
}

// Oracle asks a chat completion model for the next decision.
type Oracle struct {
	client *openai.Client
	opts   Options
}

// NewOracle creates an oracle using the official client. Without an APIKey
// the client falls back to OPENAI_API_KEY.
func NewOracle(optFns ...func(o *Options)) *Oracle {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := append([]option.RequestOption(nil), opts.RequestOptions...)
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := openai.NewClient(clientOpts...)

	return NewOracleFromClient(&client, optFns...)
}

// NewOracleFromClient creates an oracle from an existing client.
func NewOracleFromClient(client *openai.Client, optFns ...func(o *Options)) *Oracle {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Oracle{client: client, opts: opts}
}

// Decide implements dispatch.Oracle.
func (o *Oracle) Decide(ctx context.Context, req dispatch.Request) (dispatch.Decision, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.buildParams(req))
	if err != nil {
		return dispatch.Decision{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return dispatch.Decision{}, fmt.Errorf("no choices returned")
	}

	msg := resp.Choices[0].Message
	decision := dispatch.Decision{Answer: msg.Content}
	for _, tc := range msg.ToolCalls {
		decision.Invocations = append(decision.Invocations, dispatch.Invocation{
			Tag:        tc.ID,
			Capability: tc.Function.Name,
			Arguments:  oracle.DecodeArguments([]byte(tc.Function.Arguments)),
		})
	}
	return decision, nil
}

// buildParams assembles the request. Tool definitions are only sent when
// invocations are allowed; otherwise the transcript is flattened to text.
func (o *Oracle) buildParams(req dispatch.Request) openai.ChatCompletionNewParams {
	turns := req.Transcript
	if !req.AllowInvocations {
		turns = oracle.Flatten(turns)
	}
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(turns),
		Model:               o.opts.Model,
		Temperature:         openai.Float(o.opts.Temperature),
		MaxCompletionTokens: openai.Int(o.opts.MaxCompletionTokens),
	}
	if req.AllowInvocations && len(req.Catalog) > 0 {
		params.Tools = buildTools(req.Catalog)
	}
	return params
}

// buildMessages converts turns into chat messages. Tool turns follow the
// assistant message that requested them, keyed by tool call id.
func buildMessages(turns []dispatch.Turn) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	for _, t := range turns {
		switch t.Role {
		case dispatch.RoleSystem:
			messages = append(messages, openai.SystemMessage(t.Content))
		case dispatch.RoleUser:
			messages = append(messages, openai.UserMessage(t.Content))
		case dispatch.RoleAssistant:
			if len(t.Invocations) == 0 {
				messages = append(messages, openai.AssistantMessage(t.Content))
				continue
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toolCalls(t.Invocations),
			}})
		case dispatch.RoleTool:
			messages = append(messages, openai.ToolMessage(t.Content, t.Tag))
		default:
			if t.Content != "" {
				messages = append(messages, openai.UserMessage(t.Content))
			}
		}
	}
	return messages
}

func toolCalls(invs []dispatch.Invocation) []openai.ChatCompletionMessageToolCallParam {
	calls := make([]openai.ChatCompletionMessageToolCallParam, len(invs))
	for i, inv := range invs {
		calls[i] = openai.ChatCompletionMessageToolCallParam{
			ID:   inv.Tag,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      inv.Capability,
				Arguments: oracle.EncodeArguments(inv.Arguments),
			},
		}
	}
	return calls
}

func buildTools(descs []capability.Descriptor) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, len(descs))
	for i, d := range descs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  params,
			},
		}
	}
	return tools
}
