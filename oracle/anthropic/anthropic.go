// Package anthropic provides a dispatch.Oracle backed by the Anthropic
// Messages API with tool use.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/agentrelay/capability"
	"github.com/hupe1980/agentrelay/dispatch"
	"github.com/hupe1980/agentrelay/message"
	"github.com/hupe1980/agentrelay/oracle"
)

// Options configures the Anthropic oracle.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	// RequestOptions are passed to the client created by NewOracle.
	RequestOptions []option.RequestOption
}

// Oracle asks Claude for the next decision.
type Oracle struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// NewOracle creates an oracle using the official client. Without an APIKey
// the client falls back to ANTHROPIC_API_KEY.
func NewOracle(optFns ...func(o *Options)) *Oracle {
	opts := defaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := append([]option.RequestOption(nil), opts.RequestOptions...)
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Oracle{client: &client, opts: opts}
}

// NewOracleFromClient creates an oracle from an existing client.
func NewOracleFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Oracle {
	opts := defaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Oracle{client: client, opts: opts}
}

// Decide implements dispatch.Oracle.
func (o *Oracle) Decide(ctx context.Context, req dispatch.Request) (dispatch.Decision, error) {
	resp, err := o.client.Messages.New(ctx, o.buildParams(req))
	if err != nil {
		return dispatch.Decision{}, fmt.Errorf("anthropic api error: %w", err)
	}

	return parseContent(resp.Content), nil
}

func (o *Oracle) buildParams(req dispatch.Request) anthropic.MessageNewParams {
	turns := req.Transcript
	if !req.AllowInvocations {
		turns = oracle.Flatten(turns)
	}

	params := anthropic.MessageNewParams{
		Model:       o.opts.Model,
		Messages:    buildMessages(turns),
		MaxTokens:   o.opts.MaxTokens,
		Temperature: anthropic.Float(o.opts.Temperature),
	}

	if system := systemBlocks(turns); len(system) > 0 {
		params.System = system
	}

	if req.AllowInvocations && len(req.Catalog) > 0 {
		params.Tools = buildTools(req.Catalog)
	}

	return params
}

func systemBlocks(turns []dispatch.Turn) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam

	for _, t := range turns {
		if t.Role == dispatch.RoleSystem && t.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: t.Content})
		}
	}

	return blocks
}

// buildMessages converts turns into alternating user/assistant messages.
// Tool results travel as tool_result blocks in the following user message.
func buildMessages(turns []dispatch.Turn) []anthropic.MessageParam {
	type pending struct {
		assistant bool
		blocks    []anthropic.ContentBlockParamUnion
	}

	var msgs []pending

	add := func(assistant bool, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}

		if n := len(msgs); n == 0 || msgs[n-1].assistant != assistant {
			msgs = append(msgs, pending{assistant: assistant})
		}

		last := &msgs[len(msgs)-1]
		last.blocks = append(last.blocks, blocks...)
	}

	for _, t := range turns {
		switch t.Role {
		case dispatch.RoleSystem:
			continue
		case dispatch.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if t.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(t.Content))
			}

			for _, inv := range t.Invocations {
				args := inv.Arguments
				if args == nil {
					args = map[string]any{}
				}

				blocks = append(blocks, anthropic.NewToolUseBlock(inv.Tag, args, inv.Capability))
			}

			add(true, blocks...)
		case dispatch.RoleTool:
			isError := message.Payload(t.Payload).IsError()
			add(false, anthropic.NewToolResultBlock(t.Tag, t.Content, isError))
		default:
			if t.Content != "" {
				add(false, anthropic.NewTextBlock(t.Content))
			}
		}
	}

	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.assistant {
			out = append(out, anthropic.NewAssistantMessage(m.blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(m.blocks...))
		}
	}

	return out
}

func buildTools(descs []capability.Descriptor) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(descs))

	for i, d := range descs {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}

		if d.Parameters != nil {
			if props, ok := d.Parameters["properties"]; ok {
				schema.Properties = props
			}

			schema.Required = requiredNames(d.Parameters["required"])
		}

		tools[i] = anthropic.ToolUnionParamOfTool(schema, d.Name)
		if tools[i].OfTool != nil && d.Description != "" {
			tools[i].OfTool.Description = anthropic.String(d.Description)
		}
	}

	return tools
}

func requiredNames(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		names := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}

		return names
	default:
		return nil
	}
}

func parseContent(blocks []anthropic.ContentBlockUnion) dispatch.Decision {
	var (
		text     []string
		decision dispatch.Decision
	)

	for _, block := range blocks {
		switch block.Type {
		case "text":
			if tb := block.AsText(); tb.Text != "" {
				text = append(text, tb.Text)
			}
		case "tool_use":
			tu := block.AsToolUse()

			var args map[string]any

			if raw, err := json.Marshal(tu.Input); err == nil {
				args = oracle.DecodeArguments(raw)
			} else {
				args = map[string]any{}
			}

			decision.Invocations = append(decision.Invocations, dispatch.Invocation{
				Tag:        tu.ID,
				Capability: tu.Name,
				Arguments:  args,
			})
		}
	}

	decision.Answer = strings.Join(text, "\n")

	return decision
}
