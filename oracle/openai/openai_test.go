package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/capability"
	"github.com/hupe1980/agentrelay/dispatch"
)

func stubServer(t *testing.T, reply string, body *map[string]any) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newTestOracle(url string) *Oracle {
	return NewOracle(func(o *Options) {
		o.APIKey = "test-key"
		o.RequestOptions = []option.RequestOption{option.WithBaseURL(url + "/"), option.WithMaxRetries(0)}
	})
}

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages([]dispatch.Turn{
		{Role: dispatch.RoleSystem, Content: "sys"},
		{Role: dispatch.RoleUser, Content: "q"},
		{Role: dispatch.RoleAssistant, Invocations: []dispatch.Invocation{{Tag: "c1", Capability: "echo"}}},
		{Role: dispatch.RoleTool, Tag: "c1", Capability: "echo", Content: `{"echo":""}`},
	})
	require.Len(t, msgs, 4)

	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "{}", msgs[2].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
}

func TestBuildTools_DefaultsSchema(t *testing.T) {
	tools := buildTools([]capability.Descriptor{{Name: "noop"}})
	require.Len(t, tools, 1)
	assert.Equal(t, "noop", tools[0].Function.Name)
	assert.Equal(t, "object", tools[0].Function.Parameters["type"])
}

func TestDecide_ToolCalls(t *testing.T) {
	var body map[string]any

	srv := stubServer(t, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1,
		"model": "gpt-4o-mini",
		"choices": [{
			"index": 0,
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": null,
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "echo", "arguments": "{\"text\":\"ping\"}"}}]
			}
		}]
	}`, &body)

	d, err := newTestOracle(srv.URL).Decide(context.Background(), dispatch.Request{
		Transcript:       []dispatch.Turn{{Role: dispatch.RoleUser, Content: "ping please"}},
		Catalog:          []capability.Descriptor{{Name: "echo", Description: "Echo text"}},
		AllowInvocations: true,
	})
	require.NoError(t, err)

	assert.Empty(t, d.Answer)
	require.Len(t, d.Invocations, 1)
	assert.Equal(t, dispatch.Invocation{Tag: "call_1", Capability: "echo", Arguments: map[string]any{"text": "ping"}}, d.Invocations[0])
	assert.Contains(t, body, "tools")
}

func TestDecide_ForcedAnswer(t *testing.T) {
	var body map[string]any

	srv := stubServer(t, `{
		"id": "chatcmpl-2", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "final"}}]
	}`, &body)

	d, err := newTestOracle(srv.URL).Decide(context.Background(), dispatch.Request{
		Transcript: []dispatch.Turn{{Role: dispatch.RoleUser, Content: "q"}},
		Catalog:    []capability.Descriptor{{Name: "echo"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "final", d.Answer)
	assert.Empty(t, d.Invocations)
	assert.NotContains(t, body, "tools")
}

func TestDecide_NoChoices(t *testing.T) {
	var body map[string]any

	srv := stubServer(t, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`, &body)

	_, err := newTestOracle(srv.URL).Decide(context.Background(), dispatch.Request{
		Transcript: []dispatch.Turn{{Role: dispatch.RoleUser, Content: "q"}},
	})
	assert.EqualError(t, err, "no choices returned")
}
