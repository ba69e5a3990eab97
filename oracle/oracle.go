// Package oracle provides reasoning oracles for the dispatch loop: scripted
// and offline oracles for tests and demos, a rate-limiting wrapper, and
// helpers shared by the vendor adapters in the anthropic and openai
// subpackages.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/hupe1980/agentrelay/dispatch"
)

// Scripted replays a fixed list of decisions. Once the script is exhausted
// the final decision is repeated. It records every request it receives.
type Scripted struct {
	mu        sync.Mutex
	decisions []dispatch.Decision
	requests  []dispatch.Request
}

// NewScripted creates a Scripted oracle.
func NewScripted(decisions ...dispatch.Decision) *Scripted {
	return &Scripted{decisions: decisions}
}

// Decide implements dispatch.Oracle.
func (s *Scripted) Decide(_ context.Context, req dispatch.Request) (dispatch.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := len(s.requests)
	s.requests = append(s.requests, req)

	if len(s.decisions) == 0 {
		return dispatch.Decision{}, nil
	}

	if i >= len(s.decisions) {
		i = len(s.decisions) - 1
	}

	return s.decisions[i], nil
}

// Calls returns how often Decide was called.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.requests)
}

// Requests returns the recorded requests.
func (s *Scripted) Requests() []dispatch.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]dispatch.Request(nil), s.requests...)
}

// Echo is an offline oracle. When an "echo" capability is offered it routes
// the latest user text through it once and answers with the result;
// otherwise it answers with the user text directly.
type Echo struct{}

// Decide implements dispatch.Oracle.
func (Echo) Decide(_ context.Context, req dispatch.Request) (dispatch.Decision, error) {
	turns := req.Transcript
	if len(turns) == 0 {
		return dispatch.Decision{Answer: "Nothing to echo."}, nil
	}

	last := turns[len(turns)-1]
	if last.Role == dispatch.RoleTool {
		if echoed, ok := last.Payload["echo"]; ok {
			return dispatch.Decision{Answer: fmt.Sprint(echoed)}, nil
		}

		return dispatch.Decision{Answer: last.Content}, nil
	}

	text := last.Content
	if req.AllowInvocations && offers(req, "echo") {
		return dispatch.Decision{Invocations: []dispatch.Invocation{{
			Capability: "echo",
			Arguments:  map[string]any{"text": text},
		}}}, nil
	}

	return dispatch.Decision{Answer: text}, nil
}

func offers(req dispatch.Request, name string) bool {
	for _, d := range req.Catalog {
		if d.Name == name {
			return true
		}
	}

	return false
}

// Limited throttles an oracle with a token bucket.
type Limited struct {
	next    dispatch.Oracle
	limiter *rate.Limiter
}

// NewLimited wraps next so that at most perSecond calls (with the given
// burst) are made. A non-positive perSecond disables limiting.
func NewLimited(next dispatch.Oracle, perSecond float64, burst int) *Limited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}

	if burst < 1 {
		burst = 1
	}

	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// PerMinute converts a requests-per-minute quota to a per-second rate.
func PerMinute(n int) float64 { return float64(n) / 60 }

// Decide waits for a token and delegates.
func (l *Limited) Decide(ctx context.Context, req dispatch.Request) (dispatch.Decision, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return dispatch.Decision{}, fmt.Errorf("oracle rate limit: %w", err)
	}

	return l.next.Decide(ctx, req)
}

// Flatten rewrites invocation and tool turns as plain text so the transcript
// can be sent to a vendor API without tool definitions (the forced final
// call). Consecutive same-role turns are merged.
func Flatten(turns []dispatch.Turn) []dispatch.Turn {
	out := make([]dispatch.Turn, 0, len(turns))

	push := func(role dispatch.Role, text string) {
		if text == "" {
			return
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + text
			return
		}

		out = append(out, dispatch.Turn{Role: role, Content: text})
	}

	for _, t := range turns {
		switch t.Role {
		case dispatch.RoleAssistant:
			var b strings.Builder

			b.WriteString(t.Content)

			for _, inv := range t.Invocations {
				if b.Len() > 0 {
					b.WriteString("\n")
				}

				fmt.Fprintf(&b, "[called %s %s]", inv.Capability, EncodeArguments(inv.Arguments))
			}

			push(dispatch.RoleAssistant, b.String())
		case dispatch.RoleTool:
			push(dispatch.RoleUser, fmt.Sprintf("[result of %s (%s)] %s", t.Capability, t.Tag, t.Content))
		default:
			push(t.Role, t.Content)
		}
	}

	return out
}

// EncodeArguments renders arguments as compact JSON ("{}" when empty).
func EncodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}

	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}

	return string(data)
}

// DecodeArguments parses a JSON object; invalid or empty input yields an
// empty map.
func DecodeArguments(raw []byte) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}

	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{}
	}

	return args
}
