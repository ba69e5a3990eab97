package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentrelay/broker"
	"github.com/hupe1980/agentrelay/capability"
	"github.com/hupe1980/agentrelay/internal/prompt"
	"github.com/hupe1980/agentrelay/logging"
)

// Defaults applied by NewLoop.
const (
	DefaultMaxRounds     = 5
	DefaultHistoryWindow = 10
	DefaultSender        = "coordinator"
	DefaultTimeout       = 120 * time.Second
)

// ErrorAnswerPrefix starts the answer returned when the oracle fails.
const ErrorAnswerPrefix = "I encountered an error processing your request: "

// FallbackAnswer is returned when the forced final call produces no text.
const FallbackAnswer = "I was unable to complete the request within the allowed number of steps."

var (
	// ErrNilTranscript is returned by Run for a nil canonical transcript.
	ErrNilTranscript = errors.New("dispatch: canonical transcript must not be nil")
	// ErrNilOracle is returned by Run when the loop has no oracle.
	ErrNilOracle = errors.New("dispatch: oracle must not be nil")
	// ErrNilBroker is returned by Run when the loop has no broker.
	ErrNilBroker = errors.New("dispatch: broker must not be nil")
)

// LoopOptions configures a Loop.
type LoopOptions struct {
	// MaxRounds bounds the rounds that may request invocations. The oracle
	// is called at most MaxRounds+1 times per run.
	MaxRounds int
	// DefaultTimeout applies to capabilities without a descriptor timeout.
	DefaultTimeout time.Duration
	// MaxParallel limits concurrent invocations per round (0 = unlimited).
	MaxParallel int
	// HistoryWindow is how many canonical turns seed the working transcript (0 = all).
	HistoryWindow int
	// Sender is the broker name requests are sent from.
	Sender string
	// SystemPrompt is rendered with {{.capabilities}} and prepended to the working transcript.
	SystemPrompt string
	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// LoopOption configures a Loop.
type LoopOption func(o *LoopOptions)

// WithMaxRounds sets the round budget.
func WithMaxRounds(n int) LoopOption { return func(o *LoopOptions) { o.MaxRounds = n } }

// WithDefaultTimeout sets the per-invocation timeout fallback.
func WithDefaultTimeout(d time.Duration) LoopOption {
	return func(o *LoopOptions) { o.DefaultTimeout = d }
}

// WithMaxParallel limits concurrent invocations within a round.
func WithMaxParallel(n int) LoopOption { return func(o *LoopOptions) { o.MaxParallel = n } }

// WithHistoryWindow sets how many canonical turns seed each run.
func WithHistoryWindow(n int) LoopOption { return func(o *LoopOptions) { o.HistoryWindow = n } }

// WithSender sets the sender name used for capability requests.
func WithSender(name string) LoopOption { return func(o *LoopOptions) { o.Sender = name } }

// WithSystemPrompt sets the system prompt template.
func WithSystemPrompt(p string) LoopOption { return func(o *LoopOptions) { o.SystemPrompt = p } }

// WithLogger sets the logger.
func WithLogger(l logging.Logger) LoopOption { return func(o *LoopOptions) { o.Logger = l } }

// Result describes one completed run.
type Result struct {
	// Answer is never empty.
	Answer string
	// Rounds is the number of rounds that executed invocations.
	Rounds int
	// OracleCalls counts calls to Decide.
	OracleCalls int
	// Forced is true when the round budget ran out.
	Forced bool
	// Err is the oracle error that ended the run, if any.
	Err error
	// Invocations holds every invocation result in execution order.
	Invocations []InvocationResult
	// Duration is the wall time of the run.
	Duration time.Duration
}

// Loop alternates between the oracle and capability invocations until the
// oracle answers or the round budget is spent.
type Loop struct {
	broker  *broker.Broker
	catalog *capability.Catalog
	oracle  Oracle
	opts    LoopOptions
	log     logging.Logger
}

// NewLoop creates a Loop. cat may be nil, in which case the oracle sees no
// capabilities.
func NewLoop(b *broker.Broker, cat *capability.Catalog, oracle Oracle, optFns ...LoopOption) *Loop {
	opts := LoopOptions{
		MaxRounds:      DefaultMaxRounds,
		DefaultTimeout: DefaultTimeout,
		HistoryWindow:  DefaultHistoryWindow,
		Sender:         DefaultSender,
		Logger:         logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxRounds < 0 {
		opts.MaxRounds = 0
	}

	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}

	if opts.Sender == "" {
		opts.Sender = DefaultSender
	}

	return &Loop{broker: b, catalog: cat, oracle: oracle, opts: opts, log: logging.OrNop(opts.Logger)}
}

// Options returns the effective options.
func (l *Loop) Options() LoopOptions { return l.opts }

// Run appends input as a user turn to canonical, drives the oracle over a
// private working copy and appends the final answer. canonical grows by
// exactly two turns. The returned error is reserved for misuse; oracle and
// capability failures are reported through Result.
func (l *Loop) Run(ctx context.Context, canonical *Transcript, input string) (*Result, error) {
	switch {
	case canonical == nil:
		return nil, ErrNilTranscript
	case l.oracle == nil:
		return nil, ErrNilOracle
	case l.broker == nil:
		return nil, ErrNilBroker
	}

	start := time.Now()

	canonical.Append(Turn{Role: RoleUser, Content: input})

	var descs []capability.Descriptor
	if l.catalog != nil {
		descs = l.catalog.Descriptors()
	}

	working := l.prepare(canonical.Turns(), descs)
	res := &Result{}

	for round := 0; ; round++ {
		allow := round < l.opts.MaxRounds

		decision, err := l.decide(ctx, Request{Transcript: working, Catalog: descs, AllowInvocations: allow, Round: round})
		res.OracleCalls++

		if err != nil {
			res.Err = err
			res.Answer = ErrorAnswerPrefix + err.Error()

			break
		}

		if !allow || len(decision.Invocations) == 0 {
			res.Answer = strings.TrimSpace(decision.Answer)
			res.Forced = !allow

			if res.Answer == "" {
				res.Answer = FallbackAnswer
			}

			break
		}

		invs, dup := normalizeTags(decision.Invocations)
		results := l.execute(ctx, invs, dup)

		working = append(working, Turn{Role: RoleAssistant, Content: decision.Answer, Invocations: invs})
		for _, r := range results {
			working = append(working, Turn{
				Role:       RoleTool,
				Tag:        r.Tag,
				Capability: r.Capability,
				Content:    encodePayload(r.Payload),
				Payload:    r.Payload,
			})
		}

		res.Rounds++
		res.Invocations = append(res.Invocations, results...)
	}

	canonical.Append(Turn{Role: RoleAssistant, Content: res.Answer})

	res.Duration = time.Since(start)
	l.logDispatch(res)

	return res, nil
}

func (l *Loop) decide(ctx context.Context, req Request) (d Decision, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("oracle panic: %v", r)
		}

		if ol, ok := l.log.(interface {
			LogOracleCall(round, invocations int, dur time.Duration, err error)
		}); ok {
			ol.LogOracleCall(req.Round, len(d.Invocations), time.Since(start), err)
		} else {
			l.log.Debug("dispatch.oracle.called", "round", req.Round, "invocations", len(d.Invocations), "error", err != nil)
		}
	}()

	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	return l.oracle.Decide(ctx, req)
}

func (l *Loop) logDispatch(res *Result) {
	if dl, ok := l.log.(interface {
		LogDispatch(rounds, oracleCalls int, forced bool, dur time.Duration, err error)
	}); ok {
		dl.LogDispatch(res.Rounds, res.OracleCalls, res.Forced, res.Duration, res.Err)
		return
	}

	l.log.Info("dispatch.run.completed", "rounds", res.Rounds, "oracle_calls", res.OracleCalls, "forced", res.Forced, "error", res.Err != nil)
}

// prepare builds the working transcript: the last HistoryWindow turns,
// starting with a user turn, with consecutive same-role turns merged and no
// trailing assistant turn, preceded by the rendered system prompt.
func (l *Loop) prepare(turns []Turn, descs []capability.Descriptor) []Turn {
	if w := l.opts.HistoryWindow; w > 0 && len(turns) > w {
		turns = turns[len(turns)-w:]
	}

	for len(turns) > 0 && turns[0].Role != RoleUser {
		turns = turns[1:]
	}

	working := make([]Turn, 0, len(turns)+1)

	if l.opts.SystemPrompt != "" {
		names := make([]string, len(descs))
		for i, d := range descs {
			names[i] = d.Name
		}

		text, err := prompt.Render(l.opts.SystemPrompt, map[string]any{"capabilities": names})
		if err != nil {
			l.log.Warn("dispatch.system_prompt.render_error", "error", err.Error())
			text = l.opts.SystemPrompt
		}

		working = append(working, Turn{Role: RoleSystem, Content: text})
	}

	for _, t := range turns {
		if n := len(working); n > 0 && working[n-1].Role == t.Role && t.Role != RoleSystem {
			working[n-1].Content = working[n-1].Content + "\n\n" + t.Content
			continue
		}

		working = append(working, t)
	}

	for len(working) > 0 && working[len(working)-1].Role == RoleAssistant {
		working = working[:len(working)-1]
	}

	return working
}

func encodePayload(p map[string]any) string {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%v", p)
	}

	return string(data)
}
