package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentrelay/broker"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/message"
)

// KeyContext holds the results of earlier steps in a step's default payload.
const KeyContext = "context"

// Step is one request in a Workflow.
type Step struct {
	// Name keys the step result. Defaults to Capability.
	Name string
	// Capability is the broker recipient.
	Capability string
	// Arguments are merged over the workflow input.
	Arguments map[string]any
	// Timeout bounds the request. Zero uses the request default.
	Timeout time.Duration
	// Prepare builds the request payload from the workflow input and the
	// results gathered so far. When nil, the payload is the input merged
	// with Arguments plus KeyContext holding earlier results.
	Prepare func(input map[string]any, results map[string]map[string]any) map[string]any
}

func (s Step) key() string {
	if s.Name != "" {
		return s.Name
	}

	return s.Capability
}

// WorkflowOptions configures a Workflow.
type WorkflowOptions struct {
	// Parameters is the schema advertised to the oracle. Defaults to an
	// open object.
	Parameters map[string]any
	// Timeout is the descriptor timeout the dispatch loop uses for the
	// whole workflow.
	Timeout time.Duration
	// ReportTo names a capability (usually a TaskBoard) that receives
	// report_progress / report_failure notifications for every run.
	ReportTo string
	Logger   logging.Logger
}

// Workflow is a capability that runs a fixed list of steps through the
// broker, one after another. A step whose result has status "error" or
// "failed" stops the run; later steps are not sent.
type Workflow struct {
	desc   Descriptor
	broker *broker.Broker
	steps  []Step
	opts   WorkflowOptions
	log    logging.Logger
}

// NewWorkflow creates a workflow named name over b.
func NewWorkflow(b *broker.Broker, name, description string, steps []Step, optFns ...func(o *WorkflowOptions)) (*Workflow, error) {
	if b == nil {
		return nil, errors.New("capability: workflow needs a broker")
	}

	if name == "" {
		return nil, errors.New("capability: workflow needs a name")
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("capability: workflow %s has no steps", name)
	}

	seen := make(map[string]bool, len(steps))

	for i, s := range steps {
		switch {
		case s.Capability == "":
			return nil, fmt.Errorf("capability: workflow %s step %d has no capability", name, i)
		case s.Capability == name:
			// The workflow's own worker would wait on itself.
			return nil, fmt.Errorf("capability: workflow %s calls itself", name)
		case seen[s.key()]:
			return nil, fmt.Errorf("capability: workflow %s has duplicate step %q", name, s.key())
		}

		seen[s.key()] = true
	}

	opts := WorkflowOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	params := opts.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	return &Workflow{
		desc:   Descriptor{Name: name, Description: description, Parameters: params, Timeout: opts.Timeout},
		broker: b,
		steps:  append([]Step(nil), steps...),
		opts:   opts,
		log:    logging.OrNop(opts.Logger),
	}, nil
}

// Descriptor implements Capability.
func (w *Workflow) Descriptor() Descriptor { return w.desc }

// Steps returns the step names in order.
func (w *Workflow) Steps() []string {
	names := make([]string, len(w.steps))
	for i, s := range w.steps {
		names[i] = s.key()
	}

	return names
}

// Execute implements Capability. The result carries "results" keyed by
// step name; a failed run adds "failed_step" and keeps the results of the
// steps that ran.
func (w *Workflow) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	runID := uuid.NewString()
	results := make(map[string]map[string]any, len(w.steps))

	w.log.Debug("capability.workflow.start", "workflow", w.desc.Name, "run_id", runID, "steps", len(w.steps))

	for _, s := range w.steps {
		out, err := w.runStep(ctx, s, args, results)
		if err != nil {
			return nil, err
		}

		results[s.key()] = out

		if failed(out) {
			reason, _ := out[message.KeyMessage].(string)
			if reason == "" {
				reason = message.Payload(out).Status()
			}

			w.report(runID, "report_failure", map[string]any{
				"error_info": map[string]any{"step": s.key(), "capability": s.Capability, "message": reason},
			})
			w.log.Warn("capability.workflow.step_failed", "workflow", w.desc.Name, "run_id", runID, "step", s.key(), "reason", reason)

			return map[string]any{
				message.KeyStatus:  message.StatusError,
				message.KeyMessage: fmt.Sprintf("step %s failed: %s", s.key(), reason),
				"failed_step":      s.key(),
				"results":          flatten(results),
			}, nil
		}

		w.report(runID, "report_progress", map[string]any{
			"progress": map[string]any{message.KeyStatus: TaskInProgress, "step": s.key()},
		})
	}

	w.report(runID, "report_progress", map[string]any{
		"progress": map[string]any{message.KeyStatus: TaskSucceeded},
	})
	w.log.Debug("capability.workflow.done", "workflow", w.desc.Name, "run_id", runID)

	return Success(map[string]any{"results": flatten(results)}), nil
}

// runStep sends one step. Broker outcomes become error payloads so the
// caller gates on them; only caller cancellation is returned as an error.
func (w *Workflow) runStep(ctx context.Context, s Step, input map[string]any, results map[string]map[string]any) (map[string]any, error) {
	req, err := message.NewRequest(w.desc.Name, s.Capability, message.Payload(w.payloadFor(s, input, results)))
	if err != nil {
		return nil, NewError(w.desc.Name, err.Error(), CodeExecution)
	}

	resp, err := w.broker.SendRequest(ctx, req, s.Timeout)

	switch {
	case err == nil:
		return map[string]any(resp.Payload.Clone()), nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, broker.ErrTimeout):
		return Failure("no response from " + s.Capability), nil
	case errors.Is(err, broker.ErrNoHandler):
		return Failure(fmt.Sprintf("capability %s is not registered", s.Capability)), nil
	default:
		return Failure(err.Error()), nil
	}
}

func (w *Workflow) payloadFor(s Step, input map[string]any, results map[string]map[string]any) map[string]any {
	if s.Prepare != nil {
		return s.Prepare(input, results)
	}

	payload := map[string]any(message.Payload(input).Clone())
	if payload == nil {
		payload = make(map[string]any, len(s.Arguments)+1)
	}

	for k, v := range s.Arguments {
		payload[k] = v
	}

	if len(results) > 0 {
		payload[KeyContext] = flatten(results)
	}

	return payload
}

func (w *Workflow) report(runID, action string, fields map[string]any) {
	if w.opts.ReportTo == "" {
		return
	}

	payload := message.Payload{KeyAction: action, "task_id": runID, "workflow": w.desc.Name}
	for k, v := range fields {
		payload[k] = v
	}

	msg, err := message.New(w.desc.Name, w.opts.ReportTo, message.KindNotification, payload)
	if err == nil {
		err = w.broker.Route(msg)
	}

	if err != nil {
		w.log.Debug("capability.workflow.report_failed", "workflow", w.desc.Name, "report_to", w.opts.ReportTo, "error", err.Error())
	}
}

func failed(out map[string]any) bool {
	switch message.Payload(out).Status() {
	case message.StatusError, TaskFailed:
		return true
	default:
		return false
	}
}

// flatten copies step results into plain maps so payload cloning reaches
// every level.
func flatten(results map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(results))
	for k, v := range results {
		out[k] = map[string]any(message.Payload(v).Clone())
	}

	return out
}
