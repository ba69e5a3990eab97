package broker

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/hupe1980/agentrelay/message"
	"github.com/hupe1980/agentrelay/monitor"
)

// run drains one mailbox until the broker shuts down.
func (b *Broker) run(w *worker) {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case env := <-w.mailbox:
			b.process(w, env)
		}
	}
}

func (b *Broker) process(w *worker, env envelope) {
	msg := env.msg

	<-env.queued

	if env.ctx.Err() != nil {
		// The requester already gave up; its timeout is on the trace.
		b.log.Debug("broker.worker.skip_abandoned", "message_id", msg.ShortID(), "capability", w.name)
		return
	}

	b.mon.RecordEvent(msg.ID, monitor.StatusReceived, "dequeued by "+w.name, nil, nil)

	if msg.IsExpired() {
		b.mu.Lock()
		b.stats.Expired++
		b.stats.Failed++
		b.mu.Unlock()

		b.mon.RecordEvent(msg.ID, monitor.StatusExpired, fmt.Sprintf("ttl %s elapsed", msg.TTL), nil, nil)
		b.opts.Metrics.count(outcomeExpired)
		b.log.Warn("broker.worker.expired", "message_id", msg.ShortID(), "capability", w.name)

		return
	}

	b.mu.Lock()
	handler := w.handler
	b.mu.Unlock()

	b.mon.RecordEvent(msg.ID, monitor.StatusProcessing, "handled by "+w.name, nil, nil)

	payload, err := invoke(env.ctx, handler, msg)

	b.mu.Lock()
	b.stats.Delivered++
	b.mu.Unlock()
	b.opts.Metrics.count(outcomeDelivered)

	// A request whose requester already timed out still gets its outcome
	// traced; only the response is dropped.
	late := msg.IsRequest() && env.ctx.Err() != nil

	if err != nil {
		b.mu.Lock()
		b.stats.Failed++
		b.mu.Unlock()

		detail := "handler error"
		if late {
			detail = "handler error after requester gave up"
		}

		b.mon.RecordEvent(msg.ID, monitor.StatusFailed, detail, err, nil)
		b.opts.Metrics.count(outcomeFailed)
		b.log.Error("broker.worker.handler_error", "message_id", msg.ShortID(), "capability", w.name, "error", err.Error(), "late", late)

		if msg.IsRequest() && !late && b.opts.ErrorResponses {
			b.deliver(msg.CreateResponse(message.ErrorPayload(err.Error()), message.KindError))
		}

		return
	}

	if late {
		b.mon.RecordEvent(msg.ID, monitor.StatusCompleted, "late result, requester gone", nil, nil)
		b.log.Debug("broker.worker.late_result", "message_id", msg.ShortID(), "capability", w.name)

		return
	}

	b.mon.RecordEvent(msg.ID, monitor.StatusCompleted, "", nil, nil)

	if msg.IsRequest() {
		b.deliver(msg.CreateResponse(payload, message.KindResponse))
	}
}

// invoke calls the handler, converting panics into errors.
func invoke(ctx context.Context, h Handler, msg message.Message) (payload message.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()

	return h.Handle(ctx, msg)
}

// PanicError is returned for a handler that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", p.Value) }

func panicError(r any) error { return &PanicError{Value: r, Stack: debug.Stack()} }
