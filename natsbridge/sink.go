package natsbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hupe1980/agentrelay/monitor"
)

// DefaultTracePrefix is the subject prefix used by TraceSink.
const DefaultTracePrefix = "agentrelay.trace"

// TraceEvent is the JSON document published for every lifecycle event.
type TraceEvent struct {
	MessageID string         `json:"message_id"`
	Sender    string         `json:"sender"`
	Recipient string         `json:"recipient"`
	Kind      string         `json:"message_type"`
	Status    monitor.Status `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    string         `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TraceSink is a monitor.Sink that publishes events to NATS.
type TraceSink struct {
	nc     *nats.Conn
	prefix string
}

var _ monitor.Sink = (*TraceSink)(nil)

// NewTraceSink creates a sink publishing on <prefix>.<status>. An empty
// prefix selects DefaultTracePrefix.
func NewTraceSink(nc *nats.Conn, prefix string) *TraceSink {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultTracePrefix
	}

	return &TraceSink{nc: nc, prefix: prefix}
}

// Subject returns the subject used for status.
func (s *TraceSink) Subject(status monitor.Status) string {
	return s.prefix + "." + string(status)
}

// Emit implements monitor.Sink.
func (s *TraceSink) Emit(trace monitor.Trace, event monitor.Event) error {
	data, err := json.Marshal(TraceEvent{
		MessageID: trace.MessageID,
		Sender:    trace.Sender,
		Recipient: trace.Recipient,
		Kind:      string(trace.Kind),
		Status:    event.Status,
		Timestamp: event.Timestamp,
		Detail:    event.Detail,
		Error:     event.Error,
		Metadata:  event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("%s: encode trace event: %w", logPrefix, err)
	}

	if err := s.nc.Publish(s.Subject(event.Status), data); err != nil {
		return fmt.Errorf("%s: publish trace event: %w", logPrefix, err)
	}

	return nil
}
