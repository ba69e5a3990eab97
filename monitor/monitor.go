package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/message"
)

// Unknown is used for the endpoints of placeholder traces.
const Unknown = "unknown"

// SummaryFailureLimit is the number of failures included in a Summary.
const SummaryFailureLimit = 5

// Sink receives every recorded event. Emit runs synchronously on the
// recording goroutine, outside the monitor lock, and must not block for
// long: it delays the broker worker or requester that recorded the event.
// Errors are logged and never propagated to the recorder.
type Sink interface {
	Emit(trace Trace, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(trace Trace, event Event) error

// Emit calls f.
func (f SinkFunc) Emit(trace Trace, event Event) error { return f(trace, event) }

// Options configures a Monitor.
type Options struct {
	// Logger receives a debug line per event (defaults to NoOp).
	Logger logging.Logger
	// Sinks are notified of every event after it is stored.
	Sinks []Sink
	// Clock returns the current time (defaults to time.Now).
	Clock func() time.Time
	// ArchiveDir is where SaveTrace writes snapshots. Empty disables archiving.
	ArchiveDir string
	// AutoArchive saves a snapshot whenever a trace reaches a terminal status.
	AutoArchive bool
}

// Summary aggregates the monitor state.
type Summary struct {
	Total          int            `json:"total_messages"`
	ByStatus       map[Status]int `json:"status_counts"`
	RecentFailures []Trace        `json:"recent_failures"`
}

// Monitor stores one Trace per message id. It is safe for concurrent use and
// all accessors return copies.
type Monitor struct {
	opts Options

	mu     sync.RWMutex
	traces map[string]*Trace
}

// New creates a Monitor.
func New(optFns ...func(o *Options)) *Monitor {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Clock:  time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	opts.Logger = logging.OrNop(opts.Logger)
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Monitor{opts: opts, traces: make(map[string]*Trace)}
}

// AddSink registers an additional sink.
func (m *Monitor) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.opts.Sinks = append(m.opts.Sinks, s)
}

// StartTrace creates (or replaces) the trace for id.
func (m *Monitor) StartTrace(id, sender, recipient string, kind message.Kind) Trace {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Trace{MessageID: id, Sender: sender, Recipient: recipient, Kind: kind, CreatedAt: m.opts.Clock()}
	m.traces[id] = t

	return t.clone()
}

// EnsureTrace continues the trace for id, creating it if missing. Routing
// fields of a placeholder trace are filled in.
func (m *Monitor) EnsureTrace(id, sender, recipient string, kind message.Kind) Trace {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.traces[id]
	if !ok {
		t = &Trace{MessageID: id, Sender: sender, Recipient: recipient, Kind: kind, CreatedAt: m.opts.Clock()}
		m.traces[id] = t

		return t.clone()
	}

	if t.Sender == Unknown {
		t.Sender = sender
	}

	if t.Recipient == Unknown {
		t.Recipient = recipient
	}

	if t.Kind == Unknown {
		t.Kind = kind
	}

	return t.clone()
}

// RecordEvent appends an event to the trace of id. A placeholder trace is
// created when none exists so no event is ever dropped.
func (m *Monitor) RecordEvent(id string, status Status, detail string, err error, metadata map[string]any) {
	ev := Event{Timestamp: m.opts.Clock(), Status: status, Detail: detail, Metadata: metadata}
	if err != nil {
		ev.Error = err.Error()
	}

	m.mu.Lock()
	t, ok := m.traces[id]
	if !ok {
		t = &Trace{MessageID: id, Sender: Unknown, Recipient: Unknown, Kind: Unknown, CreatedAt: ev.Timestamp}
		m.traces[id] = t
	}

	t.Events = append(t.Events, ev)
	snapshot := t.clone()
	sinks := append([]Sink(nil), m.opts.Sinks...)
	m.mu.Unlock()

	m.opts.Logger.Debug("monitor.event",
		"message_id", message.ShortID(id),
		"status", string(status),
		"details", detail,
		"error", ev.Error,
	)

	for _, s := range sinks {
		if serr := s.Emit(snapshot, ev); serr != nil {
			m.opts.Logger.Warn("monitor.sink.error", "message_id", message.ShortID(id), "error", serr.Error())
		}
	}

	if m.opts.AutoArchive && m.opts.ArchiveDir != "" && status.IsTerminal() {
		if _, aerr := m.writeSnapshot(snapshot); aerr != nil {
			m.opts.Logger.Warn("monitor.archive.error", "message_id", message.ShortID(id), "error", aerr.Error())
		}
	}
}

// GetTrace returns a copy of the trace for id.
func (m *Monitor) GetTrace(id string) (Trace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.traces[id]
	if !ok {
		return Trace{}, false
	}

	return t.clone(), true
}

// RecentFailures returns up to limit failed traces, newest first. A limit
// of zero or less returns all of them.
func (m *Monitor) RecentFailures(limit int) []Trace {
	m.mu.RLock()
	failures := make([]Trace, 0)
	for _, t := range m.traces {
		if t.CurrentStatus().IsFailure() {
			failures = append(failures, t.clone())
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(failures, func(i, j int) bool {
		if failures[i].CreatedAt.Equal(failures[j].CreatedAt) {
			return failures[i].MessageID > failures[j].MessageID
		}

		return failures[i].CreatedAt.After(failures[j].CreatedAt)
	})

	if limit > 0 && len(failures) > limit {
		failures = failures[:limit]
	}

	return failures
}

// Summary returns the total, a count per current status and the most recent failures.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	s := Summary{Total: len(m.traces), ByStatus: make(map[Status]int)}
	for _, t := range m.traces {
		s.ByStatus[t.CurrentStatus()]++
	}
	m.mu.RUnlock()

	s.RecentFailures = m.RecentFailures(SummaryFailureLimit)

	return s
}

// Len returns the number of traces.
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.traces)
}

// Clear drops all traces.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.traces = make(map[string]*Trace)
}
