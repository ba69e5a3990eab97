package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/message"
	"github.com/hupe1980/agentrelay/monitor"
)

var (
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("broker: closed")
	// ErrNoHandler is returned when the recipient has no registered handler.
	ErrNoHandler = errors.New("broker: no handler registered")
	// ErrTimeout is returned by SendRequest when no response arrived in time.
	ErrTimeout = errors.New("broker: request timed out")
	// ErrMailboxFull is returned when the recipient mailbox is at capacity.
	ErrMailboxFull = errors.New("broker: mailbox full")
	// ErrDuplicateRequest is returned when a request id is already awaiting a response.
	ErrDuplicateRequest = errors.New("broker: request already in flight")
	// ErrNotRequest is returned by SendRequest for non-request messages.
	ErrNotRequest = errors.New("broker: message is not a request")
	// ErrEmptyName is returned by Register for an empty capability name.
	ErrEmptyName = errors.New("broker: capability name must not be empty")
	// ErrNilHandler is returned by Register for a nil handler.
	ErrNilHandler = errors.New("broker: handler must not be nil")
)

// Defaults applied by New.
const (
	DefaultMailboxSize     = 256
	DefaultHistoryCapacity = 1000
	DefaultTimeout         = message.DefaultResponseTimeout
)

// Handler processes messages addressed to one capability. For requests the
// returned payload becomes the response body. The context is cancelled when
// the requester stops waiting or the broker shuts down.
type Handler interface {
	Handle(ctx context.Context, msg message.Message) (message.Payload, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg message.Message) (message.Payload, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg message.Message) (message.Payload, error) {
	return f(ctx, msg)
}

// Options configures a Broker.
type Options struct {
	// Monitor records message lifecycles (defaults to a fresh monitor).
	Monitor *monitor.Monitor
	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
	// MailboxSize bounds each capability mailbox.
	MailboxSize int
	// HistoryCapacity bounds the routed-message history ring.
	HistoryCapacity int
	// ErrorResponses sends an error-kind response as soon as a request
	// handler fails. When false the requester only observes a timeout.
	ErrorResponses bool
	// DefaultTimeout is used by SendRequest when neither the call nor the
	// message carries a timeout.
	DefaultTimeout time.Duration
	// Metrics, when set, receives counters and latencies.
	Metrics *Metrics
}

// Stats is a point-in-time snapshot of the broker counters.
type Stats struct {
	Sent             uint64         `json:"messages_sent"`
	Delivered        uint64         `json:"messages_delivered"`
	Failed           uint64         `json:"messages_failed"`
	ResponsesMatched uint64         `json:"responses_matched"`
	Expired          uint64         `json:"messages_expired"`
	Timeouts         uint64         `json:"requests_timed_out"`
	Registered       []string       `json:"registered_handlers"`
	Pending          int            `json:"pending_responses"`
	HistorySize      int            `json:"history_size"`
	QueueDepth       map[string]int `json:"queue_depth"`
}

type envelope struct {
	ctx    context.Context
	msg    message.Message
	queued chan struct{}
}

type worker struct {
	name    string
	handler Handler
	mailbox chan envelope
}

type waiter struct {
	ch chan message.Message
}

// Broker routes messages to per-capability mailboxes, each drained by a
// single worker goroutine, and correlates responses with waiting requesters.
type Broker struct {
	opts Options
	mon  *monitor.Monitor
	log  logging.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	workers map[string]*worker
	pending map[string]*waiter
	history *ring
	stats   Stats
}

// New creates a Broker ready to accept registrations.
func New(optFns ...func(o *Options)) *Broker {
	opts := Options{
		Logger:          logging.NoOpLogger{},
		MailboxSize:     DefaultMailboxSize,
		HistoryCapacity: DefaultHistoryCapacity,
		ErrorResponses:  true,
		DefaultTimeout:  DefaultTimeout,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Monitor == nil {
		opts.Monitor = monitor.New()
	}

	if opts.MailboxSize < 1 {
		opts.MailboxSize = DefaultMailboxSize
	}

	if opts.HistoryCapacity < 1 {
		opts.HistoryCapacity = DefaultHistoryCapacity
	}

	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Broker{
		opts:       opts,
		mon:        opts.Monitor,
		log:        logging.OrNop(opts.Logger),
		baseCtx:    ctx,
		cancelBase: cancel,
		done:       make(chan struct{}),
		workers:    make(map[string]*worker),
		pending:    make(map[string]*waiter),
		history:    newRing(opts.HistoryCapacity),
	}
}

// Monitor returns the lifecycle monitor used by the broker.
func (b *Broker) Monitor() *monitor.Monitor { return b.mon }

// Register binds handler to name. The first registration of a name creates
// its mailbox and starts exactly one worker; later registrations replace the
// handler and keep the worker and any queued messages.
func (b *Broker) Register(name string, handler Handler) error {
	if name == "" {
		return ErrEmptyName
	}

	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if w, ok := b.workers[name]; ok {
		w.handler = handler
		b.log.Info("broker.register.replaced", "capability", name)

		return nil
	}

	w := &worker{name: name, handler: handler, mailbox: make(chan envelope, b.opts.MailboxSize)}
	b.workers[name] = w

	b.wg.Add(1)
	go b.run(w)

	b.log.Info("broker.register", "capability", name)

	return nil
}

// Registered returns the sorted names of registered capabilities.
func (b *Broker) Registered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.registeredLocked()
}

func (b *Broker) registeredLocked() []string {
	names := make([]string, 0, len(b.workers))
	for name := range b.workers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// HasHandler reports whether name is registered.
func (b *Broker) HasHandler(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.workers[name]

	return ok
}

// Route enqueues msg for its recipient without waiting for any response.
// A missing handler fails immediately with ErrNoHandler.
func (b *Broker) Route(msg message.Message) error {
	return b.route(b.baseCtx, msg)
}

func (b *Broker) route(ctx context.Context, msg message.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	b.mon.EnsureTrace(msg.ID, msg.Sender, msg.Recipient, msg.Kind)
	b.history.push(msg)

	w, ok := b.workers[msg.Recipient]
	if !ok {
		b.stats.Failed++
		b.mu.Unlock()

		b.mon.RecordEvent(msg.ID, monitor.StatusNoHandler, "no handler for "+msg.Recipient, nil, nil)
		b.opts.Metrics.count(outcomeNoHandler)
		b.log.Warn("broker.route.no_handler", "message_id", msg.ShortID(), "recipient", msg.Recipient)

		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Recipient)
	}

	if len(w.mailbox) >= cap(w.mailbox) {
		b.stats.Failed++
		b.mu.Unlock()

		b.mon.RecordEvent(msg.ID, monitor.StatusFailed, "mailbox full", ErrMailboxFull, nil)
		b.opts.Metrics.count(outcomeMailboxFull)
		b.log.Warn("broker.route.mailbox_full", "message_id", msg.ShortID(), "recipient", msg.Recipient)

		return fmt.Errorf("%w: %s", ErrMailboxFull, msg.Recipient)
	}

	// Enqueue under the lock so mailbox order matches routing order. The
	// sent event is recorded after unlocking so monitor sinks never run under
	// the broker lock; the worker waits for it before recording received.
	env := envelope{ctx: ctx, msg: msg, queued: make(chan struct{})}
	b.stats.Sent++
	w.mailbox <- env
	b.mu.Unlock()

	b.mon.RecordEvent(msg.ID, monitor.StatusSent, "queued for "+msg.Recipient, nil, nil)
	close(env.queued)

	b.opts.Metrics.count(outcomeSent)
	b.log.Debug("broker.route.sent", "message_id", msg.ShortID(), "sender", msg.Sender, "recipient", msg.Recipient, "kind", string(msg.Kind))

	return nil
}

// SendRequest routes a request and blocks until its response arrives, the
// timeout elapses (ErrTimeout), ctx is done (ctx.Err()) or the broker shuts
// down (ErrClosed). A timeout <= 0 falls back to msg.ResponseTimeout and
// then to the broker default. The handler context is cancelled once the
// requester stops waiting.
func (b *Broker) SendRequest(ctx context.Context, msg message.Message, timeout time.Duration) (message.Message, error) {
	if !msg.IsRequest() {
		return message.Message{}, ErrNotRequest
	}

	if timeout <= 0 {
		timeout = msg.ResponseTimeout
	}

	if timeout <= 0 {
		timeout = b.opts.DefaultTimeout
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(b.baseCtx, cancel)
	defer stop()

	w := &waiter{ch: make(chan message.Message, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return message.Message{}, ErrClosed
	}

	if _, dup := b.pending[msg.ID]; dup {
		b.mu.Unlock()
		return message.Message{}, fmt.Errorf("%w: %s", ErrDuplicateRequest, msg.ID)
	}

	// The waiter exists before routing so a fast handler cannot miss it.
	b.pending[msg.ID] = w
	b.mu.Unlock()

	b.opts.Metrics.pendingAdd(1)
	defer b.opts.Metrics.pendingAdd(-1)

	start := time.Now()

	if err := b.route(reqCtx, msg); err != nil {
		b.removeWaiter(msg.ID)
		b.opts.Metrics.observe(msg.Recipient, outcomeFailed, time.Since(start))

		return message.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		b.opts.Metrics.observe(msg.Recipient, outcomeMatched, time.Since(start))
		return resp, nil
	case <-timer.C:
		if resp, ok := b.abandon(msg.ID, w); ok {
			return resp, nil
		}

		cancel()

		b.mu.Lock()
		b.stats.Timeouts++
		b.mu.Unlock()

		b.mon.RecordEvent(msg.ID, monitor.StatusTimeout, fmt.Sprintf("no response within %s", timeout), ErrTimeout, nil)
		b.opts.Metrics.count(outcomeTimeout)
		b.opts.Metrics.observe(msg.Recipient, outcomeTimeout, time.Since(start))
		b.log.Warn("broker.request.timeout", "message_id", msg.ShortID(), "recipient", msg.Recipient, "timeout", timeout)

		return message.Message{}, fmt.Errorf("%w: %s after %s", ErrTimeout, msg.Recipient, timeout)
	case <-ctx.Done():
		if resp, ok := b.abandon(msg.ID, w); ok {
			return resp, nil
		}

		b.mon.RecordEvent(msg.ID, monitor.StatusTimeout, "requester cancelled", ctx.Err(), nil)
		b.opts.Metrics.count(outcomeCancelled)
		b.opts.Metrics.observe(msg.Recipient, outcomeCancelled, time.Since(start))

		return message.Message{}, ctx.Err()
	case <-b.done:
		return message.Message{}, ErrClosed
	}
}

// abandon removes the waiter for id. If a response was delivered
// concurrently it is returned instead.
func (b *Broker) abandon(id string, w *waiter) (message.Message, bool) {
	if b.removeWaiter(id) {
		return message.Message{}, false
	}

	select {
	case resp := <-w.ch:
		return resp, true
	default:
		return message.Message{}, false
	}
}

func (b *Broker) removeWaiter(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[id]; !ok {
		return false
	}

	delete(b.pending, id)

	return true
}

// deliver hands resp to the waiter registered under its correlation id.
// Responses without a waiter are dropped.
func (b *Broker) deliver(resp message.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.history.push(resp)
	}

	w, ok := b.pending[resp.CorrelationID]
	if !ok {
		return false
	}

	delete(b.pending, resp.CorrelationID)
	b.stats.ResponsesMatched++
	b.opts.Metrics.count(outcomeMatched)
	w.ch <- resp

	return true
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.Registered = b.registeredLocked()
	s.Pending = len(b.pending)
	s.HistorySize = b.history.len()
	s.QueueDepth = make(map[string]int, len(b.workers))

	for name, w := range b.workers {
		s.QueueDepth[name] = len(w.mailbox)
	}

	return s
}

// History returns up to limit of the most recently routed messages, oldest
// first. A limit <= 0 returns the whole ring.
func (b *Broker) History(limit int) []message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.history.last(limit)
}

// Shutdown stops all workers and aborts pending requesters with ErrClosed.
// In-flight handlers see their context cancelled and are waited for, so a
// handler that ignores its context delays Shutdown until it returns; use
// ShutdownWithTimeout to bound the wait. Calling Shutdown more than once is
// a no-op.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.closed = true
	close(b.done)
	b.cancelBase()

	b.workers = make(map[string]*worker)
	b.pending = make(map[string]*waiter)
	b.history.reset()
	b.mu.Unlock()

	b.wg.Wait()
	b.log.Info("broker.shutdown")
}

// ShutdownWithTimeout is Shutdown with a bounded wait for in-flight
// handlers. It returns false when handlers were still running after d; their
// workers exit once those handlers return.
func (b *Broker) ShutdownWithTimeout(d time.Duration) bool {
	done := make(chan struct{})

	go func() {
		b.Shutdown()
		close(done)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		b.log.Warn("broker.shutdown.timeout", "waited", d)
		return false
	}
}
