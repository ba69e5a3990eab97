// Package agentrelay provides a high-level façade over the message broker,
// the lifecycle monitor and the dispatch loop. Most applications interact
// with this package by:
//  1. Creating a Relay via New() with a reasoning oracle
//  2. Registering one or more capabilities
//  3. Calling Chat for each user message of a session
//
// All defaults are in-memory and safe for local development and testing.
package agentrelay

import (
	"context"
	"errors"

	"github.com/hupe1980/agentrelay/broker"
	"github.com/hupe1980/agentrelay/capability"
	"github.com/hupe1980/agentrelay/dispatch"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/monitor"
	"github.com/hupe1980/agentrelay/session"
)

// ErrEmptySessionID is returned by Chat for an empty session id.
var ErrEmptySessionID = errors.New("agentrelay: session id must not be empty")

// Options configures the Relay instance.
type Options struct {
	// Monitor records message lifecycles (defaults to a new in-memory monitor).
	Monitor *monitor.Monitor
	// Sessions owns canonical transcripts (defaults to an in-memory store).
	Sessions *session.InMemoryStore
	// Catalog lists the capabilities visible to the oracle.
	Catalog *capability.Catalog

	// MailboxSize bounds each capability mailbox (0 = broker default).
	MailboxSize int
	// HistoryCapacity bounds the routed-message history (0 = broker default).
	HistoryCapacity int
	// DisableErrorResponses makes failed handlers surface as timeouts.
	DisableErrorResponses bool
	// Metrics, when set, receives broker counters.
	Metrics *broker.Metrics

	// LoopOptions tune the dispatch loop.
	LoopOptions []dispatch.LoopOption

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Relay is the high-level façade aggregating broker, monitor and loop.
type Relay struct {
	opts     Options
	monitor  *monitor.Monitor
	broker   *broker.Broker
	catalog  *capability.Catalog
	sessions *session.InMemoryStore
	loop     *dispatch.Loop
}

// New creates a Relay driven by oracle. Any unset service is initialized
// with an in-memory implementation.
func New(oracle dispatch.Oracle, optFns ...func(o *Options)) *Relay {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	opts.Logger = logging.OrNop(opts.Logger)

	if opts.Monitor == nil {
		opts.Monitor = monitor.New(func(o *monitor.Options) { o.Logger = opts.Logger })
	}

	if opts.Sessions == nil {
		opts.Sessions = session.NewInMemoryStore()
	}

	if opts.Catalog == nil {
		opts.Catalog = capability.NewCatalog()
	}

	b := broker.New(func(o *broker.Options) {
		o.Monitor = opts.Monitor
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.ErrorResponses = !opts.DisableErrorResponses

		if opts.MailboxSize > 0 {
			o.MailboxSize = opts.MailboxSize
		}

		if opts.HistoryCapacity > 0 {
			o.HistoryCapacity = opts.HistoryCapacity
		}
	})

	loopOpts := append([]dispatch.LoopOption{dispatch.WithLogger(opts.Logger)}, opts.LoopOptions...)

	return &Relay{
		opts:     opts,
		monitor:  opts.Monitor,
		broker:   b,
		catalog:  opts.Catalog,
		sessions: opts.Sessions,
		loop:     dispatch.NewLoop(b, opts.Catalog, oracle, loopOpts...),
	}
}

// RegisterCapability binds c to the broker and advertises it to the oracle.
func (r *Relay) RegisterCapability(c capability.Capability) error {
	return capability.Register(r.broker, r.catalog, c)
}

// RegisterCapabilities registers every capability, stopping at the first error.
func (r *Relay) RegisterCapabilities(caps ...capability.Capability) error {
	return capability.RegisterAll(r.broker, r.catalog, caps...)
}

// Chat runs one dispatch loop for text in the given session. Calls on the
// same session are serialized; different sessions run concurrently.
func (r *Relay) Chat(ctx context.Context, sessionID, text string) (*dispatch.Result, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}

	transcript, unlock := r.sessions.Lock(sessionID)
	defer unlock()

	return r.loop.Run(ctx, transcript, text)
}

// Broker returns the underlying broker.
func (r *Relay) Broker() *broker.Broker { return r.broker }

// Monitor returns the lifecycle monitor.
func (r *Relay) Monitor() *monitor.Monitor { return r.monitor }

// Catalog returns the capability catalog.
func (r *Relay) Catalog() *capability.Catalog { return r.catalog }

// Sessions returns the session store.
func (r *Relay) Sessions() *session.InMemoryStore { return r.sessions }

// Loop returns the dispatch loop.
func (r *Relay) Loop() *dispatch.Loop { return r.loop }

// Shutdown stops the broker. Pending requests fail with broker.ErrClosed.
func (r *Relay) Shutdown() { r.broker.Shutdown() }
