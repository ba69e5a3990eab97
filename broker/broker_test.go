package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/message"
	"github.com/hupe1980/agentrelay/monitor"
)

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, m message.Message) (message.Payload, error) {
		return message.Payload{"status": "success", "echo": m.Payload["text"]}, nil
	})
}

// blockingHandler signals started and then waits for release or cancellation.
type blockingHandler struct {
	started   chan string
	release   chan struct{}
	cancelled chan struct{}
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{
		started:   make(chan string, 16),
		release:   make(chan struct{}),
		cancelled: make(chan struct{}, 16),
	}
}

func (h *blockingHandler) Handle(ctx context.Context, m message.Message) (message.Payload, error) {
	h.started <- m.ID
	select {
	case <-h.release:
		return message.Payload{"status": "success"}, nil
	case <-ctx.Done():
		h.cancelled <- struct{}{}
		return nil, ctx.Err()
	}
}

func newTestBroker(t *testing.T, optFns ...func(o *Options)) *Broker {
	t.Helper()

	b := New(optFns...)
	t.Cleanup(b.Shutdown)

	return b
}

func mustRequest(t *testing.T, recipient string, payload message.Payload, opts ...message.Option) message.Message {
	t.Helper()

	m, err := message.NewRequest("coordinator", recipient, payload, opts...)
	require.NoError(t, err)

	return m
}

func TestSendRequest_Echo(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Register("echo", echoHandler()))

	req := mustRequest(t, "echo", message.Payload{"text": "hi"})

	resp, err := b.SendRequest(context.Background(), req, time.Second)
	require.NoError(t, err)

	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, "echo", resp.Sender)
	assert.Equal(t, "coordinator", resp.Recipient)
	assert.Equal(t, message.KindResponse, resp.Kind)
	assert.Equal(t, "hi", resp.Payload["echo"])

	tr, ok := b.Monitor().GetTrace(req.ID)
	require.True(t, ok)
	assert.Equal(t, monitor.StatusCompleted, tr.CurrentStatus())
	assert.True(t, tr.HasStatus(monitor.StatusSent))
	assert.True(t, tr.HasStatus(monitor.StatusReceived))
	assert.True(t, tr.HasStatus(monitor.StatusProcessing))

	s := b.Stats()
	assert.Equal(t, uint64(1), s.Sent)
	assert.Equal(t, uint64(1), s.Delivered)
	assert.Equal(t, uint64(1), s.ResponsesMatched)
	assert.Equal(t, 0, s.Pending)
	assert.Equal(t, []string{"echo"}, s.Registered)
}

func TestSendRequest_NoHandlerFailsFast(t *testing.T) {
	b := newTestBroker(t)

	req := mustRequest(t, "ghost", nil)

	start := time.Now()
	_, err := b.SendRequest(context.Background(), req, 5*time.Second)

	assert.ErrorIs(t, err, ErrNoHandler)
	assert.Less(t, time.Since(start), time.Second)

	tr, ok := b.Monitor().GetTrace(req.ID)
	require.True(t, ok)
	assert.Equal(t, monitor.StatusNoHandler, tr.CurrentStatus())
	assert.Equal(t, uint64(1), b.Stats().Failed)
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestSendRequest_TimeoutCancelsHandler(t *testing.T) {
	b := newTestBroker(t)
	h := newBlockingHandler()
	require.NoError(t, b.Register("slow", h))

	req := mustRequest(t, "slow", nil)
	timeout := 100 * time.Millisecond

	start := time.Now()
	_, err := b.SendRequest(context.Background(), req, timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)

	select {
	case <-h.cancelled:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}

	tr, _ := b.Monitor().GetTrace(req.ID)
	assert.True(t, tr.HasStatus(monitor.StatusTimeout))
	assert.Equal(t, uint64(1), b.Stats().Timeouts)
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestSendRequest_FallbackTimeouts(t *testing.T) {
	b := newTestBroker(t, func(o *Options) { o.DefaultTimeout = 50 * time.Millisecond })
	require.NoError(t, b.Register("slow", newBlockingHandler()))

	req := mustRequest(t, "slow", nil, message.WithResponseTimeout(0))

	start := time.Now()
	_, err := b.SendRequest(context.Background(), req, 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendRequest_CallerCancellation(t *testing.T) {
	b := newTestBroker(t)
	h := newBlockingHandler()
	require.NoError(t, b.Register("slow", h))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.started
		cancel()
	}()

	_, err := b.SendRequest(ctx, mustRequest(t, "slow", nil), 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSendRequest_Duplicate(t *testing.T) {
	b := newTestBroker(t)
	h := newBlockingHandler()
	require.NoError(t, b.Register("slow", h))

	req := mustRequest(t, "slow", nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.SendRequest(context.Background(), req, 2*time.Second)
		errCh <- err
	}()

	<-h.started

	_, err := b.SendRequest(context.Background(), req, time.Second)
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	close(h.release)
	assert.NoError(t, <-errCh)
}

func TestSendRequest_NotRequest(t *testing.T) {
	b := newTestBroker(t)

	m, err := message.New("a", "b", message.KindNotification, nil)
	require.NoError(t, err)

	_, err = b.SendRequest(context.Background(), m, time.Second)
	assert.ErrorIs(t, err, ErrNotRequest)
}

func TestHandlerFailure_ErrorResponse(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Register("broken", HandlerFunc(func(context.Context, message.Message) (message.Payload, error) {
		return nil, errors.New("disk on fire")
	})))

	req := mustRequest(t, "broken", nil)

	resp, err := b.SendRequest(context.Background(), req, time.Second)
	require.NoError(t, err)

	assert.Equal(t, message.KindError, resp.Kind)
	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, "error", resp.Payload.Status())
	assert.Equal(t, "disk on fire", resp.Payload[message.KeyMessage])

	tr, _ := b.Monitor().GetTrace(req.ID)
	assert.Equal(t, monitor.StatusFailed, tr.CurrentStatus())
	last, _ := tr.LastEvent()
	assert.Equal(t, "disk on fire", last.Error)
}

func TestHandlerFailure_TimeoutOnlyMode(t *testing.T) {
	b := newTestBroker(t, func(o *Options) { o.ErrorResponses = false })
	require.NoError(t, b.Register("broken", HandlerFunc(func(context.Context, message.Message) (message.Payload, error) {
		return nil, errors.New("nope")
	})))

	_, err := b.SendRequest(context.Background(), mustRequest(t, "broken", nil), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHandlerPanic(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Register("panicky", HandlerFunc(func(context.Context, message.Message) (message.Payload, error) {
		panic("kaboom")
	})))

	resp, err := b.SendRequest(context.Background(), mustRequest(t, "panicky", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.KindError, resp.Kind)
	assert.Contains(t, resp.Payload[message.KeyMessage], "kaboom")

	// worker survives the panic
	require.NoError(t, b.Register("panicky", echoHandler()))
	resp, err = b.SendRequest(context.Background(), mustRequest(t, "panicky", message.Payload{"text": "ok"}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Payload["echo"])
}

func TestRoute_FIFOPerRecipient(t *testing.T) {
	b := newTestBroker(t)

	const n = 200

	var (
		mu   sync.Mutex
		seen []int
	)

	gate := make(chan struct{})
	holding := make(chan struct{})

	require.NoError(t, b.Register("sink", HandlerFunc(func(_ context.Context, m message.Message) (message.Payload, error) {
		seq := m.Payload["seq"].(int)
		if seq == 0 {
			close(holding)
			<-gate
		}

		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, seq)

		return nil, nil
	})))

	route := func(i int) {
		m, err := message.New("producer", "sink", message.KindNotification, message.Payload{"seq": i})
		require.NoError(t, err)
		require.NoError(t, b.Route(m))
	}

	// the worker is parked on the first message while the rest queue up
	route(0)
	<-holding

	for i := 1; i < n; i++ {
		route(i)
	}

	assert.Equal(t, n-1, b.Stats().QueueDepth["sink"])
	close(gate)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestLateHandlerFailureIsTraced(t *testing.T) {
	b := newTestBroker(t, func(o *Options) { o.ErrorResponses = false })
	require.NoError(t, b.Register("sluggish", HandlerFunc(func(context.Context, message.Message) (message.Payload, error) {
		time.Sleep(200 * time.Millisecond)
		panic("gave up too late")
	})))

	req := mustRequest(t, "sluggish", nil)
	_, err := b.SendRequest(context.Background(), req, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.Eventually(t, func() bool {
		tr, _ := b.Monitor().GetTrace(req.ID)
		return tr.HasStatus(monitor.StatusFailed)
	}, 2*time.Second, 10*time.Millisecond)

	tr, _ := b.Monitor().GetTrace(req.ID)
	assert.True(t, tr.HasStatus(monitor.StatusTimeout))

	last, _ := tr.LastEvent()
	assert.Contains(t, last.Error, "gave up too late")
	assert.Equal(t, uint64(1), b.Stats().Failed)
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestLateHandlerSuccessIsTraced(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Register("sluggish", HandlerFunc(func(context.Context, message.Message) (message.Payload, error) {
		time.Sleep(200 * time.Millisecond)
		return message.Payload{"status": "success"}, nil
	})))

	req := mustRequest(t, "sluggish", nil)
	_, err := b.SendRequest(context.Background(), req, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.Eventually(t, func() bool {
		tr, _ := b.Monitor().GetTrace(req.ID)
		return tr.CurrentStatus() == monitor.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	tr, _ := b.Monitor().GetTrace(req.ID)
	last, _ := tr.LastEvent()
	assert.Equal(t, "late result, requester gone", last.Detail)
	assert.Equal(t, uint64(0), b.Stats().ResponsesMatched)
	assert.Equal(t, uint64(0), b.Stats().Failed)
}

func TestHistoryIsIsolatedFromHandlers(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Register("scribbler", HandlerFunc(func(_ context.Context, m message.Message) (message.Payload, error) {
		for i := 0; i < 1000; i++ {
			m.Payload["n"] = i
		}

		return m.Payload, nil
	})))

	req := mustRequest(t, "scribbler", message.Payload{"n": 0})
	resp, err := b.SendRequest(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 999, resp.Payload["n"])

	history := b.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, req.ID, history[0].ID)
	assert.Equal(t, 0, history[0].Payload["n"])
}

func TestSinksRunOutsideBrokerLock(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Register("echo", echoHandler()))

	var calls atomic.Int32

	// Stats takes the broker lock; a sink called under it would deadlock.
	b.Monitor().AddSink(monitor.SinkFunc(func(monitor.Trace, monitor.Event) error {
		_ = b.Stats()
		calls.Add(1)
		return nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := b.SendRequest(context.Background(), mustRequest(t, "echo", message.Payload{"text": "hi"}), time.Second)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request deadlocked in a monitor sink")
	}

	assert.Positive(t, calls.Load())
}

func TestShutdownWithTimeout(t *testing.T) {
	b := New()
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, b.Register("stubborn", HandlerFunc(func(context.Context, message.Message) (message.Payload, error) {
		close(started)
		<-release
		return nil, nil
	})))

	m, err := message.New("producer", "stubborn", message.KindNotification, nil)
	require.NoError(t, err)
	require.NoError(t, b.Route(m))
	<-started

	start := time.Now()
	assert.False(t, b.ShutdownWithTimeout(50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, b.Route(m), ErrClosed)

	close(release)
	assert.True(t, b.ShutdownWithTimeout(time.Second))
}

func TestRoute_Errors(t *testing.T) {
	b := newTestBroker(t)

	assert.ErrorIs(t, b.Route(message.Message{Sender: "a", Kind: message.KindRequest, Priority: 1}), message.ErrEmptyRecipient)

	m, err := message.New("a", "nobody", message.KindNotification, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Route(m), ErrNoHandler)
}

func TestRoute_MailboxFull(t *testing.T) {
	b := newTestBroker(t, func(o *Options) { o.MailboxSize = 1 })
	h := newBlockingHandler()
	require.NoError(t, b.Register("slow", h))

	newNote := func() message.Message {
		m, err := message.New("a", "slow", message.KindNotification, nil)
		require.NoError(t, err)
		return m
	}

	require.NoError(t, b.Route(newNote()))
	<-h.started

	require.NoError(t, b.Route(newNote()))

	full := newNote()
	assert.ErrorIs(t, b.Route(full), ErrMailboxFull)

	tr, _ := b.Monitor().GetTrace(full.ID)
	assert.Equal(t, monitor.StatusFailed, tr.CurrentStatus())

	close(h.release)
}

func TestRoute_ExpiredMessageDropped(t *testing.T) {
	b := newTestBroker(t)

	var calls int

	var mu sync.Mutex

	require.NoError(t, b.Register("sink", HandlerFunc(func(context.Context, message.Message) (message.Payload, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, nil
	})))

	m, err := message.New("a", "sink", message.KindNotification, nil,
		message.WithCreatedAt(time.Now().Add(-time.Minute)),
		message.WithTTL(time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, b.Route(m))

	assert.Eventually(t, func() bool {
		tr, _ := b.Monitor().GetTrace(m.ID)
		return tr.CurrentStatus() == monitor.StatusExpired
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()

	assert.Equal(t, uint64(1), b.Stats().Expired)
}

func TestRegister(t *testing.T) {
	b := newTestBroker(t)

	assert.ErrorIs(t, b.Register("", echoHandler()), ErrEmptyName)
	assert.ErrorIs(t, b.Register("x", nil), ErrNilHandler)

	require.NoError(t, b.Register("cap", echoHandler()))
	require.NoError(t, b.Register("cap", HandlerFunc(func(context.Context, message.Message) (message.Payload, error) {
		return message.Payload{"v": 2}, nil
	})))

	assert.Equal(t, []string{"cap"}, b.Registered())
	assert.True(t, b.HasHandler("cap"))

	resp, err := b.SendRequest(context.Background(), mustRequest(t, "cap", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Payload["v"])
}

func TestShutdown(t *testing.T) {
	b := New()
	h := newBlockingHandler()
	require.NoError(t, b.Register("slow", h))

	errCh := make(chan error, 1)
	go func() {
		_, err := b.SendRequest(context.Background(), mustRequest(t, "slow", nil), 5*time.Second)
		errCh <- err
	}()

	<-h.started
	b.Shutdown()
	b.Shutdown()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending requester not released by shutdown")
	}

	assert.ErrorIs(t, b.Register("late", echoHandler()), ErrClosed)
	assert.Empty(t, b.Registered())
	assert.Equal(t, 0, b.Stats().Pending)

	m, err := message.New("a", "slow", message.KindNotification, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Route(m), ErrClosed)
}

func TestHistoryCapacity(t *testing.T) {
	b := newTestBroker(t, func(o *Options) { o.HistoryCapacity = 3 })

	var ids []string

	for i := 0; i < 5; i++ {
		m, err := message.New("a", fmt.Sprintf("nobody-%d", i), message.KindNotification, nil)
		require.NoError(t, err)
		_ = b.Route(m)
		ids = append(ids, m.ID)
	}

	h := b.History(0)
	require.Len(t, h, 3)
	assert.Equal(t, ids[2], h[0].ID)
	assert.Equal(t, ids[4], h[2].ID)

	last := b.History(1)
	require.Len(t, last, 1)
	assert.Equal(t, ids[4], last[0].ID)
}

func TestConcurrentRequests(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Register("echo", echoHandler()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := message.NewRequest("c", "echo", message.Payload{"text": i})
			if !assert.NoError(t, err) {
				return
			}
			resp, err := b.SendRequest(context.Background(), req, 2*time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, req.ID, resp.CorrelationID)
				assert.Equal(t, i, resp.Payload["echo"])
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(50), b.Stats().ResponsesMatched)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	b := newTestBroker(t, func(o *Options) { o.Metrics = metrics })
	require.NoError(t, b.Register("echo", echoHandler()))

	_, err := b.SendRequest(context.Background(), mustRequest(t, "echo", nil), time.Second)
	require.NoError(t, err)

	_, err = b.SendRequest(context.Background(), mustRequest(t, "ghost", nil), time.Second)
	require.ErrorIs(t, err, ErrNoHandler)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messages.WithLabelValues(outcomeSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messages.WithLabelValues(outcomeNoHandler)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messages.WithLabelValues(outcomeMatched)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.pending))
}

func TestRoute_BroadcastReachesOnlyRecipient(t *testing.T) {
	b := newTestBroker(t)

	var named, other atomic.Int32

	require.NoError(t, b.Register("named", HandlerFunc(func(context.Context, message.Message) (message.Payload, error) {
		named.Add(1)
		return nil, nil
	})))
	require.NoError(t, b.Register("other", HandlerFunc(func(context.Context, message.Message) (message.Payload, error) {
		other.Add(1)
		return nil, nil
	})))

	m, err := message.New("producer", "named", message.KindBroadcast, message.Payload{"note": "hi"})
	require.NoError(t, err)
	require.NoError(t, b.Route(m))

	assert.Eventually(t, func() bool { return named.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), other.Load())
}
