package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/broker"
	"github.com/hupe1980/agentrelay/capability"
	"github.com/hupe1980/agentrelay/message"
	"github.com/hupe1980/agentrelay/monitor"
)

// startServer runs an in-process NATS server on a random port.
func startServer(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()
	require.True(t, ns.ReadyForConnections(10*time.Second), "nats server failed to start")

	nc, err := Connect(ns.ClientURL(), func(o *ConnectOptions) { o.Name = "test" })
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return nc
}

func TestTraceSink_PublishesPerStatus(t *testing.T) {
	nc := startServer(t)

	sub, err := nc.SubscribeSync("relay.trace.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	sink := NewTraceSink(nc, "relay.trace.")
	mon := monitor.New(func(o *monitor.Options) { o.Sinks = []monitor.Sink{sink} })

	mon.StartTrace("m1", "coordinator", "echo", message.KindRequest)
	mon.RecordEvent("m1", monitor.StatusFailed, "boom", errors.New("bad"), map[string]any{"attempt": 1})

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "relay.trace.failed", msg.Subject)

	var ev TraceEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "m1", ev.MessageID)
	assert.Equal(t, "echo", ev.Recipient)
	assert.Equal(t, "request", ev.Kind)
	assert.Equal(t, monitor.StatusFailed, ev.Status)
	assert.Equal(t, "bad", ev.Error)
}

func TestTraceSink_DefaultPrefix(t *testing.T) {
	sink := NewTraceSink(nil, "")
	assert.Equal(t, "agentrelay.trace.completed", sink.Subject(monitor.StatusCompleted))
}

func TestRemote_ThroughBroker(t *testing.T) {
	nc := startServer(t)

	sub, err := Serve(nc, "", capability.Echo(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	b := broker.New()
	t.Cleanup(b.Shutdown)

	cat := capability.NewCatalog()
	remote := NewRemote(nc, "", capability.Echo().Descriptor())
	require.NoError(t, capability.Register(b, cat, remote))
	assert.Equal(t, "agentrelay.capability.echo", remote.Subject())

	req, err := message.NewRequest("coordinator", "echo", message.Payload{"text": "over nats"})
	require.NoError(t, err)

	resp, err := b.SendRequest(context.Background(), req, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "over nats", resp.Payload["echo"])
	assert.Equal(t, message.StatusSuccess, resp.Payload.Status())
}

func TestRemote_NoResponders(t *testing.T) {
	nc := startServer(t)

	remote := NewRemote(nc, "nobody.home", capability.Descriptor{Name: "ghost"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := remote.Execute(ctx, nil)
	require.Error(t, err)

	var capErr *capability.Error
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, capability.CodeExecution, capErr.Code)
	assert.Equal(t, "ghost", capErr.Capability)
}

func TestServe_ReportsFailures(t *testing.T) {
	nc := startServer(t)

	failing := capability.NewFunction("fail", "always fails", nil, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("nope")
	})

	sub, err := Serve(nc, "", failing, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	reply, err := nc.Request(SubjectFor("fail"), []byte(`{}`), 2*time.Second)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(reply.Data, &out))
	assert.Equal(t, message.StatusError, out[message.KeyStatus])
	assert.Contains(t, out[message.KeyMessage], "nope")

	reply, err = nc.Request(SubjectFor("fail"), []byte(`not json`), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(reply.Data, &out))
	assert.Contains(t, out[message.KeyMessage], "invalid arguments")
}
