package natsbridge

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hupe1980/agentrelay/logging"
)

const logPrefix = "natsbridge"

// ConnectOptions configures Connect.
type ConnectOptions struct {
	Name          string
	Timeout       time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
	Logger        logging.Logger
	ExtraNATSOpts []nats.Option
}

// Connect dials url with reconnect handling and logs connection changes.
func Connect(url string, optFns ...func(o *ConnectOptions)) (*nats.Conn, error) {
	opts := ConnectOptions{
		Name:          "agentrelay",
		Timeout:       10 * time.Second,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: 60,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	log := logging.OrNop(opts.Logger)

	natsOpts := append([]nats.Option{
		nats.Name(opts.Name),
		nats.Timeout(opts.Timeout),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("natsbridge.disconnected", "error", fmt.Sprint(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("natsbridge.reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("natsbridge.closed")
		}),
	}, opts.ExtraNATSOpts...)

	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: connect to %s: %w", logPrefix, url, err)
	}

	log.Info("natsbridge.connected", "url", nc.ConnectedUrl(), "name", opts.Name)

	return nc, nil
}
