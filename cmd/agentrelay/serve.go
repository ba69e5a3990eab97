package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentrelay/httpapi"
)

func init() {
	serveCmd.Flags().String("addr", "", "override RELAY_HTTP_ADDR")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay with its HTTP and NATS surfaces until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTPAddr = addr
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return a.serve(ctx)
	},
}

// serve blocks until ctx is done or the HTTP server fails.
func (a *app) serve(ctx context.Context) error {
	a.log.Info("agentrelay.serve.started",
		"capabilities", a.relay.Broker().Registered(),
		"http_addr", a.cfg.HTTPAddr,
		"nats", a.nc != nil,
	)

	if a.cfg.HTTPAddr == "" {
		<-ctx.Done()
		return nil
	}

	srv := httpapi.NewServer(a.cfg.HTTPAddr, httpapi.NewHandler(a.relay.Broker(), a.relay.Monitor(), func(o *httpapi.Options) {
		o.Gatherer = a.registry
		o.Chatter = a.relay
		o.Logger = a.log.WithComponent("http")
	}))

	errCh := make(chan error, 1)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.log.Info("agentrelay.serve.stopping")

	return srv.Shutdown(shutdownCtx)
}
