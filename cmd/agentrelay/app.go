package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agentrelay"
	"github.com/hupe1980/agentrelay/broker"
	"github.com/hupe1980/agentrelay/capability"
	"github.com/hupe1980/agentrelay/dispatch"
	"github.com/hupe1980/agentrelay/internal/config"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/monitor"
	"github.com/hupe1980/agentrelay/natsbridge"
	"github.com/hupe1980/agentrelay/oracle"
	"github.com/hupe1980/agentrelay/oracle/anthropic"
	"github.com/hupe1980/agentrelay/oracle/openai"
)

// DefaultSystemPrompt is used when RELAY_SYSTEM_PROMPT is empty.
const DefaultSystemPrompt = `You are a coordinator that answers user requests.
You may call these capabilities when they help: {{join ", " .capabilities}}.
Answer directly once you have what you need.`

// app is one fully wired relay process.
type app struct {
	cfg      *config.Config
	log      *logging.RelayLogger
	registry *prometheus.Registry
	relay    *agentrelay.Relay
	nc       *nats.Conn
}

// loadConfig reads the environment and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		// A missing file is not an error.
		_ = godotenv.Load(envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}

	if v, _ := cmd.Flags().GetString("provider"); v != "" {
		cfg.OracleProvider = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.RelayLogger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:     level,
		Format:    strings.ToLower(cfg.LogFormat),
		Output:    os.Stderr,
		Component: "agentrelay",
	}), nil
}

// buildOracle selects the configured provider and applies rate limiting.
func buildOracle(cfg *config.Config) (dispatch.Oracle, error) {
	var o dispatch.Oracle

	switch strings.ToLower(cfg.OracleProvider) {
	case config.ProviderEcho:
		o = oracle.Echo{}
	case config.ProviderAnthropic:
		o = anthropic.NewOracle(func(opts *anthropic.Options) {
			opts.APIKey = cfg.OracleAPIKey
			opts.MaxTokens = cfg.OracleMaxTokens
			opts.Temperature = cfg.OracleTemperature

			if cfg.OracleModel != "" {
				opts.Model = anthropicsdk.Model(cfg.OracleModel)
			}
		})
	case config.ProviderOpenAI:
		o = openai.NewOracle(func(opts *openai.Options) {
			opts.APIKey = cfg.OracleAPIKey
			opts.MaxCompletionTokens = cfg.OracleMaxTokens
			opts.Temperature = cfg.OracleTemperature

			if cfg.OracleModel != "" {
				opts.Model = cfg.OracleModel
			}
		})
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.OracleProvider)
	}

	if cfg.OracleRPM > 0 {
		o = oracle.NewLimited(o, oracle.PerMinute(cfg.OracleRPM), cfg.OracleBurst)
	}

	return o, nil
}

// newApp wires monitor, broker, loop, built-in capabilities and, when
// configured, the NATS bridge and the catalog file.
func newApp(cfg *config.Config) (*app, error) {
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	o, err := buildOracle(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mon := monitor.New(func(opts *monitor.Options) {
		opts.Logger = log.WithComponent("monitor")
		opts.ArchiveDir = cfg.TraceDir
		opts.AutoArchive = cfg.AutoArchive
	})

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	relay := agentrelay.New(o, func(opts *agentrelay.Options) {
		opts.Monitor = mon
		opts.Logger = log
		opts.MailboxSize = cfg.MailboxSize
		opts.HistoryCapacity = cfg.HistoryCapacity
		opts.DisableErrorResponses = !cfg.ErrorResponses
		opts.Metrics = broker.NewMetrics(registry)
		opts.LoopOptions = []dispatch.LoopOption{
			dispatch.WithMaxRounds(cfg.MaxRounds),
			dispatch.WithDefaultTimeout(cfg.DefaultTimeout),
			dispatch.WithHistoryWindow(cfg.HistoryWindow),
			dispatch.WithMaxParallel(cfg.MaxParallel),
			dispatch.WithSystemPrompt(systemPrompt),
		}
	})

	a := &app{cfg: cfg, log: log, registry: registry, relay: relay}

	if err := relay.RegisterCapabilities(
		capability.Echo(),
		capability.BrokerStatus(relay.Broker(), "", 0),
		capability.NewTaskBoard(relay.Broker()),
	); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.loadCatalog(); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// loadCatalog registers the remote capabilities and workflows named in the
// catalog file. Remote capabilities need a NATS connection; workflows do not.
func (a *app) loadCatalog() error {
	var cat *config.Catalog

	if a.cfg.CatalogFile != "" {
		var err error
		if cat, err = config.LoadCatalog(a.cfg.CatalogFile); err != nil {
			return err
		}

		if len(cat.Capabilities) > 0 && a.cfg.NATSURL == "" {
			return fmt.Errorf("remote capabilities in RELAY_CATALOG_FILE require RELAY_NATS_URL")
		}
	}

	if err := a.connectNATS(); err != nil {
		return err
	}

	if cat == nil {
		return nil
	}

	for _, rc := range cat.Capabilities {
		remote := natsbridge.NewRemote(a.nc, rc.Subject, capability.Descriptor{
			Name:        rc.Name,
			Description: rc.Description,
			Parameters:  rc.Parameters,
			Timeout:     rc.Timeout,
		})

		if err := a.relay.RegisterCapability(remote); err != nil {
			return fmt.Errorf("register remote capability %s: %w", rc.Name, err)
		}

		a.log.Info("agentrelay.remote.registered", "capability", rc.Name, "subject", remote.Subject())
	}

	for _, cw := range cat.Workflows {
		wf, err := a.newWorkflow(cw)
		if err != nil {
			return err
		}

		if err := a.relay.RegisterCapability(wf); err != nil {
			return fmt.Errorf("register workflow %s: %w", cw.Name, err)
		}

		a.log.Info("agentrelay.workflow.registered", "workflow", cw.Name, "steps", len(cw.Steps))
	}

	return nil
}

func (a *app) newWorkflow(cw config.Workflow) (*capability.Workflow, error) {
	steps := make([]capability.Step, len(cw.Steps))
	for i, s := range cw.Steps {
		steps[i] = capability.Step{Name: s.Name, Capability: s.Capability, Arguments: s.Arguments, Timeout: s.Timeout}
	}

	return capability.NewWorkflow(a.relay.Broker(), cw.Name, cw.Description, steps, func(o *capability.WorkflowOptions) {
		o.Timeout = cw.Timeout
		o.ReportTo = capability.TaskBoardName
		o.Logger = a.log.WithComponent("workflow")
	})
}

func (a *app) connectNATS() error {
	if a.cfg.NATSURL == "" {
		return nil
	}

	nc, err := natsbridge.Connect(a.cfg.NATSURL, func(o *natsbridge.ConnectOptions) {
		o.Name = a.cfg.NATSName
		o.Logger = a.log.WithComponent("nats")
	})
	if err != nil {
		return err
	}

	a.nc = nc
	a.relay.Monitor().AddSink(natsbridge.NewTraceSink(nc, a.cfg.NATSTracePrefix))

	return nil
}

// shutdownGrace bounds how long Close waits for in-flight handlers.
const shutdownGrace = 10 * time.Second

// Close stops the broker and drains the NATS connection.
func (a *app) Close() {
	if !a.relay.Broker().ShutdownWithTimeout(shutdownGrace) {
		a.log.Warn("agentrelay.close.handlers_running", "grace", shutdownGrace)
	}

	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
}
