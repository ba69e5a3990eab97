// Package config loads relay configuration from RELAY_* environment variables
// and remote capability catalogs from YAML files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	logPrefix = "config"
	// EnvPrefix is prepended to every variable name.
	EnvPrefix = "RELAY"
)

// Oracle providers.
const (
	ProviderEcho      = "echo"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config holds relay configuration.
type Config struct {
	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// Dispatch loop
	MaxRounds      int           `envconfig:"MAX_ROUNDS" default:"5"`
	DefaultTimeout time.Duration `envconfig:"DEFAULT_TIMEOUT" default:"120s"`
	HistoryWindow  int           `envconfig:"HISTORY_WINDOW" default:"10"`
	MaxParallel    int           `envconfig:"MAX_PARALLEL" default:"0"`
	SystemPrompt   string        `envconfig:"SYSTEM_PROMPT"`

	// Broker
	MailboxSize     int  `envconfig:"MAILBOX_SIZE" default:"256"`
	HistoryCapacity int  `envconfig:"HISTORY_CAPACITY" default:"1000"`
	ErrorResponses  bool `envconfig:"ERROR_RESPONSES" default:"true"`

	// Trace archive (empty dir disables archiving)
	TraceDir    string `envconfig:"TRACE_DIR"`
	AutoArchive bool   `envconfig:"AUTO_ARCHIVE" default:"false"`

	// Oracle
	OracleProvider    string  `envconfig:"ORACLE_PROVIDER" default:"echo"`
	OracleModel       string  `envconfig:"ORACLE_MODEL"`
	OracleAPIKey      string  `envconfig:"ORACLE_API_KEY"`
	OracleRPM         int     `envconfig:"ORACLE_RPM" default:"0"`
	OracleBurst       int     `envconfig:"ORACLE_BURST" default:"1"`
	OracleMaxTokens   int64   `envconfig:"ORACLE_MAX_TOKENS" default:"4096"`
	OracleTemperature float64 `envconfig:"ORACLE_TEMPERATURE" default:"0.7"`

	// NATS (empty URL disables the bridge)
	NATSURL         string `envconfig:"NATS_URL"`
	NATSName        string `envconfig:"NATS_NAME" default:"agentrelay"`
	NATSTracePrefix string `envconfig:"NATS_TRACE_PREFIX" default:"agentrelay.trace"`

	// HTTP observability endpoint (empty disables it)
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	// CatalogFile lists remote capabilities (YAML).
	CatalogFile string `envconfig:"CATALOG_FILE"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch {
	case c.MaxRounds < 0:
		return fmt.Errorf("%s - %s_MAX_ROUNDS must not be negative", logPrefix, EnvPrefix)
	case c.DefaultTimeout <= 0:
		return fmt.Errorf("%s - %s_DEFAULT_TIMEOUT must be positive", logPrefix, EnvPrefix)
	case c.HistoryWindow < 0:
		return fmt.Errorf("%s - %s_HISTORY_WINDOW must not be negative", logPrefix, EnvPrefix)
	case c.MaxParallel < 0:
		return fmt.Errorf("%s - %s_MAX_PARALLEL must not be negative", logPrefix, EnvPrefix)
	case c.MailboxSize <= 0:
		return fmt.Errorf("%s - %s_MAILBOX_SIZE must be positive", logPrefix, EnvPrefix)
	case c.HistoryCapacity <= 0:
		return fmt.Errorf("%s - %s_HISTORY_CAPACITY must be positive", logPrefix, EnvPrefix)
	case c.OracleRPM < 0:
		return fmt.Errorf("%s - %s_ORACLE_RPM must not be negative", logPrefix, EnvPrefix)
	case c.AutoArchive && c.TraceDir == "":
		return fmt.Errorf("%s - %s_AUTO_ARCHIVE requires %s_TRACE_DIR", logPrefix, EnvPrefix, EnvPrefix)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%s - unknown log format %q", logPrefix, c.LogFormat)
	}

	switch strings.ToLower(c.OracleProvider) {
	case ProviderEcho, ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("%s - unknown oracle provider %q", logPrefix, c.OracleProvider)
	}

	return nil
}
