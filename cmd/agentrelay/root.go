package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agentrelay",
	Short: "Route capability requests for a reasoning oracle",
	Long: `agentrelay connects a reasoning oracle (Anthropic, OpenAI or an offline
echo oracle) to a set of capabilities through an in-process message broker.

Configuration is read from RELAY_* environment variables. A .env file in
the working directory (or the one named by --env-file) is loaded first and
never overrides variables that are already set.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "override RELAY_LOG_LEVEL")
	rootCmd.PersistentFlags().StringP("provider", "p", "", "override RELAY_ORACLE_PROVIDER (echo, anthropic, openai)")
}
