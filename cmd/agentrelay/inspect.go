package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hupe1980/agentrelay/message"
	"github.com/hupe1980/agentrelay/monitor"
)

func init() {
	inspectCmd.Flags().Bool("events", true, "print every lifecycle event")
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [trace-file...]",
	Short: "Print archived message traces",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, _ := cmd.Flags().GetBool("events")

		for _, path := range args {
			t, err := monitor.LoadTrace(path)
			if err != nil {
				return err
			}

			printTrace(cmd.OutOrStdout(), t, events, time.Now())
		}

		return nil
	},
}

func printTrace(out io.Writer, t monitor.Trace, events bool, now time.Time) {
	fmt.Fprintf(out, "%s  %s -> %s  [%s]  %s\n",
		message.ShortID(t.MessageID), t.Sender, t.Recipient, t.Kind, t.CurrentStatus())
	fmt.Fprintf(out, "  created %s, took %s, %s events\n",
		humanize.RelTime(t.CreatedAt, now, "ago", "from now"), t.Duration(), humanize.Comma(int64(len(t.Events))))

	if !events {
		return
	}

	for _, ev := range t.Events {
		line := fmt.Sprintf("  %-10s +%s", ev.Status, ev.Timestamp.Sub(t.CreatedAt))
		if ev.Detail != "" {
			line += "  " + ev.Detail
		}

		if ev.Error != "" {
			line += "  error=" + ev.Error
		}

		fmt.Fprintln(out, line)
	}
}
