package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func init() {
	chatCmd.Flags().StringP("session", "s", "", "session id (default: random)")
	chatCmd.Flags().Bool("stats", false, "print loop statistics after each answer")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the configured oracle",
	Long: `Without arguments chat starts an interactive session reading one message
per line from stdin; "exit" or EOF ends it. With arguments the joined
arguments are sent as a single message.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		sid, _ := cmd.Flags().GetString("session")
		if sid == "" {
			sid = uuid.NewString()
		}

		stats, _ := cmd.Flags().GetBool("stats")
		out := cmd.OutOrStdout()

		if len(args) > 0 {
			return a.chatOnce(cmd.Context(), out, sid, strings.Join(args, " "), stats)
		}

		interactive := cmd.InOrStdin() == os.Stdin && term.IsTerminal(int(os.Stdin.Fd()))

		return a.repl(cmd.Context(), cmd.InOrStdin(), out, sid, replOptions{stats: stats, interactive: interactive})
	},
}

func (a *app) chatOnce(ctx context.Context, out io.Writer, sid, text string, stats bool) error {
	res, err := a.relay.Chat(ctx, sid, text)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, res.Answer)

	if stats {
		fmt.Fprintf(out, "  (%d rounds, %d oracle calls, %d invocations, %s)\n",
			res.Rounds, res.OracleCalls, len(res.Invocations), res.Duration.Round(time.Millisecond))
	}

	return nil
}

type replOptions struct {
	stats bool
	// interactive prints the banner and prompts; piped input gets answers only.
	interactive bool
}

func (a *app) repl(ctx context.Context, in io.Reader, out io.Writer, sid string, opts replOptions) error {
	if opts.interactive {
		fmt.Fprintf(out, "session %s (%s capabilities). Type \"exit\" to quit.\n",
			sid, humanize.Comma(int64(a.relay.Catalog().Len())))
	}

	scanner := bufio.NewScanner(in)

	for {
		if opts.interactive {
			fmt.Fprint(out, "> ")
		}

		if !scanner.Scan() {
			if opts.interactive {
				fmt.Fprintln(out)
			}

			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if err := a.chatOnce(ctx, out, sid, line, opts.stats); err != nil {
			return err
		}
	}
}
