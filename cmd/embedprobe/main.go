package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/widget-chat/internal/logging"
	"github.com/suPer8Hu/widget-chat/pkg/embedclient"
	"go.uber.org/zap"
)

type probeFlags struct {
	server   string
	origin   string
	clientID string
	messages []string
	wait     time.Duration
	end      bool
	stdin    bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	f := &probeFlags{}
	cmd := &cobra.Command{
		Use:   "embedprobe <widget-id>",
		Short: "Run a widget embed from the terminal",
		Long: "Fetches the widget config, opens a session, connects to the realtime hub and prints\n" +
			"every live event. Messages come from --message flags or, with --stdin, one per line.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProbe(ctx, cmd.OutOrStdout(), cmd.InOrStdin(), args[0], f)
		},
	}
	cmd.PersistentFlags().StringVarP(&f.server, "server", "s", "http://localhost:8080", "API base url")
	cmd.PersistentFlags().StringVar(&f.origin, "origin", "", "Origin header presented to the domain gate")
	cmd.Flags().StringVar(&f.clientID, "client-id", "", "visitor id (random when empty)")
	cmd.Flags().StringArrayVarP(&f.messages, "message", "m", nil, "message to send (repeatable)")
	cmd.Flags().DurationVarP(&f.wait, "wait", "w", 5*time.Second, "how long to keep listening after the last message")
	cmd.Flags().BoolVar(&f.end, "end", false, "end the session before exiting")
	cmd.Flags().BoolVar(&f.stdin, "stdin", false, "read messages from stdin")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "warn", "log level")

	cmd.AddCommand(newStatusCmd(f))
	return cmd
}

func newStatusCmd(f *probeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the realtime backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := embedclient.NewClient(f.server, embedclient.WithOrigin(f.origin))
			if err != nil {
				return err
			}
			st, err := client.RealtimeStatus(cmd.Context()).Unwrap()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "available=%t checked_at=%s\n", st.Available, st.CheckedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func runProbe(ctx context.Context, out io.Writer, in io.Reader, widgetID string, f *probeFlags) error {
	logger, err := logging.New(f.logLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if f.clientID == "" {
		f.clientID = "probe-" + uuid.NewString()[:8]
	}
	client, err := embedclient.NewClient(f.server,
		embedclient.WithOrigin(f.origin),
		embedclient.WithLogger(logging.Component(logger, "embedclient")),
	)
	if err != nil {
		return err
	}

	e := embedclient.NewEmbed(client, widgetID, embedclient.EmbedOptions{
		ClientID: f.clientID,
		Logger:   logging.Component(logger, "embed"),
		OnPhase: func(p embedclient.Phase) {
			fmt.Fprintf(out, "* %s\n", p)
		},
		OnMessage: func(m embedclient.Message) {
			fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.Role, m.Content)
		},
		OnTyping: func(actor string, typing bool) {
			if typing {
				fmt.Fprintf(out, "  %s is typing...\n", actor)
			}
		},
		OnSessionEnded: func() {
			fmt.Fprintln(out, "* session ended")
		},
	})
	defer func() { _ = e.Close() }()

	if err := e.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "* session %s (client %s)\n", e.Session().SessionID, f.clientID)

	send := func(text string) error {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil
		}
		if _, err := e.Send(ctx, text); err != nil {
			logger.Warn("send failed", zap.Error(err))
			return err
		}
		return nil
	}

	for _, m := range f.messages {
		if err := send(m); err != nil {
			return err
		}
	}
	if f.stdin {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			if err := send(sc.Text()); err != nil {
				return err
			}
		}
		if err := sc.Err(); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(f.wait):
	}

	if f.end {
		return e.End(context.Background())
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "embedprobe:", err)
		os.Exit(1)
	}
}
