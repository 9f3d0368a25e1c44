package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/roboricindustries/raycon-collab/pkg/collab"
)

var joinCmd = &cobra.Command{
	Use:   "join [workflow-id]",
	Short: "Open a workflow as one participant",
	Long: `Join opens a workflow and takes part in write-lock coordination until you
quit. Commands are read from stdin; --tui switches to a full-screen view.

Interrupting (Ctrl+C) behaves like closing the editor window: with unsaved
changes the first interrupt only announces the exit and the session
re-opens shortly after; a second interrupt leaves.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJoin,
}

func init() {
	flags := joinCmd.Flags()
	flags.StringP("user", "u", "", "local user id")
	flags.String("transport", "", "websocket, amqp, memory or offline")
	flags.String("url", "", "relay websocket url")
	flags.Bool("discover", false, "find the relay over mDNS")
	flags.Bool("tui", false, "full-screen view")
	_ = v.BindPFlag("identity.user_id", flags.Lookup("user"))
	_ = v.BindPFlag("transport.kind", flags.Lookup("transport"))
	_ = v.BindPFlag("transport.websocket.url", flags.Lookup("url"))
	_ = v.BindPFlag("transport.websocket.discover", flags.Lookup("discover"))
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		cfg.Workflow.ID = args[0]
	}
	if cfg.Identity.UserID == "" {
		return errors.New("a user id is required: --user or identity.user_id")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	tr, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer tr.close()
	if tr.run != nil {
		go func() {
			if err := tr.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("transport stopped", slog.String("transport", tr.kind), slog.Any("err", err))
			}
		}()
	}

	s, err := newSession(cfg, tr.channel, cmd.OutOrStdout(), logger)
	if err != nil {
		return err
	}
	logger.Info("joining",
		slog.String("workflow", cfg.Workflow.ID),
		slog.String("user", cfg.Identity.UserID),
		slog.String("transport", tr.kind))

	tui, _ := cmd.Flags().GetBool("tui")
	if tui {
		err = runTUI(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout())
	} else {
		signals := make(chan os.Signal, 2)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signals)

		s.c.OnChange(s.announce)
		s.c.Start(ctx)
		s.printf("joined %s as %s, type help for commands\n", cfg.Workflow.ID, cfg.Identity.UserID)
		s.repl(ctx, cmd.InOrStdin(), signals)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Coordinator.SendTimeout)
	defer stopCancel()
	s.c.Stop(stopCtx)
	if failures := s.c.SendFailures(); failures > 0 {
		logger.Warn("some messages were not delivered", slog.Int64("failures", failures))
	}
	return err
}

// runTUI drives the session from a bubbletea program. Ctrl+C arrives as a
// key, so the exit hook flow is the same as in the REPL.
func runTUI(ctx context.Context, s *session, in io.Reader, out io.Writer) error {
	p := tea.NewProgram(newTUIModel(ctx, s), tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	s.c.OnChange(func(snap collab.Snapshot) { p.Send(snapshotMsg(snap)) })
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
