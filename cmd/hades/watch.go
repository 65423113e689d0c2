package main

import (
	"context"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"hades/internal/app"
	"hades/internal/transcript"
	"hades/internal/tui"
)

func watchCmd() *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Follow the transcript of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if plain {
				return withConsole(os.Stderr, func(c *app.Console) error {
					return streamPlain(cmd.Context(), os.Stdout, c.Consumer, args[0])
				})
			}
			return withConsole(io.Discard, func(c *app.Console) error {
				model := tui.NewTranscript(cmd.Context(), c.Consumer, args[0])
				model.Standalone = true
				defer model.Close()
				_, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print events as lines until the channel closes")
	return cmd
}

// streamPlain prints every event in log order until the session ends or ctx
// is cancelled. It reads the log rather than the updates themselves, so an
// update dropped under load never loses a line.
func streamPlain(ctx context.Context, w io.Writer, consumer *transcript.Consumer, taskID string) error {
	updates := transcript.NewUpdates(64)
	s := consumer.Open(ctx, taskID, transcript.WithObserver(updates))
	if s == nil {
		return fmt.Errorf("task id is required")
	}
	defer s.Teardown()

	printed := 0
	flush := func() {
		for _, ev := range s.Log().Since(printed) {
			fmt.Fprintln(w, tui.FormatEvent(ev))
			printed++
		}
	}
	for {
		flush()
		select {
		case <-updates.C:
		case <-s.Done():
			flush()
			return nil
		case <-ctx.Done():
			s.Teardown()
			<-s.Done()
			flush()
			return nil
		}
	}
}
