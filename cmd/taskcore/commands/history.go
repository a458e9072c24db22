package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/taskcore/pkg/journal"
)

func newHistoryCommand(a *app) *cobra.Command {
	var (
		limit     int
		offset    int
		events    bool
		eventType string
		remove    bool
	)

	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "Show recorded runs",
		Long: `Show runs recorded in the journal.

Without RUN_ID the most recent runs are listed. With RUN_ID the commands,
polls and connections of that run are shown, and --events adds the raw
event log.`,
		Example: `  # Recent runs
  taskcore history

  # One run with its events
  taskcore history --events 4f1c2a9e-...

  # Forget a run
  taskcore history --delete 4f1c2a9e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.journal == nil {
				return a.journalErr
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				if remove {
					return fmt.Errorf("--delete needs a RUN_ID")
				}
				runs, err := a.journal.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return printJSON(out, runs)
				}
				t := newTable(out, "ID", "TASK", "STATUS", "STARTED", "DURATION", "ERROR")
				for _, r := range runs {
					duration := "-"
					if r.CompletedAt != nil {
						duration = r.Duration().String()
					}
					t.row(r.ID, r.Task, string(r.Status), formatTime(&r.StartedAt), duration, orDash(r.Error))
				}
				return t.flush()
			}

			runID := args[0]
			if remove {
				if err := a.journal.DeleteRun(ctx, runID); err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted run %s\n", runID)
				return nil
			}

			summary, err := a.journal.Summary(ctx, runID)
			if err != nil {
				return err
			}

			var evs []*journal.Event
			if events {
				q := journal.EventQuery{RunID: &runID, Limit: limit}
				if eventType != "" {
					q.Type = &eventType
				}
				if evs, err = a.journal.ListEvents(ctx, q); err != nil {
					return err
				}
			}

			if a.jsonOutput {
				return printJSON(out, struct {
					*journal.RunSummary
					Events []*journal.Event `json:"events,omitempty"`
				}{summary, evs})
			}
			return printSummary(cmd, summary, evs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs or events")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")
	cmd.Flags().BoolVar(&events, "events", false, "include the event log of the run")
	cmd.Flags().StringVar(&eventType, "event-type", "", "only events of this type")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the run instead of showing it")

	return cmd
}

func printSummary(cmd *cobra.Command, s *journal.RunSummary, events []*journal.Event) error {
	out := cmd.OutOrStdout()
	run := s.Run

	fmt.Fprintf(out, "Run:      %s\n", run.ID)
	fmt.Fprintf(out, "Task:     %s\n", run.Task)
	fmt.Fprintf(out, "Status:   %s\n", run.Status)
	fmt.Fprintf(out, "Started:  %s\n", formatTime(&run.StartedAt))
	fmt.Fprintf(out, "Finished: %s\n", formatTime(run.CompletedAt))
	if run.Error != nil {
		fmt.Fprintf(out, "Error:    %s\n", *run.Error)
	}

	if len(s.Connections) > 0 {
		fmt.Fprintln(out, "\nConnections:")
		t := newTable(out, "ENDPOINT", "KIND", "OPENED", "CLOSED", "CLEANUP ERROR")
		for _, c := range s.Connections {
			t.row(c.Endpoint, c.Kind, formatTime(&c.OpenedAt), formatTime(c.ClosedAt), orDash(c.CleanupError))
		}
		if err := t.flush(); err != nil {
			return err
		}
	}

	if len(s.Commands) > 0 {
		fmt.Fprintln(out, "\nCommands:")
		t := newTable(out, "TOOL", "STATUS", "EXIT", "DURATION", "ERROR")
		for _, c := range s.Commands {
			t.row(c.Tool, string(c.Status), fmt.Sprint(c.ExitCode), formatMillis(c.DurationMS), orDash(c.Error))
		}
		if err := t.flush(); err != nil {
			return err
		}
	}

	if len(s.Polls) > 0 {
		fmt.Fprintln(out, "\nPolls:")
		t := newTable(out, "URL", "READY", "ATTEMPTS", "DURATION")
		for _, p := range s.Polls {
			t.row(p.URL, fmt.Sprint(p.Ready), fmt.Sprint(p.Attempts), formatMillis(p.DurationMS))
		}
		if err := t.flush(); err != nil {
			return err
		}
	}

	if len(events) > 0 {
		fmt.Fprintln(out, "\nEvents:")
		t := newTable(out, "TIME", "LEVEL", "TYPE", "SUBJECT", "MESSAGE")
		for _, e := range events {
			t.row(formatTime(&e.Timestamp), e.Level, e.Type, e.Subject, e.Message)
		}
		if err := t.flush(); err != nil {
			return err
		}
	}

	return nil
}
