package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/captrail/captrail/pkg/store"
)

// NewMeetingsCommand creates the meetings inspection command group.
func NewMeetingsCommand(deps *CommandDeps) *cobra.Command {
	c := &cobra.Command{
		Use:   "meetings",
		Short: "Inspect stored meetings",
	}
	c.AddCommand(
		newMeetingsListCommand(deps),
		newMeetingsShowCommand(deps),
		newMeetingsExportCommand(deps),
	)
	return c
}

func newMeetingsListCommand(deps *CommandDeps) *cobra.Command {
	var (
		limit  int
		output string
	)

	c := &cobra.Command{
		Use:   "list",
		Short: "List captured meetings, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), deps, func(ctx context.Context, st store.Store) error {
				summaries, err := st.ListMeetings(ctx, limit)
				if err != nil {
					return fmt.Errorf("list meetings: %w", err)
				}
				if output == "json" {
					return writeJSON(deps.out(), summaries)
				}
				printMeetingTable(deps.out(), summaries)
				return nil
			})
		},
	}

	c.Flags().IntVar(&limit, "limit", 20, "maximum number of meetings to list (0 for all)")
	c.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return c
}

func newMeetingsShowCommand(deps *CommandDeps) *cobra.Command {
	c := &cobra.Command{
		Use:   "show <meeting-id>",
		Short: "Show one meeting's transcript and chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), deps, func(ctx context.Context, st store.Store) error {
				m, err := st.GetMeeting(ctx, args[0])
				if err != nil {
					return fmt.Errorf("get meeting %s: %w", args[0], err)
				}
				printMeeting(deps.out(), m)
				return nil
			})
		},
	}
	return c
}

func newMeetingsExportCommand(deps *CommandDeps) *cobra.Command {
	var output string

	c := &cobra.Command{
		Use:   "export <meeting-id>",
		Short: "Export one meeting as JSON or plain text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), deps, func(ctx context.Context, st store.Store) error {
				m, err := st.GetMeeting(ctx, args[0])
				if err != nil {
					return fmt.Errorf("get meeting %s: %w", args[0], err)
				}
				if output == "json" {
					return writeJSON(deps.out(), m)
				}
				printTranscript(deps.out(), m)
				return nil
			})
		},
	}

	c.Flags().StringVarP(&output, "output", "o", "json", "output format: json or text")
	return c
}

// withStore opens the configured store for a read-only command and closes it
// when the command finishes.
func withStore(ctx context.Context, deps *CommandDeps, fn func(context.Context, store.Store) error) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := deps.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(ctx, st)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMeetingTable(w io.Writer, summaries []store.MeetingSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPLATFORM\tTITLE\tSTARTED\tDURATION\tBLOCKS\tWEBHOOK")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Platform, s.Title,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			formatDuration(s.StartedAt, s.EndedAt),
			s.BlockCount, s.WebhookStatus)
	}
	tw.Flush()
}

func printMeeting(w io.Writer, m *store.Meeting) {
	fmt.Fprintf(w, "Meeting:  %s\n", m.ID)
	fmt.Fprintf(w, "Platform: %s\n", m.Platform)
	fmt.Fprintf(w, "Title:    %s\n", m.Title)
	fmt.Fprintf(w, "Started:  %s\n", m.StartedAt.Local().Format(time.RFC3339))
	if m.Finalized() {
		fmt.Fprintf(w, "Ended:    %s\n", m.EndedAt.Local().Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "Ended:    (in progress)")
	}
	if m.Recovered {
		fmt.Fprintln(w, "Recovered after interrupted run")
	}
	fmt.Fprintf(w, "Webhook:  %s\n\n", m.WebhookStatus)

	printTranscript(w, m)

	if len(m.Chat) > 0 {
		fmt.Fprintln(w, "\nChat:")
		for _, c := range m.Chat {
			fmt.Fprintf(w, "  [%s] %s: %s\n", c.SentAt.Local().Format("15:04:05"), c.Speaker, c.Text)
		}
	}
}

func printTranscript(w io.Writer, m *store.Meeting) {
	if len(m.Transcript) == 0 {
		fmt.Fprintln(w, "(no captions captured)")
		return
	}
	for _, b := range m.Transcript {
		fmt.Fprintf(w, "[%s] %s: %s\n", b.StartedAt.Local().Format("15:04:05"), b.Speaker, b.Text)
	}
}

func formatDuration(start, end time.Time) string {
	if end.IsZero() {
		return "in progress"
	}
	return end.Sub(start).Round(time.Second).String()
}
