package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/meetings"
)

func newMeetingsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "meetings",
		Aliases: []string{"m"},
		Short:   "Create, list and delete meetings",
	}

	var title string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a meeting and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := meetings.NewClient(opts.server, opts.credential(), nil).Create(cmd.Context(), title)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), m.ID)
			return err
		},
	}
	create.Flags().StringVarP(&title, "title", "t", "", "Meeting title")
	_ = create.MarkFlagRequired("title")

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List meetings with their live participant counts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := meetings.NewClient(opts.server, opts.credential(), nil).List(cmd.Context())
			if err != nil {
				return err
			}
			renderMeetings(cmd.OutOrStdout(), ms, time.Now())
			return nil
		},
	}

	del := &cobra.Command{
		Use:     "delete <meeting-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a meeting",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return meetings.NewClient(opts.server, opts.credential(), nil).Delete(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func renderMeetings(w io.Writer, ms []meetings.Meeting, now time.Time) {
	if len(ms) == 0 {
		fmt.Fprintln(w, "No meetings.")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Title", "Host", "Age", "Active"})
	for _, m := range ms {
		host := m.HostID
		if host == "" {
			host = "-"
		}
		t.AppendRow(table.Row{m.ID, m.Title, host, formatAge(now.Sub(m.CreatedAt)), m.ActiveParticipants})
	}
	t.Render()
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}

func renderRoster(w io.Writer, rows [][]string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Participant", "Name", "Link", "Hand"})
	for _, r := range rows {
		row := make(table.Row, len(r))
		for i, c := range r {
			row[i] = strings.TrimSpace(c)
		}
		t.AppendRow(row)
	}
	t.Render()
}
