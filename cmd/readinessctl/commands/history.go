package commands

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pingsantohq/readiness/internal/dashboard"
	"github.com/pingsantohq/readiness/pkg/types"
)

func (c *cli) historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse stored runs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			entries, err := api.History(cmd.Context())
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []types.HistoryEntry{}
			}
			return c.render(cmd.OutOrStdout(), entries, func(w io.Writer) error {
				return dashboard.HistoryTable(w, entries)
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <timestamp>",
		Short: "Show the full results of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTimestamp(args[0])
			if err != nil {
				return err
			}
			api, err := c.client()
			if err != nil {
				return err
			}
			detail, err := api.HistoryDetail(cmd.Context(), ts)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), detail, func(w io.Writer) error {
				fmt.Fprintf(w, "%s  %s  %s  job %s\n\n", detail.Datetime, detail.DeviceName, detail.PublicIP, orNone(detail.JobID))
				return dashboard.ResultsTable(w, detail.Results)
			})
		},
	}

	del := &cobra.Command{
		Use:     "delete <timestamp>",
		Aliases: []string{"rm"},
		Short:   "Delete one stored run",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTimestamp(args[0])
			if err != nil {
				return err
			}
			api, err := c.client()
			if err != nil {
				return err
			}
			if err := api.DeleteHistory(cmd.Context(), ts); err != nil {
				return err
			}
			return c.message(cmd.OutOrStdout(), "Deleted run %d", ts)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			if err := api.ClearHistory(cmd.Context()); err != nil {
				return err
			}
			return c.message(cmd.OutOrStdout(), "History cleared")
		},
	}

	cmd.AddCommand(list, show, del, clearCmd)
	return cmd
}

func parseTimestamp(s string) (int64, error) {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	return ts, nil
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
