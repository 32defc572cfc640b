package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/pingsantohq/readiness/internal/buildinfo"
	"github.com/pingsantohq/readiness/internal/dashboard"
	"github.com/pingsantohq/readiness/internal/discovery"
)

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Software())
			return err
		},
	}
}

func (c *cli) securityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "security",
		Short: "Show the appliance security posture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			report, err := api.Security(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), report, func(w io.Writer) error {
				return dashboard.SecurityTable(w, report)
			})
		},
	}
}

func (c *cli) deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Show appliance identity and interfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			info, err := api.DeviceInfo(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), info, func(w io.Writer) error {
				return dashboard.DeviceTable(w, info)
			})
		},
	}
}

func (c *cli) systemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "system",
		Short: "Show appliance load, memory and disk usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			st, err := api.SystemStatus(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), st, func(w io.Writer) error {
				return dashboard.SystemStatusTable(w, st)
			})
		},
	}
}

func (c *cli) accessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "access",
		Short: "Show whether this client may change settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			info, err := api.Access(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), info, func(w io.Writer) error {
				return dashboard.AccessTable(w, info)
			})
		},
	}
}

// browseFunc is replaced in tests.
var browseFunc = discovery.Browse

func (c *cli) discoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find appliances on the local network over mDNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wait, _ := cmd.Flags().GetDuration("wait")
			ctx, cancel := context.WithTimeout(cmd.Context(), wait+time.Second)
			defer cancel()
			found, err := browseFunc(ctx, wait)
			if err != nil {
				return err
			}
			if found == nil {
				found = []discovery.Appliance{}
			}
			return c.render(cmd.OutOrStdout(), found, func(w io.Writer) error {
				if len(found) == 0 {
					_, err := fmt.Fprintln(w, "no appliances found")
					return err
				}
				return dashboard.AppliancesTable(w, found)
			})
		},
	}
	cmd.Flags().Duration("wait", 3*time.Second, "How long to listen for answers")
	return cmd
}
