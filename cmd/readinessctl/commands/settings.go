package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/readiness/internal/signing"
	"github.com/pingsantohq/readiness/pkg/types"
)

var errNotConfirmed = errors.New("aborted")

func (c *cli) settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change appliance settings",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the current settings with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			settings, err := api.Settings(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), settings, func(w io.Writer) error {
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if err := enc.Encode(settings); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <section> <file|->",
		Short: "Update one settings section from a YAML or JSON document",
		Long: `Update one settings section (test, export, network, databricks, api
or redis). The document holds only the fields to change; use - to read it
from standard input.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			var payload map[string]any
			if err := yaml.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("parse %s: %w", args[1], err)
			}
			if len(payload) == 0 {
				return fmt.Errorf("%s holds no settings", args[1])
			}
			api, err := c.client()
			if err != nil {
				return err
			}
			if err := api.UpdateSettings(cmd.Context(), args[0], payload); err != nil {
				return err
			}
			return c.message(cmd.OutOrStdout(), "Updated %s settings", args[0])
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func (c *cli) backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Download the appliance settings file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("file")
			if path == "" || path == "-" {
				return api.BackupConfig(cmd.Context(), cmd.OutOrStdout())
			}
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("create %s: %w", path, err)
			}
			err = api.BackupConfig(cmd.Context(), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(path)
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "settings saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "Write to this file instead of standard output")
	return cmd
}

func (c *cli) restoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <file|->",
		Short: "Replace the appliance settings with a backup",
		Long: `Replace the appliance settings with a backup file. Appliances that
enforce config signing need the minisign signature of the file, given with
--signature.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var header string
			if sigPath, _ := cmd.Flags().GetString("signature"); sigPath != "" {
				sig, err := os.ReadFile(sigPath)
				if err != nil {
					return fmt.Errorf("read signature: %w", err)
				}
				header = signing.EncodeHeader(sig)
			}
			api, err := c.client()
			if err != nil {
				return err
			}
			if err := api.RestoreConfig(cmd.Context(), data, header); err != nil {
				return err
			}
			return c.message(cmd.OutOrStdout(), "Configuration restored")
		},
	}
	cmd.Flags().String("signature", "", "Minisign signature file (.minisig) for the backup")
	return cmd
}

func (c *cli) factoryResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factory-reset",
		Short: "Restore default settings and delete history and reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes && !confirm(cmd.ErrOrStderr(), bufio.NewReader(cmd.InOrStdin()), "Erase settings, history and reports?") {
				return errNotConfirmed
			}
			api, err := c.client()
			if err != nil {
				return err
			}
			if err := api.FactoryReset(cmd.Context()); err != nil {
				return err
			}
			return c.message(cmd.OutOrStdout(), "Factory reset complete")
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func (c *cli) testCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check connectivity to publishing destinations",
	}

	webhook := &cobra.Command{
		Use:   "webhook [url]",
		Short: "Send a test payload to a webhook",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target string
			if len(args) == 1 {
				target = args[0]
			}
			api, err := c.client()
			if err != nil {
				return err
			}
			if err := api.TestWebhook(cmd.Context(), target); err != nil {
				return err
			}
			return c.message(cmd.OutOrStdout(), "Webhook test sent")
		},
	}

	cloud := &cobra.Command{
		Use:   "cloud",
		Short: "Check the cloud API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			if err := api.TestCloud(cmd.Context()); err != nil {
				return err
			}
			return c.message(cmd.OutOrStdout(), "Cloud API reachable")
		},
	}

	databricks := &cobra.Command{
		Use:   "databricks",
		Short: "Check the Databricks workspace",
		Long: `Check the Databricks workspace. Without --file the appliance tests its
saved settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var ds *types.DatabricksSettings
			if path, _ := cmd.Flags().GetString("file"); path != "" {
				data, err := readInput(cmd, path)
				if err != nil {
					return err
				}
				ds = &types.DatabricksSettings{}
				if err := yaml.Unmarshal(data, ds); err != nil {
					return fmt.Errorf("parse %s: %w", path, err)
				}
			}
			api, err := c.client()
			if err != nil {
				return err
			}
			if err := api.TestDatabricks(cmd.Context(), ds); err != nil {
				return err
			}
			return c.message(cmd.OutOrStdout(), "Databricks reachable")
		},
	}
	databricks.Flags().StringP("file", "f", "", "Databricks settings to test instead of the saved ones")

	cmd.AddCommand(webhook, cloud, databricks)
	return cmd
}

func (c *cli) pushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push results to a destination on demand",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "databricks",
		Short: "Push the most recent run to Databricks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			if err := api.PushDatabricks(cmd.Context()); err != nil {
				return err
			}
			return c.message(cmd.OutOrStdout(), "Latest run pushed to Databricks")
		},
	})
	return cmd
}

// readInput reads a file, or standard input for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
