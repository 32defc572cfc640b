package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pingsantohq/readiness/internal/dashboard"
	"github.com/pingsantohq/readiness/pkg/types"
)

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the progress and results of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			st, err := api.JobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), st, func(w io.Writer) error {
				state := st.Status
				if st.Terminal() {
					state = types.JobCompleted
				}
				fmt.Fprintf(w, "%s  %s  %d%%\n", st.JobID, state, st.Progress)
				if st.Results == nil {
					return nil
				}
				fmt.Fprintln(w)
				return dashboard.ResultsTable(w, *st.Results)
			})
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <csv|json|pdf> [job-id]",
		Short: "Write a report on the appliance",
		Long: `Ask the appliance to export a finished run. The job defaults to
"latest", the most recent run. Use --download to fetch the file afterwards.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := "latest"
			if len(args) == 2 {
				jobID = args[1]
			}
			siteLabel, _ := cmd.Flags().GetString("site-label")
			download, _ := cmd.Flags().GetString("download")

			api, err := c.client()
			if err != nil {
				return err
			}
			name, err := api.Export(cmd.Context(), args[0], jobID, siteLabel)
			if err != nil {
				return err
			}
			if download != "" {
				path, err := c.fetch(cmd, name, download)
				if err != nil {
					return err
				}
				return c.message(cmd.OutOrStdout(), "Saved %s", path)
			}
			return c.render(cmd.OutOrStdout(), types.ExportResponse{Filename: name}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, name)
				return err
			})
		},
	}
	cmd.Flags().String("site-label", "", "Site label to stamp on the report")
	cmd.Flags().String("download", "", "Also download the report into this directory")
	return cmd
}

func (c *cli) downloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <filename>",
		Short: "Fetch an exported report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			path, err := c.fetch(cmd, args[0], dir)
			if err != nil {
				return err
			}
			return c.message(cmd.OutOrStdout(), "Saved %s", path)
		},
	}
	cmd.Flags().String("dir", ".", "Directory to write the file into")
	return cmd
}

// fetch downloads name into dir and returns the written path. A partial
// file is removed on failure.
func (c *cli) fetch(cmd *cobra.Command, name, dir string) (string, error) {
	api, err := c.client()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	n, err := api.Download(cmd.Context(), name, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	c.logger.Debugw("report downloaded", "file", path, "bytes", n)
	return path, nil
}
