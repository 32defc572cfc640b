package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pingsantohq/readiness/internal/dashboard"
	"github.com/pingsantohq/readiness/internal/poller"
)

var errRunAbandoned = errors.New("job state unknown, run abandoned")

func (c *cli) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a diagnostic run and follow it live",
		Long: `Start a diagnostic run on the appliance and poll its progress once a
second until it completes. When the appliance stops answering the run
enters the unknown state; --retry resumes polling automatically, otherwise
you are asked whether to retry.`,
		Args: cobra.NoArgs,
		RunE: c.runTests,
	}
	cmd.Flags().Int("retry", 0, "Resume polling this many times after a failed poll")
	cmd.Flags().Bool("prompt", true, "Ask before giving up on an unreachable appliance")
	cmd.Flags().String("export", "", "Export the finished run (csv, json, pdf)")
	cmd.Flags().String("site-label", "", "Site label to stamp on the export")
	cmd.Flags().Duration("max-wait", 15*time.Minute, "Give up following the run after this long")
	return cmd
}

func (c *cli) runTests(cmd *cobra.Command, _ []string) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	retries, _ := cmd.Flags().GetInt("retry")
	prompt, _ := cmd.Flags().GetBool("prompt")
	exportFormat, _ := cmd.Flags().GetString("export")
	siteLabel, _ := cmd.Flags().GetString("site-label")
	maxWait, _ := cmd.Flags().GetDuration("max-wait")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	updates := make(chan poller.View, 256)
	p, err := poller.New(poller.Dependencies{
		API:    api,
		Logger: c.logger.Named("poller"),
		OnUpdate: func(v poller.View) {
			select {
			case updates <- v:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer p.Close()

	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())
	if err := p.Start(ctx); err != nil {
		return err
	}

	final, err := c.follow(ctx, p, updates, out, in, retries, prompt)
	if err != nil {
		return err
	}

	if c.output() == outputTable {
		fmt.Fprint(out, "\n"+dashboard.Render(final))
	} else {
		status, err := api.JobStatus(ctx, final.JobID)
		if err != nil {
			return err
		}
		if err := c.render(out, status, nil); err != nil {
			return err
		}
	}

	if exportFormat != "" {
		name, err := api.Export(ctx, exportFormat, final.JobID, siteLabel)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "report written: %s\n", name)
	}
	return nil
}

// follow consumes poller views until the run completes. Progress lines are
// printed for table output only.
func (c *cli) follow(ctx context.Context, p *poller.Poller, updates <-chan poller.View, out io.Writer, in *bufio.Reader, retries int, prompt bool) (poller.View, error) {
	lastProgress := -1
	var seen uint64
	for {
		var v poller.View
		select {
		case <-ctx.Done():
			return p.View(), fmt.Errorf("follow run: %w", ctx.Err())
		case v = <-updates:
		case <-time.After(2 * poller.Interval):
			// Recover a terminal view whose update was dropped.
			v = p.View()
			if v.Version <= seen || (v.State != poller.Completed && v.State != poller.Unknown) {
				continue
			}
		}
		if v.Version <= seen {
			continue
		}
		seen = v.Version

		switch v.State {
		case poller.Completed:
			if v.Err != nil {
				return v, v.Err
			}
			return v, nil
		case poller.Unknown:
			if c.output() == outputTable {
				fmt.Fprintln(out, dashboard.Header(v))
			}
			switch {
			case retries > 0:
				retries--
				c.logger.Infow("retrying after failed poll", "job_id", v.JobID, "left", retries)
			case prompt && confirm(out, in, "Appliance unreachable. Retry?"):
			default:
				return v, fmt.Errorf("%w: %v", errRunAbandoned, v.Err)
			}
			if err := p.Retry(ctx); err != nil && !errors.Is(err, poller.ErrNotRetryable) {
				return v, err
			}
		default:
			if c.output() == outputTable && v.Progress != lastProgress {
				lastProgress = v.Progress
				fmt.Fprintln(out, dashboard.Header(v))
			}
		}
	}
}

// confirm asks a yes/no question; anything but y or yes is no.
func confirm(out io.Writer, in *bufio.Reader, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
