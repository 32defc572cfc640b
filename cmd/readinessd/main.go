package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/readiness/internal/autotest"
	"github.com/pingsantohq/readiness/internal/buildinfo"
	"github.com/pingsantohq/readiness/internal/config"
	"github.com/pingsantohq/readiness/internal/discovery"
	"github.com/pingsantohq/readiness/internal/logging"
	"github.com/pingsantohq/readiness/internal/server"
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "serve":
		err = serve(ctx, os.Args[2:])
	case "once":
		err = once(ctx, os.Args[2:])
	case "version":
		fmt.Println(buildinfo.Software())
		return
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Network readiness appliance daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  readinessd serve [--config /etc/readiness/readinessd.yaml]")
	fmt.Println("  readinessd once [--config path] [--export csv|json|pdf]")
	fmt.Println("  readinessd version")
}

func loadConfig(ctx context.Context, path string) (config.Config, error) {
	if path == "" {
		return config.LoadFromEnv(ctx)
	}
	return config.Load(ctx, path)
}

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to daemon configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New("readinessd", cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Infow("readinessd starting", "listen", cfg.Server.Listen, "data_dir", cfg.Server.DataDir,
		"history", cfg.History.Driver, "version", buildinfo.Version)

	watcher := autotest.New(a.settings.Get, a.jobs.Start,
		autotest.WithMetrics(a.metrics),
		autotest.WithLogger(logger.Named("autotest")),
	)

	srv := server.New(server.Config{
		Addr:               cfg.Server.Listen,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       2 * time.Minute,
		IdleTimeout:        2 * time.Minute,
		AdminToken:         cfg.Server.AdminToken,
		StartRatePerMinute: cfg.Server.StartRatePerMinute,
	}, server.Dependencies{
		Jobs:      a.jobs,
		History:   a.history,
		Exporter:  a.exporter,
		Settings:  a.settings,
		Device:    a.device,
		Security:  a.security,
		Publisher: a.publisher,
		AutoTest:  watcher,
		Verifier:  a.verifier,
		Metrics:   a.metrics,
		Health:    a.health,
		Logger:    logger.Named("http"),
	})

	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		return watcher.Run(groupCtx)
	})

	if a.settings.Get().MDNSEnabled {
		shutdown, err := discovery.Advertise(discovery.AdvertiseConfig{
			Listen:   cfg.Server.Listen,
			Hostname: a.device.Hostname(),
			Version:  buildinfo.Version,
		}, logger.Named("mdns"))
		if err != nil {
			logger.Warnw("mdns advertise failed", "err", err)
		}
		grp.Go(func() error {
			<-groupCtx.Done()
			shutdown()
			return nil
		})
	}

	grp.Go(func() error {
		errCh := make(chan error, 1)
		go func() {
			logger.Infow("api listening", "addr", cfg.Server.Listen)
			errCh <- srv.ListenAndServe()
		}()
		select {
		case <-groupCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case err := <-errCh:
			if err == nil || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}
	logger.Infow("readinessd stopped")
	return nil
}

// once runs a single diagnostic pass with every completion hook and prints
// the results as JSON.
func once(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("once", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to daemon configuration file")
	exportFormat := fs.String("export", "", "Also write a report in this format")
	timeout := fs.Duration("timeout", 10*time.Minute, "Give up after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New("readinessd", cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithTimeout(runCtx, *timeout)
	defer cancel()

	a, err := newApp(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.jobs.Start()
	if err != nil {
		return err
	}
	job, err := a.jobs.Wait(runCtx, id)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", id, err)
	}
	if *exportFormat != "" {
		name, err := a.export(runCtx, *exportFormat, job.ID, job.Results)
		if err != nil {
			return err
		}
		logger.Infow("report written", "file", name)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(job.Status())
}
