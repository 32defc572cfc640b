package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/pingsantohq/readiness/internal/config"
	"github.com/pingsantohq/readiness/internal/device"
	"github.com/pingsantohq/readiness/internal/export"
	"github.com/pingsantohq/readiness/internal/health"
	"github.com/pingsantohq/readiness/internal/history"
	"github.com/pingsantohq/readiness/internal/jobs"
	"github.com/pingsantohq/readiness/internal/metrics"
	"github.com/pingsantohq/readiness/internal/probe"
	"github.com/pingsantohq/readiness/internal/publish"
	"github.com/pingsantohq/readiness/internal/security"
	"github.com/pingsantohq/readiness/internal/signing"
	"github.com/pingsantohq/readiness/pkg/types"
)

// stuckAfter marks a job as stuck for readiness purposes.
const stuckAfter = 15 * time.Minute

// runPublisher is the part of the publisher the completion hooks call.
type runPublisher interface {
	AfterRun(ctx context.Context, rec publish.Record) error
	AfterExport(ctx context.Context, rec publish.Record) error
}

// app holds the constructed daemon components.
type app struct {
	logger    *zap.SugaredLogger
	now       func() time.Time
	settings  *config.SettingsStore
	metrics   *metrics.Store
	health    *health.Checker
	history   history.Store
	exporter  *export.Exporter
	device    *device.Prober
	jobs      *jobs.Manager
	security  *security.Reporter
	verifier  *signing.Verifier
	publisher *publish.Publisher

	// sink receives completion hooks; it is the publisher outside tests.
	sink runPublisher
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*app, error) {
	for _, dir := range []string{cfg.Server.DataDir, cfg.Server.ExportsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	a := &app{logger: logger, now: time.Now}

	settings, err := config.OpenSettings(cfg.Server.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	a.settings = settings
	a.metrics = metrics.NewStore()
	a.health = health.NewChecker(a.metrics, stuckAfter)

	store, err := history.Open(ctx, cfg.History.Driver, cfg.History.DSN, cfg.History.Limit)
	a.health.ObserveHistory(err)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.history = store
	if n, err := store.Count(ctx); err == nil {
		a.metrics.ObserveHistoryEntries(n)
	}

	a.exporter = export.NewExporter(cfg.Server.ExportsDir, export.Dependencies{Logger: logger.Named("export")})
	a.health.ObserveExportsDir(a.exporter.CheckWritable())

	httpClient := &http.Client{Timeout: 30 * time.Second}
	a.device = device.NewProber(device.Config{
		PublicIPURL:         cfg.Device.PublicIPURL,
		PublicIPTTL:         cfg.Device.PublicIPTTL,
		PreferredInterfaces: cfg.Device.PreferredInterfaces,
	}, device.Dependencies{HTTPClient: httpClient, Logger: logger.Named("device")})

	runner := probe.NewRunner(probe.Config(cfg.Probes), probe.Dependencies{
		Logger:     logger.Named("probe"),
		HTTPClient: &http.Client{},
	})

	a.jobs = jobs.NewManager(jobs.Config{
		Retention: cfg.Jobs.Retention,
		MaxKept:   cfg.Jobs.MaxKept,
	}, jobs.Dependencies{
		Planner: runner,
		Targets: func() types.Targets { return a.settings.Get().Targets },
		Meta: func(ctx context.Context) types.RunMeta {
			return a.device.Meta(ctx, a.settings.Get().SiteLabel)
		},
		Metrics: a.metrics,
		Health:  a.health,
		Logger:  logger.Named("jobs"),
	})

	a.security = security.NewReporter(security.Config{
		TLSProbeHosts:     cfg.Security.TLSProbeHosts,
		InspectionVendors: cfg.Security.InspectionVendors,
	}, security.Dependencies{Logger: logger.Named("security")})

	if key := cfg.Signing.PublicKey; key != "" {
		if _, statErr := os.Stat(key); statErr == nil {
			a.verifier, err = signing.LoadVerifier(key)
		} else {
			a.verifier, err = signing.NewVerifier(key)
		}
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load signing key: %w", err)
		}
	}

	a.publisher, err = publish.New(publish.Config{}, publish.Dependencies{
		Settings:   a.settings.Get,
		Device:     a.device.DeviceInfo,
		HTTPClient: httpClient,
		Metrics:    a.metrics,
		Health:     a.health,
		Logger:     logger.Named("publish"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sink = a.publisher

	a.jobs.OnComplete(a.onComplete)
	return a, nil
}

// onComplete records a finished job, writes the automatic export when
// enabled and hands the run to the publisher.
func (a *app) onComplete(ctx context.Context, job jobs.Job) {
	now := a.now()
	settings := a.settings.Get()
	log := a.logger.With("job_id", job.ID)

	run := history.NewRun(job.ID, job.Results, now)
	entry, err := a.history.Save(ctx, run)
	a.health.ObserveHistory(err)
	if err != nil {
		log.Errorw("save history failed", "err", err)
	} else {
		now = time.Unix(entry.Timestamp, 0)
		if n, err := a.history.Count(ctx); err == nil {
			a.metrics.ObserveHistoryEntries(n)
		}
	}

	rec := publish.Record{
		JobID:     job.ID,
		Timestamp: now.Unix(),
		Datetime:  now.Format(types.DatetimeLayout),
		Results:   job.Results,
		SiteLabel: settings.SiteLabel,
	}
	if a.device != nil {
		rec.DeviceInfo = a.device.DeviceInfo(ctx)
	}

	if settings.AutoExportEnabled {
		name, err := a.export(ctx, settings.AutoExportFormat, job.ID, job.Results)
		if err != nil {
			log.Warnw("auto export failed", "format", settings.AutoExportFormat, "err", err)
		} else {
			log.Infow("auto export written", "file", name)
			if settings.Features().CloudPush {
				exported := rec
				exported.Filename = name
				if err := a.sink.AfterExport(ctx, exported); err != nil {
					log.Warnw("cloud push failed", "err", err)
				}
			}
		}
	}

	if err := a.sink.AfterRun(ctx, rec); err != nil {
		log.Warnw("publish failed", "err", err)
	}
}

// export writes one report for a finished job.
func (a *app) export(_ context.Context, format, jobID string, results types.Results) (string, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return "", err
	}
	name, err := a.exporter.Export(f, results)
	a.metrics.Export(string(f), err)
	if err != nil {
		return "", fmt.Errorf("export %s as %s: %w", jobID, f, err)
	}
	return name, nil
}

// Close stops background work and releases stores in reverse order of use.
func (a *app) Close() {
	if a.jobs != nil {
		a.jobs.Close()
	}
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warnw("shutdown incomplete", "err", err)
	}
}
