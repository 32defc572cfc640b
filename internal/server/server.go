// Package server exposes the appliance REST API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/readiness/internal/autotest"
	"github.com/pingsantohq/readiness/internal/databricks"
	"github.com/pingsantohq/readiness/internal/export"
	"github.com/pingsantohq/readiness/internal/health"
	"github.com/pingsantohq/readiness/internal/history"
	"github.com/pingsantohq/readiness/internal/jobs"
	"github.com/pingsantohq/readiness/internal/metrics"
	"github.com/pingsantohq/readiness/internal/publish"
	"github.com/pingsantohq/readiness/internal/signing"
	"github.com/pingsantohq/readiness/pkg/types"
)

// Config controls HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AdminToken is accepted in addition to the token stored in settings.
	AdminToken         string
	StartRatePerMinute int
}

// Jobs is the slice of the job manager the API needs.
type Jobs interface {
	Start() (string, error)
	Get(id string) (jobs.Job, error)
	Latest() (jobs.Job, bool)
}

type Settings interface {
	Get() types.Settings
	UpdateSection(section string, body []byte) (types.Settings, error)
	Replace(types.Settings) error
	Reset() error
	Backup() ([]byte, error)
}

type Device interface {
	Info(ctx context.Context) types.Info
	DeviceInfo(ctx context.Context) types.DeviceInfo
	SystemStatus() (types.SystemStatus, error)
}

type Security interface {
	Report(ctx context.Context, targets types.Targets) types.SecurityReport
}

type Publisher interface {
	AfterExport(ctx context.Context, rec publish.Record) error
	TestWebhook(ctx context.Context, target string) error
	TestCloud(ctx context.Context) error
	TestDatabricks(ctx context.Context, ds types.DatabricksSettings) (databricks.ConnectionInfo, error)
	PushDatabricks(ctx context.Context, rec publish.Record) (string, error)
}

type AutoTest interface {
	Status() autotest.Status
}

// Dependencies holds external collaborators required by the server.
type Dependencies struct {
	Jobs      Jobs
	History   history.Store
	Exporter  *export.Exporter
	Settings  Settings
	Device    Device
	Security  Security
	Publisher Publisher
	AutoTest  AutoTest
	// Verifier is nil when restores need no signature.
	Verifier *signing.Verifier
	Metrics  *metrics.Store
	Health   *health.Checker
	Logger   *zap.SugaredLogger
	Now      func() time.Time
}

// Server wraps http.Server for convenience.
type Server struct {
	*http.Server
	cfg     Config
	deps    Dependencies
	logger  *zap.SugaredLogger
	now     func() time.Time
	limiter *rate.Limiter

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New constructs the HTTP server with every API route.
func New(cfg Config, deps Dependencies) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":5001"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewStore()
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		now:      now,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	if cfg.StartRatePerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.StartRatePerMinute)), 1)
	}

	r := mux.NewRouter()
	r.Use(s.requestID, s.observe)

	r.HandleFunc("/api/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/status/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/export/{format}/{id}", s.handleExport).Methods(http.MethodPost)
	r.HandleFunc("/download/{filename}", s.handleDownload).Methods(http.MethodGet)

	r.HandleFunc("/api/history", s.handleHistoryList).Methods(http.MethodGet)
	r.HandleFunc("/api/history/clear", s.handleHistoryClear).Methods(http.MethodPost)
	r.HandleFunc("/api/history/{ts:[0-9]+}", s.handleHistoryGet).Methods(http.MethodGet)
	r.HandleFunc("/api/history/{ts:[0-9]+}", s.handleHistoryDelete).Methods(http.MethodDelete)

	r.HandleFunc("/api/info", s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/device-info", s.handleDeviceInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/system-status", s.handleSystemStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/access", s.handleAccess).Methods(http.MethodGet)
	r.HandleFunc("/api/security", s.handleSecurity).Methods(http.MethodGet)
	r.HandleFunc("/api/autotest", s.handleAutoTest).Methods(http.MethodGet)

	r.HandleFunc("/api/settings", s.handleSettingsGet).Methods(http.MethodGet)
	r.Handle("/api/settings/{section}", s.admin(http.HandlerFunc(s.handleSettingsUpdate))).Methods(http.MethodPost)
	r.Handle("/api/backup-config", s.admin(http.HandlerFunc(s.handleBackup))).Methods(http.MethodGet)
	r.Handle("/api/restore-config", s.admin(http.HandlerFunc(s.handleRestore))).Methods(http.MethodPost)
	r.Handle("/api/system/factory-reset", s.admin(http.HandlerFunc(s.handleFactoryReset))).Methods(http.MethodPost)

	r.HandleFunc("/api/test-webhook", s.handleTestWebhook).Methods(http.MethodPost)
	r.HandleFunc("/api/cloud/test", s.handleTestCloud).Methods(http.MethodPost)
	r.HandleFunc("/api/databricks/test", s.handleTestDatabricks).Methods(http.MethodPost)
	r.HandleFunc("/api/databricks/push", s.handlePushDatabricks).Methods(http.MethodPost)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.NewHTTPHandler(deps.Metrics)).Methods(http.MethodGet, http.MethodHead)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.Server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Shutdown stops accepting requests and waits for background pushes.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Server.Shutdown(ctx)
	s.bgCancel()
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

// async runs fn after the response has been written.
func (s *Server) async(name string, fn func(ctx context.Context) error) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(s.bgCtx, 2*time.Minute)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warnw("background task failed", "task", name, "err", err)
		}
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}
	ready, reasons := s.deps.Health.Ready(s.now())
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ready, "reasons": reasons})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, types.ErrorResponse{Error: msg})
}

func writeOK(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, types.OKResponse{Success: true, Message: msg})
}

// publishStatus maps a sink error to a response code: configuration
// problems are the caller's, everything else is upstream.
func publishStatus(err error) int {
	if errors.Is(err, publish.ErrNotConfigured) || errors.Is(err, publish.ErrDisabled) || errors.Is(err, databricks.ErrNotConfigured) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}
