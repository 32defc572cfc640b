package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/readiness/internal/databricks"
	"github.com/pingsantohq/readiness/internal/health"
	"github.com/pingsantohq/readiness/internal/metrics"
	"github.com/pingsantohq/readiness/pkg/types"
)

var (
	ErrNotConfigured = errors.New("destination not configured")
	ErrDisabled      = errors.New("destination not enabled")
)

const (
	defaultPushesPerMinute = 30
	cloudTimeout           = 30 * time.Second
	webhookTimeout         = 10 * time.Second
)

type Config struct {
	// PushesPerMinute caps outbound deliveries across all sinks.
	PushesPerMinute int
}

type Dependencies struct {
	Settings   func() types.Settings
	Device     func(ctx context.Context) types.DeviceInfo
	HTTPClient *http.Client
	NewRedis   func(types.RedisSettings) redis.UniversalClient
	Metrics    *metrics.Store
	Health     *health.Checker
	Logger     *zap.SugaredLogger
}

// Publisher builds sinks from the live settings and fans records out to them.
type Publisher struct {
	settings   func() types.Settings
	device     func(ctx context.Context) types.DeviceInfo
	httpClient *http.Client
	newRedis   func(types.RedisSettings) redis.UniversalClient
	metrics    *metrics.Store
	health     *health.Checker
	logger     *zap.SugaredLogger
	limiter    *rate.Limiter

	mu       sync.Mutex
	redis    redis.UniversalClient
	redisKey types.RedisSettings
}

func New(cfg Config, deps Dependencies) (*Publisher, error) {
	if deps.Settings == nil {
		return nil, errors.New("settings source is required")
	}
	if cfg.PushesPerMinute <= 0 {
		cfg.PushesPerMinute = defaultPushesPerMinute
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	newRedis := deps.NewRedis
	if newRedis == nil {
		newRedis = func(s types.RedisSettings) redis.UniversalClient {
			return redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password, DB: s.DB})
		}
	}
	device := deps.Device
	if device == nil {
		device = func(context.Context) types.DeviceInfo { return types.DeviceInfo{} }
	}
	every := time.Minute / time.Duration(cfg.PushesPerMinute)
	return &Publisher{
		settings:   deps.Settings,
		device:     device,
		httpClient: httpClient,
		newRedis:   newRedis,
		metrics:    deps.Metrics,
		health:     deps.Health,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Every(every), 5),
	}, nil
}

// AfterRun delivers a completed run to the webhook, Databricks (when
// auto_push is set) and Redis sinks that are enabled.
func (p *Publisher) AfterRun(ctx context.Context, rec Record) error {
	s := p.settings()
	features := s.Features()
	var sinks []Sink
	if features.Webhook {
		sinks = append(sinks, p.webhookSink(s.WebhookURL, s.WebhookAuth))
	}
	if features.DatabricksPush && s.Databricks.AutoPush {
		sink, err := p.databricksSink(s.Databricks)
		if err != nil {
			p.logger.Warnw("databricks auto push skipped", "err", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	if features.RedisNotify {
		sinks = append(sinks, RedisSink{Client: p.redisClient(s.Redis), Channel: s.Redis.Channel})
	}
	return p.fanout(ctx, rec, sinks)
}

// AfterExport pushes an exported run to the cloud API when enabled.
func (p *Publisher) AfterExport(ctx context.Context, rec Record) error {
	s := p.settings()
	if !s.Features().CloudPush {
		return nil
	}
	return p.fanout(ctx, rec, []Sink{p.cloudSink(s.CloudPush)})
}

// TestWebhook posts a test payload to target.
func (p *Publisher) TestWebhook(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("webhook url: %w", ErrNotConfigured)
	}
	s := p.settings()
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	payload := map[string]any{
		"test":      true,
		"message":   "Webhook test from network readiness appliance",
		"timestamp": time.Now().Unix(),
	}
	return postJSON(ctx, p.httpClient, target, s.WebhookAuth, payload)
}

// TestCloud posts a test payload to the configured cloud API.
func (p *Publisher) TestCloud(ctx context.Context) error {
	cp := p.settings().CloudPush
	if !cp.Enabled {
		return fmt.Errorf("cloud push: %w", ErrDisabled)
	}
	if cp.APIURL == "" {
		return fmt.Errorf("cloud api url: %w", ErrNotConfigured)
	}
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	payload := map[string]any{
		"test":      true,
		"timestamp": time.Now().Unix(),
		"message":   "Connection test from network readiness appliance",
	}
	return postJSON(ctx, p.httpClient, cp.APIURL, bearer(cp.APIKey), payload)
}

// TestDatabricks checks workspace connectivity. Masked secrets in ds are
// replaced by the stored ones.
func (p *Publisher) TestDatabricks(ctx context.Context, ds types.DatabricksSettings) (databricks.ConnectionInfo, error) {
	if ds.AccessToken == types.SecretMask {
		ds.AccessToken = p.settings().Databricks.AccessToken
	}
	client, err := p.databricksClient(ds)
	if err != nil {
		return databricks.ConnectionInfo{}, err
	}
	return client.TestConnection(ctx)
}

// PushDatabricks inserts rec regardless of auto_push and returns the test ID.
func (p *Publisher) PushDatabricks(ctx context.Context, rec Record) (string, error) {
	ds := p.settings().Databricks
	if !ds.Enabled {
		return "", fmt.Errorf("databricks: %w", ErrDisabled)
	}
	client, err := p.databricksClient(ds)
	if err != nil {
		return "", err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for push slot: %w", err)
	}
	if err := client.EnsureTable(ctx, ds.Database, ds.Table); err != nil {
		p.observe(SinkDatabricks, err)
		return "", fmt.Errorf("ensure table: %w", err)
	}
	id, err := client.InsertRun(ctx, ds.Database, ds.Table, rec.Results)
	p.observe(SinkDatabricks, err)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// Close releases the cached Redis connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.redis == nil {
		return nil
	}
	err := p.redis.Close()
	p.redis = nil
	return err
}

// fanout publishes to every sink concurrently. One failing sink does not
// stop the others; all failures are joined.
func (p *Publisher) fanout(ctx context.Context, rec Record, sinks []Sink) error {
	if len(sinks) == 0 {
		return nil
	}
	if rec.DeviceInfo.PublicIP == "" && rec.DeviceInfo.PrivateIP == "" {
		rec.DeviceInfo = p.device(ctx)
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, sink := range sinks {
		sink := sink
		g.Go(func() error {
			err := p.limiter.Wait(ctx)
			if err == nil {
				err = sink.Publish(ctx, rec)
			}
			p.observe(sink.Name(), err)
			if err != nil {
				p.logger.Warnw("publish failed", "sink", sink.Name(), "job_id", rec.JobID, "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
				mu.Unlock()
				return nil
			}
			p.logger.Infow("run published", "sink", sink.Name(), "job_id", rec.JobID)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *Publisher) observe(sink string, err error) {
	if p.metrics != nil {
		p.metrics.Publish(sink, err)
	}
	if p.health != nil {
		p.health.ObservePublish(sink, err)
	}
}

func (p *Publisher) cloudSink(cp types.CloudPushSettings) Sink {
	return CloudSink{
		URL:        cp.APIURL,
		APIKey:     cp.APIKey,
		SiteLabel:  cp.SiteLabel,
		HTTPClient: p.timeoutClient(cloudTimeout),
	}
}

func (p *Publisher) webhookSink(target, auth string) Sink {
	return WebhookSink{URL: target, Auth: auth, HTTPClient: p.timeoutClient(webhookTimeout)}
}

func (p *Publisher) databricksSink(ds types.DatabricksSettings) (Sink, error) {
	client, err := p.databricksClient(ds)
	if err != nil {
		return nil, err
	}
	return DatabricksSink{Client: client, Database: ds.Database, Table: ds.Table}, nil
}

func (p *Publisher) databricksClient(ds types.DatabricksSettings) (*databricks.Client, error) {
	client, err := databricks.NewClient(databricks.Config{
		WorkspaceURL: ds.WorkspaceURL,
		AccessToken:  ds.AccessToken,
		WarehouseID:  ds.WarehouseID,
	}, databricks.Dependencies{HTTPClient: p.httpClient, Logger: p.logger})
	if err != nil {
		return nil, fmt.Errorf("databricks client: %w", err)
	}
	return client, nil
}

func (p *Publisher) timeoutClient(d time.Duration) *http.Client {
	c := *p.httpClient
	if c.Timeout == 0 || c.Timeout > d {
		c.Timeout = d
	}
	return &c
}

// redisClient returns the cached client, replacing it when the connection
// settings have changed.
func (p *Publisher) redisClient(s types.RedisSettings) redis.UniversalClient {
	key := types.RedisSettings{Addr: s.Addr, Password: s.Password, DB: s.DB}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.redis != nil && p.redisKey == key {
		return p.redis
	}
	if p.redis != nil {
		_ = p.redis.Close()
	}
	p.redis = p.newRedis(s)
	p.redisKey = key
	return p.redis
}
