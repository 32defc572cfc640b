// Package publish delivers completed runs to external systems: a cloud
// API, a webhook, a Databricks table and a Redis channel.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/pingsantohq/readiness/internal/buildinfo"
	"github.com/pingsantohq/readiness/internal/databricks"
	"github.com/pingsantohq/readiness/pkg/types"
)

// Sink names, also used as metric labels.
const (
	SinkCloud      = "cloud"
	SinkWebhook    = "webhook"
	SinkDatabricks = "databricks"
	SinkRedis      = "redis"
)

// Record is one completed run as handed to sinks.
type Record struct {
	JobID      string
	Timestamp  int64
	Datetime   string
	Results    types.Results
	DeviceInfo types.DeviceInfo
	Filename   string
	SiteLabel  string
}

func (r Record) deviceName() string {
	if r.Results.Meta != nil && r.Results.Meta.DeviceName != "" {
		return r.Results.Meta.DeviceName
	}
	if r.DeviceInfo.Hostname != "" {
		return r.DeviceInfo.Hostname
	}
	return "unknown"
}

func (r Record) publicIP() string {
	if r.Results.Meta != nil && r.Results.Meta.PublicIP != "" {
		return r.Results.Meta.PublicIP
	}
	return r.DeviceInfo.PublicIP
}

// Sink delivers a record to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec Record) error
}

// CloudSink posts the run to the configured cloud API.
type CloudSink struct {
	URL        string
	APIKey     string
	SiteLabel  string
	HTTPClient *http.Client
}

func (s CloudSink) Name() string { return SinkCloud }

func (s CloudSink) Publish(ctx context.Context, rec Record) error {
	site := rec.SiteLabel
	if site == "" {
		site = s.SiteLabel
	}
	payload := map[string]any{
		"timestamp":    rec.Timestamp,
		"device_info":  rec.DeviceInfo,
		"test_results": rec.Results,
		"filename":     rec.Filename,
		"site_label":   site,
	}
	return postJSON(ctx, s.HTTPClient, s.URL, bearer(s.APIKey), payload)
}

// WebhookSink posts the run to a user-supplied URL.
type WebhookSink struct {
	URL        string
	Auth       string
	HTTPClient *http.Client
}

func (s WebhookSink) Name() string { return SinkWebhook }

func (s WebhookSink) Publish(ctx context.Context, rec Record) error {
	payload := map[string]any{
		"job_id":      rec.JobID,
		"device_name": rec.deviceName(),
		"public_ip":   rec.publicIP(),
		"timestamp":   rec.Timestamp,
		"datetime":    rec.Datetime,
		"summary":     rec.Results.Summary(),
		"results":     rec.Results,
	}
	return postJSON(ctx, s.HTTPClient, s.URL, s.Auth, payload)
}

// DatabricksSink appends the run to a Delta table, creating it when needed.
type DatabricksSink struct {
	Client   *databricks.Client
	Database string
	Table    string
}

func (s DatabricksSink) Name() string { return SinkDatabricks }

func (s DatabricksSink) Publish(ctx context.Context, rec Record) error {
	if err := s.Client.EnsureTable(ctx, s.Database, s.Table); err != nil {
		return fmt.Errorf("ensure table: %w", err)
	}
	if _, err := s.Client.InsertRun(ctx, s.Database, s.Table, rec.Results); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RedisSink announces completed runs on a pub/sub channel.
type RedisSink struct {
	Client  redis.UniversalClient
	Channel string
}

func (s RedisSink) Name() string { return SinkRedis }

// RunNotification is the message published on the Redis channel.
type RunNotification struct {
	Timestamp  int64                `json:"timestamp"`
	JobID      string               `json:"job_id"`
	DeviceName string               `json:"device_name"`
	Summary    types.HistorySummary `json:"summary"`
}

func (s RedisSink) Publish(ctx context.Context, rec Record) error {
	msg := RunNotification{
		Timestamp:  rec.Timestamp,
		JobID:      rec.JobID,
		DeviceName: rec.deviceName(),
		Summary:    rec.Results.Summary(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.Client.Publish(ctx, s.Channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.Channel, err)
	}
	return nil
}

func bearer(key string) string {
	if key == "" {
		return ""
	}
	return "Bearer " + key
}

func postJSON(ctx context.Context, client *http.Client, target, auth string, payload any) error {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent("publish"))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
