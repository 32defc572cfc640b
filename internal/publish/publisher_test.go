package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pingsantohq/readiness/internal/health"
	"github.com/pingsantohq/readiness/internal/metrics"
	"github.com/pingsantohq/readiness/pkg/types"
)

type capture struct {
	mu       sync.Mutex
	bodies   []map[string]any
	auth     []string
	paths    []string
	failWith int
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.auth = append(c.auth, r.Header.Get("Authorization"))
	c.paths = append(c.paths, r.URL.Path)
	fail := c.failWith
	c.mu.Unlock()
	if fail != 0 {
		http.Error(w, "nope", fail)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/2.0/sql/statements") {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": map[string]any{"state": "SUCCEEDED"}})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func sampleRecord() Record {
	var r types.Results
	r.Add(types.KindDNS, types.TestResult{Target: "google.com", Status: types.StatusPass})
	r.Add(types.KindPing, types.TestResult{Target: "1.1.1.1", Status: types.StatusFail})
	r.Meta = &types.RunMeta{DeviceName: "edge-1", PublicIP: "203.0.113.7"}
	return Record{
		JobID:      "job-1",
		Timestamp:  1_700_000_000,
		Datetime:   "2023-11-14 22:13:20",
		Results:    r,
		DeviceInfo: types.DeviceInfo{PrivateIP: "10.0.0.5", PublicIP: "203.0.113.7"},
		Filename:   "readiness-203.0.113.7-1700000000.pdf",
	}
}

func newPublisher(t *testing.T, settings types.Settings, store *metrics.Store) *Publisher {
	t.Helper()
	p, err := New(Config{PushesPerMinute: 6000}, Dependencies{
		Settings: func() types.Settings { return settings },
		Metrics:  store,
		Health:   health.NewChecker(store, time.Minute),
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAfterRunPostsWebhookAndDatabricks(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	settings := types.Settings{
		WebhookEnabled: true,
		WebhookURL:     srv.URL + "/hook",
		WebhookAuth:    "Token abc",
		Databricks: types.DatabricksSettings{
			Enabled: true, AutoPush: true, WorkspaceURL: srv.URL, AccessToken: "dapi",
			WarehouseID: "wh", Database: "network_tests", Table: "test_results",
		},
	}
	store := metrics.NewStore()
	p := newPublisher(t, settings, store)

	if err := p.AfterRun(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("after run: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.paths) != 3 {
		t.Fatalf("expected webhook plus two statements, got %v", c.paths)
	}
	var hook map[string]any
	for i, path := range c.paths {
		if path == "/hook" {
			hook = c.bodies[i]
			if c.auth[i] != "Token abc" {
				t.Fatalf("expected webhook auth header, got %q", c.auth[i])
			}
		}
	}
	if hook == nil || hook["job_id"] != "job-1" || hook["device_name"] != "edge-1" {
		t.Fatalf("unexpected webhook body %v", hook)
	}
	if store.PublishCount(SinkWebhook, "success") != 1 || store.PublishCount(SinkDatabricks, "success") != 1 {
		t.Fatalf("expected publish metrics recorded")
	}
}

func TestAfterRunJoinsFailures(t *testing.T) {
	c := &capture{failWith: http.StatusBadGateway}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	store := metrics.NewStore()
	p := newPublisher(t, types.Settings{WebhookEnabled: true, WebhookURL: srv.URL}, store)
	err := p.AfterRun(context.Background(), sampleRecord())
	if err == nil || !strings.Contains(err.Error(), "webhook") || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected joined webhook failure, got %v", err)
	}
	if store.PublishCount(SinkWebhook, "failure") != 1 {
		t.Fatalf("expected failure counted")
	}
}

func TestAfterRunWithNothingEnabled(t *testing.T) {
	p := newPublisher(t, types.Settings{}, metrics.NewStore())
	if err := p.AfterRun(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestAfterExportPushesToCloud(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	settings := types.Settings{CloudPush: types.CloudPushSettings{Enabled: true, APIURL: srv.URL, APIKey: "k-1", SiteLabel: "HQ"}}
	p := newPublisher(t, settings, metrics.NewStore())
	if err := p.AfterExport(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("after export: %v", err)
	}
	if len(c.bodies) != 1 {
		t.Fatalf("expected one cloud push, got %d", len(c.bodies))
	}
	body := c.bodies[0]
	if c.auth[0] != "Bearer k-1" || body["site_label"] != "HQ" || body["filename"] != "readiness-203.0.113.7-1700000000.pdf" {
		t.Fatalf("unexpected cloud push %v auth=%q", body, c.auth[0])
	}
	for _, key := range []string{"timestamp", "device_info", "test_results"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("cloud payload missing %q", key)
		}
	}
}

func TestConnectionTests(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	p := newPublisher(t, types.Settings{}, metrics.NewStore())
	if err := p.TestWebhook(context.Background(), " "); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := p.TestWebhook(context.Background(), srv.URL); err != nil {
		t.Fatalf("test webhook: %v", err)
	}
	if c.bodies[0]["test"] != true {
		t.Fatalf("expected test payload, got %v", c.bodies[0])
	}
	if err := p.TestCloud(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, err := p.PushDatabricks(context.Background(), sampleRecord()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled for databricks push, got %v", err)
	}
}

func TestRedisNotification(t *testing.T) {
	addr := os.Getenv("READINESS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("READINESS_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := redis.NewClient(&redis.Options{Addr: addr})
	defer sub.Close()
	ps := sub.Subscribe(ctx, "readiness:test")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	settings := types.Settings{Redis: types.RedisSettings{Enabled: true, Addr: addr, Channel: "readiness:test"}}
	p := newPublisher(t, settings, metrics.NewStore())
	if err := p.AfterRun(ctx, sampleRecord()); err != nil {
		t.Fatalf("after run: %v", err)
	}
	msg, err := ps.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var n RunNotification
	if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if n.JobID != "job-1" || n.DeviceName != "edge-1" || n.Summary.Failed != 1 {
		t.Fatalf("unexpected notification %+v", n)
	}
}
