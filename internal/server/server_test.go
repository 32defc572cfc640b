package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pingsantohq/readiness/internal/config"
	"github.com/pingsantohq/readiness/internal/databricks"
	"github.com/pingsantohq/readiness/internal/export"
	"github.com/pingsantohq/readiness/internal/history"
	"github.com/pingsantohq/readiness/internal/jobs"
	"github.com/pingsantohq/readiness/internal/metrics"
	"github.com/pingsantohq/readiness/internal/probe"
	"github.com/pingsantohq/readiness/internal/publish"
	"github.com/pingsantohq/readiness/pkg/types"
)

type planFunc func(types.Targets) []probe.Step

func (f planFunc) Plan(t types.Targets) []probe.Step { return f(t) }

func step(kind types.Kind, status types.Status, target string) probe.Step {
	return probe.Step{Kind: kind, Run: func(context.Context) types.TestResult {
		return types.TestResult{Target: target, Status: status}
	}}
}

type fakeDevice struct{}

func (fakeDevice) Info(context.Context) types.Info {
	return types.Info{DeviceName: "edge-1", PublicIP: "203.0.113.7", PrivateIP: "10.0.0.5"}
}

func (fakeDevice) DeviceInfo(context.Context) types.DeviceInfo {
	return types.DeviceInfo{Hostname: "edge-1", PublicIP: "203.0.113.7", PrivateIP: "10.0.0.5"}
}

func (fakeDevice) SystemStatus() (types.SystemStatus, error) {
	return types.SystemStatus{Uptime: "1d 2h 5m", Load1: 0.5}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	exported []publish.Record
	pushed   []publish.Record
	webhook  string
	failWith error
}

func (p *fakePublisher) AfterExport(_ context.Context, rec publish.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exported = append(p.exported, rec)
	return nil
}

func (p *fakePublisher) TestWebhook(_ context.Context, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhook = target
	return p.failWith
}

func (p *fakePublisher) TestCloud(context.Context) error { return p.failWith }

func (p *fakePublisher) TestDatabricks(context.Context, types.DatabricksSettings) (databricks.ConnectionInfo, error) {
	return databricks.ConnectionInfo{Message: "Connected successfully. Found 1 clusters."}, p.failWith
}

func (p *fakePublisher) PushDatabricks(_ context.Context, rec publish.Record) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, rec)
	return "test_1_edge-1", p.failWith
}

type fixture struct {
	srv       *Server
	jobs      *jobs.Manager
	history   history.Store
	settings  *config.SettingsStore
	exporter  *export.Exporter
	publisher *fakePublisher
	metrics   *metrics.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	settings, err := config.OpenSettings(t.TempDir())
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	store := metrics.NewStore()
	manager := jobs.NewManager(jobs.Config{}, jobs.Dependencies{
		Planner: planFunc(func(types.Targets) []probe.Step {
			return []probe.Step{
				step(types.KindDNS, types.StatusPass, "google.com"),
				step(types.KindTCP, types.StatusFail, "a:443"),
			}
		}),
		Targets: func() types.Targets { return settings.Get().Targets },
		Meta: func(context.Context) types.RunMeta {
			return types.RunMeta{DeviceName: "edge-1", PublicIP: "203.0.113.7"}
		},
		Metrics: store,
	})
	t.Cleanup(manager.Close)
	f := &fixture{
		jobs:      manager,
		history:   history.NewMemoryStore(10),
		settings:  settings,
		exporter:  export.NewExporter(t.TempDir(), export.Dependencies{}),
		publisher: &fakePublisher{},
		metrics:   store,
	}
	f.srv = New(cfg, Dependencies{
		Jobs:      manager,
		History:   f.history,
		Exporter:  f.exporter,
		Settings:  settings,
		Device:    fakeDevice{},
		Publisher: f.publisher,
		Metrics:   store,
	})
	t.Cleanup(func() { _ = f.srv.Shutdown(context.Background()) })
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, local bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if local {
		req.RemoteAddr = "127.0.0.1:40000"
	}
	rr := httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
	return out
}

func (f *fixture) runJob(t *testing.T) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/api/start", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("start status %d: %s", rr.Code, rr.Body.String())
	}
	id := decode[types.StartResponse](t, rr).JobID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.jobs.Wait(ctx, id); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return id
}

func TestStartAndStatus(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.runJob(t)

	rr := f.do(t, http.MethodGet, "/api/status/"+id, nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code %d", rr.Code)
	}
	st := decode[types.JobStatus](t, rr)
	if !st.Done || st.Status != types.JobCompleted || st.Progress != 100 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Results == nil || len(st.Results.DNS) != 1 || st.Results.Meta == nil || st.Results.Meta.DeviceName != "edge-1" {
		t.Fatalf("unexpected results %+v", st.Results)
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	rr = f.do(t, http.MethodGet, "/api/status/job-missing", nil, false)
	if rr.Code != http.StatusNotFound || decode[types.ErrorResponse](t, rr).Error == "" {
		t.Fatalf("expected 404 with error body, got %d", rr.Code)
	}
}

func TestStartIsRateLimited(t *testing.T) {
	f := newFixture(t, Config{StartRatePerMinute: 1})
	if rr := f.do(t, http.MethodPost, "/api/start", nil, false); rr.Code != http.StatusOK {
		t.Fatalf("first start %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/start", nil, false); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if f.metrics.Snapshot().StartsLimited != 1 {
		t.Fatalf("expected limited start counted")
	}
}

func TestExportLatestAndDownload(t *testing.T) {
	f := newFixture(t, Config{})
	f.runJob(t)

	rr := f.do(t, http.MethodPost, "/api/export/csv/latest?site_label=Main%20Office", nil, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("export code %d: %s", rr.Code, rr.Body.String())
	}
	name := decode[types.ExportResponse](t, rr).Filename
	if !strings.HasPrefix(name, "readiness-203.0.113.7-") || !strings.HasSuffix(name, "-MainOffice.csv") {
		t.Fatalf("unexpected filename %q", name)
	}

	rr = f.do(t, http.MethodGet, "/download/"+name, nil, false)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Section,Target,Status,Notes") {
		t.Fatalf("unexpected download %d: %s", rr.Code, rr.Body.String())
	}
	for _, bad := range []string{"/download/..settings.yaml", "/download/missing.csv", "/download/.hidden"} {
		if rr := f.do(t, http.MethodGet, bad, nil, false); rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", bad, rr.Code)
		}
	}
}

func TestExportErrors(t *testing.T) {
	f := newFixture(t, Config{})
	if rr := f.do(t, http.MethodPost, "/api/export/xml/latest", nil, false); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported format, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/export/pdf/latest", nil, false); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no runs, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/export/json/job-nope", nil, false); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rr.Code)
	}
}

func TestExportTriggersCloudPush(t *testing.T) {
	f := newFixture(t, Config{})
	body := []byte(`{"cloud_push":{"enabled":true,"api_url":"https://cloud.example.com/ingest","api_key":"k"}}`)
	if rr := f.do(t, http.MethodPost, "/api/settings/export", body, true); rr.Code != http.StatusOK {
		t.Fatalf("enable cloud push %d: %s", rr.Code, rr.Body.String())
	}
	id := f.runJob(t)
	if rr := f.do(t, http.MethodPost, "/api/export/json/"+id, nil, false); rr.Code != http.StatusOK {
		t.Fatalf("export %d: %s", rr.Code, rr.Body.String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	if len(f.publisher.exported) != 1 || f.publisher.exported[0].JobID != id || f.publisher.exported[0].DeviceInfo.Hostname != "edge-1" {
		t.Fatalf("unexpected cloud pushes %+v", f.publisher.exported)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	run := history.NewRun("job-1", types.Results{DNS: []types.TestResult{{Status: types.StatusPass}}}, time.Unix(1_700_000_000, 0))
	if _, err := f.history.Save(ctx, run); err != nil {
		t.Fatalf("save: %v", err)
	}

	rr := f.do(t, http.MethodGet, "/api/history", nil, false)
	entries := decode[[]types.HistoryEntry](t, rr)
	if len(entries) != 1 || entries[0].Summary.Passed != 1 {
		t.Fatalf("unexpected history %+v", entries)
	}
	if rr := f.do(t, http.MethodGet, "/api/history/1700000000", nil, false); rr.Code != http.StatusOK {
		t.Fatalf("get history %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/api/history/1", nil, false); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing entry, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodDelete, "/api/history/1700000000", nil, false); rr.Code != http.StatusOK {
		t.Fatalf("delete history %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/history/clear", nil, false); rr.Code != http.StatusOK {
		t.Fatalf("clear history %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/api/history", nil, false)
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rr.Body.String())
	}
}

func TestAdminGate(t *testing.T) {
	f := newFixture(t, Config{AdminToken: "cfg-token"})
	body := []byte(`{"allow_remote_admin":true,"admin_token":"s3cret"}`)

	if rr := f.do(t, http.MethodPost, "/api/settings/api", body, false); rr.Code != http.StatusForbidden {
		t.Fatalf("expected remote write rejected, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/settings/api", body, true); rr.Code != http.StatusOK {
		t.Fatalf("expected local write allowed, got %d: %s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/settings/test", strings.NewReader(`{"max_auto_tests":5}`))
	req.Header.Set(adminTokenHeader, "wrong")
	rr := httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected wrong token rejected, got %d", rr.Code)
	}

	for _, token := range []string{"s3cret", "cfg-token"} {
		req = httptest.NewRequest(http.MethodPost, "/api/settings/test", strings.NewReader(`{"max_auto_tests":5}`))
		req.Header.Set(adminTokenHeader, token)
		rr = httptest.NewRecorder()
		f.srv.Handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected token %q accepted, got %d: %s", token, rr.Code, rr.Body.String())
		}
	}
	if f.settings.Get().MaxAutoTests != 5 {
		t.Fatalf("expected setting persisted")
	}

	rr = f.do(t, http.MethodGet, "/api/access", nil, false)
	access := decode[types.AccessInfo](t, rr)
	if access.IsLocal || !access.AllowRemoteAdmin {
		t.Fatalf("unexpected access %+v", access)
	}
}

func TestBackupRequiresAdmin(t *testing.T) {
	f := newFixture(t, Config{})
	body := []byte(`{"allow_remote_admin":true,"admin_token":"s3cret"}`)
	if rr := f.do(t, http.MethodPost, "/api/settings/api", body, true); rr.Code != http.StatusOK {
		t.Fatalf("update api %d: %s", rr.Code, rr.Body.String())
	}

	rr := f.do(t, http.MethodGet, "/api/backup-config", nil, false)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected remote backup rejected, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "s3cret") {
		t.Fatalf("admin token leaked: %s", rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/backup-config", nil)
	req.Header.Set(adminTokenHeader, "s3cret")
	rr = httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "admin_token") {
		t.Fatalf("expected backup with token, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSettingsAreRedacted(t *testing.T) {
	f := newFixture(t, Config{})
	body := []byte(`{"enabled":true,"workspace_url":"https://dbc.example.com","access_token":"dapi-123","warehouse_id":"w1"}`)
	if rr := f.do(t, http.MethodPost, "/api/settings/databricks", body, true); rr.Code != http.StatusOK {
		t.Fatalf("update databricks %d: %s", rr.Code, rr.Body.String())
	}
	rr := f.do(t, http.MethodGet, "/api/settings", nil, false)
	if strings.Contains(rr.Body.String(), "dapi-123") {
		t.Fatalf("secret leaked: %s", rr.Body.String())
	}
	var view struct {
		Databricks types.DatabricksSettings `json:"databricks"`
		Features   types.Features           `json:"features"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if view.Databricks.AccessToken != types.SecretMask || !view.Features.DatabricksPush {
		t.Fatalf("unexpected settings view %+v", view)
	}
	if rr := f.do(t, http.MethodPost, "/api/settings/bogus", []byte(`{}`), true); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown section, got %d", rr.Code)
	}
}

func TestBackupRestoreAndFactoryReset(t *testing.T) {
	f := newFixture(t, Config{})
	if rr := f.do(t, http.MethodPost, "/api/settings/export", []byte(`{"site_label":"HQ"}`), true); rr.Code != http.StatusOK {
		t.Fatalf("update export %d", rr.Code)
	}
	rr := f.do(t, http.MethodGet, "/api/backup-config", nil, true)
	backup := rr.Body.Bytes()
	if !bytes.Contains(backup, []byte("site_label: HQ")) {
		t.Fatalf("unexpected backup:\n%s", backup)
	}

	if rr := f.do(t, http.MethodPost, "/api/system/factory-reset", nil, true); rr.Code != http.StatusOK {
		t.Fatalf("factory reset %d: %s", rr.Code, rr.Body.String())
	}
	if f.settings.Get().SiteLabel != "" {
		t.Fatalf("expected defaults after reset")
	}

	if rr := f.do(t, http.MethodPost, "/api/restore-config", backup, true); rr.Code != http.StatusOK {
		t.Fatalf("restore %d: %s", rr.Code, rr.Body.String())
	}
	if f.settings.Get().SiteLabel != "HQ" {
		t.Fatalf("expected restored settings")
	}
	if rr := f.do(t, http.MethodPost, "/api/restore-config", []byte("max_auto_tests: [oops"), true); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed restore, got %d", rr.Code)
	}
}

func TestPublishEndpoints(t *testing.T) {
	f := newFixture(t, Config{})
	rr := f.do(t, http.MethodPost, "/api/test-webhook", []byte(`{"url":"https://hooks.example.com/x"}`), false)
	if rr.Code != http.StatusOK || f.publisher.webhook != "https://hooks.example.com/x" {
		t.Fatalf("webhook test %d, target %q", rr.Code, f.publisher.webhook)
	}

	if rr := f.do(t, http.MethodPost, "/api/databricks/push", nil, false); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without results, got %d", rr.Code)
	}
	id := f.runJob(t)
	rr = f.do(t, http.MethodPost, "/api/databricks/push", nil, false)
	if rr.Code != http.StatusOK || len(f.publisher.pushed) != 1 || f.publisher.pushed[0].JobID != id {
		t.Fatalf("push %d: %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/api/databricks/test", []byte(`{}`), false)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Connected successfully") {
		t.Fatalf("databricks test %d: %s", rr.Code, rr.Body.String())
	}

	f.publisher.failWith = publish.ErrDisabled
	if rr := f.do(t, http.MethodPost, "/api/cloud/test", nil, false); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for disabled cloud push, got %d", rr.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, Config{})
	rr := f.do(t, http.MethodGet, "/health", nil, false)
	if strings.TrimSpace(rr.Body.String()) != `{"ok":true}` {
		t.Fatalf("unexpected /health body %s", rr.Body.String())
	}
	if rr := f.do(t, http.MethodGet, "/healthz", nil, false); rr.Code != http.StatusOK {
		t.Fatalf("healthz %d", rr.Code)
	}
	f.do(t, http.MethodGet, "/api/info", nil, false)
	rr = f.do(t, http.MethodGet, "/metrics", nil, false)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "/api/info") {
		t.Fatalf("expected request metrics:\n%s", rr.Body.String())
	}
}
