package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pingsantohq/readiness/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{ServerURL: srv.URL + "/", AdminToken: token}, Dependencies{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestStartAndStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.Header.Get(requestIDHeader) == "" {
			t.Errorf("expected request id header")
		}
		_ = json.NewEncoder(w).Encode(types.StartResponse{JobID: "job-abc"})
	})
	mux.HandleFunc("/api/status/job-abc", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"progress": 100, "done": true, "results": {"dns": [{"target": "a", "status": "PASS"}]}}`))
	})
	c := newTestClient(t, mux, "")

	start, err := c.StartJob(context.Background())
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	if start.JobID != "job-abc" {
		t.Fatalf("unexpected job id %q", start.JobID)
	}
	status, err := c.JobStatus(context.Background(), start.JobID)
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	if !status.Terminal() || status.Results == nil || len(status.Results.DNS) != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestNon2xxBecomesStatusError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "job not found"}`))
	}), "")

	_, err := c.JobStatus(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Message != "job not found" {
		t.Fatalf("expected decoded error message, got %v", err)
	}
}

func TestExportReturnsFilenameAndSiteLabel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/export/csv/job-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("site_label"); got != "HQ 2" {
			t.Errorf("unexpected site label %q", got)
		}
		_ = json.NewEncoder(w).Encode(types.ExportResponse{Filename: "readiness-1.2.3.4-1700000000-HQ2.csv"})
	}), "")

	name, err := c.Export(context.Background(), "csv", "job-1", "HQ 2")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasSuffix(name, ".csv") {
		t.Fatalf("unexpected filename %q", name)
	}
}

func TestExportErrorBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(types.ExportResponse{Error: "Invalid format"})
	}), "")

	_, err := c.Export(context.Background(), "docx", "job-1", "")
	if err == nil || !strings.Contains(err.Error(), "Invalid format") {
		t.Fatalf("expected export error, got %v", err)
	}
}

func TestAdminRetryWithToken(t *testing.T) {
	var attempts atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.Header.Get(adminTokenHeader) != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error": "admin token required"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success": true}`))
	}), "s3cret")

	if err := c.UpdateSettings(context.Background(), "api", map[string]bool{"allow_remote_admin": true}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts.Load())
	}
}

func TestBackupRetriesWithToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(adminTokenHeader) != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("site_label: HQ\n"))
	}), "s3cret")

	var buf bytes.Buffer
	if err := c.BackupConfig(context.Background(), &buf); err != nil {
		t.Fatalf("backup config: %v", err)
	}
	if buf.String() != "site_label: HQ\n" {
		t.Fatalf("unexpected backup %q", buf.String())
	}
}

func TestAdminWithoutTokenSurfacesForbidden(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}), "")

	err := c.FactoryReset(context.Background())
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestDownloadStreamsBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/download/report.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"dns": []}`))
	}), "")

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "report.json", &buf)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if n != int64(buf.Len()) || buf.String() != `{"dns": []}` {
		t.Fatalf("unexpected download body %q (%d bytes)", buf.String(), n)
	}
}

func TestHistoryOperations(t *testing.T) {
	var deleted, cleared atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]types.HistoryEntry{{Timestamp: 1700000000, DeviceName: "pi", Summary: types.HistorySummary{TotalTests: 3, Passed: 3}}})
	})
	mux.HandleFunc("/api/history/1700000000", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted.Store(true)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_ = json.NewEncoder(w).Encode(types.HistoryDetail{Timestamp: 1700000000, DeviceName: "pi"})
	})
	mux.HandleFunc("/api/history/clear", func(w http.ResponseWriter, r *http.Request) {
		cleared.Store(true)
		_, _ = w.Write([]byte(`{}`))
	})
	c := newTestClient(t, mux, "")

	entries, err := c.History(context.Background())
	if err != nil || len(entries) != 1 || entries[0].Summary.Passed != 3 {
		t.Fatalf("unexpected history: %+v, %v", entries, err)
	}
	detail, err := c.HistoryDetail(context.Background(), 1700000000)
	if err != nil || detail.DeviceName != "pi" {
		t.Fatalf("unexpected detail: %+v, %v", detail, err)
	}
	if err := c.DeleteHistory(context.Background(), 1700000000); err != nil || !deleted.Load() {
		t.Fatalf("delete history: %v", err)
	}
	if err := c.ClearHistory(context.Background()); err != nil || !cleared.Load() {
		t.Fatalf("clear history: %v", err)
	}
}
