package types

import (
	"encoding/json"
	"testing"
)

func TestJobStatusJSONContract(t *testing.T) {
	payload := []byte(`{
        "progress": 40,
        "status": "running",
        "done": false,
        "results": {
            "dns": [{"target": "8.8.8.8", "status": "PASS", "ip": "8.8.8.8", "latency_ms": 12}],
            "tcp": [{"target": "a:443", "status": "FAIL", "error": "timeout", "label": "A"}],
            "ntp": {"target": "pool.ntp.org", "status": "PASS", "offset_ms": -3},
            "_meta": {"device_name": "pi-7", "public_ip": "203.0.113.9"}
        }
    }`)

	var status JobStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		t.Fatalf("unmarshal job status: %v", err)
	}
	if status.Progress != 40 || status.Terminal() {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Results == nil {
		t.Fatalf("expected results to be decoded")
	}
	dns := status.Results.DNS
	if len(dns) != 1 || dns[0].Status != StatusPass || dns[0].LatencyMs == nil || *dns[0].LatencyMs != 12 {
		t.Fatalf("unexpected dns entries: %+v", dns)
	}
	if tcp := status.Results.TCP; len(tcp) != 1 || tcp[0].Error != "timeout" || tcp[0].Label != "A" {
		t.Fatalf("unexpected tcp entries: %+v", tcp)
	}
	if status.Results.NTP == nil || *status.Results.NTP.OffsetMs != -3 {
		t.Fatalf("unexpected ntp: %+v", status.Results.NTP)
	}
	if status.Results.Meta == nil || status.Results.Meta.DeviceName != "pi-7" {
		t.Fatalf("unexpected meta: %+v", status.Results.Meta)
	}
	if status.Results.Ping != nil {
		t.Fatalf("expected absent ping to stay nil")
	}
}

func TestTerminalAcceptsEitherSignal(t *testing.T) {
	cases := []struct {
		payload string
		want    bool
	}{
		{`{"progress": 100, "status": "completed"}`, true},
		{`{"progress": 100, "done": true}`, true},
		{`{"progress": 100, "status": "completed", "done": true}`, true},
		{`{"progress": 90, "status": "running", "done": false}`, false},
		{`{"progress": 10}`, false},
	}
	for _, tc := range cases {
		var status JobStatus
		if err := json.Unmarshal([]byte(tc.payload), &status); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.payload, err)
		}
		if got := status.Terminal(); got != tc.want {
			t.Fatalf("Terminal() for %s = %v, want %v", tc.payload, got, tc.want)
		}
	}
}

func TestMalformedFieldsAreDropped(t *testing.T) {
	payload := []byte(`{
        "dns": [{"target": "example.com", "status": "PASS", "latency_ms": "fast", "ip": 42}],
        "ping": {"target": "not-an-array", "status": "FAIL"},
        "speedtest": [{"status": "PASS"}],
        "quic": [{"host": "example.com", "port": "443", "status": "WARN"}]
    }`)

	var results Results
	if err := json.Unmarshal(payload, &results); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if len(results.DNS) != 1 {
		t.Fatalf("expected one dns entry, got %d", len(results.DNS))
	}
	if results.DNS[0].LatencyMs != nil {
		t.Fatalf("expected non-numeric latency to be dropped, got %v", *results.DNS[0].LatencyMs)
	}
	if results.DNS[0].IP != "42" {
		t.Fatalf("expected numeric ip to be kept as text, got %q", results.DNS[0].IP)
	}
	if results.Ping != nil {
		t.Fatalf("expected object-valued ping to be treated as absent")
	}
	if results.Speedtest != nil {
		t.Fatalf("expected array-valued speedtest to be treated as absent")
	}
	if len(results.QUIC) != 1 || results.QUIC[0].Port != 443 {
		t.Fatalf("expected string port to be parsed, got %+v", results.QUIC)
	}
}

func TestSummaryCountsEveryKind(t *testing.T) {
	var results Results
	results.Add(KindDNS, TestResult{Status: StatusPass})
	results.Add(KindTCP, TestResult{Status: StatusFail})
	results.Add(KindQUIC, TestResult{Status: StatusWarn})
	results.Add(KindPing, TestResult{Status: StatusPass})
	results.Add(KindNTP, TestResult{Status: StatusPass})
	results.Add(KindSpeedtest, TestResult{Status: StatusWarn})

	got := results.Summary()
	want := HistorySummary{TotalTests: 6, Passed: 3, Warnings: 2, Failed: 1}
	if got != want {
		t.Fatalf("unexpected summary: got %+v want %+v", got, want)
	}
}

func TestCloneDoesNotShareSlices(t *testing.T) {
	var results Results
	results.Add(KindDNS, TestResult{Target: "a", Status: StatusPass})
	results.Add(KindNTP, TestResult{Target: "ntp", Status: StatusPass})

	clone := results.Clone()
	clone.DNS[0].Status = StatusFail
	clone.NTP.Status = StatusFail

	if results.DNS[0].Status != StatusPass || results.NTP.Status != StatusPass {
		t.Fatalf("clone mutated original: %+v", results)
	}
}

func TestRedactedSettingsRoundTripKeepsSecrets(t *testing.T) {
	stored := Settings{
		CloudPush:  CloudPushSettings{APIKey: "k-123"},
		Databricks: DatabricksSettings{AccessToken: "dapi-1"},
		API:        APISettings{AdminToken: "admin"},
	}
	redacted := stored.Redacted()
	if redacted.CloudPush.APIKey != SecretMask || redacted.API.AdminToken != SecretMask {
		t.Fatalf("expected secrets to be masked: %+v", redacted)
	}
	if redacted.Redis.Password != "" {
		t.Fatalf("expected empty secret to stay empty")
	}

	incoming := redacted
	incoming.Databricks.AccessToken = "dapi-2"
	merged := incoming.KeepSecrets(stored)
	if merged.CloudPush.APIKey != "k-123" || merged.API.AdminToken != "admin" {
		t.Fatalf("expected masked secrets restored: %+v", merged)
	}
	if merged.Databricks.AccessToken != "dapi-2" {
		t.Fatalf("expected new secret to win, got %q", merged.Databricks.AccessToken)
	}
}
