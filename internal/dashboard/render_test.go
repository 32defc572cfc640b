package dashboard

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/pingsantohq/readiness/internal/discovery"
	"github.com/pingsantohq/readiness/internal/poller"
	"github.com/pingsantohq/readiness/internal/reconcile"
	"github.com/pingsantohq/readiness/pkg/types"
)

func sampleModel() reconcile.Model {
	return reconcile.Merge(reconcile.NewModel(), types.Results{
		DNS: []types.TestResult{{Target: "8.8.8.8", Status: types.StatusPass, IP: "142.250.1.1", LatencyMs: types.Float(12)}},
		TCP: []types.TestResult{
			{Target: "a:443", Status: types.StatusPass},
			{Target: "b:443", Status: types.StatusFail, Error: "timeout"},
		},
		Meta: &types.RunMeta{DeviceName: "edge-1", PrivateIP: "10.0.0.5", PublicIP: "203.0.113.7", SiteLabel: "HQ"},
	})
}

func TestRenderIsPure(t *testing.T) {
	v := poller.View{State: poller.Polling, JobID: "job-1", Progress: 40, Model: sampleModel()}
	first := Render(v)
	if second := Render(v); first != second {
		t.Fatalf("render not deterministic")
	}
	for _, want := range []string{
		"[############------------------]  40%  polling  job-1",
		"Device: edge-1  private 10.0.0.5  public 203.0.113.7  site HQ",
		"✓ DNS Resolution [PASS]  1 pass / 0 warn / 0 fail",
		"✗ TCP Connectivity [FAIL]  1 pass / 0 warn / 1 fail",
		"FAIL b:443",
		"· Ping Tests [PENDING]",
	} {
		if !strings.Contains(first, want) {
			t.Fatalf("render missing %q:\n%s", want, first)
		}
	}
}

func TestRenderUnknownState(t *testing.T) {
	v := poller.View{State: poller.Unknown, JobID: "job-1", Progress: 250, Err: errors.New("connection refused"), Model: reconcile.NewModel()}
	out := Render(v)
	if !strings.Contains(out, "100%  unknown") {
		t.Fatalf("expected clamped progress and unknown state:\n%s", out)
	}
	if !strings.Contains(out, "error: connection refused") || !strings.Contains(out, "Retry to resume polling") {
		t.Fatalf("expected error and retry hint:\n%s", out)
	}
}

func TestHistoryTable(t *testing.T) {
	var buf bytes.Buffer
	err := HistoryTable(&buf, []types.HistoryEntry{{
		Timestamp: 1700000000, Datetime: "2023-11-14 22:13:20", DeviceName: "edge-1", PublicIP: "203.0.113.7",
		Summary: types.HistorySummary{TotalTests: 5, Passed: 3, Warnings: 1, Failed: 1},
	}})
	if err != nil {
		t.Fatalf("history table: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "TIMESTAMP") {
		t.Fatalf("unexpected table:\n%s", buf.String())
	}
	if fields := strings.Fields(lines[1]); len(fields) != 9 || fields[0] != "1700000000" || fields[8] != "1" {
		t.Fatalf("unexpected row %q", lines[1])
	}
}

func TestSecurityTablePosture(t *testing.T) {
	ok := false
	var buf bytes.Buffer
	err := SecurityTable(&buf, types.SecurityReport{
		Software:  "readiness 1.0",
		Proxy:     types.ProxyInfo{Configured: true, Sources: []string{"HTTPS_PROXY"}},
		TLS:       types.TLSInfo{Suspected: true, Details: []types.LabelValue{{Label: "Issuer", Value: "Acme Inspect"}}},
		Listeners: []types.Listener{{Proto: "tcp", Local: "127.0.0.1:5001", Process: "readinessd", PID: 42}},
		Outbound:  []string{"one.one.one.one:443/tcp"},
		OK:        &ok,
	})
	if err != nil {
		t.Fatalf("security table: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"attention", "HTTPS_PROXY", "Acme Inspect", "readinessd", "one.one.one.one:443/tcp"} {
		if !strings.Contains(out, want) {
			t.Fatalf("security table missing %q:\n%s", want, out)
		}
	}
}

func TestDeviceAndAppliancesTables(t *testing.T) {
	var buf bytes.Buffer
	mem := 41.5
	if err := DeviceTable(&buf, types.DeviceInfo{
		Hostname: "edge-1", PrivateIP: "10.0.0.5", PublicIP: "203.0.113.7", MemoryUsage: &mem,
		Interfaces: map[string]types.InterfaceInfo{
			"wlan0": {IP: "192.168.1.20", Netmask: "255.255.255.0", Status: "up"},
			"eth0":  {IP: "10.0.0.5", Netmask: "255.255.255.0", Status: "up"},
		},
	}); err != nil {
		t.Fatalf("device table: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "41.5%") || strings.Index(out, "eth0") > strings.Index(out, "wlan0") {
		t.Fatalf("unexpected device table:\n%s", out)
	}

	buf.Reset()
	if err := AppliancesTable(&buf, []discovery.Appliance{{Host: "edge-1", Addr: "192.168.1.20", Port: 5001}}); err != nil {
		t.Fatalf("appliances table: %v", err)
	}
	if !strings.Contains(buf.String(), "5001") {
		t.Fatalf("unexpected appliances table:\n%s", buf.String())
	}
}
