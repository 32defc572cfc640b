package device

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func ipnet(t *testing.T, cidr string) *net.IPNet {
	t.Helper()
	ip, n, err := net.ParseCIDR(cidr)
	if err != nil {
		t.Fatalf("parse cidr: %v", err)
	}
	n.IP = ip
	return n
}

func TestPrivateIPPrefersConfiguredInterfaces(t *testing.T) {
	ifaces := []Iface{
		{Name: "lo", Up: true, Addrs: []*net.IPNet{ipnet(t, "127.0.0.1/8")}},
		{Name: "docker0", Up: true, Addrs: []*net.IPNet{ipnet(t, "172.17.0.1/16")}},
		{Name: "wlan0", Up: true, Addrs: []*net.IPNet{ipnet(t, "fe80::1/64"), ipnet(t, "192.168.1.20/24")}},
	}
	p := NewProber(Config{}, Dependencies{Interfaces: func() ([]Iface, error) { return ifaces, nil }})
	if got := p.PrivateIP(); got != "192.168.1.20" {
		t.Fatalf("expected wlan0 address, got %q", got)
	}

	p = NewProber(Config{}, Dependencies{Interfaces: func() ([]Iface, error) { return ifaces[:2], nil }})
	if got := p.PrivateIP(); got != "172.17.0.1" {
		t.Fatalf("expected fallback to any interface, got %q", got)
	}

	p = NewProber(Config{}, Dependencies{Interfaces: func() ([]Iface, error) { return nil, errors.New("boom") }})
	if got := p.PrivateIP(); got != Unknown {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestPublicIPIsCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ip":"203.0.113.7"}`))
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	p := NewProber(Config{PublicIPURL: srv.URL, PublicIPTTL: time.Minute}, Dependencies{Now: func() time.Time { return now }})
	if got := p.PublicIP(context.Background()); got != "203.0.113.7" {
		t.Fatalf("unexpected public ip %q", got)
	}
	if got := p.PublicIP(context.Background()); got != "203.0.113.7" || calls.Load() != 1 {
		t.Fatalf("expected cached value, got %q after %d calls", got, calls.Load())
	}
	now = now.Add(2 * time.Minute)
	if got := p.PublicIP(context.Background()); got != "203.0.113.7" || calls.Load() != 2 {
		t.Fatalf("expected stale value kept after failed refresh, got %q after %d calls", got, calls.Load())
	}
}

func TestPublicIPUnknownOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not an address"))
	}))
	defer srv.Close()
	p := NewProber(Config{PublicIPURL: srv.URL}, Dependencies{})
	if got := p.PublicIP(context.Background()); got != Unknown {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestSystemStatusAndDeviceInfo(t *testing.T) {
	thermal := filepath.Join(t.TempDir(), "temp")
	if err := os.WriteFile(thermal, []byte("48312\n"), 0o644); err != nil {
		t.Fatalf("write thermal: %v", err)
	}
	mem, disk := 41.5, 73.2
	stats := func(string) (Stats, error) {
		return Stats{
			Sysname: "Linux", Release: "6.1.0", Machine: "aarch64",
			Uptime: 26*time.Hour + 5*time.Minute + 30*time.Second,
			Load:   [3]float64{0.52, 0.31, 0.1},
			MemUsed: &mem, DiskUsed: &disk,
		}, nil
	}
	p := NewProber(Config{ThermalPath: thermal, PublicIPURL: "http://127.0.0.1:1"}, Dependencies{
		Stats:      stats,
		Hostname:   func() (string, error) { return "edge-1", nil },
		Interfaces: func() ([]Iface, error) { return []Iface{{Name: "eth0", Up: true, Addrs: []*net.IPNet{ipnet(t, "10.0.0.5/24")}}}, nil },
	})

	st, err := p.SystemStatus()
	if err != nil {
		t.Fatalf("system status: %v", err)
	}
	if st.Uptime != "1d 2h 5m" || st.UptimeSeconds != 93930 || st.Load1 != 0.5 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Temperature != "48.3°C" || *st.MemoryUsage != 41.5 {
		t.Fatalf("unexpected temperature or memory %+v", st)
	}

	info := p.DeviceInfo(context.Background())
	if info.Hostname != "edge-1" || info.PrivateIP != "10.0.0.5" || info.PublicIP != Unknown {
		t.Fatalf("unexpected identity %+v", info)
	}
	if info.Platform != "Linux-6.1.0" || info.Architecture != "aarch64" {
		t.Fatalf("unexpected platform %+v", info)
	}
	if iface := info.Interfaces["eth0"]; iface.Netmask != "255.255.255.0" || iface.Status != "up" {
		t.Fatalf("unexpected interface %+v", iface)
	}
	meta := p.Meta(context.Background(), "HQ")
	if meta.DeviceName != "edge-1" || meta.SiteLabel != "HQ" {
		t.Fatalf("unexpected meta %+v", meta)
	}
}

func TestTemperatureUnavailable(t *testing.T) {
	p := NewProber(Config{ThermalPath: filepath.Join(t.TempDir(), "missing")}, Dependencies{})
	if got := p.Temperature(); got != "N/A" {
		t.Fatalf("expected N/A, got %q", got)
	}
}
