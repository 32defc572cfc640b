package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
)

func TestListenPort(t *testing.T) {
	cases := map[string]int{":5001": 5001, "0.0.0.0:8080": 8080, "5002": 5002, "[::]:9000": 9000}
	for in, want := range cases {
		got, err := ListenPort(in)
		if err != nil {
			t.Fatalf("listen port %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("listen port %q: got %d want %d", in, got, want)
		}
	}
	for _, bad := range []string{"", ":http", ":0", "host:99999"} {
		if _, err := ListenPort(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFilterIPsOrdersIPv4First(t *testing.T) {
	mk := func(s string) net.Addr { return &net.IPNet{IP: net.ParseIP(s), Mask: net.CIDRMask(24, 32)} }
	got := filterIPs([]net.Addr{
		mk("2001:db8::5"),
		mk("127.0.0.1"),
		mk("192.168.1.20"),
		mk("fe80::1"),
		mk("169.254.3.3"),
		mk("10.0.0.5"),
		mk("10.0.0.5"),
	})
	if len(got) != 3 {
		t.Fatalf("unexpected addresses %v", got)
	}
	if got[0].String() != "10.0.0.5" || got[1].String() != "192.168.1.20" || got[2].String() != "2001:db8::5" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestFromEntry(t *testing.T) {
	a := fromEntry(&mdns.ServiceEntry{
		Name:       "readiness-edge-1._readiness._tcp.local.",
		Host:       "edge-1.local.",
		AddrV4:     net.ParseIP("192.168.1.20"),
		Port:       5001,
		InfoFields: []string{"version=1.4.0", "hostname=edge-1", "junk"},
	})
	if a.Instance != "readiness-edge-1" || a.Host != "edge-1" || a.Version != "1.4.0" {
		t.Fatalf("unexpected appliance %+v", a)
	}
	if a.URL() != "http://192.168.1.20:5001" {
		t.Fatalf("unexpected url %q", a.URL())
	}
}
