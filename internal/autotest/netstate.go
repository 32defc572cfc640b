package autotest

import (
	"fmt"
	"maps"
	"net"
	"slices"
	"strings"

	"github.com/jackpal/gateway"
)

var watchedPrefixes = []string{"eth", "wlan", "en"}

// NetworkState is the addressing the watcher compares between checks.
type NetworkState struct {
	// Interfaces maps interface name to its first IPv4 address.
	Interfaces map[string]string
	Gateway    string
}

func (s NetworkState) Equal(o NetworkState) bool {
	return s.Gateway == o.Gateway && maps.Equal(s.Interfaces, o.Interfaces)
}

func (s NetworkState) String() string {
	names := slices.Sorted(maps.Keys(s.Interfaces))
	parts := make([]string, 0, len(names)+1)
	for _, n := range names {
		parts = append(parts, n+"="+s.Interfaces[n])
	}
	parts = append(parts, "gw="+s.Gateway)
	return strings.Join(parts, " ")
}

// Snapshot reads wired and wireless IPv4 addresses, skipping link-local
// ones, plus the default gateway.
func Snapshot() (NetworkState, error) {
	return snapshot(net.Interfaces, gateway.DiscoverGateway)
}

func snapshot(interfaces func() ([]net.Interface, error), discover func() (net.IP, error)) (NetworkState, error) {
	state := NetworkState{Interfaces: map[string]string{}}
	ifaces, err := interfaces()
	if err != nil {
		return state, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if !watched(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil && !v4.IsLinkLocalUnicast() {
				state.Interfaces[iface.Name] = v4.String()
				break
			}
		}
	}
	// No default route is a valid state, not a failed read.
	if gw, err := discover(); err == nil && gw != nil {
		state.Gateway = gw.String()
	}
	return state, nil
}

func watched(name string) bool {
	for _, p := range watchedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
