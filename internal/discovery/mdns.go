// Package discovery advertises the daemon on the local network and lets the
// CLI find appliances without knowing their address.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

const Service = "_readiness._tcp"

// Appliance is one browse result.
type Appliance struct {
	Instance string `json:"instance" yaml:"instance"`
	Host     string `json:"host" yaml:"host"`
	Addr     string `json:"addr" yaml:"addr"`
	Port     int    `json:"port" yaml:"port"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
}

type AdvertiseConfig struct {
	Listen   string
	Hostname string
	Version  string
}

// Advertise registers the service and returns a shutdown func. The returned
// func is always safe to call.
func Advertise(cfg AdvertiseConfig, logger *zap.SugaredLogger) (func(), error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	port, err := ListenPort(cfg.Listen)
	if err != nil {
		return func() {}, err
	}
	host := strings.TrimSpace(cfg.Hostname)
	if host == "" {
		host = "readiness"
	}
	txt := []string{
		"version=" + cfg.Version,
		"hostname=" + host,
	}
	service, err := mdns.NewMDNSService("readiness-"+host, Service, "", "", port, advertiseIPs(), txt)
	if err != nil {
		return func() {}, fmt.Errorf("mdns service setup: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return func() {}, fmt.Errorf("mdns server start: %w", err)
	}
	logger.Infow("mdns advertising enabled", "service", Service, "host", host, "port", port)
	return func() { _ = server.Shutdown() }, nil
}

// Browse collects answers for timeout, or until ctx ends.
func Browse(ctx context.Context, timeout time.Duration) ([]Appliance, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	entries := make(chan *mdns.ServiceEntry, 16)
	var found []Appliance
	done := make(chan struct{})
	go func() {
		defer close(done)
		seen := map[string]bool{}
		for e := range entries {
			a := fromEntry(e)
			key := a.Instance + "|" + a.Addr
			if !strings.Contains(e.Name, Service) || seen[key] {
				continue
			}
			seen[key] = true
			found = append(found, a)
		}
	}()

	params := mdns.DefaultParams(Service)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	<-done
	if err != nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Host != found[j].Host {
			return found[i].Host < found[j].Host
		}
		return found[i].Addr < found[j].Addr
	})
	return found, nil
}

func fromEntry(e *mdns.ServiceEntry) Appliance {
	a := Appliance{
		Instance: strings.TrimSuffix(e.Name, "."+Service+".local."),
		Host:     strings.TrimSuffix(e.Host, "."),
		Port:     e.Port,
	}
	switch {
	case e.AddrV4 != nil:
		a.Addr = e.AddrV4.String()
	case e.AddrV6 != nil:
		a.Addr = e.AddrV6.String()
	}
	for _, field := range e.InfoFields {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "version":
			a.Version = v
		case "hostname":
			if v != "" {
				a.Host = v
			}
		}
	}
	return a
}

// URL is the base URL for the appliance's REST API.
func (a Appliance) URL() string {
	return "http://" + net.JoinHostPort(a.Addr, strconv.Itoa(a.Port))
}

// ListenPort extracts the numeric port from a listen address like ":5001".
func ListenPort(addr string) (int, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return 0, fmt.Errorf("empty listen address")
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port in %q", addr)
	}
	return port, nil
}

func advertiseIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	return filterIPs(addrs)
}

// filterIPs keeps routable unicast addresses, IPv4 first.
func filterIPs(addrs []net.Addr) []net.IP {
	seen := map[string]bool{}
	var out []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP == nil {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		key := ip.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ip.To16())
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].To4() != nil, out[j].To4() != nil
		if ai != aj {
			return ai
		}
		return out[i].String() < out[j].String()
	})
	return out
}
