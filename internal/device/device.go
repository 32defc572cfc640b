// Package device reports the appliance identity and host resource usage.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pingsantohq/readiness/internal/buildinfo"
	"github.com/pingsantohq/readiness/pkg/types"
)

// Unknown is reported for identity fields that could not be determined.
const Unknown = "unknown"

type Config struct {
	PublicIPURL         string
	PublicIPTTL         time.Duration
	PreferredInterfaces []string
	ThermalPath         string
	DiskPath            string
}

// Iface is the subset of a network interface the prober reads.
type Iface struct {
	Name  string
	Up    bool
	Addrs []*net.IPNet
}

type Dependencies struct {
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
	Now        func() time.Time
	Hostname   func() (string, error)
	Interfaces func() ([]Iface, error)
	Stats      func(diskPath string) (Stats, error)
}

// Stats is the host resource snapshot read from the kernel.
type Stats struct {
	Sysname  string
	Release  string
	Machine  string
	Uptime   time.Duration
	Load     [3]float64
	MemUsed  *float64
	DiskUsed *float64
}

// Prober answers device identity and resource questions. The public IP is
// cached for PublicIPTTL.
type Prober struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.SugaredLogger
	now        func() time.Time
	hostname   func() (string, error)
	interfaces func() ([]Iface, error)
	stats      func(string) (Stats, error)

	mu        sync.Mutex
	publicIP  string
	fetchedAt time.Time
}

func NewProber(cfg Config, deps Dependencies) *Prober {
	if cfg.PublicIPURL == "" {
		cfg.PublicIPURL = "https://api.ipify.org?format=json"
	}
	if cfg.PublicIPTTL <= 0 {
		cfg.PublicIPTTL = 5 * time.Minute
	}
	if len(cfg.PreferredInterfaces) == 0 {
		cfg.PreferredInterfaces = []string{"eth0", "wlan0", "en0", "en1"}
	}
	if cfg.ThermalPath == "" {
		cfg.ThermalPath = "/sys/class/thermal/thermal_zone0/temp"
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	p := &Prober{
		cfg:        cfg,
		httpClient: deps.HTTPClient,
		logger:     deps.Logger,
		now:        deps.Now,
		hostname:   deps.Hostname,
		interfaces: deps.Interfaces,
		stats:      deps.Stats,
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if p.logger == nil {
		p.logger = zap.NewNop().Sugar()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.hostname == nil {
		p.hostname = os.Hostname
	}
	if p.interfaces == nil {
		p.interfaces = systemInterfaces
	}
	if p.stats == nil {
		p.stats = readStats
	}
	return p
}

// Hostname returns the host name or Unknown.
func (p *Prober) Hostname() string {
	name, err := p.hostname()
	if err != nil || name == "" {
		return Unknown
	}
	return name
}

// PrivateIP returns the first non-loopback IPv4 address, trying the
// preferred interfaces in order before any other.
func (p *Prober) PrivateIP() string {
	ifaces, err := p.interfaces()
	if err != nil {
		p.logger.Debugw("list interfaces failed", "err", err)
		return Unknown
	}
	byName := make(map[string]Iface, len(ifaces))
	for _, i := range ifaces {
		byName[i.Name] = i
	}
	for _, name := range p.cfg.PreferredInterfaces {
		if ip := firstIPv4(byName[name]); ip != "" {
			return ip
		}
	}
	for _, i := range ifaces {
		if ip := firstIPv4(i); ip != "" {
			return ip
		}
	}
	return Unknown
}

func firstIPv4(i Iface) string {
	for _, a := range i.Addrs {
		if v4 := a.IP.To4(); v4 != nil && !v4.IsLoopback() {
			return v4.String()
		}
	}
	return ""
}

type ipifyResponse struct {
	IP string `json:"ip"`
}

// PublicIP returns the cached public address, refreshing it once the TTL
// has passed. A failed refresh keeps the previous value when there is one.
func (p *Prober) PublicIP(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publicIP != "" && p.now().Sub(p.fetchedAt) < p.cfg.PublicIPTTL {
		return p.publicIP
	}
	ip, err := p.fetchPublicIP(ctx)
	if err != nil {
		p.logger.Warnw("public ip lookup failed", "url", p.cfg.PublicIPURL, "err", err)
		if p.publicIP != "" {
			return p.publicIP
		}
		return Unknown
	}
	p.publicIP = ip
	p.fetchedAt = p.now()
	return ip
}

func (p *Prober) fetchPublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.PublicIPURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent("device"))
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http status %d", resp.StatusCode)
	}
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var parsed ipifyResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		text = parsed.IP
	}
	if net.ParseIP(text) == nil {
		return "", errors.New("response carried no ip address")
	}
	return text, nil
}

// Info is the short identity behind /api/info.
func (p *Prober) Info(ctx context.Context) types.Info {
	return types.Info{DeviceName: p.Hostname(), PublicIP: p.PublicIP(ctx), PrivateIP: p.PrivateIP()}
}

// Meta identifies the device in run results.
func (p *Prober) Meta(ctx context.Context, siteLabel string) types.RunMeta {
	return types.RunMeta{
		DeviceName: p.Hostname(),
		PrivateIP:  p.PrivateIP(),
		PublicIP:   p.PublicIP(ctx),
		SiteLabel:  siteLabel,
	}
}

// DeviceInfo gathers the full device description. Resource failures are
// reported in Error while identity fields stay populated.
func (p *Prober) DeviceInfo(ctx context.Context) types.DeviceInfo {
	info := types.DeviceInfo{
		Hostname:     p.Hostname(),
		PrivateIP:    p.PrivateIP(),
		PublicIP:     p.PublicIP(ctx),
		Architecture: runtime.GOARCH,
		Platform:     runtime.GOOS,
		Version:      buildinfo.Version,
		Temperature:  p.Temperature(),
		Interfaces:   map[string]types.InterfaceInfo{},
	}
	if ifaces, err := p.interfaces(); err == nil {
		for _, i := range ifaces {
			for _, a := range i.Addrs {
				v4 := a.IP.To4()
				if v4 == nil {
					continue
				}
				status := "down"
				if i.Up {
					status = "up"
				}
				info.Interfaces[i.Name] = types.InterfaceInfo{IP: v4.String(), Netmask: net.IP(a.Mask).String(), Status: status}
				break
			}
		}
	}
	st, err := p.stats(p.cfg.DiskPath)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	if st.Sysname != "" {
		info.Platform = strings.TrimSpace(st.Sysname + "-" + st.Release)
	}
	if st.Machine != "" {
		info.Architecture = st.Machine
	}
	info.Uptime = FormatUptime(st.Uptime)
	info.MemoryUsage = st.MemUsed
	info.DiskUsage = st.DiskUsed
	return info
}

// SystemStatus is the resource snapshot behind /api/system-status.
func (p *Prober) SystemStatus() (types.SystemStatus, error) {
	st, err := p.stats(p.cfg.DiskPath)
	if err != nil {
		return types.SystemStatus{Uptime: "N/A", Temperature: p.Temperature()}, fmt.Errorf("read system stats: %w", err)
	}
	return types.SystemStatus{
		Uptime:        FormatUptime(st.Uptime),
		UptimeSeconds: int64(st.Uptime / time.Second),
		Load1:         round1(st.Load[0]),
		Load5:         round1(st.Load[1]),
		Load15:        round1(st.Load[2]),
		MemoryUsage:   st.MemUsed,
		DiskUsage:     st.DiskUsed,
		Temperature:   p.Temperature(),
	}, nil
}

// Temperature reads the first thermal zone, or returns "N/A".
func (p *Prober) Temperature() string {
	data, err := os.ReadFile(p.cfg.ThermalPath)
	if err != nil {
		return "N/A"
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return "N/A"
	}
	return fmt.Sprintf("%.1f°C", float64(milli)/1000)
}

// FormatUptime renders d as "<days>d <hours>h <minutes>m".
func FormatUptime(d time.Duration) string {
	total := int64(d / time.Minute)
	days := total / (24 * 60)
	hours := (total % (24 * 60)) / 60
	minutes := total % 60
	return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
}

func percent(used, total uint64) *float64 {
	if total == 0 {
		return nil
	}
	v := round1(float64(used) * 100 / float64(total))
	return &v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func systemInterfaces() ([]Iface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Iface, 0, len(ifaces))
	for _, i := range ifaces {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		entry := Iface{Name: i.Name, Up: i.Flags&net.FlagUp != 0}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				entry.Addrs = append(entry.Addrs, ipnet)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}
