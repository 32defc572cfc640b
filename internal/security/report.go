// Package security builds the posture report behind /api/security: proxy
// configuration, TLS interception, local listeners and outbound targets.
package security

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/readiness/internal/buildinfo"
	"github.com/pingsantohq/readiness/pkg/types"
)

var proxyVars = []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy", "ALL_PROXY", "all_proxy"}

type Config struct {
	// TLSProbeHosts are host:port pairs whose certificate chains are inspected.
	TLSProbeHosts []string
	// InspectionVendors are matched against issuer names.
	InspectionVendors []string
	// ProcRoot overrides the proc mount used for the listener scan.
	ProcRoot          string
	DialTimeout       time.Duration
}

type Dependencies struct {
	Logger *zap.SugaredLogger
	Getenv func(string) string
	// RootCAs overrides the system pool used to validate probed chains.
	RootCAs *x509.CertPool
	// Connections and ProcessName default to gopsutil.
	Connections func(ctx context.Context) ([]gnet.ConnectionStat, error)
	ProcessName func(ctx context.Context, pid int32) (string, error)
}

// Reporter assembles SecurityReport values.
type Reporter struct {
	cfg         Config
	logger      *zap.SugaredLogger
	getenv      func(string) string
	rootCAs     *x509.CertPool
	connections func(ctx context.Context) ([]gnet.ConnectionStat, error)
	processName func(ctx context.Context, pid int32) (string, error)
}

func NewReporter(cfg Config, deps Dependencies) *Reporter {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	getenv := deps.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	connections := deps.Connections
	if connections == nil {
		connections = inetConnections
	}
	name := deps.ProcessName
	if name == nil {
		name = processName
	}
	return &Reporter{
		cfg:         cfg,
		logger:      logger,
		getenv:      getenv,
		rootCAs:     deps.RootCAs,
		connections: connections,
		processName: name,
	}
}

// Report gathers every section. OK is nil when no TLS probe completed,
// otherwise it is true unless interception is suspected.
func (r *Reporter) Report(ctx context.Context, targets types.Targets) types.SecurityReport {
	report := types.SecurityReport{
		Software: buildinfo.Software(),
		Proxy:    r.Proxy(),
		Outbound: Outbound(targets),
	}

	var (
		g        errgroup.Group
		tlsInfo  types.TLSInfo
		probed   bool
		listener []types.Listener
	)
	g.Go(func() error {
		tlsInfo, probed = r.TLS(ctx)
		return nil
	})
	g.Go(func() error {
		ls, err := r.Listeners(ctx)
		if err != nil {
			r.logger.Warnw("listener scan failed", "err", err)
		}
		listener = ls
		return nil
	})
	_ = g.Wait()

	report.TLS = tlsInfo
	report.Listeners = listener
	if report.Listeners == nil {
		report.Listeners = []types.Listener{}
	}
	if probed {
		ok := !tlsInfo.Suspected
		report.OK = &ok
	}
	return report
}

// Proxy reports which proxy environment variables are set.
func (r *Reporter) Proxy() types.ProxyInfo {
	var info types.ProxyInfo
	for _, name := range proxyVars {
		if strings.TrimSpace(r.getenv(name)) != "" {
			info.Configured = true
			info.Sources = append(info.Sources, name)
		}
	}
	return info
}

type chainResult struct {
	host    string
	issuer  string
	vendor  string
	unknown bool
	err     error
}

// TLS probes each host and flags interception when a chain does not
// validate against trusted roots or is issued by a known inspection vendor.
// The second return is false when no probe completed a handshake.
func (r *Reporter) TLS(ctx context.Context) (types.TLSInfo, bool) {
	info := types.TLSInfo{Details: []types.LabelValue{}}
	results := make([]chainResult, len(r.cfg.TLSProbeHosts))
	var wg sync.WaitGroup
	for i, host := range r.cfg.TLSProbeHosts {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			results[i] = r.inspect(ctx, host)
		}(i, host)
	}
	wg.Wait()

	probed := false
	for _, res := range results {
		switch {
		case res.err != nil:
			info.Details = append(info.Details, types.LabelValue{Label: res.host, Value: "unreachable: " + res.err.Error()})
			continue
		case res.vendor != "":
			info.Suspected = true
			info.Details = append(info.Details, types.LabelValue{Label: res.host, Value: fmt.Sprintf("issued by %s (%s inspection)", res.issuer, res.vendor)})
		case res.unknown:
			info.Suspected = true
			info.Details = append(info.Details, types.LabelValue{Label: res.host, Value: "untrusted issuer " + res.issuer})
		default:
			info.Details = append(info.Details, types.LabelValue{Label: res.host, Value: "issuer " + res.issuer})
		}
		probed = true
	}
	return info, probed
}

func (r *Reporter) inspect(ctx context.Context, hostport string) chainResult {
	res := chainResult{host: hostport}
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		hostport = net.JoinHostPort(hostport, "443")
		res.host = hostport
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: r.cfg.DialTimeout},
		// Chain validation happens after the handshake.
		Config: &tls.Config{ServerName: host, InsecureSkipVerify: true, MinVersion: tls.VersionTLS12},
	}
	conn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		res.err = err
		return res
	}
	defer conn.Close()
	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		res.err = errors.New("no peer certificates")
		return res
	}
	leaf := state.PeerCertificates[0]
	res.issuer = issuerName(leaf)
	res.vendor = matchVendor(leaf, r.cfg.InspectionVendors)

	intermediates := x509.NewCertPool()
	for _, c := range state.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	_, err = leaf.Verify(x509.VerifyOptions{DNSName: host, Roots: r.rootCAs, Intermediates: intermediates})
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		res.unknown = true
	} else if err != nil {
		r.logger.Debugw("certificate verification failed", "host", hostport, "err", err)
		res.unknown = true
	}
	return res
}

func issuerName(cert *x509.Certificate) string {
	if cert.Issuer.CommonName != "" {
		return cert.Issuer.CommonName
	}
	if len(cert.Issuer.Organization) > 0 {
		return cert.Issuer.Organization[0]
	}
	return cert.Issuer.String()
}

func matchVendor(cert *x509.Certificate, vendors []string) string {
	names := append([]string{cert.Issuer.CommonName}, cert.Issuer.Organization...)
	names = append(names, cert.Issuer.OrganizationalUnit...)
	for _, vendor := range vendors {
		v := strings.ToLower(vendor)
		for _, n := range names {
			if v != "" && strings.Contains(strings.ToLower(n), v) {
				return vendor
			}
		}
	}
	return ""
}

// Outbound lists the destinations a diagnostic run contacts, deduplicated
// and sorted.
func Outbound(t types.Targets) []string {
	seen := map[string]struct{}{}
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			seen[s] = struct{}{}
		}
	}
	for _, d := range t.DNS {
		add(d)
	}
	for _, ep := range t.TCP {
		add(ep.Address() + "/tcp")
	}
	for _, ep := range t.QUIC {
		add(ep.Address() + "/udp")
	}
	for _, p := range t.Ping {
		add(p)
	}
	if t.NTP != "" {
		add(t.NTP + ":123/udp")
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
