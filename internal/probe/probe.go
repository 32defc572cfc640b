package probe

import (
	"context"
	"net"
	"net/http"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/pingsantohq/readiness/pkg/types"
)

// Config bounds each probe. Zero values fall back to the defaults below.
type Config struct {
	DNSTimeout     time.Duration
	TCPTimeout     time.Duration
	QUICTimeout    time.Duration
	PingCount      int
	PingTimeout    time.Duration
	PingPrivileged bool
	NTPTimeout     time.Duration
	SpeedtestBin   string
	SpeedtestURL   string
	DownloadBytes  int64
	UploadBytes    int64
}

// CommandFunc runs an external program and returns its standard output.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

type Dependencies struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client
	RunCommand CommandFunc
}

// Runner executes individual probes.
type Runner struct {
	cfg        Config
	logger     *zap.SugaredLogger
	httpClient *http.Client
	runCommand CommandFunc

	resolver  *net.Resolver
	ping      func(ctx context.Context, host string) (pingStats, error)
	ntpQuery  func(host string) (time.Duration, error)
	handshake func(ctx context.Context, ep types.Endpoint) error
	replyWait time.Duration
	pause     time.Duration
}

func NewRunner(cfg Config, deps Dependencies) *Runner {
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = 3 * time.Second
	}
	if cfg.TCPTimeout <= 0 {
		cfg.TCPTimeout = 5 * time.Second
	}
	if cfg.QUICTimeout <= 0 {
		cfg.QUICTimeout = 5 * time.Second
	}
	if cfg.PingCount <= 0 {
		cfg.PingCount = 2
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 8 * time.Second
	}
	if cfg.NTPTimeout <= 0 {
		cfg.NTPTimeout = 3 * time.Second
	}
	if cfg.SpeedtestURL == "" {
		cfg.SpeedtestURL = "https://speed.cloudflare.com"
	}
	if cfg.DownloadBytes <= 0 {
		cfg.DownloadBytes = 25_000_000
	}
	if cfg.UploadBytes <= 0 {
		cfg.UploadBytes = 10_000_000
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	run := deps.RunCommand
	if run == nil {
		run = execCommand
	}

	r := &Runner{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
		runCommand: run,
		resolver:   net.DefaultResolver,
		replyWait:  time.Second,
		pause:      2 * time.Second,
	}
	r.ping = r.icmpPing
	r.ntpQuery = r.queryNTP
	r.handshake = r.quicHandshake
	return r
}

// Step is one unit of work in a diagnostic run.
type Step struct {
	Kind types.Kind
	Run  func(ctx context.Context) types.TestResult
}

// Steps is the number of steps Plan produces for the targets: one per usable
// list entry plus the NTP and speedtest singletons.
func Steps(t types.Targets) int {
	t = t.Usable()
	return len(t.DNS) + len(t.TCP) + len(t.QUIC) + len(t.Ping) + 2
}

// Plan orders the probes dns, tcp, quic, ping, ntp, speedtest. Placeholder
// hosts are skipped.
func (r *Runner) Plan(all types.Targets) []Step {
	t := all.Usable()
	if dropped := len(all.DNS) + len(all.TCP) + len(all.QUIC) + len(all.Ping) + 2 - Steps(t); dropped > 0 {
		r.logger.Infow("skipping placeholder targets", "count", dropped)
	}
	steps := make([]Step, 0, Steps(t))
	resolvers := explicitResolvers(t.Resolvers)
	for _, name := range t.DNS {
		name := name
		steps = append(steps, Step{Kind: types.KindDNS, Run: func(ctx context.Context) types.TestResult {
			return r.DNS(ctx, name, resolvers)
		}})
	}
	for _, ep := range t.TCP {
		ep := ep
		steps = append(steps, Step{Kind: types.KindTCP, Run: func(ctx context.Context) types.TestResult {
			return r.TCP(ctx, ep)
		}})
	}
	for _, ep := range t.QUIC {
		ep := ep
		steps = append(steps, Step{Kind: types.KindQUIC, Run: func(ctx context.Context) types.TestResult {
			return r.QUIC(ctx, ep)
		}})
	}
	for _, host := range t.Ping {
		host := host
		steps = append(steps, Step{Kind: types.KindPing, Run: func(ctx context.Context) types.TestResult {
			return r.Ping(ctx, host)
		}})
	}
	ntpServer := t.NTP
	steps = append(steps,
		Step{Kind: types.KindNTP, Run: func(ctx context.Context) types.TestResult {
			return r.NTP(ctx, ntpServer)
		}},
		Step{Kind: types.KindSpeedtest, Run: r.Speedtest},
	)
	return steps
}

func elapsedMs(start time.Time) *float64 {
	return types.Float(float64(time.Since(start).Milliseconds()))
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
