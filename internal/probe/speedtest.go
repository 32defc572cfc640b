package probe

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pingsantohq/readiness/pkg/types"
)

const speedtestAttempts = 2

type ooklaReport struct {
	Download struct {
		Bandwidth float64 `json:"bandwidth"`
	} `json:"download"`
	Upload struct {
		Bandwidth float64 `json:"bandwidth"`
	} `json:"upload"`
	Server struct {
		Name string `json:"name"`
	} `json:"server"`
}

// Speedtest measures throughput with the Ookla CLI when it is installed and
// falls back to the Cloudflare endpoints otherwise.
func (r *Runner) Speedtest(ctx context.Context) types.TestResult {
	res, ok := r.ookla(ctx)
	if !ok {
		var err error
		res, err = r.cloudflare(ctx)
		if err != nil {
			return types.TestResult{Status: types.StatusFail, Error: err.Error()}
		}
	}
	res.Status = SpeedStatus(*res.DownloadMbps, *res.UploadMbps)
	return res
}

// SpeedStatus grades measured throughput in Mbps.
func SpeedStatus(down, up float64) types.Status {
	switch {
	case down >= 15 && up >= 10:
		return types.StatusPass
	case down >= 8 && up >= 5:
		return types.StatusWarn
	default:
		return types.StatusFail
	}
}

func (r *Runner) ookla(ctx context.Context) (types.TestResult, bool) {
	if r.cfg.SpeedtestBin == "" {
		return types.TestResult{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	out, err := r.runCommand(ctx, r.cfg.SpeedtestBin, "--accept-license", "--accept-gdpr", "-f", "json", "--progress=no")
	if err != nil {
		r.logger.Debugw("ookla speedtest unavailable", "err", err)
		return types.TestResult{}, false
	}
	var report ooklaReport
	if err := json.Unmarshal(out, &report); err != nil {
		r.logger.Warnw("decode ookla output", "err", err)
		return types.TestResult{}, false
	}
	server := report.Server.Name
	if server == "" {
		server = "Unknown"
	}
	return types.TestResult{
		Source:       "ookla",
		Server:       server,
		DownloadMbps: types.Float(round1(report.Download.Bandwidth * 8 / 1_000_000)),
		UploadMbps:   types.Float(round1(report.Upload.Bandwidth * 8 / 1_000_000)),
	}, true
}

// cloudflare keeps the best of a few attempts. It fails only when every attempt fails.
func (r *Runner) cloudflare(ctx context.Context) (types.TestResult, error) {
	var (
		bestDown, bestUp float64
		lastErr          error
		succeeded        bool
	)
	for attempt := 0; attempt < speedtestAttempts; attempt++ {
		if attempt > 0 && r.pause > 0 {
			select {
			case <-ctx.Done():
				return types.TestResult{}, ctx.Err()
			case <-time.After(r.pause):
			}
		}
		down, err := r.download(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		up, err := r.upload(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		succeeded = true
		bestDown = math.Max(bestDown, down)
		bestUp = math.Max(bestUp, up)
	}
	if !succeeded {
		return types.TestResult{}, lastErr
	}
	return types.TestResult{
		Source:       "cloudflare",
		DownloadMbps: types.Float(bestDown),
		UploadMbps:   types.Float(bestUp),
	}, nil
}

func (r *Runner) download(ctx context.Context) (float64, error) {
	endpoint := strings.TrimRight(r.cfg.SpeedtestURL, "/") + "/__down?bytes=" + strconv.FormatInt(r.cfg.DownloadBytes, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}
	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("download: unexpected status %s", resp.Status)
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, r.cfg.DownloadBytes))
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	return mbps(n, time.Since(start)), nil
}

func (r *Runner) upload(ctx context.Context) (float64, error) {
	payload := make([]byte, r.cfg.UploadBytes)
	if _, err := rand.Read(payload); err != nil {
		return 0, fmt.Errorf("generate upload payload: %w", err)
	}
	endpoint := strings.TrimRight(r.cfg.SpeedtestURL, "/") + "/__up"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("upload: unexpected status %s", resp.Status)
	}
	return mbps(int64(len(payload)), time.Since(start)), nil
}

func mbps(n int64, elapsed time.Duration) float64 {
	secs := math.Max(elapsed.Seconds(), 1e-6)
	return round1(float64(n) * 8 / 1_000_000 / secs)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
