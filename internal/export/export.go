package export

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pingsantohq/readiness/internal/config"
	"github.com/pingsantohq/readiness/pkg/types"
)

const (
	reportTitle = "Network Readiness Report"
	filePrefix  = "readiness"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	ErrNoResults         = errors.New("no results to export")
	ErrFileNotFound      = errors.New("export file not found")
)

// Format is a report encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatPDF  Format = "pdf"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatPDF:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// SafeName keeps only [A-Za-z0-9._-]. An empty result becomes "unknown".
func SafeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// BaseName derives readiness-<public_ip>-<ts>[-<site>] from the run metadata.
func BaseName(meta *types.RunMeta, ts int64) string {
	var ip, site string
	if meta != nil {
		ip, site = meta.PublicIP, meta.SiteLabel
	}
	base := fmt.Sprintf("%s-%s-%d", filePrefix, SafeName(ip), ts)
	if site != "" {
		base += "-" + SafeName(site)
	}
	return base
}

type Dependencies struct {
	Logger *zap.SugaredLogger
	Now    func() time.Time
}

// Exporter writes report files into a single directory and serves them back.
type Exporter struct {
	dir    string
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewExporter(dir string, deps Dependencies) *Exporter {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Exporter{dir: dir, logger: logger, now: now}
}

func (e *Exporter) Dir() string {
	return e.dir
}

// Export renders results in format and returns the written file's base name.
func (e *Exporter) Export(format Format, results types.Results) (string, error) {
	if !hasResults(results) {
		return "", ErrNoResults
	}
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatCSV:
		err = WriteCSV(&buf, results)
	case FormatJSON:
		err = WriteJSON(&buf, results)
	case FormatPDF:
		err = WritePDF(&buf, results)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return "", fmt.Errorf("render %s report: %w", format, err)
	}

	name := BaseName(results.Meta, e.now().Unix()) + "." + string(format)
	if err := config.WriteFileAtomic(filepath.Join(e.dir, name), buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	e.logger.Infow("report exported", "file", name, "format", format)
	return name, nil
}

// Path resolves a download name to a file inside the exports directory.
// Anything that is not a plain base name of an existing file is ErrFileNotFound.
func (e *Exporter) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrFileNotFound
	}
	path := filepath.Join(e.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrFileNotFound
		}
		return "", fmt.Errorf("stat export: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", ErrFileNotFound
	}
	return path, nil
}

// CheckWritable probes the exports directory with a throwaway file.
func (e *Exporter) CheckWritable() error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(e.dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Purge removes every exported report.
func (e *Exporter) Purge() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read exports dir: %w", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			if err := os.Remove(filepath.Join(e.dir, entry.Name())); err != nil {
				return fmt.Errorf("remove export: %w", err)
			}
		}
	}
	return nil
}

func hasResults(r types.Results) bool {
	for _, k := range types.Kinds {
		if len(r.Entries(k)) > 0 {
			return true
		}
	}
	return false
}

// Row is one line of the tabular report.
type Row struct {
	Section string
	Target  string
	Status  string
	Notes   string
}

// Rows flattens results in report order.
func Rows(r types.Results) []Row {
	var rows []Row
	add := func(section string, list []types.TestResult, prefer func(types.TestResult) string) {
		for _, res := range list {
			rows = append(rows, Row{Section: section, Target: res.Target, Status: string(res.Status), Notes: Notes(res, prefer(res))})
		}
	}
	add("DNS", r.DNS, func(t types.TestResult) string { return t.IP })
	add("TCP", r.TCP, func(t types.TestResult) string { return t.Label })
	add("QUIC", r.QUIC, func(t types.TestResult) string { return t.Protocol })
	add("PING", r.Ping, func(t types.TestResult) string { return t.Output })
	if n := r.NTP; n != nil {
		notes := n.Error
		if n.OffsetMs != nil && *n.OffsetMs != 0 {
			notes = strconv.FormatFloat(*n.OffsetMs, 'f', -1, 64)
		}
		rows = append(rows, Row{Section: "NTP", Target: n.Target, Status: string(n.Status), Notes: notes})
	}
	if st := r.Speedtest; st != nil {
		status := string(st.Status)
		if status == "" {
			status = string(types.StatusFail)
		}
		rows = append(rows, Row{
			Section: "SPEEDTEST",
			Target:  "Ookla/Cloudflare",
			Status:  status,
			Notes:   fmt.Sprintf("Down %s Mbps - Up %s Mbps", mbps(st.DownloadMbps), mbps(st.UploadMbps)),
		})
	}
	return rows
}

// Notes joins the preferred field, the error and the hint with " | ".
func Notes(r types.TestResult, preferred string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{preferred, r.Error, r.Hint} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " | ")
}

func mbps(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func deviceLine(meta *types.RunMeta) string {
	m := types.RunMeta{}
	if meta != nil {
		m = *meta
	}
	return fmt.Sprintf("Device: %s  Private IP: %s  Public IP: %s  Site: %s",
		orDefault(m.DeviceName, "unknown"), orDefault(m.PrivateIP, "unknown"),
		orDefault(m.PublicIP, "unknown"), orDefault(m.SiteLabel, "-"))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
