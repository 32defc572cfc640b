package databricks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pingsantohq/readiness/internal/buildinfo"
	"github.com/pingsantohq/readiness/pkg/types"
)

const (
	statementsPath = "/api/2.0/sql/statements/"
	clustersPath   = "/api/2.0/clusters/list"
	stateSucceeded = "SUCCEEDED"
)

var (
	ErrNotConfigured = errors.New("databricks workspace url and access token are required")
	identifierRe     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type Config struct {
	WorkspaceURL string
	AccessToken  string
	WarehouseID  string
}

type Dependencies struct {
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
	Now        func() time.Time
}

// Client talks to the SQL Statement Execution and Clusters APIs.
type Client struct {
	baseURL     string
	token       string
	warehouseID string
	httpClient  *http.Client
	logger      *zap.SugaredLogger
	now         func() time.Time
}

func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.WorkspaceURL), "/")
	token := strings.TrimSpace(cfg.AccessToken)
	if base == "" || token == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse workspace url: %w", err)
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		baseURL:     base,
		token:       token,
		warehouseID: strings.TrimSpace(cfg.WarehouseID),
		httpClient:  httpClient,
		logger:      logger,
		now:         now,
	}, nil
}

// Cluster is the subset of a cluster listing surfaced by the connection test.
type Cluster struct {
	ID    string `json:"cluster_id"`
	Name  string `json:"cluster_name"`
	State string `json:"state"`
}

type ConnectionInfo struct {
	Message  string    `json:"message"`
	Clusters []Cluster `json:"clusters"`
}

// TestConnection lists clusters to prove the workspace and token work.
func (c *Client) TestConnection(ctx context.Context) (ConnectionInfo, error) {
	var payload struct {
		Clusters []Cluster `json:"clusters"`
	}
	if err := c.do(ctx, http.MethodGet, clustersPath, nil, &payload); err != nil {
		return ConnectionInfo{}, fmt.Errorf("list clusters: %w", err)
	}
	info := ConnectionInfo{
		Message:  fmt.Sprintf("Connected successfully. Found %d clusters.", len(payload.Clusters)),
		Clusters: payload.Clusters,
	}
	if len(info.Clusters) > 5 {
		info.Clusters = info.Clusters[:5]
	}
	return info, nil
}

// Parameter binds a :name marker in a statement.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

type statementRequest struct {
	Statement   string      `json:"statement"`
	WarehouseID string      `json:"warehouse_id"`
	WaitTimeout string      `json:"wait_timeout"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// StatementResponse is the subset of the execution response the client reads.
type StatementResponse struct {
	StatementID string `json:"statement_id"`
	Status      struct {
		State string `json:"state"`
		Error *struct {
			ErrorCode string `json:"error_code"`
			Message   string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"status"`
}

// Execute runs one statement synchronously and requires it to succeed.
func (c *Client) Execute(ctx context.Context, statement string, params []Parameter) (StatementResponse, error) {
	req := statementRequest{
		Statement:   statement,
		WarehouseID: c.warehouseID,
		WaitTimeout: "30s",
		Parameters:  params,
	}
	var resp StatementResponse
	if err := c.do(ctx, http.MethodPost, statementsPath, req, &resp); err != nil {
		return StatementResponse{}, fmt.Errorf("execute statement: %w", err)
	}
	if resp.Status.State != stateSucceeded {
		msg := "Unknown error"
		if resp.Status.Error != nil && resp.Status.Error.Message != "" {
			msg = resp.Status.Error.Message
		}
		return resp, fmt.Errorf("statement %s %s: %s", resp.StatementID, strings.ToLower(resp.Status.State), msg)
	}
	return resp, nil
}

// EnsureTable creates database.table when it does not exist.
func (c *Client) EnsureTable(ctx context.Context, database, table string) error {
	name, err := qualifiedName(database, table)
	if err != nil {
		return err
	}
	stmt := `CREATE TABLE IF NOT EXISTS ` + name + ` (
  test_id STRING,
  timestamp TIMESTAMP,
  device_name STRING,
  private_ip STRING,
  public_ip STRING,
  site_label STRING,
  overall_status STRING,
  total_tests INT,
  passed INT,
  warnings INT,
  failed INT,
  dns_results STRING,
  tcp_results STRING,
  quic_results STRING,
  ping_results STRING,
  ntp_result STRING,
  speedtest_result STRING
) USING DELTA`
	_, err = c.Execute(ctx, stmt, nil)
	return err
}

// InsertRun appends one row for the run and returns its test ID.
func (c *Client) InsertRun(ctx context.Context, database, table string, results types.Results) (string, error) {
	name, err := qualifiedName(database, table)
	if err != nil {
		return "", err
	}
	meta := types.RunMeta{}
	if results.Meta != nil {
		meta = *results.Meta
	}
	device := meta.DeviceName
	if device == "" {
		device = "unknown"
	}
	now := c.now().UTC()
	testID := fmt.Sprintf("test_%d_%s", now.Unix(), device)
	sum := results.Summary()

	params := []Parameter{
		{Name: "test_id", Value: testID},
		{Name: "ts", Value: now.Format(time.RFC3339), Type: "TIMESTAMP"},
		{Name: "device_name", Value: device},
		{Name: "private_ip", Value: meta.PrivateIP},
		{Name: "public_ip", Value: meta.PublicIP},
		{Name: "site_label", Value: meta.SiteLabel},
		{Name: "overall_status", Value: string(OverallStatus(results))},
		{Name: "total_tests", Value: strconv.Itoa(sum.TotalTests), Type: "INT"},
		{Name: "passed", Value: strconv.Itoa(sum.Passed), Type: "INT"},
		{Name: "warnings", Value: strconv.Itoa(sum.Warnings), Type: "INT"},
		{Name: "failed", Value: strconv.Itoa(sum.Failed), Type: "INT"},
	}
	columns := map[string]any{
		"dns_results":      results.DNS,
		"tcp_results":      results.TCP,
		"quic_results":     results.QUIC,
		"ping_results":     results.Ping,
		"ntp_result":       results.NTP,
		"speedtest_result": results.Speedtest,
	}
	for _, col := range []string{"dns_results", "tcp_results", "quic_results", "ping_results", "ntp_result", "speedtest_result"} {
		raw, err := json.Marshal(columns[col])
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", col, err)
		}
		params = append(params, Parameter{Name: col, Value: string(raw)})
	}

	stmt := `INSERT INTO ` + name + ` (
  test_id, timestamp, device_name, private_ip, public_ip, site_label, overall_status,
  total_tests, passed, warnings, failed,
  dns_results, tcp_results, quic_results, ping_results, ntp_result, speedtest_result
) VALUES (
  :test_id, :ts, :device_name, :private_ip, :public_ip, :site_label, :overall_status,
  :total_tests, :passed, :warnings, :failed,
  :dns_results, :tcp_results, :quic_results, :ping_results, :ntp_result, :speedtest_result
)`
	if _, err := c.Execute(ctx, stmt, params); err != nil {
		return "", err
	}
	c.logger.Infow("databricks row inserted", "test_id", testID, "table", name)
	return testID, nil
}

// FailedKinds lists the kinds with at least one FAIL, in execution order.
func FailedKinds(results types.Results) []types.Kind {
	var failed []types.Kind
	for _, k := range types.Kinds {
		for _, r := range results.Entries(k) {
			if r.Status == types.StatusFail {
				failed = append(failed, k)
				break
			}
		}
	}
	return failed
}

// OverallStatus is PASS with no failing kinds, WARN with one or two, FAIL otherwise.
func OverallStatus(results types.Results) types.Status {
	switch n := len(FailedKinds(results)); {
	case n == 0:
		return types.StatusPass
	case n <= 2:
		return types.StatusWarn
	default:
		return types.StatusFail
	}
}

func qualifiedName(database, table string) (string, error) {
	if !identifierRe.MatchString(database) || !identifierRe.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q.%q", database, table)
	}
	return database + "." + table, nil
}

func (c *Client) do(ctx context.Context, method, p string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	endpoint, err := joinURL(c.baseURL, p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent("databricks"))
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func joinURL(base, p string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse workspace url: %w", err)
	}
	trailing := strings.HasSuffix(p, "/")
	u.Path = path.Join(u.Path, p)
	if trailing && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String(), nil
}
