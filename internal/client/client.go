// Package client talks to the appliance REST surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pingsantohq/readiness/internal/buildinfo"
	"github.com/pingsantohq/readiness/internal/poller"
	"github.com/pingsantohq/readiness/pkg/types"
)

const (
	adminTokenHeader = "X-Admin-Token"
	requestIDHeader  = "X-Request-ID"
	signatureHeader  = "X-Signature"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	}
	return e.Status
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrForbidden:
		return e.Code == http.StatusForbidden
	}
	return false
}

// Config holds the static configuration of a Client.
type Config struct {
	ServerURL string
	// AdminToken is sent only after the appliance rejects a settings change
	// with 403.
	AdminToken string
}

// Dependencies allow test overrides for the HTTP client and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	adminToken string
	logger     *zap.SugaredLogger
	userAgent  string
}

func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		adminToken: cfg.AdminToken,
		logger:     logger,
		userAgent:  buildinfo.UserAgent("ctl"),
	}, nil
}

func (c *Client) DeviceInfo(ctx context.Context) (types.DeviceInfo, error) {
	var out types.DeviceInfo
	err := c.getJSON(ctx, "/api/device-info", &out)
	return out, err
}

func (c *Client) Info(ctx context.Context) (types.Info, error) {
	var out types.Info
	err := c.getJSON(ctx, "/api/info", &out)
	return out, err
}

// StartJob submits a new diagnostic run.
func (c *Client) StartJob(ctx context.Context) (types.StartResponse, error) {
	var out types.StartResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/start", nil, nil, &out); err != nil {
		return types.StartResponse{}, fmt.Errorf("start job: %w", err)
	}
	return out, nil
}

// JobStatus fetches one progress snapshot.
func (c *Client) JobStatus(ctx context.Context, jobID string) (types.JobStatus, error) {
	var out types.JobStatus
	if err := c.getJSON(ctx, "/api/status/"+url.PathEscape(jobID), &out); err != nil {
		return types.JobStatus{}, fmt.Errorf("fetch job status: %w", err)
	}
	return out, nil
}

// Export asks the appliance to write a report and returns its file name.
func (c *Client) Export(ctx context.Context, format, jobID, siteLabel string) (string, error) {
	query := url.Values{}
	if siteLabel != "" {
		query.Set("site_label", siteLabel)
	}
	path := "/api/export/" + url.PathEscape(format) + "/" + url.PathEscape(jobID)
	var out types.ExportResponse
	if err := c.doJSON(ctx, http.MethodPost, path, query, nil, &out); err != nil {
		return "", fmt.Errorf("export %s: %w", format, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("export %s: %s", format, out.Error)
	}
	if out.Filename == "" {
		return "", fmt.Errorf("export %s: response carried no filename", format)
	}
	return out.Filename, nil
}

// Download streams an exported file into w.
func (c *Client) Download(ctx context.Context, filename string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/download/"+url.PathEscape(filename), nil, nil, "", "")
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", filename, err)
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", filename, err)
	}
	return n, nil
}

func (c *Client) History(ctx context.Context) ([]types.HistoryEntry, error) {
	var out []types.HistoryEntry
	if err := c.getJSON(ctx, "/api/history", &out); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

func (c *Client) HistoryDetail(ctx context.Context, timestamp int64) (types.HistoryDetail, error) {
	var out types.HistoryDetail
	if err := c.getJSON(ctx, "/api/history/"+strconv.FormatInt(timestamp, 10), &out); err != nil {
		return types.HistoryDetail{}, fmt.Errorf("fetch history %d: %w", timestamp, err)
	}
	return out, nil
}

func (c *Client) DeleteHistory(ctx context.Context, timestamp int64) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/api/history/"+strconv.FormatInt(timestamp, 10), nil, nil, nil); err != nil {
		return fmt.Errorf("delete history %d: %w", timestamp, err)
	}
	return nil
}

func (c *Client) ClearHistory(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/history/clear", nil, nil, nil); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (c *Client) Access(ctx context.Context) (types.AccessInfo, error) {
	var out types.AccessInfo
	err := c.getJSON(ctx, "/api/access", &out)
	return out, err
}

func (c *Client) Security(ctx context.Context) (types.SecurityReport, error) {
	var out types.SecurityReport
	err := c.getJSON(ctx, "/api/security", &out)
	return out, err
}

func (c *Client) SystemStatus(ctx context.Context) (types.SystemStatus, error) {
	var out types.SystemStatus
	err := c.getJSON(ctx, "/api/system-status", &out)
	return out, err
}

// Settings returns the appliance settings with secrets masked.
func (c *Client) Settings(ctx context.Context) (types.Settings, error) {
	var out types.Settings
	if err := c.getJSON(ctx, "/api/settings", &out); err != nil {
		return types.Settings{}, fmt.Errorf("fetch settings: %w", err)
	}
	return out, nil
}

// UpdateSettings writes one settings section.
func (c *Client) UpdateSettings(ctx context.Context, section string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s settings: %w", section, err)
	}
	if err := c.admin(ctx, http.MethodPost, "/api/settings/"+url.PathEscape(section), body, "", nil); err != nil {
		return fmt.Errorf("update %s settings: %w", section, err)
	}
	return nil
}

// BackupConfig writes the appliance settings file into w.
func (c *Client) BackupConfig(ctx context.Context, w io.Writer) error {
	resp, err := c.sendAdmin(ctx, http.MethodGet, "/api/backup-config", nil, "")
	if err != nil {
		return fmt.Errorf("backup config: %w", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("copy backup: %w", err)
	}
	return nil
}

// RestoreConfig replaces the appliance settings. signature is a minisign
// signature over data and may be empty when the appliance does not
// require one.
func (c *Client) RestoreConfig(ctx context.Context, data []byte, signature string) error {
	if err := c.admin(ctx, http.MethodPost, "/api/restore-config", data, signature, nil); err != nil {
		return fmt.Errorf("restore config: %w", err)
	}
	return nil
}

func (c *Client) FactoryReset(ctx context.Context) error {
	if err := c.admin(ctx, http.MethodPost, "/api/system/factory-reset", nil, "", nil); err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}
	return nil
}

func (c *Client) TestWebhook(ctx context.Context, webhookURL string) error {
	body, _ := json.Marshal(map[string]string{"url": webhookURL})
	return c.doJSON(ctx, http.MethodPost, "/api/test-webhook", nil, body, nil)
}

func (c *Client) TestCloud(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/cloud/test", nil, nil, nil)
}

// TestDatabricks checks the workspace. A nil settings tests what the
// appliance has saved.
func (c *Client) TestDatabricks(ctx context.Context, settings *types.DatabricksSettings) error {
	var body []byte
	if settings != nil {
		var err error
		if body, err = json.Marshal(settings); err != nil {
			return fmt.Errorf("marshal databricks settings: %w", err)
		}
	}
	return c.doJSON(ctx, http.MethodPost, "/api/databricks/test", nil, body, nil)
}

func (c *Client) PushDatabricks(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/databricks/push", nil, nil, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	resp, err := c.send(ctx, method, path, query, body, "", "")
	if err != nil {
		return err
	}
	return decodeBody(resp, out)
}

// admin performs a settings-changing request. The first attempt carries no
// token; a 403 is retried once with the configured admin token.
func (c *Client) admin(ctx context.Context, method, path string, body []byte, signature string, out any) error {
	resp, err := c.sendAdmin(ctx, method, path, body, signature)
	if err != nil {
		return err
	}
	return decodeBody(resp, out)
}

func (c *Client) sendAdmin(ctx context.Context, method, path string, body []byte, signature string) (*http.Response, error) {
	resp, err := c.send(ctx, method, path, nil, body, "", signature)
	if errors.Is(err, ErrForbidden) && c.adminToken != "" {
		c.logger.Debugw("retrying with admin token", "path", path)
		resp, err = c.send(ctx, method, path, nil, body, c.adminToken, signature)
	}
	return resp, err
}

// send issues the request and returns the response only when it is 2xx.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte, token, signature string) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(requestIDHeader, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(adminTokenHeader, token)
	}
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func decodeBody(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload types.ErrorResponse
	message := ""
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		message = payload.Error
	} else {
		message = strings.TrimSpace(string(body))
	}
	return &StatusError{Code: resp.StatusCode, Status: resp.Status, Message: message}
}

var _ poller.API = (*Client)(nil)
