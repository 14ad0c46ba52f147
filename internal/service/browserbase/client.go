package browserbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/draft-dashboard/backend/internal/logging"
	model "github.com/zhouzirui/draft-dashboard/backend/internal/model/capture"
)

const (
	apiKeyHeader   = "X-BB-API-Key"
	releaseStatus  = "REQUEST_RELEASE"
	maxDetailBytes = 4 << 10
)

// Config 描述 Browserbase 客户端所需参数。
type Config struct {
	APIKey         string
	ProjectID      string
	BaseURL        string
	Region         string
	KeepAlive      bool
	SessionTimeout time.Duration
	ViewportWidth  int
	ViewportHeight int
	RequestTimeout time.Duration
}

// Client Browserbase 会话 API 客户端
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// Option 配置客户端
type Option func(*Client)

// WithHTTPClient 替换 API 调用使用的 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger 设置结构化日志
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient 创建 Browserbase 客户端。凭证在调用时才校验，缺少凭证时服务仍可启动
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.browserbase.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 120 * time.Second
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 720
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "browserbase")
	return c
}

// Configured 判断 API key 与 project id 是否都已配置
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.APIKey) != "" && strings.TrimSpace(c.cfg.ProjectID) != ""
}

type viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type browserSettings struct {
	Viewport viewport `json:"viewport"`
}

type createSessionRequest struct {
	ProjectID       string          `json:"projectId"`
	Region          string          `json:"region,omitempty"`
	KeepAlive       bool            `json:"keepAlive"`
	Timeout         int             `json:"timeout"`
	BrowserSettings browserSettings `json:"browserSettings"`
}

type sessionResponse struct {
	ID         string `json:"id"`
	ConnectURL string `json:"connectUrl"`
	Region     string `json:"region"`
	Status     string `json:"status"`
	Timeout    int    `json:"timeout"`
}

type debugResponse struct {
	DebuggerFullscreenURL string `json:"debuggerFullscreenUrl"`
	DebuggerURL           string `json:"debuggerUrl"`
	WSURL                 string `json:"wsUrl"`
}

type releaseRequest struct {
	Status    string `json:"status"`
	ProjectID string `json:"projectId"`
}

// CreateSession 向 Browserbase 申请新的远程浏览器。
// 会话在释放或空闲超时前都会计费
func (c *Client) CreateSession(ctx context.Context) (model.ProviderSession, error) {
	if !c.Configured() {
		return model.ProviderSession{}, model.ErrConfiguration
	}

	timeoutSeconds := int(c.cfg.SessionTimeout / time.Second)
	payload := createSessionRequest{
		ProjectID: c.cfg.ProjectID,
		Region:    c.cfg.Region,
		KeepAlive: c.cfg.KeepAlive,
		Timeout:   timeoutSeconds,
		BrowserSettings: browserSettings{
			Viewport: viewport{Width: c.cfg.ViewportWidth, Height: c.cfg.ViewportHeight},
		},
	}

	var resp sessionResponse
	if err := c.do(ctx, "create session", http.MethodPost, "/v1/sessions", payload, &resp); err != nil {
		return model.ProviderSession{}, err
	}
	if resp.ID == "" || resp.ConnectURL == "" {
		return model.ProviderSession{}, &model.ProvisioningError{
			Op:     "create session",
			Detail: "response is missing id or connectUrl",
		}
	}

	timeout := c.cfg.SessionTimeout
	if resp.Timeout > 0 {
		timeout = time.Duration(resp.Timeout) * time.Second
	}
	region := resp.Region
	if region == "" {
		region = c.cfg.Region
	}

	c.logger.Info("remote browser created", "session_id", resp.ID, "region", region, "status", resp.Status)
	return model.ProviderSession{
		ID:         resp.ID,
		ConnectURL: resp.ConnectURL,
		Region:     region,
		Timeout:    timeout,
	}, nil
}

// ViewerURL 返回用户可交互的全屏 live view 链接
func (c *Client) ViewerURL(ctx context.Context, sessionID string) (string, error) {
	if !c.Configured() {
		return "", model.ErrConfiguration
	}

	var resp debugResponse
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/debug"
	if err := c.do(ctx, "session live view", http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}

	viewer := resp.DebuggerFullscreenURL
	if viewer == "" {
		viewer = resp.DebuggerURL
	}
	if viewer == "" {
		return "", &model.ProvisioningError{
			Op:     "session live view",
			Detail: "response is missing debuggerFullscreenUrl",
		}
	}
	return viewer, nil
}

// Release 释放远程会话。远程浏览器会自行超时，所以错误只记录日志
func (c *Client) Release(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if !c.Configured() {
		c.logger.Warn("skipping release, credentials not configured", "session_id", sessionID)
		return
	}

	path := "/v1/sessions/" + url.PathEscape(sessionID)
	payload := releaseRequest{Status: releaseStatus, ProjectID: c.cfg.ProjectID}
	if err := c.do(ctx, "release session", http.MethodPost, path, payload, nil); err != nil {
		c.logger.Warn("release failed", "session_id", sessionID, "error", err)
		return
	}
	c.logger.Info("remote browser released", "session_id", sessionID)
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return &model.ProvisioningError{Op: op, Err: err}
	}
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &model.ProvisioningError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
		return &model.ProvisioningError{
			Op:     op,
			Status: resp.StatusCode,
			Detail: extractDetail(detail),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &model.ProvisioningError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// extractDetail 优先读取 JSON 错误体中的 "message"/"error" 字段，否则返回原始文本
func extractDetail(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "empty response body"
	}
	return text
}
