package league

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/draft-dashboard/backend/internal/logging"
)

const (
	authHeader   = "X-Api-Authorization"
	maxErrorBody = 64 << 10
)

var (
	// ErrTokenRequired 调用方未提供可用的 bearer token
	ErrTokenRequired = errors.New("bearer token is required")
	// ErrLeagueIDRequired 联赛相关调用缺少联赛 ID
	ErrLeagueIDRequired = errors.New("league ID is required")
)

// UpstreamError 表示上游联赛 API 返回了非 2xx 状态。
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Premier League API error: %d - %s", e.Status, e.Body)
}

// Config 描述联赛 API 客户端配置。
type Config struct {
	BaseURL   string
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

// Client 携带认证信息转发 GET 请求到联赛 API
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

// Option 配置客户端
type Option func(*Client)

// WithHTTPClient 替换 HTTP 客户端
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

// WithClock 替换 _fetchedAt 所用的 time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient 创建带限流的联赛 API 客户端
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://draft.premierleague.com/api"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:     logging.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "league")
	return c
}

// NormalizeToken 去除首尾空白、换行和 "Bearer " 前缀，
// 返回规范的 "Bearer <token>" 请求头值
func NormalizeToken(raw string) (string, error) {
	token := strings.TrimSpace(raw)
	token = strings.NewReplacer("\r", "", "\n", "").Replace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" || strings.EqualFold(token, "bearer") {
		return "", ErrTokenRequired
	}
	return "Bearer " + token, nil
}

// BootstrapDynamic 获取当前用户的游戏状态
func (c *Client) BootstrapDynamic(ctx context.Context, token string) (map[string]any, error) {
	return c.get(ctx, "bootstrap-dynamic", "/bootstrap-dynamic", token)
}

// LeagueDetails 获取联赛排名、参赛队伍与对阵
func (c *Client) LeagueDetails(ctx context.Context, token, leagueID string) (map[string]any, error) {
	path, err := leaguePath(leagueID, "details")
	if err != nil {
		return nil, err
	}
	return c.get(ctx, "league-details", path, token)
}

// LeagueElementStatus 获取联赛内球员归属
func (c *Client) LeagueElementStatus(ctx context.Context, token, leagueID string) (map[string]any, error) {
	path, err := leaguePath(leagueID, "element-status")
	if err != nil {
		return nil, err
	}
	return c.get(ctx, "league-element-status", path, token)
}

func leaguePath(leagueID, resource string) (string, error) {
	leagueID = strings.TrimSpace(leagueID)
	if leagueID == "" {
		return "", ErrLeagueIDRequired
	}
	return "/league/" + url.PathEscape(leagueID) + "/" + resource, nil
}

// requestID 复用 chi 中间件生成的请求 ID，使上游日志与访问日志对齐；
// 脱离 HTTP 请求调用时生成新的 ID
func requestID(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

func (c *Client) get(ctx context.Context, op, path, token string) (map[string]any, error) {
	auth, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With("op", op, "request_id", requestID(ctx))
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set(authHeader, auth)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("upstream request failed", "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	logger.Info("upstream responded", "status", resp.StatusCode, "duration", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		logger.Warn("upstream rejected request", "status", resp.StatusCode)
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if data == nil {
		data = make(map[string]any)
	}
	data["_cached"] = false
	data["_fetchedAt"] = c.now().UTC().Format(time.RFC3339Nano)
	return data, nil
}
