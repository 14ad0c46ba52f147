package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Browser BrowserConfig
	Capture CaptureConfig
	League  LeagueConfig
	Log     LogConfig
}

// Load 从环境变量加载配置。
// 缺少 Browserbase 凭证不视为错误，由捕获服务在创建会话时报告。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	browser, err := loadBrowserConfig()
	if err != nil {
		return nil, err
	}

	capture, err := loadCaptureConfig()
	if err != nil {
		return nil, err
	}

	league, err := loadLeagueConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Browser: browser,
		Capture: capture,
		League:  league,
		Log:     loadLogConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string

	// AllowedOrigins 允许跨域连接 watch websocket 的来源，逗号分隔
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := parseListEnv("ALLOWED_ORIGINS")

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// BrowserConfig 描述远程浏览器服务 (Browserbase) 的配置。
type BrowserConfig struct {
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

// Configured 判断 API key 与 project id 是否都已配置。
func (c BrowserConfig) Configured() bool {
	return c.APIKey != "" && c.ProjectID != ""
}

func loadBrowserConfig() (BrowserConfig, error) {
	timeout, err := parseOptionalIntEnv("BROWSERBASE_SESSION_TIMEOUT")
	if err != nil {
		return BrowserConfig{}, err
	}
	timeoutSeconds := 120
	if timeout != nil {
		if *timeout < 1 {
			return BrowserConfig{}, fmt.Errorf("invalid BROWSERBASE_SESSION_TIMEOUT value %d: must be positive", *timeout)
		}
		timeoutSeconds = *timeout
	}

	width, err := parseIntEnv("BROWSERBASE_VIEWPORT_WIDTH", 1280)
	if err != nil {
		return BrowserConfig{}, err
	}
	height, err := parseIntEnv("BROWSERBASE_VIEWPORT_HEIGHT", 720)
	if err != nil {
		return BrowserConfig{}, err
	}

	requestTimeout, err := parseDurationEnv("BROWSERBASE_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return BrowserConfig{}, err
	}

	keepAlive, err := parseBoolEnv("BROWSERBASE_KEEP_ALIVE", true)
	if err != nil {
		return BrowserConfig{}, err
	}

	return BrowserConfig{
		APIKey:         strings.TrimSpace(os.Getenv("BROWSERBASE_API_KEY")),
		ProjectID:      strings.TrimSpace(os.Getenv("BROWSERBASE_PROJECT_ID")),
		BaseURL:        strings.TrimRight(getEnvOrDefault("BROWSERBASE_BASE_URL", "https://api.browserbase.com"), "/"),
		Region:         getEnvOrDefault("BROWSERBASE_REGION", "us-east-1"),
		KeepAlive:      keepAlive,
		SessionTimeout: time.Duration(timeoutSeconds) * time.Second,
		ViewportWidth:  width,
		ViewportHeight: height,
		RequestTimeout: requestTimeout,
	}, nil
}

// CaptureConfig 描述 token 捕获流程的配置。
type CaptureConfig struct {
	LoginURL        string
	APIMatch        string
	HeaderName      string
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	NavigateTimeout time.Duration
	PollInterval    time.Duration
}

func loadCaptureConfig() (CaptureConfig, error) {
	staleAfter, err := parseDurationEnv("CAPTURE_STALE_AFTER", 5*time.Minute)
	if err != nil {
		return CaptureConfig{}, err
	}
	if staleAfter <= 0 {
		return CaptureConfig{}, fmt.Errorf("invalid CAPTURE_STALE_AFTER value %s: must be positive", staleAfter)
	}

	// 为 0 时关闭定时清理，过期会话只在创建新会话时清理。
	sweepInterval, err := parseDurationEnv("CAPTURE_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return CaptureConfig{}, err
	}
	if sweepInterval < 0 {
		sweepInterval = 0
	}

	navigateTimeout, err := parseDurationEnv("CAPTURE_NAVIGATE_TIMEOUT", 30*time.Second)
	if err != nil {
		return CaptureConfig{}, err
	}

	pollInterval, err := parseDurationEnv("CAPTURE_POLL_INTERVAL", time.Second)
	if err != nil {
		return CaptureConfig{}, err
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return CaptureConfig{
		LoginURL:        getEnvOrDefault("CAPTURE_LOGIN_URL", "https://draft.premierleague.com/"),
		APIMatch:        getEnvOrDefault("CAPTURE_API_MATCH", "draft.premierleague.com/api/"),
		HeaderName:      strings.ToLower(getEnvOrDefault("CAPTURE_HEADER", "x-api-authorization")),
		StaleAfter:      staleAfter,
		SweepInterval:   sweepInterval,
		NavigateTimeout: navigateTimeout,
		PollInterval:    pollInterval,
	}, nil
}

// LeagueConfig 描述上游联赛 API 的代理配置。
type LeagueConfig struct {
	BaseURL   string
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

func loadLeagueConfig() (LeagueConfig, error) {
	rateLimit, err := parseOptionalFloatEnv("LEAGUE_RATE_LIMIT")
	if err != nil {
		return LeagueConfig{}, err
	}
	limit := 2.0
	if rateLimit != nil && *rateLimit > 0 {
		limit = *rateLimit
	}

	burst, err := parseIntEnv("LEAGUE_RATE_BURST", 4)
	if err != nil {
		return LeagueConfig{}, err
	}
	if burst < 1 {
		burst = 1
	}

	timeout, err := parseDurationEnv("LEAGUE_TIMEOUT", 20*time.Second)
	if err != nil {
		return LeagueConfig{}, err
	}

	return LeagueConfig{
		BaseURL:   strings.TrimRight(getEnvOrDefault("LEAGUE_API_BASE_URL", "https://draft.premierleague.com/api"), "/"),
		RateLimit: limit,
		Burst:     burst,
		Timeout:   timeout,
	}, nil
}

// LogConfig 描述日志输出配置。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "text")),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parseListEnv 解析逗号分隔的列表，忽略空项
func parseListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationEnv 接受 Go 时长字符串 ("90s"、"5m") 或纯秒数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
