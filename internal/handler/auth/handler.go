package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/draft-dashboard/backend/internal/logging"
	model "github.com/zhouzirui/draft-dashboard/backend/internal/model/capture"
	"github.com/zhouzirui/draft-dashboard/backend/pkg/utils"
)

const tokenNotFoundMessage = "Token not found. Please make sure you logged in and navigated to a page that makes API calls."

// Service 处理器依赖的 token 捕获服务
type Service interface {
	Start(ctx context.Context) (model.StartResult, error)
	CheckToken(sessionID string) model.TokenStatus
	ConsumeToken(ctx context.Context, sessionID string) (string, error)
	End(ctx context.Context, sessionID string)
	Exists(sessionID string) bool
}

// Handler 登录 token 捕获流程的 HTTP 处理器
type Handler struct {
	svc          Service
	logger       *slog.Logger
	pollInterval time.Duration
	origins      []string
	upgrader     websocket.Upgrader
}

// Option 配置处理器
type Option func(*Handler)

// WithLogger 设置结构化日志
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithPollInterval 设置 watch 连接检查会话状态的间隔
func WithPollInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pollInterval = d
		}
	}
}

// WithAllowedOrigins 允许这些跨域来源连接 watch websocket；同源请求始终放行
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) {
		for _, o := range origins {
			if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
				h.origins = append(h.origins, o)
			}
		}
	}
}

// New 创建认证处理器
func New(svc Service, opts ...Option) *Handler {
	h := &Handler{
		svc:          svc,
		logger:       logging.Discard(),
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	h.logger = h.logger.With("component", "auth_handler")
	return h
}

// RegisterRoutes 注册认证相关路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/start-session", h.handleStartSession)
	r.Post("/check-token", h.handleCheckToken)
	r.Post("/get-token", h.handleGetToken)
	r.Post("/end-session", h.handleEndSession)
	r.Get("/ws/{sessionID}", h.handleWatch)
}

// checkOrigin 放行无 Origin 的非浏览器客户端、同源页面和白名单来源
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type startSessionResponse struct {
	SessionID   string `json:"sessionId"`
	LiveViewURL string `json:"liveViewUrl"`
	ViewerURL   string `json:"viewerUrl"`
}

type checkTokenResponse struct {
	HasToken bool    `json:"hasToken"`
	Token    *string `json:"token"`
}

// handleStartSession 创建远程浏览器并返回可交互的 live view 链接
func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Start(r.Context())
	if err != nil {
		h.writeStartError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, startSessionResponse{
		SessionID:   result.SessionID,
		LiveViewURL: result.ViewerURL,
		ViewerURL:   result.ViewerURL,
	})
}

func (h *Handler) writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrConfiguration):
		utils.RespondErrorCode(w, http.StatusInternalServerError, "configuration", "Browserbase credentials not configured")
	case errors.Is(err, model.ErrServiceClosed):
		utils.RespondErrorCode(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down")
	default:
		utils.RespondErrorCode(w, http.StatusInternalServerError, "provisioning", "Failed to create browser session")
	}
}

// handleCheckToken 轮询 token 是否已捕获，不改变会话状态
func (h *Handler) handleCheckToken(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.decodeSessionID(w, r)
	if !ok {
		return
	}

	status := h.svc.CheckToken(sessionID)
	resp := checkTokenResponse{HasToken: status.HasToken}
	if status.HasToken {
		resp.Token = &status.Token
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// handleGetToken 取走 token 并结束会话
func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.decodeSessionID(w, r)
	if !ok {
		return
	}

	token, err := h.svc.ConsumeToken(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrTokenNotFound) {
			utils.RespondError(w, http.StatusNotFound, tokenNotFoundMessage)
			return
		}
		h.logger.Error("get token failed", "session_id", sessionID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "Failed to get token")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleEndSession 结束会话。始终返回成功。
func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var payload sessionRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		h.logger.Debug("end-session with unreadable body", "error", err)
	}

	if sessionID := strings.TrimSpace(payload.SessionID); sessionID != "" {
		h.svc.End(r.Context(), sessionID)
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) decodeSessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var payload sessionRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}

	sessionID := strings.TrimSpace(payload.SessionID)
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "Session ID is required")
		return "", false
	}
	return sessionID, true
}
