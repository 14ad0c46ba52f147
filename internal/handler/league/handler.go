package league

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/draft-dashboard/backend/internal/logging"
	leagueService "github.com/zhouzirui/draft-dashboard/backend/internal/service/league"
	"github.com/zhouzirui/draft-dashboard/backend/pkg/utils"
)

// Client 上游联赛 API 客户端
type Client interface {
	BootstrapDynamic(ctx context.Context, token string) (map[string]any, error)
	LeagueDetails(ctx context.Context, token, leagueID string) (map[string]any, error)
	LeagueElementStatus(ctx context.Context, token, leagueID string) (map[string]any, error)
}

// Handler 联赛数据代理的 HTTP 处理器
type Handler struct {
	client Client
	logger *slog.Logger
}

// New 创建联赛代理处理器
func New(client Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{client: client, logger: logger.With("component", "league_handler")}
}

// RegisterRoutes 注册联赛代理路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/bootstrap-dynamic", h.handleBootstrapDynamic)
	r.Post("/league-details", h.handleLeagueDetails)
	r.Post("/league-element-status", h.handleLeagueElementStatus)
}

// leagueID 同时接受 12345 和 "12345"
type leagueID string

func (id *leagueID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = leagueID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("leagueId must be a number or string: %w", err)
	}
	*id = leagueID(n.String())
	return nil
}

type proxyRequest struct {
	BearerToken string   `json:"bearerToken"`
	LeagueID    leagueID `json:"leagueId"`
}

func (h *Handler) handleBootstrapDynamic(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decode(w, r)
	if !ok {
		return
	}
	data, err := h.client.BootstrapDynamic(r.Context(), payload.BearerToken)
	h.respond(w, "bootstrap-dynamic", data, err)
}

func (h *Handler) handleLeagueDetails(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decode(w, r)
	if !ok {
		return
	}
	data, err := h.client.LeagueDetails(r.Context(), payload.BearerToken, string(payload.LeagueID))
	h.respond(w, "league-details", data, err)
}

func (h *Handler) handleLeagueElementStatus(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decode(w, r)
	if !ok {
		return
	}
	data, err := h.client.LeagueElementStatus(r.Context(), payload.BearerToken, string(payload.LeagueID))
	h.respond(w, "league-element-status", data, err)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (proxyRequest, bool) {
	var payload proxyRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return proxyRequest{}, false
	}
	return payload, true
}

func (h *Handler) respond(w http.ResponseWriter, op string, data map[string]any, err error) {
	if err == nil {
		utils.RespondJSON(w, http.StatusOK, data)
		return
	}

	var upstream *leagueService.UpstreamError
	switch {
	case errors.Is(err, leagueService.ErrTokenRequired):
		utils.RespondError(w, http.StatusBadRequest, "Bearer token is required")
	case errors.Is(err, leagueService.ErrLeagueIDRequired):
		utils.RespondError(w, http.StatusBadRequest, "League ID is required")
	case errors.As(err, &upstream):
		utils.RespondError(w, upstream.Status, upstream.Error())
	default:
		h.logger.Error("league proxy failed", "op", op, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
