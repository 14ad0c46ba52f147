package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type watchMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	HasToken  *bool  `json:"hasToken,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// handleWatch 持续推送会话的捕获状态，直到捕获到 token 或会话消失。
// 这里从不发送 token 本身，token 只能通过 get-token 取走
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.readLoop(conn, cancel)

	logger := h.logger.With("session_id", sessionID)
	logger.Debug("watch connection opened")

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		done, err := h.pushStatus(conn, sessionID)
		if err != nil {
			logger.Debug("watch write failed", "error", err)
			return
		}
		if done {
			deadline := time.Now().Add(writeWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// readLoop 读取客户端帧，保证 close/pong 帧被处理
func (h *Handler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("watch read error", "error", err)
			}
			return
		}
	}
}

// pushStatus 推送一次状态，返回推送是否结束
func (h *Handler) pushStatus(conn *websocket.Conn, sessionID string) (bool, error) {
	msg := watchMessage{SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
	done := false

	status := h.svc.CheckToken(sessionID)
	switch {
	case status.HasToken:
		msg.Type = "token"
		msg.HasToken = &status.HasToken
		done = true
	case !h.svc.Exists(sessionID):
		msg.Type = "error"
		msg.Message = "session not found"
		done = true
	default:
		hasToken := false
		msg.Type = "status"
		msg.HasToken = &hasToken
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return done, conn.WriteJSON(msg)
}
