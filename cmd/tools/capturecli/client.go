package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type pollOptions struct {
	server   string
	interval time.Duration
	timeout  time.Duration
}

// apiClient 调用后端的 token 捕获接口
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string, hc *http.Client) *apiClient {
	if hc == nil {
		hc = &http.Client{Timeout: 90 * time.Second}
	}
	return &apiClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: hc}
}

type startResponse struct {
	SessionID   string `json:"sessionId"`
	LiveViewURL string `json:"liveViewUrl"`
}

type checkResponse struct {
	HasToken bool    `json:"hasToken"`
	Token    *string `json:"token"`
}

type apiError struct {
	Status  int
	Message string
	Code    string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// Capture 创建会话，等待用户登录后返回 token。无论成功与否都会结束会话
func (c *apiClient) Capture(ctx context.Context, interval time.Duration, progress io.Writer) (string, error) {
	var started startResponse
	if err := c.post(ctx, "/api/auth/start-session", nil, &started); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	defer func() {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = c.post(endCtx, "/api/auth/end-session", map[string]string{"sessionId": started.SessionID}, nil)
	}()

	fmt.Fprintf(progress, "Log in through the live view:\n  %s\n", started.LiveViewURL)

	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	body := map[string]string{"sessionId": started.SessionID}
	for {
		var status checkResponse
		if err := c.post(ctx, "/api/auth/check-token", body, &status); err != nil {
			return "", fmt.Errorf("check token: %w", err)
		}
		if status.HasToken {
			break
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for login: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	var got struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "/api/auth/get-token", body, &got); err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	fmt.Fprintln(progress, "Token captured.")
	return got.Token, nil
}

func (c *apiClient) post(ctx context.Context, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error, Code: e.Code}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// isConfigurationError 判断后端是否缺少 Browserbase 凭证
func isConfigurationError(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Code == "configuration"
}
