package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zhouzirui/draft-dashboard/backend/internal/logging"
	model "github.com/zhouzirui/draft-dashboard/backend/internal/model/capture"
)

// Browser 已连接并定位到初始 tab 的远程浏览器
type Browser interface {
	Handle
	// Subscribe 开启 tab 的网络事件，对每个请求调用 fn，直到调用返回的取消函数
	Subscribe(fn func(model.RequestEvent)) (unsubscribe func(), err error)
	// Navigate 打开 url，DOM 解析完成即返回
	Navigate(ctx context.Context, url string) error
}

// Connector 通过控制协议端点连接远程浏览器
type Connector interface {
	Connect(ctx context.Context, connectURL string) (Browser, error)
}

// Interceptor 监听页面请求中的认证头
type Interceptor struct {
	apiMatch   string
	headerName string
	logger     *slog.Logger
	metrics    *Metrics
}

// NewInterceptor 创建拦截器，上报 URL 包含 apiMatch 的请求中 headerName 的值
func NewInterceptor(apiMatch, headerName string, logger *slog.Logger, metrics *Metrics) *Interceptor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Interceptor{
		apiMatch:   apiMatch,
		headerName: headerName,
		logger:     logger.With("component", "interceptor"),
		metrics:    metrics,
	}
}

// Interception 某个会话页面上的有效订阅
type Interception struct {
	detached    atomic.Bool
	once        sync.Once
	unsubscribe func()
}

// Detach 停止投递，可重复调用
func (i *Interception) Detach() {
	if i == nil {
		return
	}
	i.detached.Store(true)
	i.once.Do(func() {
		if i.unsubscribe != nil {
			i.unsubscribe()
		}
	})
}

// Attach 订阅浏览器的请求流，对每个匹配的请求头值调用 emit。emit 不能无限阻塞
func (ic *Interceptor) Attach(ctx context.Context, browser Browser, sessionID string, emit func(model.CaptureEvent)) (*Interception, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	interception := &Interception{}
	logger := ic.logger.With("session_id", sessionID)

	unsubscribe, err := browser.Subscribe(func(ev model.RequestEvent) {
		if interception.detached.Load() {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				logger.Error("request listener panicked", "panic", fmt.Sprint(r))
			}
		}()

		value, ok := ic.match(logger, ev)
		if !ok {
			return
		}
		emit(model.CaptureEvent{SessionID: sessionID, Value: value})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to network events: %w", err)
	}
	interception.unsubscribe = unsubscribe

	logger.Debug("network interception attached", "api_match", ic.apiMatch)
	return interception, nil
}

// match 返回目标 API 请求上的认证头值
func (ic *Interceptor) match(logger *slog.Logger, ev model.RequestEvent) (string, bool) {
	if !strings.Contains(ev.URL, ic.apiMatch) {
		return "", false
	}

	for name, raw := range ev.Headers {
		if !strings.EqualFold(name, ic.headerName) {
			continue
		}
		value, ok := raw.(string)
		if !ok || value == "" {
			ic.metrics.recordAnomaly()
			logger.Warn("auth header present but unusable", "url", ev.URL, "value_type", fmt.Sprintf("%T", raw))
			return "", false
		}
		logger.Debug("auth header observed", "url", ev.URL, "token", logging.RedactToken(value))
		return value, true
	}
	return "", false
}
