package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/draft-dashboard/backend/internal/logging"
	model "github.com/zhouzirui/draft-dashboard/backend/internal/model/capture"
)

const (
	captureBuffer  = 64
	releaseTimeout = 15 * time.Second
)

// Provider 分配与释放远程浏览器
type Provider interface {
	CreateSession(ctx context.Context) (model.ProviderSession, error)
	ViewerURL(ctx context.Context, sessionID string) (string, error)
	Release(ctx context.Context, sessionID string)
}

// Config 描述捕获服务的运行参数。
type Config struct {
	LoginURL        string
	APIMatch        string
	HeaderName      string
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	NavigateTimeout time.Duration
}

// Service 管理捕获会话：申请远程浏览器，打开登录页，
// 保存页面发出的认证 token 直到客户端取走
type Service struct {
	cfg         Config
	provider    Provider
	connector   Connector
	registry    *Registry
	interceptor *Interceptor
	metrics     *Metrics
	logger      *slog.Logger
	clock       func() time.Time

	baseCtx  context.Context
	cancel   context.CancelFunc
	captures chan model.CaptureEvent
	wg       sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
}

// Option 配置服务
type Option func(*Service)

// WithLogger 设置结构化日志
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics 启用 prometheus 指标
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithServiceClock 替换会话计时所用的 time.Now
func WithServiceClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.clock = now
		}
	}
}

// NewService 组装注册表、拦截器与后台 goroutine。
// 必须调用 Close 释放仍持有的浏览器
func NewService(cfg Config, provider Provider, connector Connector, opts ...Option) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.NavigateTimeout <= 0 {
		cfg.NavigateTimeout = 30 * time.Second
	}

	s := &Service{
		cfg:       cfg,
		provider:  provider,
		connector: connector,
		logger:    logging.Discard(),
		clock:     time.Now,
		captures:  make(chan model.CaptureEvent, captureBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "capture")
	s.registry = NewRegistry(WithClock(s.clock), WithRegistryLogger(s.logger))
	s.interceptor = NewInterceptor(cfg.APIMatch, cfg.HeaderName, s.logger, s.metrics)
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.collect()

	if cfg.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(cfg.SweepInterval)
	}
	return s
}

// sessionHandle 已登记会话在本地持有的全部资源
type sessionHandle struct {
	browser      Browser
	interception atomic.Pointer[Interception]
}

func (h *sessionHandle) Close() error {
	if i := h.interception.Load(); i != nil {
		i.Detach()
	}
	return h.browser.Close()
}

// Start 申请浏览器，打开登录页并开始监听认证头。
// 返回的错误都同时包装 ErrSessionCreation 与 ErrConfiguration 或 ErrProvisioning
func (s *Service) Start(ctx context.Context) (model.StartResult, error) {
	if s.closed.Load() {
		return model.StartResult{}, s.startFailed(reasonClosed, model.ErrServiceClosed)
	}

	s.sweep(ctx)

	sess, err := s.provider.CreateSession(ctx)
	if err != nil {
		reason := reasonProvisioning
		if errors.Is(err, model.ErrConfiguration) {
			reason = reasonConfiguration
		}
		return model.StartResult{}, s.startFailed(reason, err)
	}
	logger := s.logger.With("session_id", sess.ID)

	viewerURL, err := s.provider.ViewerURL(ctx, sess.ID)
	if err != nil {
		s.releaseRemote(ctx, sess.ID)
		return model.StartResult{}, s.startFailed(reasonProvisioning, err)
	}

	browser, err := s.connector.Connect(s.baseCtx, sess.ConnectURL)
	if err != nil {
		s.releaseRemote(ctx, sess.ID)
		return model.StartResult{}, s.startFailed(reasonConnect, &model.ProvisioningError{Op: "connect to browser", Err: err})
	}

	handle := &sessionHandle{browser: browser}
	s.registry.Register(sess.ID, handle)
	if s.closed.Load() {
		s.abort(ctx, sess.ID)
		return model.StartResult{}, s.startFailed(reasonClosed, model.ErrServiceClosed)
	}

	interception, err := s.interceptor.Attach(ctx, browser, sess.ID, s.emit)
	if err != nil {
		s.abort(ctx, sess.ID)
		return model.StartResult{}, s.startFailed(reasonConnect, &model.ProvisioningError{Op: "intercept network", Err: err})
	}
	handle.interception.Store(interception)

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigateTimeout)
	defer cancel()
	if err := browser.Navigate(navCtx, s.cfg.LoginURL); err != nil {
		s.abort(ctx, sess.ID)
		return model.StartResult{}, s.startFailed(reasonNavigate, &model.ProvisioningError{Op: "open login page", Err: err})
	}

	s.metrics.recordStarted()
	s.metrics.setActive(s.registry.Active())
	logger.Info("capture session started", "region", sess.Region, "active", s.registry.Active())
	return model.StartResult{SessionID: sess.ID, ViewerURL: viewerURL}, nil
}

// CheckToken 返回是否已捕获 token，不改变状态
func (s *Service) CheckToken(sessionID string) model.TokenStatus {
	token, ok := s.registry.Token(sessionID)
	return model.TokenStatus{HasToken: ok, Token: token}
}

// Exists 判断会话是否仍然存在
func (s *Service) Exists(sessionID string) bool {
	return s.registry.Has(sessionID)
}

// ConsumeToken 返回已捕获的 token 并结束会话，对同一会话的再次调用返回 ErrTokenNotFound
func (s *Service) ConsumeToken(ctx context.Context, sessionID string) (string, error) {
	token, ok := s.registry.Consume(sessionID)
	if !ok {
		return "", model.ErrTokenNotFound
	}
	s.releaseRemote(ctx, sessionID)
	s.metrics.recordConsumed()
	s.metrics.setActive(s.registry.Active())
	s.logger.Info("token handed out, session closed", "session_id", sessionID, "token", logging.RedactToken(token))
	return token, nil
}

// End 在本地和远程结束会话，未知或已结束的会话直接忽略
func (s *Service) End(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if s.registry.Teardown(sessionID) {
		s.logger.Info("capture session ended", "session_id", sessionID)
	}
	// 本地重启后远程会话可能仍然存活
	s.releaseRemote(ctx, sessionID)
	s.metrics.setActive(s.registry.Active())
}

// Close 停止后台 goroutine 并释放剩余的全部会话
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		ids := s.registry.Dispose()
		s.cancel()
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		s.releaseMany(ctx, ids)
		s.metrics.setActive(0)
		s.logger.Info("capture service closed", "released", len(ids))
	})
	return nil
}

func (s *Service) emit(ev model.CaptureEvent) {
	select {
	case s.captures <- ev:
	case <-s.baseCtx.Done():
	}
}

// collect 是向注册表写入 token 的唯一入口
func (s *Service) collect() {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case ev := <-s.captures:
			if s.registry.SetToken(ev.SessionID, ev.Value) {
				s.metrics.recordCaptured()
				s.logger.Info("token captured", "session_id", ev.SessionID, "token", logging.RedactToken(ev.Value))
			}
		}
	}
}

func (s *Service) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.sweep(s.baseCtx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	ids := s.registry.SweepStale(s.cfg.StaleAfter)
	if len(ids) == 0 {
		return
	}
	s.metrics.recordSwept(len(ids))
	s.metrics.setActive(s.registry.Active())
	s.logger.Info("swept stale sessions", "count", len(ids), "max_age", s.cfg.StaleAfter)
	s.releaseMany(ctx, ids)
}

// abort 撤销创建到一半的会话
func (s *Service) abort(ctx context.Context, sessionID string) {
	s.registry.Teardown(sessionID)
	s.releaseRemote(ctx, sessionID)
}

// releaseRemote 通知远程服务释放浏览器，不受调用方取消影响，请求中断时也能释放
func (s *Service) releaseRemote(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	s.provider.Release(ctx, sessionID)
}

func (s *Service) releaseMany(ctx context.Context, ids []string) {
	var g errgroup.Group
	g.SetLimit(maxParallelCloses)
	for _, id := range ids {
		g.Go(func() error {
			s.releaseRemote(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) startFailed(reason string, err error) error {
	s.metrics.recordStartFailure(reason)
	s.logger.Error("capture session start failed", "reason", reason, "error", err)
	return fmt.Errorf("%w: %w", model.ErrSessionCreation, err)
}
