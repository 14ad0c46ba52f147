package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/zhouzirui/draft-dashboard/backend/internal/logging"
	model "github.com/zhouzirui/draft-dashboard/backend/internal/model/capture"
)

// RemoteConnector 通过 chromedp 连接远程浏览器
type RemoteConnector struct {
	logger *slog.Logger
}

// NewRemoteConnector 创建基于 chromedp 的 Connector
func NewRemoteConnector(logger *slog.Logger) *RemoteConnector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RemoteConnector{logger: logger.With("component", "cdp")}
}

// Connect 连接 connectURL 对应的浏览器并选中其初始页面。
// ctx 决定连接的生命周期，调用方应传入长生命周期的 context 而不是请求 context
func (c *RemoteConnector) Connect(ctx context.Context, connectURL string) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, connectURL, chromedp.NoModifyURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	b := &remoteBrowser{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        c.logger,
	}

	// Targets 会顺带建立浏览器连接
	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("list browser targets: %w", err)
	}

	var (
		tabCtx    context.Context
		tabCancel context.CancelFunc
	)
	for _, t := range targets {
		if t.Type == "page" {
			tabCtx, tabCancel = chromedp.NewContext(browserCtx, chromedp.WithTargetID(t.TargetID))
			break
		}
	}
	if tabCtx == nil {
		c.logger.Debug("remote browser has no page target, opening one")
		tabCtx, tabCancel = chromedp.NewContext(browserCtx)
	}
	b.tabCtx, b.tabCancel = tabCtx, tabCancel

	if err := chromedp.Run(tabCtx, page.Enable()); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("attach to page: %w", err)
	}
	return b, nil
}

type remoteBrowser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabCtx        context.Context
	tabCancel     context.CancelFunc
	logger        *slog.Logger
	closeOnce     sync.Once
	closeErr      error
}

func (b *remoteBrowser) Subscribe(fn func(model.RequestEvent)) (func(), error) {
	if err := chromedp.Run(b.tabCtx, network.Enable()); err != nil {
		return nil, fmt.Errorf("enable network domain: %w", err)
	}

	lctx, cancel := context.WithCancel(b.tabCtx)
	chromedp.ListenTarget(lctx, func(ev any) {
		req, ok := ev.(*network.EventRequestWillBeSent)
		if !ok || req.Request == nil {
			return
		}
		fn(model.RequestEvent{
			URL:     req.Request.URL,
			Headers: map[string]any(req.Request.Headers),
		})
	})
	return cancel, nil
}

func (b *remoteBrowser) Navigate(ctx context.Context, url string) error {
	// 命令必须在 tab context 上执行，ctx 只限制等待时间
	runCtx, cancel := context.WithCancel(b.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	domReady := make(chan struct{}, 1)
	chromedp.ListenTarget(runCtx, func(ev any) {
		if _, ok := ev.(*page.EventDomContentEventFired); ok {
			select {
			case domReady <- struct{}{}:
			default:
			}
		}
	})

	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return errors.New(res.ErrorText)
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", url, contextErr(ctx, err))
	}

	select {
	case <-domReady:
		return nil
	case <-runCtx.Done():
		return fmt.Errorf("wait for DOMContentLoaded on %s: %w", url, contextErr(ctx, runCtx.Err()))
	}
}

func (b *remoteBrowser) Close() error {
	b.closeOnce.Do(func() {
		if b.tabCancel != nil {
			b.tabCancel()
		}
		if err := chromedp.Cancel(b.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
			b.closeErr = err
		}
		b.browserCancel()
		b.allocCancel()
	})
	return b.closeErr
}

// contextErr 优先返回调用方的超时错误，而不是拆除 run context 产生的取消错误
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
