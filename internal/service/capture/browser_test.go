package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/zhouzirui/draft-dashboard/backend/internal/model/capture"
)

// loginPage 发出一次带认证头的 API 请求。图片请求被服务端挂起，
// 在测试放行前 load 事件不会触发
const loginPage = `<!doctype html>
<html><body>
<img src="/slow.png">
<script>
fetch('/api/x?y=1', {headers: {'X-Api-Authorization': 'Bearer abc123'}});
</script>
</body></html>`

type loginSite struct {
	release  chan struct{}
	once     sync.Once
	slowDone atomic.Bool
	apiHits  atomic.Int32
}

func (s *loginSite) unblock() {
	s.once.Do(func() { close(s.release) })
}

func newLoginSite(t *testing.T) (*loginSite, *httptest.Server) {
	t.Helper()
	site := &loginSite{release: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = io.WriteString(w, loginPage)
	})
	mux.HandleFunc("/api/x", func(w http.ResponseWriter, r *http.Request) {
		site.apiHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = io.WriteString(w, "{}")
	})
	mux.HandleFunc("/slow.png", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-site.release:
		case <-r.Context().Done():
			return
		}
		site.slowDone.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		site.unblock()
		srv.Close()
	})
	return site, srv
}

// requestLog 收集 Subscribe 投递的请求事件
type requestLog struct {
	mu     sync.Mutex
	events []model.RequestEvent
}

func (l *requestLog) add(ev model.RequestEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *requestLog) matching(substr string) []model.RequestEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.RequestEvent
	for _, ev := range l.events {
		if strings.Contains(ev.URL, substr) {
			out = append(out, ev)
		}
	}
	return out
}

func headerValue(headers map[string]any, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			s, _ := v.(string)
			return s
		}
	}
	return ""
}

// findChrome 查找本机 Chrome，CHROME_PATH 优先
func findChrome() string {
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

// startChrome 启动无头 Chrome 并返回浏览器 websocket 地址，与远程服务下发的地址形式相同
func startChrome(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Chrome test in short mode")
	}
	execPath := findChrome()
	if execPath == "" {
		t.Skip("Chrome binary not found; set CHROME_PATH to run")
	}

	dataDir := t.TempDir()
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.UserDataDir(dataDir),
		chromedp.NoSandbox,
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)
	t.Cleanup(func() {
		cancel()
		cancelAlloc()
	})
	require.NoError(t, chromedp.Run(ctx))

	// 调试端口就绪后 Chrome 写入 "<port>\n<browser path>"
	var wsURL string
	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(filepath.Join(dataDir, "DevToolsActivePort"))
		if err != nil {
			return false
		}
		lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
		if len(lines) < 2 {
			return false
		}
		wsURL = fmt.Sprintf("ws://127.0.0.1:%s%s", strings.TrimSpace(lines[0]), strings.TrimSpace(lines[1]))
		return true
	}, 10*time.Second, 50*time.Millisecond)
	return wsURL
}

func TestRemoteConnectorAgainstLocalChrome(t *testing.T) {
	wsURL := startChrome(t)
	site, srv := newLoginSite(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	browser, err := NewRemoteConnector(nil).Connect(ctx, wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = browser.Close() })

	log := &requestLog{}
	unsubscribe, err := browser.Subscribe(log.add)
	require.NoError(t, err)

	navCtx, navCancel := context.WithTimeout(ctx, 15*time.Second)
	defer navCancel()
	require.NoError(t, browser.Navigate(navCtx, srv.URL+"/"))
	assert.False(t, site.slowDone.Load(), "navigation returns at DOMContentLoaded, before subresources finish")

	require.Eventually(t, func() bool {
		return len(log.matching("/api/x?y=1")) > 0
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Bearer abc123", headerValue(log.matching("/api/x?y=1")[0].Headers, testHeader))

	unsubscribe()
	before := len(log.matching("/api/x"))
	site.unblock()

	require.NoError(t, browser.Navigate(navCtx, srv.URL+"/"))
	require.Eventually(t, func() bool {
		return site.apiHits.Load() >= 2
	}, 10*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, log.matching("/api/x"), before, "no events after unsubscribe")

	rb, ok := browser.(*remoteBrowser)
	require.True(t, ok)
	first := browser.Close()
	assert.Equal(t, first, browser.Close(), "Close is idempotent")
	assert.Error(t, rb.tabCtx.Err())
	assert.Error(t, rb.browserCtx.Err())
}

func TestRemoteConnectorUnreachableBrowser(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := httptest.NewServer(http.NotFoundHandler())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/devtools/browser/missing"
	srv.Close()

	_, err := NewRemoteConnector(nil).Connect(ctx, wsURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list browser targets")
}
