package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/draft-dashboard/backend/internal/logging"
)

// maxParallelCloses 一次清理中并发关闭浏览器的上限
const maxParallelCloses = 4

// Handle 注册表条目独占的资源
type Handle interface {
	Close() error
}

type entry struct {
	handle    Handle
	token     *memguard.Enclave
	createdAt time.Time
	// closing 表示清理已接管 handle。关闭中的条目在 handle 关闭前仍留在 map 中，但对读取方不可见
	closing bool
}

// Registry 会话 ID 到浏览器 handle 与已捕获 token 的映射，所有方法并发安全
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	logger  *slog.Logger
}

// RegistryOption 配置 Registry
type RegistryOption func(*Registry)

// WithClock 替换判断过期所用的 time.Now
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRegistryLogger 设置结构化日志
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry 创建空注册表
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Register 登记一个尚无 token 的会话。同 ID 的旧条目会被替换并关闭其 handle
func (r *Registry) Register(sessionID string, handle Handle) {
	e := &entry{handle: handle, createdAt: r.now()}

	r.mu.Lock()
	old, exists := r.entries[sessionID]
	r.entries[sessionID] = e
	if exists && old.closing {
		// handle 已由其清理流程负责关闭
		exists = false
	}
	r.mu.Unlock()

	if exists {
		r.logger.Warn("session id registered twice, closing previous handle", "session_id", sessionID)
		r.release(sessionID, old)
	}
}

// SetToken 在会话存在且尚无 token 时保存 token，只有真正写入的调用返回 true
func (r *Registry) SetToken(sessionID, token string) bool {
	if token == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok || e.closing || e.token != nil {
		return false
	}
	// NewEnclave 会擦除入参，token 不可变，所以传入副本
	e.token = memguard.NewEnclave([]byte(token))
	return true
}

// Token 返回会话已捕获的 token
func (r *Registry) Token(sessionID string) (string, bool) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok || e.closing || e.token == nil {
		r.mu.Unlock()
		return "", false
	}
	enclave := e.token
	r.mu.Unlock()

	return r.open(sessionID, enclave)
}

// Has 判断会话是否存在且未在关闭中
func (r *Registry) Has(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	return ok && !e.closing
}

// Len 返回条目数，包括关闭中的条目
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Active 返回未在关闭中的条目数
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.closing {
			n++
		}
	}
	return n
}

// Consume 原子地取走 token 并关闭会话，同一 ID 的并发调用至多一个成功
func (r *Registry) Consume(sessionID string) (string, bool) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok || e.closing || e.token == nil {
		r.mu.Unlock()
		return "", false
	}
	e.closing = true
	enclave := e.token
	r.mu.Unlock()

	token, ok := r.open(sessionID, enclave)
	r.release(sessionID, e)
	return token, ok
}

// Teardown 关闭会话 handle 并删除条目。未知 ID 与重复调用不做任何事，
// 返回值表示本次调用是否执行了关闭
func (r *Registry) Teardown(sessionID string) bool {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok || e.closing {
		r.mu.Unlock()
		return false
	}
	e.closing = true
	r.mu.Unlock()

	r.release(sessionID, e)
	return true
}

// SweepStale 关闭所有存在时间超过 maxAge 的条目并返回其 ID
func (r *Registry) SweepStale(maxAge time.Duration) []string {
	now := r.now()

	r.mu.Lock()
	claimed := make(map[string]*entry)
	for id, e := range r.entries {
		if e.closing || now.Sub(e.createdAt) <= maxAge {
			continue
		}
		e.closing = true
		claimed[id] = e
	}
	r.mu.Unlock()

	return r.releaseAll(claimed)
}

// Dispose 关闭所有条目并返回其 ID，之后注册表仍可使用
func (r *Registry) Dispose() []string {
	r.mu.Lock()
	claimed := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		if e.closing {
			continue
		}
		e.closing = true
		claimed[id] = e
	}
	r.mu.Unlock()

	return r.releaseAll(claimed)
}

func (r *Registry) releaseAll(claimed map[string]*entry) []string {
	ids := make([]string, 0, len(claimed))
	var g errgroup.Group
	g.SetLimit(maxParallelCloses)
	for id, e := range claimed {
		ids = append(ids, id)
		g.Go(func() error {
			r.release(id, e)
			return nil
		})
	}
	_ = g.Wait()
	return ids
}

// release 关闭已接管条目的 handle，若期间未被新的登记替换则删除条目
func (r *Registry) release(sessionID string, e *entry) {
	if e.handle != nil {
		if err := e.handle.Close(); err != nil {
			r.logger.Warn("closing browser handle failed", "session_id", sessionID, "error", err)
		}
	}

	r.mu.Lock()
	if current, ok := r.entries[sessionID]; ok && current == e {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()
}

func (r *Registry) open(sessionID string, enclave *memguard.Enclave) (string, bool) {
	buf, err := enclave.Open()
	if err != nil {
		r.logger.Error("opening token enclave failed", "session_id", sessionID, "error", err)
		return "", false
	}
	defer buf.Destroy()
	return string(buf.Bytes()), true
}
