package capture

import "time"

// ProviderSession 远程浏览器服务分配的浏览器会话
type ProviderSession struct {
	ID         string
	ConnectURL string
	Region     string
	Timeout    time.Duration
}

// StartResult 捕获会话就绪后返回给轮询客户端的结果
type StartResult struct {
	SessionID string `json:"sessionId"`
	ViewerURL string `json:"viewerUrl"`
}

// TokenStatus 描述一次 check-token 轮询的结果。
type TokenStatus struct {
	HasToken bool
	Token    string
}

// RequestEvent 远程页面发出的一次请求。
// 控制协议不保证请求头的值是字符串，因此保留为 any
type RequestEvent struct {
	URL     string
	Headers map[string]any
}

// CaptureEvent 拦截器匹配到的请求头值，发送给持有会话注册表的 goroutine
type CaptureEvent struct {
	SessionID string
	Value     string
}
