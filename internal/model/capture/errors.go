package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration 缺少远程浏览器服务凭证
	ErrConfiguration = errors.New("browser provider credentials not configured")
	// ErrProvisioning 远程浏览器服务拒绝或未能创建浏览器
	ErrProvisioning = errors.New("remote browser provisioning failed")
	// ErrSessionCreation 包装 Start 的所有失败
	ErrSessionCreation = errors.New("failed to create browser session")
	// ErrTokenNotFound 会话尚未捕获到 token
	ErrTokenNotFound = errors.New("token not found")
	// ErrServiceClosed 服务关闭后调用 Start 时返回
	ErrServiceClosed = errors.New("capture service closed")
)

// ProvisioningError 记录远程浏览器服务调用失败时的状态码和详情
type ProvisioningError struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *ProvisioningError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: provider returned %d: %s", e.Op, e.Status, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": " + e.Detail
	}
}

// Unwrap 暴露 ErrProvisioning 以及底层传输错误（如有）
func (e *ProvisioningError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProvisioning, e.Err}
	}
	return []error{ErrProvisioning}
}
