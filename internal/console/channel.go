package console

import "context"

// Channel 已认证的字节流双工通道（PTY shell）。
// Read 阻塞到至少有一个字节可读，然后返回当前已到达的全部数据；
// ctx 取消或会话空闲超时时返回错误。
type Channel interface {
	Write(p []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Target 控制台连接目标
type Target struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Dialer 打开到目标节点的控制台通道
type Dialer interface {
	Open(ctx context.Context, target Target) (Channel, error)
}
