package orchestrator

import (
	"context"

	"github.com/sshcollectorpro/diagrelay/internal/console"
	"github.com/sshcollectorpro/diagrelay/pkg/ssh"
)

// SSHDialer 通过连接池打开 PTY Shell；同一节点的多个 Shell 共用一条 SSH 连接
type SSHDialer struct {
	Pool *ssh.Pool
}

// Open 实现 console.Dialer
func (d *SSHDialer) Open(ctx context.Context, target console.Target) (console.Channel, error) {
	sh, err := d.Pool.OpenShell(ctx, &ssh.ConnectionInfo{
		Host:     target.Host,
		Port:     target.Port,
		Username: target.Username,
		Password: target.Password,
	})
	if err != nil {
		return nil, err
	}
	return sh, nil
}
