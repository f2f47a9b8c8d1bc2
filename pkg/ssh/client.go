package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrIdleTimeout 会话在空闲上限内没有任何输出
var ErrIdleTimeout = errors.New("ssh session timed out waiting for output")

// Config SSH配置
type Config struct {
	// Timeout 建连与认证超时
	Timeout   time.Duration `yaml:"timeout"`
	KeepAlive time.Duration `yaml:"keep_alive"`
	// IdleTimeout 交互 Shell 单次读取的空闲上限，0 表示只受 ctx 控制
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// TermWidth/TermHeight 伪终端尺寸
	TermWidth  int `yaml:"term_width"`
	TermHeight int `yaml:"term_height"`
}

// Client SSH客户端
type Client struct {
	config     *Config
	connection *ssh.Client
	shells     map[*Shell]struct{}
	mutex      sync.RWMutex
	// 保存最近一次成功连接的参数，用于在会话创建失败（如 EOF）时自动重连
	info *ConnectionInfo
}

// ConnectionInfo SSH连接信息
type ConnectionInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Address host:port
func (i *ConnectionInfo) Address() string {
	return net.JoinHostPort(i.Host, fmt.Sprint(i.Port))
}

// NewClient 创建SSH客户端
func NewClient(config *Config) *Client {
	return &Client{
		config: config,
		shells: make(map[*Shell]struct{}),
	}
}

// Connect 连接SSH服务器
func (c *Client) Connect(ctx context.Context, info *ConnectionInfo) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// 记录连接参数以便后续自动重连
	c.info = info
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	info := c.info
	sshConfig := &ssh.ClientConfig{
		User: info.Username,
		// 主机身份不在此校验，诊断包工作流单独核对 SFTP 目标指纹
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.config.Timeout,
		Config: ssh.Config{
			// 支持旧版本的密钥交换算法
			KeyExchanges: []string{
				"curve25519-sha256",
				"curve25519-sha256@libssh.org",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group14-sha1",
				"diffie-hellman-group1-sha1",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group-exchange-sha1",
			},
			// 支持旧版本的加密算法
			Ciphers: []string{
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"chacha20-poly1305@openssh.com",
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
				"aes128-cbc",
				"3des-cbc",
			},
			// 支持旧版本的MAC算法
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha1",
				"hmac-sha1-96",
			},
		},
		HostKeyAlgorithms: []string{
			"rsa-sha2-512",
			"rsa-sha2-256",
			"ssh-rsa",
			"ssh-ed25519",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
		},
	}

	// 同时尝试 password 与 keyboard-interactive，提高与网络设备的兼容性
	sshConfig.Auth = []ssh.AuthMethod{
		ssh.Password(info.Password),
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = info.Password
			}
			return answers, nil
		}),
	}

	address := info.Address()
	dialer := &net.Dialer{Timeout: c.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	// 握手同样受建连超时约束
	if c.config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.config.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, sshConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create SSH connection: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.connection = ssh.NewClient(sshConn, chans, reqs)

	// 启动保活机制；连接生命周期与建连 ctx 无关
	go c.keepAlive(c.connection)
	return nil
}

// newSessionWithRetry 创建会话（带重试）
// 部分设备在登录后立即打开会话通道会返回
// "administratively prohibited (open failed)" 或 EOF，短延迟重试。
func (c *Client) newSessionWithRetry(ctx context.Context) (*ssh.Session, error) {
	backoffs := []time.Duration{0, 200 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second}
	var lastErr error
	for _, d := range backoffs {
		if d > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
		}
		c.mutex.Lock()
		if c.connection == nil {
			c.mutex.Unlock()
			return nil, fmt.Errorf("SSH connection not established")
		}
		sess, err := c.connection.NewSession()
		if err == nil {
			c.mutex.Unlock()
			return sess, nil
		}
		lastErr = err
		// EOF：关闭旧连接后按保存的参数重建
		if strings.Contains(strings.ToLower(err.Error()), "eof") && c.info != nil {
			_ = c.connection.Close()
			c.connection = nil
			rctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
			if rerr := c.connectLocked(rctx); rerr != nil {
				lastErr = rerr
			}
			cancel()
		}
		c.mutex.Unlock()
	}
	return nil, lastErr
}

// OpenShell 在现有连接上打开一个交互式 PTY Shell
func (c *Client) OpenShell(ctx context.Context) (*Shell, error) {
	session, err := c.newSessionWithRetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	w, h := c.config.TermWidth, c.config.TermHeight
	if w <= 0 {
		w = 200
	}
	if h <= 0 {
		h = 24
	}
	// 终端类型回退
	var ptyErr error
	for _, term := range []string{"vt100", "xterm", "ansi", "dumb"} {
		if ptyErr = session.RequestPty(term, h, w, modes); ptyErr == nil {
			break
		}
	}
	if ptyErr != nil {
		session.Close()
		return nil, fmt.Errorf("failed to request pty: %w", ptyErr)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to get stdout: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	sh := newShell(session, stdin, stdout, c.config.IdleTimeout)
	sh.onClose = func() {
		c.mutex.Lock()
		delete(c.shells, sh)
		c.mutex.Unlock()
	}
	c.mutex.Lock()
	c.shells[sh] = struct{}{}
	c.mutex.Unlock()
	return sh, nil
}

// Close 关闭SSH连接
func (c *Client) Close() error {
	c.mutex.Lock()
	shells := make([]*Shell, 0, len(c.shells))
	for sh := range c.shells {
		shells = append(shells, sh)
	}
	c.shells = make(map[*Shell]struct{})
	conn := c.connection
	c.connection = nil
	c.mutex.Unlock()

	// 关闭所有 Shell
	for _, sh := range shells {
		sh.onClose = nil
		_ = sh.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	conn := c.connection
	c.mutex.RUnlock()
	if conn == nil {
		return false
	}
	// 轻量级健康检查：发送 keepalive 请求而不创建会话，避免触发设备的会话数量限制
	_, _, err := conn.SendRequest("keepalive@openssh.com", false, nil)
	return err == nil
}

// keepAlive 保持连接活跃，连接被替换或关闭后退出
func (c *Client) keepAlive(conn *ssh.Client) {
	if c.config.KeepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()

	for range ticker.C {
		c.mutex.RLock()
		current := c.connection
		c.mutex.RUnlock()
		if current != conn {
			return
		}
		// 不等待回复，避免不支持该请求的设备导致错误
		if _, _, err := conn.SendRequest("keepalive@openssh.com", false, nil); err != nil {
			c.mutex.Lock()
			if c.connection == conn {
				_ = conn.Close()
				c.connection = nil
			}
			c.mutex.Unlock()
			return
		}
	}
}

// Shell 交互式 PTY 会话：按块读取设备输出，实现 console.Channel
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	idle    time.Duration

	chunks  chan []byte
	done    chan struct{}
	readErr error

	closeOnce sync.Once
	onClose   func()
}

func newShell(session *ssh.Session, stdin io.WriteCloser, stdout io.Reader, idle time.Duration) *Shell {
	sh := &Shell{
		session: session,
		stdin:   stdin,
		idle:    idle,
		chunks:  make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go sh.pump(stdout)
	return sh
}

// pump 后台读取 stdout，读到错误后关闭 done
func (s *Shell) pump(stdout io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.chunks <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			s.readErr = err
			close(s.chunks)
			return
		}
	}
}

// Write 发送按键
func (s *Shell) Write(b []byte) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	if _, err := s.stdin.Write(b); err != nil {
		return fmt.Errorf("ssh write: %w", err)
	}
	return nil
}

// Read 返回下一块输出；空闲超过 IdleTimeout 返回 ErrIdleTimeout
func (s *Shell) Read(ctx context.Context) ([]byte, error) {
	var idle <-chan time.Time
	if s.idle > 0 {
		t := time.NewTimer(s.idle)
		defer t.Stop()
		idle = t.C
	}
	select {
	case b, ok := <-s.chunks:
		if !ok {
			if s.readErr != nil && s.readErr != io.EOF {
				return nil, fmt.Errorf("ssh read: %w", s.readErr)
			}
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-idle:
		return nil, fmt.Errorf("no output for %s: %w", s.idle, ErrIdleTimeout)
	case <-s.done:
		return nil, io.ErrClosedPipe
	}
}

// Close 关闭 Shell，不影响所属连接
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.stdin.Close()
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s.onClose != nil {
			s.onClose()
		}
		// 释放 pump：丢弃剩余输出
		go func() {
			for range s.chunks {
			}
		}()
	})
	return err
}
