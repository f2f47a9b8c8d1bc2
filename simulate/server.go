package simulate

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshcollectorpro/diagrelay/pkg/logger"
)

// Server 在一个端口上提供单台模拟设备的 SSH 控制台
type Server struct {
	app      *Appliance
	password string
	hostKey  ssh.Signer
	maxConn  int

	listener net.Listener
	active   int
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewServer 创建 SSH 模拟服务；hostKeyPath 为空时使用内存中的临时密钥
func NewServer(app *Appliance, password, hostKeyPath string, maxConn int) (*Server, error) {
	signer, err := loadOrCreateHostKey(hostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init host key: %w", err)
	}
	return &Server{app: app, password: password, hostKey: signer, maxConn: maxConn}, nil
}

// Start 开始监听，addr 形如 127.0.0.1:0
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	logger.WithFields(map[string]interface{}{"device": s.app.Hostname, "addr": ln.Addr().String()}).Info("simulate: ssh console listening")

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					time.Sleep(200 * time.Millisecond)
					continue
				}
				// listener closed
				return
			}
			// 并发限制
			s.mu.Lock()
			if s.maxConn > 0 && s.active >= s.maxConn {
				s.mu.Unlock()
				_ = conn.Close()
				logger.Warnf("simulate: %s rejected connection, max_conn exceeded", s.app.Hostname)
				continue
			}
			s.active++
			s.mu.Unlock()

			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.handleConn(c)
				s.mu.Lock()
				s.active--
				s.mu.Unlock()
			}(conn)
		}
	}()
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 停止监听并等待会话结束
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) checkPassword(user, pass string) error {
	if pass == s.password {
		return nil
	}
	logger.Debugf("simulate: auth failed for %s on %s", user, s.app.Hostname)
	return fmt.Errorf("access denied")
}

func (s *Server) handleConn(nc net.Conn) {
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(md ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, s.checkPassword(md.User(), strings.TrimSpace(string(password)))
		},
		KeyboardInteractiveCallback: func(md ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(md.User(), "Authentication", []string{"Password:"}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 0 {
				return nil, fmt.Errorf("access denied")
			}
			return nil, s.checkPassword(md.User(), strings.TrimSpace(answers[0]))
		},
	}
	srvCfg.AddHostKey(s.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		logger.Debugf("simulate: handshake with %s failed: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	var sessions sync.WaitGroup
	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			logger.Warnf("simulate: channel accept failed: %v", err)
			continue
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			s.handleSession(channel, requests)
		}()
	}
	sessions.Wait()
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			s.runShell(channel)
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// runShell 把按键交给 Console 状态机，输出原样写回
func (s *Server) runShell(channel ssh.Channel) {
	con := s.app.NewConsole()
	if _, err := channel.Write(con.Banner()); err != nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := channel.Read(buf)
		if n > 0 {
			if out := con.Feed(buf[:n]); len(out) > 0 {
				if _, werr := channel.Write(out); werr != nil {
					return
				}
			}
			if con.Closed() {
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// loadOrCreateHostKey 加载或生成 RSA host key；path 为空时不落盘
func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		if bs, err := os.ReadFile(path); err == nil {
			signer, err := ssh.ParsePrivateKey(bs)
			if err == nil {
				return signer, nil
			}
			logger.Warnf("simulate: host key %s unreadable, regenerating: %v", path, err)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create host key dir: %w", err)
		}
		if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write host key: %w", err)
		}
	}
	return ssh.ParsePrivateKey(pemBytes)
}
