package simulate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/sshcollectorpro/diagrelay/pkg/logger"
)

// Config simulate.yaml 配置结构
type Config struct {
	// Password 所有模拟设备共用的登录密码
	Password string `mapstructure:"password"`
	// HostKeyDir 为空时 host key 只在内存中
	HostKeyDir string            `mapstructure:"host_key_dir"`
	MaxConn    int               `mapstructure:"max_conn"`
	Deployment []Node            `mapstructure:"deployment"`
	Appliances []ApplianceConfig `mapstructure:"appliances"`
	Intake     IntakeConfig      `mapstructure:"intake"`
}

// ApplianceConfig 单台模拟设备
type ApplianceConfig struct {
	Hostname       string `mapstructure:"hostname"`
	Listen         string `mapstructure:"listen"`
	Username       string `mapstructure:"username"`
	PageLines      int    `mapstructure:"page_lines"`
	FillerSections int    `mapstructure:"filler_sections"`
	Fingerprint    string `mapstructure:"fingerprint"`
	HangOn         string `mapstructure:"hang_on"`
}

// IntakeConfig 附件接收服务模拟
type IntakeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	CaseID  string `mapstructure:"case_id"`
	Token   string `mapstructure:"token"`
}

// LoadConfig 读取 simulate.yaml
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetDefault("password", "admin")
	v.SetDefault("max_conn", 8)
	v.SetDefault("intake.listen", "127.0.0.1:8480")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	if len(cfg.Appliances) == 0 {
		return nil, fmt.Errorf("simulate config %s defines no appliances", path)
	}
	return &cfg, nil
}

// Manager 管理多台模拟设备与接收服务，每台设备独立端口
type Manager struct {
	cfg     *Config
	mu      sync.Mutex
	servers map[string]*Server
	intake  *Intake
	http    *http.Server
}

// Start 启动全部模拟设备；单台失败只记录日志
func Start(cfg *Config) (*Manager, error) {
	m := &Manager{cfg: cfg, servers: make(map[string]*Server)}

	for _, ac := range cfg.Appliances {
		app := NewAppliance(ac.Hostname, cfg.Deployment)
		if ac.Username != "" {
			app.Username = ac.Username
		}
		if ac.PageLines != 0 {
			app.PageLines = ac.PageLines
		}
		if ac.Fingerprint != "" {
			app.Fingerprint = ac.Fingerprint
		}
		app.FillerSections = ac.FillerSections
		app.HangOn = ac.HangOn

		keyPath := ""
		if cfg.HostKeyDir != "" {
			keyPath = filepath.Join(cfg.HostKeyDir, ac.Hostname+"_host_key")
		}
		srv, err := NewServer(app, cfg.Password, keyPath, cfg.MaxConn)
		if err != nil {
			logger.ForNode(ac.Hostname).WithError(err).Error("simulate: init appliance failed")
			continue
		}
		if err := srv.Start(ac.Listen); err != nil {
			logger.ForNode(ac.Hostname).WithError(err).Errorf("simulate: listen on %s failed", ac.Listen)
			continue
		}
		m.servers[ac.Hostname] = srv
	}
	if len(m.servers) == 0 {
		return nil, errors.New("simulate: no appliance could be started")
	}

	if cfg.Intake.Enabled {
		if err := m.startIntake(); err != nil {
			m.Stop()
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) startIntake() error {
	ln, err := net.Listen("tcp", m.cfg.Intake.Listen)
	if err != nil {
		return fmt.Errorf("simulate: intake listen: %w", err)
	}
	m.intake = NewIntake(m.cfg.Intake.CaseID, m.cfg.Intake.Token)
	m.http = &http.Server{
		Handler:           m.intake.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		if err := m.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("simulate: intake server stopped: %v", err)
		}
	}()
	logger.Infof("simulate: intake listening on http://%s/home/", ln.Addr())
	return nil
}

// Addrs 设备名到实际监听地址
func (m *Manager) Addrs() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.servers))
	for name, srv := range m.servers {
		if a := srv.Addr(); a != nil {
			out[name] = a.String()
		}
	}
	return out
}

// Intake 接收服务，未启用时为 nil
func (m *Manager) Intake() *Intake { return m.intake }

// Stop 停止所有模拟服务
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = m.http.Shutdown(ctx)
		cancel()
	}
	for name, srv := range m.servers {
		srv.Stop()
		logger.ForNode(name).Info("simulate: appliance stopped")
	}
	m.servers = map[string]*Server{}
}
