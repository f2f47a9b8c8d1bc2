package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pool SSH连接池：同一节点的采集与诊断包 Shell 复用一条连接
type Pool struct {
	config      *Config
	connections map[string]*pooledConnection
	mutex       sync.RWMutex
	maxIdle     int
	maxActive   int
	idleTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// pooledConnection 池化的连接
type pooledConnection struct {
	client   *Client
	info     *ConnectionInfo
	lastUsed time.Time
	// inUse 当前打开的 Shell 数
	inUse   int
	created time.Time
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdle         int           `yaml:"max_idle"`
	MaxActive       int           `yaml:"max_active"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SSHConfig       *Config       `yaml:"ssh"`
}

// NewPool 创建SSH连接池
func NewPool(config *PoolConfig) *Pool {
	pool := &Pool{
		config:      config.SSHConfig,
		connections: make(map[string]*pooledConnection),
		maxIdle:     config.MaxIdle,
		maxActive:   config.MaxActive,
		idleTimeout: config.IdleTimeout,
		stop:        make(chan struct{}),
	}
	interval := config.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	// 启动清理协程
	go pool.cleanup(interval)
	return pool
}

// GetConnection 获取SSH连接，不存在或已断开时新建
func (p *Pool) GetConnection(ctx context.Context, info *ConnectionInfo) (*Client, error) {
	key := p.getConnectionKey(info)

	p.mutex.Lock()
	if conn, exists := p.connections[key]; exists {
		if conn.client.IsConnected() {
			conn.inUse++
			conn.lastUsed = time.Now()
			p.mutex.Unlock()
			return conn.client, nil
		}
		// 连接已断开，删除
		_ = conn.client.Close()
		delete(p.connections, key)
	}
	if p.maxActive > 0 && len(p.connections) >= p.maxActive {
		n := len(p.connections)
		p.mutex.Unlock()
		return nil, fmt.Errorf("connection pool is full, connections: %d", n)
	}
	p.mutex.Unlock()

	// 建连不持锁，避免慢节点阻塞其他节点
	client := NewClient(p.config)
	if err := client.Connect(ctx, info); err != nil {
		return nil, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if existing, ok := p.connections[key]; ok {
		// 并发建连，保留先到的连接
		_ = client.Close()
		existing.inUse++
		existing.lastUsed = time.Now()
		return existing.client, nil
	}
	p.connections[key] = &pooledConnection{
		client:   client,
		info:     info,
		lastUsed: time.Now(),
		inUse:    1,
		created:  time.Now(),
	}
	return client, nil
}

// ReleaseConnection 释放SSH连接
func (p *Pool) ReleaseConnection(info *ConnectionInfo) {
	key := p.getConnectionKey(info)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if conn, exists := p.connections[key]; exists && conn.inUse > 0 {
		conn.inUse--
		conn.lastUsed = time.Now()
	}
}

// CloseConnection 关闭指定连接
func (p *Pool) CloseConnection(info *ConnectionInfo) error {
	key := p.getConnectionKey(info)

	p.mutex.Lock()
	conn, exists := p.connections[key]
	delete(p.connections, key)
	p.mutex.Unlock()

	if exists {
		return conn.client.Close()
	}
	return nil
}

// OpenShell 取得连接并打开 Shell；Shell 关闭时自动归还连接
func (p *Pool) OpenShell(ctx context.Context, info *ConnectionInfo) (*Shell, error) {
	client, err := p.GetConnection(ctx, info)
	if err != nil {
		return nil, err
	}
	sh, err := client.OpenShell(ctx)
	if err != nil {
		p.ReleaseConnection(info)
		return nil, err
	}
	prev := sh.onClose
	sh.onClose = func() {
		if prev != nil {
			prev()
		}
		p.ReleaseConnection(info)
	}
	return sh, nil
}

// Close 关闭连接池
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mutex.Lock()
	conns := p.connections
	p.connections = make(map[string]*pooledConnection)
	p.mutex.Unlock()

	var lastErr error
	for _, conn := range conns {
		if err := conn.client.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// GetStats 获取连接池统计信息
func (p *Pool) GetStats() map[string]interface{} {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return map[string]interface{}{
		"total_connections":  len(p.connections),
		"active_connections": p.getActiveCount(),
		"idle_connections":   len(p.connections) - p.getActiveCount(),
		"max_idle":           p.maxIdle,
		"max_active":         p.maxActive,
	}
}

// getConnectionKey 生成连接键
func (p *Pool) getConnectionKey(info *ConnectionInfo) string {
	return fmt.Sprintf("%s:%d@%s", info.Host, info.Port, info.Username)
}

// getActiveCount 获取活跃连接数
func (p *Pool) getActiveCount() int {
	count := 0
	for _, conn := range p.connections {
		if conn.inUse > 0 {
			count++
		}
	}
	return count
}

// cleanup 定期清理过期连接
func (p *Pool) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cleanupExpiredConnections()
		}
	}
}

// cleanupExpiredConnections 清理超时的空闲连接与已断开的连接
func (p *Pool) cleanupExpiredConnections() {
	p.mutex.Lock()
	now := time.Now()
	var expired []*Client
	idle := 0
	for key, conn := range p.connections {
		if conn.inUse > 0 {
			continue
		}
		if (p.idleTimeout > 0 && now.Sub(conn.lastUsed) > p.idleTimeout) || !conn.client.IsConnected() {
			expired = append(expired, conn.client)
			delete(p.connections, key)
			continue
		}
		idle++
		// 空闲连接过多，关闭多余部分
		if p.maxIdle > 0 && idle > p.maxIdle {
			expired = append(expired, conn.client)
			delete(p.connections, key)
		}
	}
	p.mutex.Unlock()

	for _, c := range expired {
		_ = c.Close()
	}
}
