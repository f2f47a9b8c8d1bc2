package simulate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sshcollectorpro/diagrelay/internal/console"
)

// ErrIdleTimeout 会话空闲超时
var ErrIdleTimeout = errors.New("console session timed out waiting for output")

// Pipe 内存中的控制台通道，直接驱动 Console 状态机，实现 console.Channel
type Pipe struct {
	con *Console
	// ChunkSize 大于 0 时把设备输出切成小块投递，用于覆盖跨块序列
	chunkSize int
	idle      time.Duration

	mu     sync.Mutex
	queue  [][]byte
	ready  chan struct{}
	closed bool
}

// PipeOption Pipe 选项
type PipeOption func(*Pipe)

// WithChunkSize 设备输出按固定大小切块
func WithChunkSize(n int) PipeOption {
	return func(p *Pipe) { p.chunkSize = n }
}

// WithIdleTimeout 读取空闲超时，0 表示只受 ctx 控制
func WithIdleTimeout(d time.Duration) PipeOption {
	return func(p *Pipe) { p.idle = d }
}

// NewPipe 打开到设备的内存会话，横幅已在读队列中
func NewPipe(app *Appliance, opts ...PipeOption) *Pipe {
	p := &Pipe{
		con:   app.NewConsole(),
		ready: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	p.push(p.con.Banner())
	return p
}

func (p *Pipe) push(b []byte) {
	if len(b) == 0 {
		return
	}
	p.mu.Lock()
	if p.chunkSize > 0 {
		for len(b) > 0 {
			n := min(p.chunkSize, len(b))
			p.queue = append(p.queue, append([]byte(nil), b[:n]...))
			b = b[n:]
		}
	} else {
		p.queue = append(p.queue, append([]byte(nil), b...))
	}
	p.mu.Unlock()
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// Write 按键输入
func (p *Pipe) Write(b []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return io.ErrClosedPipe
	}
	out := p.con.Feed(b)
	p.mu.Unlock()
	p.push(out)
	return nil
}

// Read 阻塞直到有输出；切块模式下每次只返回一块
func (p *Pipe) Read(ctx context.Context) ([]byte, error) {
	var idle <-chan time.Time
	if p.idle > 0 {
		t := time.NewTimer(p.idle)
		defer t.Stop()
		idle = t.C
	}
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			var out []byte
			if p.chunkSize > 0 {
				out = p.queue[0]
				p.queue = p.queue[1:]
			} else {
				for _, b := range p.queue {
					out = append(out, b...)
				}
				p.queue = nil
			}
			if len(p.queue) > 0 {
				select {
				case p.ready <- struct{}{}:
				default:
				}
			}
			p.mu.Unlock()
			return out, nil
		}
		if p.closed || p.con.Closed() {
			p.mu.Unlock()
			return nil, io.EOF
		}
		p.mu.Unlock()

		select {
		case <-p.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-idle:
			return nil, fmt.Errorf("read after %s: %w", p.idle, ErrIdleTimeout)
		}
	}
}

// Close 关闭会话
func (p *Pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.ready <- struct{}{}:
	default:
	}
	return nil
}

// PipeDialer 按节点名把连接请求路由到对应的模拟设备
type PipeDialer struct {
	Appliances  map[string]*Appliance
	ChunkSize   int
	IdleTimeout time.Duration

	mu     sync.Mutex
	opened map[string]int
}

// Open 实现 console.Dialer
func (d *PipeDialer) Open(ctx context.Context, target console.Target) (console.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	app, ok := d.Appliances[target.Host]
	if !ok {
		return nil, fmt.Errorf("failed to dial: dial tcp %s:%d: no such host", target.Host, target.Port)
	}
	d.mu.Lock()
	if d.opened == nil {
		d.opened = make(map[string]int)
	}
	d.opened[target.Host]++
	d.mu.Unlock()
	return NewPipe(app, WithChunkSize(d.ChunkSize), WithIdleTimeout(d.IdleTimeout)), nil
}

// Opened 每个节点打开过的会话数
func (d *PipeDialer) Opened(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened[host]
}
