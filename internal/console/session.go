package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
	"github.com/sshcollectorpro/diagrelay/internal/util"
	"github.com/sshcollectorpro/diagrelay/pkg/logger"
)

const (
	// DefaultMaxBytes 单条命令输出的软上限
	DefaultMaxBytes = 2 << 20
	// DefaultProgressInterval 进度回报周期
	DefaultProgressInterval = 5 * time.Second
	// DefaultPromptNudge 等待提示符时的诱发间隔
	DefaultPromptNudge = 2 * time.Second

	continueKey = " "
	quitKey     = "q"
	lineEnd     = "\n"
)

// Options 会话选项
type Options struct {
	Matcher          *PromptMatcher
	MaxBytes         int
	ProgressInterval time.Duration
	// PromptNudge 登录后多久无输出就发送回车诱发提示符
	PromptNudge time.Duration
	// PromptNudgeLimit 诱发次数上限，超过后仍等待直到 ctx 结束
	PromptNudgeLimit int
	// DrainQuiet 检测到提示符后静默多久视为残留输出已清空
	DrainQuiet time.Duration
}

func (o Options) withDefaults() Options {
	if o.Matcher == nil {
		o.Matcher = MustPromptMatcher()
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.PromptNudge <= 0 {
		o.PromptNudge = DefaultPromptNudge
	}
	if o.PromptNudgeLimit <= 0 {
		o.PromptNudgeLimit = 12
	}
	if o.DrainQuiet <= 0 {
		o.DrainQuiet = 300 * time.Millisecond
	}
	return o
}

// RunOptions 单条命令的读取选项
type RunOptions struct {
	// StopMarker 输出中出现该子串即发送 q 并结束读取
	StopMarker string
	// SkipPromptUntil 非空时忽略提示符检测，直到输出出现该子串后立即返回
	SkipPromptUntil string
	// Progress 周期回报已累积字节数，在独立协程中调用
	Progress func(size int)
	// OnChunk 每个清洗后的新数据块回调；设置后只保留输出尾部且不受软上限约束
	OnChunk func(chunk []byte)
	// AbortOn 对每个完整输出行调用，返回 true 时立即结束读取并标记 StoppedEarly
	AbortOn func(line string) bool
}

// Transcript 单条命令的清洗后输出
type Transcript struct {
	Command      string
	Output       []byte
	Truncated    bool
	StoppedEarly bool
	Duration     time.Duration
}

// Text 以 UTF-8 文本返回输出
func (t *Transcript) Text() string {
	if t == nil {
		return ""
	}
	return util.EnsureUTF8Bytes(t.Output)
}

// Session 单节点控制台会话，同一时刻只允许一个读取循环
type Session struct {
	node string
	ch   Channel
	opts Options
	log  *logrus.Entry
}

// NewSession 在已打开的通道上创建会话
func NewSession(node string, ch Channel, opts Options) *Session {
	return &Session{
		node: node,
		ch:   ch,
		opts: opts.withDefaults(),
		log:  logger.ForNode(node),
	}
}

// Node 会话所属节点
func (s *Session) Node() string { return s.node }

// Send 原样写入按键，不读取
func (s *Session) Send(keys string) error {
	if err := s.ch.Write([]byte(keys)); err != nil {
		return apperr.WithNode(s.node, apperr.New(apperr.KindOf(err), "write", err))
	}
	return nil
}

// Close 关闭底层通道
func (s *Session) Close() error {
	return s.ch.Close()
}

// WaitForPrompt 消费登录横幅直到出现空闲提示符。
// 一段时间无输出时发送回车诱发提示符；出现提示符后丢弃诱发产生的残留提示符。
func (s *Session) WaitForPrompt(ctx context.Context) error {
	var acc accumulator
	nudges := 0
	for {
		if acc.size() > 0 && s.opts.Matcher.Match(acc.tail(s.opts.Matcher.Window())) == StateIdle {
			return s.drain(ctx)
		}
		readCtx, cancel := context.WithTimeout(ctx, s.opts.PromptNudge)
		chunk, err := s.ch.Read(readCtx)
		cancel()
		if len(chunk) > 0 {
			if acc.add(chunk) {
				if err := s.Send(continueKey); err != nil {
					return err
				}
			}
			acc.trimTo(s.opts.Matcher.Window())
		}
		if err == nil {
			continue
		}
		// 仅是本轮等待超时：诱发一次提示符
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			if nudges < s.opts.PromptNudgeLimit {
				nudges++
				s.log.Debugf("no prompt yet, nudging (%d)", nudges)
				if err := s.Send(lineEnd); err != nil {
					return err
				}
			}
			continue
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return apperr.WithNode(s.node, apperr.New(apperr.KindOf(err), "wait for prompt", err))
	}
}

// drain 读取并丢弃数据，直到通道静默 DrainQuiet
func (s *Session) drain(ctx context.Context) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.opts.DrainQuiet)
		chunk, err := s.ch.Read(readCtx)
		cancel()
		if err == nil {
			s.log.Debugf("discarded %d bytes after prompt", len(chunk))
			continue
		}
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return apperr.WithNode(s.node, apperr.New(apperr.KindOf(err), "wait for prompt", err))
	}
}

// Run 发送命令并读取输出直到提示符重新出现：
// 遇到分页标记发送一次空格；累积超过软上限时停止（若分页中则发送 q）；
// 出现 StopMarker 时发送 q 并提前结束。
func (s *Session) Run(ctx context.Context, command string, ro RunOptions) (*Transcript, error) {
	start := time.Now()
	tr := &Transcript{Command: command}
	if err := s.Send(command + lineEnd); err != nil {
		return nil, err
	}

	var (
		acc    accumulator
		size   atomic.Int64
		window = s.opts.Matcher.Window()
		stop   = []byte(ro.StopMarker)
		until  = []byte(ro.SkipPromptUntil)
	)

	if ro.Progress != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(s.opts.ProgressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					ro.Progress(int(size.Load()))
				}
			}
		}()
	}

	finish := func() *Transcript {
		before := acc.stable()
		acc.flush()
		if ro.OnChunk != nil && acc.stable() > before {
			ro.OnChunk(acc.slice(before, acc.stable()))
		}
		tr.Output = acc.snapshot()
		tr.Duration = time.Since(start)
		return tr
	}

	for {
		chunk, err := s.ch.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.log.WithField("command", command).Debugf("read aborted after %d bytes: %v", acc.size(), err)
			return finish(), apperr.WithNode(s.node, apperr.New(apperr.KindOf(err), "read "+command, err))
		}
		if len(chunk) == 0 {
			continue
		}

		before := acc.stable()
		paging := acc.add(chunk)
		if acc.stable() > before {
			lines := acc.slice(before, acc.stable())
			if ro.OnChunk != nil {
				ro.OnChunk(lines)
			}
			if ro.AbortOn != nil && anyLine(lines, ro.AbortOn) {
				tr.StoppedEarly = true
				return finish(), nil
			}
		}
		size.Store(int64(acc.size()))

		if len(stop) > 0 && acc.contains(stop) {
			tr.StoppedEarly = true
			if err := s.Send(quitKey); err != nil {
				return finish(), err
			}
			return finish(), nil
		}
		if len(until) > 0 && acc.contains(until) {
			return finish(), nil
		}

		if ro.OnChunk != nil {
			// 流式模式只关心尾部
			acc.trimTo(max(window, len(until)+maxSequenceLen))
		} else if acc.size() > s.opts.MaxBytes {
			tr.Truncated = true
			if paging {
				if err := s.Send(quitKey); err != nil {
					return finish(), err
				}
			}
			s.log.WithField("command", command).Warnf("output ceiling reached at %d bytes", acc.size())
			return finish(), nil
		}

		if paging {
			if err := s.Send(continueKey); err != nil {
				return finish(), err
			}
			continue
		}
		if len(until) > 0 {
			continue
		}
		if s.opts.Matcher.Match(acc.tail(window)) == StateIdle {
			return finish(), nil
		}
	}
}

func anyLine(b []byte, fn func(string) bool) bool {
	for _, l := range strings.Split(string(b), "\n") {
		if fn(l) {
			return true
		}
	}
	return false
}

// String 用于日志
func (t *Transcript) String() string {
	return fmt.Sprintf("%s (%d bytes, truncated=%t, stopped=%t, %s)",
		t.Command, len(t.Output), t.Truncated, t.StoppedEarly, t.Duration.Round(time.Millisecond))
}
