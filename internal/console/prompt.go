package console

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/sshcollectorpro/diagrelay/internal/util"
)

// DefaultPromptPatterns 空闲提示符形态：普通 > / #、配置模式 (...)#、tcl 特殊模式
var DefaultPromptPatterns = []string{
	`[\w.\-@/:]{1,63}>`,
	`[\w.\-@/:]{1,63}#`,
	`[\w.\-@/:]{1,63}\([\w.\-@/:+]{0,32}\)#`,
	`[\w.\-@/+>:]+\(tcl\)[>#]`,
	`\+>`,
}

// DefaultTailWindow 提示符匹配的尾部窗口大小
const DefaultTailWindow = 100

// State 尾部窗口的匹配结果
type State int

const (
	StateBusy State = iota
	StateIdle
	StateMore
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMore:
		return "more"
	default:
		return "busy"
	}
}

// PromptMatcher 判断控制台是否回到空闲提示符。
// 只匹配固定大小的尾部窗口：命令输出中间出现的类提示符文本不会误判，
// 且随输出增长每块的匹配开销保持不变。
type PromptMatcher struct {
	idle   *regexp.Regexp
	window int
}

// NewPromptMatcher 编译提示符模式；patterns 为空时使用默认集合
func NewPromptMatcher(patterns []string, window int) (*PromptMatcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultPromptPatterns
	}
	if window <= 0 {
		window = DefaultTailWindow
	}
	alts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		alts = append(alts, "(?:"+p+")")
	}
	if len(alts) == 0 {
		return nil, fmt.Errorf("no prompt patterns configured")
	}
	// 提示符必须独占最后一行
	re, err := regexp.Compile(`(?:\A|\n)(?:` + strings.Join(alts, "|") + `)[ \t]*\z`)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt pattern: %w", err)
	}
	return &PromptMatcher{idle: re, window: window}, nil
}

// MustPromptMatcher 使用默认模式构造匹配器
func MustPromptMatcher() *PromptMatcher {
	m, err := NewPromptMatcher(nil, DefaultTailWindow)
	if err != nil {
		panic(err)
	}
	return m
}

// Window 尾部窗口大小
func (m *PromptMatcher) Window() int { return m.window }

// Idle 尾部是否以空闲提示符结束
func (m *PromptMatcher) Idle(tail []byte) bool {
	return m.idle.MatchString(util.DecodePermissive(m.clip(tail)))
}

// Match 在 Idle 的基础上识别分页标记：StateMore 表示输出未完，需要发送翻页键
func (m *PromptMatcher) Match(tail []byte) State {
	tail = m.clip(tail)
	if bytes.Contains(tail, []byte(MoreMarker)) {
		return StateMore
	}
	if m.Idle(tail) {
		return StateIdle
	}
	return StateBusy
}

// IdleOrMore 空闲提示符或分页标记任一出现
func (m *PromptMatcher) IdleOrMore(tail []byte) bool {
	return m.Match(tail) != StateBusy
}

func (m *PromptMatcher) clip(tail []byte) []byte {
	if len(tail) > m.window {
		return tail[len(tail)-m.window:]
	}
	return tail
}
