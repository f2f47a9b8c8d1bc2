package input

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"

	"github.com/sshcollectorpro/diagrelay/internal/showtech"
)

// NewPrompter 终端上使用 promptui，否则退化为按行读取
func NewPrompter(in *os.File, out io.Writer) Prompter {
	if isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd()) {
		return &TerminalPrompter{in: in, out: out}
	}
	return NewLinePrompter(in, out)
}

// TerminalPrompter 基于 promptui 的交互输入
type TerminalPrompter struct {
	in  io.ReadCloser
	out io.Writer
}

func (t *TerminalPrompter) run(p promptui.Prompt) (string, error) {
	p.Stdin = t.in
	if wc, ok := t.out.(io.WriteCloser); ok {
		p.Stdout = wc
	}
	return p.Run()
}

// Ask 普通输入
func (t *TerminalPrompter) Ask(label string) (string, error) {
	return t.run(promptui.Prompt{Label: label})
}

// AskSecret 掩码输入
func (t *TerminalPrompter) AskSecret(label string) (string, error) {
	return t.run(promptui.Prompt{Label: label, Mask: '*'})
}

// Confirm y/n 确认，应答规则与 LinePrompter 一致
func (t *TerminalPrompter) Confirm(label string, def bool) (bool, error) {
	ans, err := t.run(promptui.Prompt{Label: label + " " + confirmHint(def)})
	if err != nil {
		return false, err
	}
	return parseConfirm(ans, def), nil
}

func confirmHint(def bool) string {
	if def {
		return "(Y/n)"
	}
	return "(y/N)"
}

// parseConfirm 以 y 开头为是，空应答取默认值
func parseConfirm(ans string, def bool) bool {
	ans = strings.ToLower(strings.TrimSpace(ans))
	if ans == "" {
		return def
	}
	return strings.HasPrefix(ans, "y")
}

// LinePrompter 非终端环境（管道、CI）按行读取应答
type LinePrompter struct {
	r   *bufio.Reader
	out io.Writer
}

// NewLinePrompter 从 in 按行读取
func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{r: bufio.NewReader(in), out: out}
}

func (l *LinePrompter) readLine(label string) (string, error) {
	fmt.Fprintf(l.out, "%s: ", label)
	line, err := l.r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read answer for %q: %w", label, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Ask 读取一行
func (l *LinePrompter) Ask(label string) (string, error) {
	return l.readLine(label)
}

// AskSecret 非终端无法关闭回显，直接读取一行
func (l *LinePrompter) AskSecret(label string) (string, error) {
	return l.readLine(label)
}

// Confirm 读取一行 y/n 应答
func (l *LinePrompter) Confirm(label string, def bool) (bool, error) {
	ans, err := l.readLine(label + " " + confirmHint(def))
	if err != nil {
		return false, err
	}
	return parseConfirm(ans, def), nil
}

// SelectNodes 列出发现的节点并逐个确认是否采集，保持原顺序
func SelectNodes(nodes []showtech.NodeRecord, p Prompter, out io.Writer) ([]showtech.NodeRecord, error) {
	fmt.Fprintln(out, "We found the following nodes in your deployment:")
	for _, n := range nodes {
		fmt.Fprintf(out, "NODE: %s - %s - %s\n", n.Node, n.Persona, n.Role)
	}
	fmt.Fprintln(out)

	selected := make([]showtech.NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		ok, err := p.Confirm(fmt.Sprintf("Collect from %s", n.Node), true)
		if err != nil {
			return nil, fmt.Errorf("node selection: %w", err)
		}
		if ok {
			selected = append(selected, n)
		}
	}
	return selected, nil
}
