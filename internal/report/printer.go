// Package report 负责面向操作员的输出：并发安全的进度行与运行汇总。
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Row 汇总中的一行
type Row struct {
	Node     string
	Success  bool
	Stage    string
	Kind     string
	Err      error
	Bytes    int
	Duration time.Duration
}

// Printer 整行写出，多个节点的输出不会在行内交错
type Printer struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewPrinter 写到 out
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, now: time.Now}
}

// Line 原样写出一行，缺少换行时补齐
func (p *Printer) Line(s string) {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.out, s)
}

// Printf 格式化后写出一行
func (p *Printer) Printf(format string, args ...interface{}) {
	p.Line(fmt.Sprintf(format, args...))
}

// Node 带时间戳与节点名的进度行
func (p *Printer) Node(node, text string) {
	p.Line(fmt.Sprintf("%s NODE: %s - %s", p.now().Format(time.RFC3339), node, text))
}

// Summary 输出运行汇总；返回失败数量
func (p *Printer) Summary(rows []Row) int {
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	var b strings.Builder
	failed := 0
	b.WriteString("\n==================== Summary ====================\n")
	for _, r := range rows {
		if r.Success {
			fmt.Fprintf(&b, "%s %-24s transcript %s, %s\n",
				ok("[ OK ]"), r.Node, humanBytes(r.Bytes), dim(r.Duration.Round(time.Second)))
			continue
		}
		failed++
		fmt.Fprintf(&b, "%s %-24s %s failed (%s): %v\n", bad("[FAIL]"), r.Node, r.Stage, r.Kind, r.Err)
	}
	fmt.Fprintf(&b, "%d node(s) succeeded, %d failed\n", len(rows)-failed, failed)

	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.out, b.String())
	return failed
}

func humanBytes(n int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
