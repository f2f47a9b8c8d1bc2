package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// TranscriptPreview 转录文本的头部和尾部行
type TranscriptPreview struct {
	HeadLines []string `json:"head_lines"`
	TailLines []string `json:"tail_lines"`
}

// PreviewTranscript 提取转录文本的头尾各 maxLines 行
func PreviewTranscript(output string, maxLines int) TranscriptPreview {
	if maxLines <= 0 {
		maxLines = 5
	}

	output = strings.TrimRight(output, "\n")
	if output == "" {
		return TranscriptPreview{}
	}
	lines := strings.Split(output, "\n")

	headCount := min(maxLines, len(lines))
	head := make([]string, headCount)
	copy(head, lines[:headCount])

	// 行数不足两倍窗口时尾部与头部重叠，只保留头部
	if len(lines) <= maxLines {
		return TranscriptPreview{HeadLines: head}
	}
	tailCount := min(maxLines, len(lines)-headCount)
	tail := make([]string, tailCount)
	copy(tail, lines[len(lines)-tailCount:])

	return TranscriptPreview{HeadLines: head, TailLines: tail}
}

// String 格式化为单行日志文本
func (p TranscriptPreview) String() string {
	var parts []string
	if len(p.HeadLines) > 0 {
		parts = append(parts, "head-lines: ["+strings.Join(p.HeadLines, " ⟩ ")+"]")
	}
	if len(p.TailLines) > 0 {
		parts = append(parts, "tail-lines: ["+strings.Join(p.TailLines, " ⟩ ")+"]")
	}
	return strings.Join(parts, ", ")
}

// DebugTranscript 在 debug 级别记录命令输出的头尾预览
func DebugTranscript(node, command, output string, maxLines int) {
	if GetLogger().Level < logrus.DebugLevel {
		return
	}

	p := PreviewTranscript(output, maxLines)
	if len(p.HeadLines) == 0 {
		return
	}
	ForNode(node).Debugf("Command echo [%s]: %s", command, p.String())
}
