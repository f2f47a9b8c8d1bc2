// Package showtech 解析 show tech-support 输出：按分隔行切分章节，并从部署章节提取集群节点。
package showtech

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
)

const (
	// BoundaryWidth 章节分隔行的星号个数
	BoundaryWidth = 41
	// headerSkip 标题行之后固定跳过的样板行数
	headerSkip = 2

	// DeploymentMarker 部署节点表的结束标记
	DeploymentMarker = "DEPLOYMENT_ID"
)

var boundary = strings.Repeat("*", BoundaryWidth)

var (
	deploymentBlock = regexp.MustCompile(`(?s)-+\n(.*)` + DeploymentMarker)
	nodeLine        = regexp.MustCompile(`^(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(.*)$`)
)

// SectionTable 章节标题到内容行的映射，保留出现顺序
type SectionTable struct {
	titles   []string
	sections map[string][]string
	hasTitle bool
}

// Titles 按出现顺序返回章节标题
func (t SectionTable) Titles() []string {
	return append([]string(nil), t.titles...)
}

// Len 章节数
func (t SectionTable) Len() int { return len(t.titles) }

// HasTitle 是否至少识别到一个分隔行；否则整个输入是一个无标题章节
func (t SectionTable) HasTitle() bool { return t.hasTitle }

// Lines 精确按标题取章节内容
func (t SectionTable) Lines(title string) ([]string, bool) {
	lines, ok := t.sections[title]
	return lines, ok
}

// Lookup 先精确匹配，再按去除首尾空白后的标题匹配
func (t SectionTable) Lookup(title string) ([]string, bool) {
	if lines, ok := t.sections[title]; ok {
		return lines, true
	}
	want := strings.TrimSpace(title)
	for _, k := range t.titles {
		if strings.TrimSpace(k) == want {
			return t.sections[k], true
		}
	}
	return nil, false
}

func (t *SectionTable) append(title string, lines []string) {
	if t.sections == nil {
		t.sections = make(map[string][]string)
	}
	if _, ok := t.sections[title]; !ok {
		t.titles = append(t.titles, title)
		// 空章节也要作为键出现
		t.sections[title] = []string{}
	}
	t.sections[title] = append(t.sections[title], lines...)
}

func isBoundary(line string) bool {
	return strings.TrimRight(line, " \t") == boundary
}

// SplitIntoSections 按 41 个星号的分隔行切分输出。
// 分隔行的下一行是标题，其后两行跳过，之后直到下一个分隔行或输入结束都属于该章节。
// 第一个分隔行之前的内容丢弃；重复标题的内容按出现顺序合并。
// 没有任何分隔行时返回一个空标题章节，包含全部行。
func SplitIntoSections(text string) SectionTable {
	text = strings.ReplaceAll(text, "\r", "")
	lines := strings.Split(text, "\n")
	// 末尾换行不产生空行
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var table SectionTable
	var (
		title   string
		current []string
		open    bool
	)
	for i := 0; i < len(lines); i++ {
		if !isBoundary(lines[i]) {
			if open {
				current = append(current, lines[i])
			}
			continue
		}
		if open {
			table.append(title, current)
		}
		open = true
		table.hasTitle = true
		current = nil
		title = ""
		if i+1 < len(lines) {
			title = lines[i+1]
		}
		i += 1 + headerSkip
	}

	if !open {
		table.append("", lines)
		return table
	}
	table.append(title, current)
	return table
}

// NodeRecord 部署表中的一行
type NodeRecord struct {
	Node        string `json:"node"`
	Persona     string `json:"persona"`
	Role        string `json:"role"`
	Active      string `json:"active"`
	Replication string `json:"replication"`
}

// ParseError 部署章节格式不符合预期
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Text == "" {
		return "deployment section: " + e.Reason
	}
	return fmt.Sprintf("deployment section line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// ParseDeployment 从部署章节中提取节点：
// 取第一条横线行与 DEPLOYMENT_ID 之间的文本，每个非空行按五列匹配，最后一列吞掉剩余内容。
func ParseDeployment(lines []string) ([]NodeRecord, error) {
	m := deploymentBlock.FindStringSubmatch(strings.Join(lines, "\n"))
	if m == nil {
		return nil, apperr.New(apperr.KindParse, "parse deployment",
			&ParseError{Reason: "node table or " + DeploymentMarker + " marker not found"})
	}

	var nodes []NodeRecord
	for i, line := range strings.Split(m[1], "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		f := nodeLine.FindStringSubmatch(line)
		if f == nil {
			return nil, apperr.New(apperr.KindParse, "parse deployment",
				&ParseError{Line: i + 1, Text: line, Reason: "expected node persona role active replication"})
		}
		nodes = append(nodes, NodeRecord{
			Node:        f[1],
			Persona:     f[2],
			Role:        f[3],
			Active:      f[4],
			Replication: f[5],
		})
	}
	if len(nodes) == 0 {
		return nil, apperr.New(apperr.KindParse, "parse deployment", &ParseError{Reason: "no nodes listed"})
	}
	return nodes, nil
}

// Discover 在整份输出中定位部署章节并解析节点
func Discover(text, sectionTitle string) ([]NodeRecord, error) {
	table := SplitIntoSections(text)
	lines, ok := table.Lookup(sectionTitle)
	if !ok {
		return nil, apperr.New(apperr.KindParse, "discover",
			&ParseError{Reason: fmt.Sprintf("section %q not found (%d sections)", sectionTitle, table.Len())})
	}
	return ParseDeployment(lines)
}
