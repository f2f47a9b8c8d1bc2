package simulate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	boundary   = "*****************************************"
	pagerShow  = "\x1b[7m--More--\x1b[27m"
	pagerClear = "\x1b[8D\x1b[K"

	// ConfirmPrompt backup-logs 的确认提示
	ConfirmPrompt = "Include Core and Heap dumps? (YES/NO):"
)

// Node 部署表中的一行
type Node struct {
	Name        string `mapstructure:"name"`
	Persona     string `mapstructure:"persona"`
	Role        string `mapstructure:"role"`
	Active      string `mapstructure:"active"`
	Replication string `mapstructure:"replication"`
}

// Appliance 模拟设备：提供 show tech-support、仓库配置与 backup-logs 对话
type Appliance struct {
	Hostname   string
	Username   string
	Deployment []Node
	// PageLines 每页行数，0 表示不分页
	PageLines int
	// FillerSections 部署章节之后追加的章节数，用于制造较大的输出
	FillerSections int
	// Fingerprint crypto host_key 输出的 SFTP 主机指纹
	Fingerprint string
	BundleSteps []string
	// HangOn 收到该命令后不再输出任何内容（模拟超时）
	HangOn string

	mu    sync.Mutex
	repos map[string]Repository
	log   []string
}

// Repository 设备上的仓库配置
type Repository struct {
	Name string
	URL  string
	User string
}

// DefaultBundleSteps backup-logs 的进度输出
var DefaultBundleSteps = []string{
	"% Creating backup with timestamped filename: ise-support-bundle.tar.gpg",
	"% Collecting log files",
	"% Encrypting with public key",
	"% Transferring to repository",
	"% Backup completed successfully",
}

// NewAppliance 创建默认配置的模拟设备
func NewAppliance(hostname string, deployment []Node) *Appliance {
	return &Appliance{
		Hostname:    hostname,
		Username:    "admin",
		Deployment:  deployment,
		PageLines:   24,
		Fingerprint: "SHA256:acJn5OmbrtHv6jsm0tdBnOU0Cv1VOIv+G4uN6/H6akI",
		BundleSteps: DefaultBundleSteps,
		repos:       make(map[string]Repository),
	}
}

// Repositories 当前已配置的仓库
func (a *Appliance) Repositories() []Repository {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Repository, 0, len(a.repos))
	for _, r := range a.repos {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddRepository 预置仓库
func (a *Appliance) AddRepository(r Repository) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.repos == nil {
		a.repos = make(map[string]Repository)
	}
	a.repos[r.Name] = r
}

// Commands 设备收到的全部命令（按顺序）
func (a *Appliance) Commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.log...)
}

func (a *Appliance) record(cmd string) {
	a.mu.Lock()
	a.log = append(a.log, cmd)
	a.mu.Unlock()
}

func (a *Appliance) prompt(mode string) string {
	if mode == "" {
		return fmt.Sprintf("%s/%s#", a.Hostname, a.Username)
	}
	return fmt.Sprintf("%s/%s(%s)#", a.Hostname, a.Username, mode)
}

// ShowTech 生成 show tech-support 输出（LF 换行）
func (a *Appliance) ShowTech() string {
	var b strings.Builder
	section := func(title string, lines ...string) {
		b.WriteString(boundary + "\n" + title + "\n" + boundary + "\n\n")
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
	}

	b.WriteString("Gathering tech-support information, this may take a while\n\n")
	section("Displaying ISE version ...", "Cisco Identity Services Engine", "Version      : 3.2.0.542")
	rows := []string{
		fmt.Sprintf("%-24s %-40s %-10s %-8s %s", "Node", "Persona", "Role", "Active", "Replication"),
		strings.Repeat("-", 96),
	}
	for _, n := range a.Deployment {
		rows = append(rows, fmt.Sprintf("%-24s %-40s %-10s %-8s %s", n.Name, n.Persona, n.Role, n.Active, n.Replication))
	}
	rows = append(rows, "", "DEPLOYMENT_ID : 7b9d1c4e-22f0-11ee-9e3a-005056bf1b4f")
	section("Displaying ISE deployment ... ", rows...)
	section("Displaying ISE Node Group Information", "No node groups configured")
	for i := 0; i < a.FillerSections; i++ {
		lines := make([]string, 40)
		for j := range lines {
			lines[j] = fmt.Sprintf("filler section %d line %d: 0x%08x", i, j, i*1000+j)
		}
		section(fmt.Sprintf("Displaying filler %d ...", i), lines...)
	}
	return b.String()
}

type consoleMode int

const (
	modeLine consoleMode = iota
	modePager
	modeConfirm
	modeHung
	modeClosed
)

// Console 单个交互会话的状态机：按键输入，返回设备输出（CRLF 换行）
type Console struct {
	app   *Appliance
	mode  consoleMode
	line  []byte
	pages []string
	// cfgMode 为空表示执行模式，否则为配置子模式名称
	cfgMode string
	editing Repository
	bundle  string
}

// NewConsole 为设备打开一个新会话
func (a *Appliance) NewConsole() *Console {
	return &Console{app: a}
}

// Banner 登录后的横幅与首个提示符
func (c *Console) Banner() []byte {
	return []byte(crlf("\n\nCisco ISE simulated console\n\n") + c.app.prompt(""))
}

// Closed 会话已退出
func (c *Console) Closed() bool { return c.mode == modeClosed }

// Feed 处理按键输入，返回需要回显给客户端的输出
func (c *Console) Feed(input []byte) []byte {
	var out strings.Builder
	for _, ch := range input {
		switch c.mode {
		case modeHung, modeClosed:
			return []byte(out.String())
		case modePager:
			switch ch {
			case ' ':
				out.WriteString(pagerClear)
				out.WriteString(c.nextPage())
			case 'q':
				c.pages = nil
				c.mode = modeLine
				out.WriteString(pagerClear + "\r\n" + c.app.prompt(c.cfgMode))
			}
		default:
			switch ch {
			case '\r':
			case '\n':
				cmd := strings.TrimSpace(string(c.line))
				c.line = c.line[:0]
				out.WriteString("\r\n")
				out.WriteString(c.execute(cmd))
			default:
				c.line = append(c.line, ch)
				out.WriteByte(ch)
			}
		}
	}
	return []byte(out.String())
}

func (c *Console) nextPage() string {
	if len(c.pages) == 0 {
		c.mode = modeLine
		return c.app.prompt(c.cfgMode)
	}
	page := c.pages[0]
	c.pages = c.pages[1:]
	if len(c.pages) > 0 {
		return page + pagerShow
	}
	c.mode = modeLine
	return page + c.app.prompt(c.cfgMode)
}

// paginate 按页输出，必要时进入分页模式
func (c *Console) paginate(text string) string {
	text = crlf(text)
	if c.app.PageLines <= 0 {
		return text + c.app.prompt(c.cfgMode)
	}
	lines := strings.SplitAfter(text, "\r\n")
	c.pages = nil
	for i := 0; i < len(lines); i += c.app.PageLines {
		c.pages = append(c.pages, strings.Join(lines[i:min(i+c.app.PageLines, len(lines))], ""))
	}
	c.mode = modePager
	return c.nextPage()
}

func (c *Console) execute(cmd string) string {
	if c.mode == modeConfirm {
		return c.confirm(cmd)
	}
	if cmd == "" {
		return c.app.prompt(c.cfgMode)
	}
	c.app.record(cmd)
	if c.app.HangOn != "" && cmd == c.app.HangOn {
		c.mode = modeHung
		return ""
	}
	if c.cfgMode != "" {
		return c.configure(cmd)
	}

	fields := strings.Fields(cmd)
	switch {
	case cmd == "show tech-support":
		return c.paginate(c.app.ShowTech())
	case cmd == "show running-config repository":
		return c.showRepositories()
	case len(fields) == 5 && strings.HasPrefix(cmd, "crypto host_key add host "):
		return crlf(fmt.Sprintf("host key fingerprint added\n# Host %s found: line 1\n%s\n", fields[4], c.app.Fingerprint)) + c.app.prompt("")
	case cmd == "configure terminal":
		c.cfgMode = "config"
		return crlf("Enter configuration commands, one per line.  End with CNTL/Z.\n") + c.app.prompt(c.cfgMode)
	case len(fields) == 5 && fields[0] == "backup-logs" && fields[2] == "repository" && fields[4] == "public-key":
		return c.backup(fields[1], fields[3])
	case cmd == "exit":
		c.mode = modeClosed
		return ""
	}
	return crlf("% Invalid input detected at '^' marker.\n") + c.app.prompt("")
}

func (c *Console) configure(cmd string) string {
	fields := strings.Fields(cmd)
	switch {
	case cmd == "end":
		c.commitRepository()
		c.cfgMode = ""
	case cmd == "exit":
		if c.cfgMode == "config-Repository" {
			c.commitRepository()
			c.cfgMode = "config"
		} else {
			c.cfgMode = ""
		}
	case len(fields) == 2 && fields[0] == "repository":
		c.commitRepository()
		c.editing = Repository{Name: fields[1]}
		c.cfgMode = "config-Repository"
	case len(fields) == 3 && fields[0] == "no" && fields[1] == "repository":
		c.app.mu.Lock()
		delete(c.app.repos, fields[2])
		c.app.mu.Unlock()
	case c.cfgMode == "config-Repository" && len(fields) == 2 && fields[0] == "url":
		c.editing.URL = fields[1]
	case c.cfgMode == "config-Repository" && len(fields) == 5 && fields[0] == "user" && fields[2] == "password":
		c.editing.User = fields[1]
	default:
		return crlf("% Invalid input detected at '^' marker.\n") + c.app.prompt(c.cfgMode)
	}
	return c.app.prompt(c.cfgMode)
}

func (c *Console) commitRepository() {
	if c.editing.Name == "" {
		return
	}
	c.app.AddRepository(c.editing)
	c.editing = Repository{}
}

func (c *Console) showRepositories() string {
	var b strings.Builder
	b.WriteString("Generating configuration...\n")
	for _, r := range c.app.Repositories() {
		fmt.Fprintf(&b, "!\nrepository %s\n  url %s\n  user %s password hash 3fe1a0b\n", r.Name, r.URL, r.User)
	}
	b.WriteString("!\n")
	return crlf(b.String()) + c.app.prompt("")
}

func (c *Console) backup(name, repo string) string {
	c.app.mu.Lock()
	_, ok := c.app.repos[repo]
	c.app.mu.Unlock()
	if !ok {
		return crlf(fmt.Sprintf("%% Repository %s not found\n", repo)) + c.app.prompt("")
	}
	c.bundle = name
	c.mode = modeConfirm
	return crlf(fmt.Sprintf("%% Creating backup %s\n", name)) + ConfirmPrompt
}

func (c *Console) confirm(answer string) string {
	c.mode = modeLine
	c.app.record(answer)
	switch strings.ToLower(answer) {
	case "no", "yes":
	default:
		return crlf("% Invalid answer, aborting\n") + c.app.prompt("")
	}
	var b strings.Builder
	for _, step := range c.app.BundleSteps {
		b.WriteString(strings.ReplaceAll(step, "ise-support-bundle", c.bundle) + "\n")
	}
	return crlf(b.String()) + c.app.prompt("")
}

func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}
