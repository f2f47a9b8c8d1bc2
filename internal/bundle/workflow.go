// Package bundle 驱动设备端诊断包的生成与导出：
// 校验/创建 SFTP 仓库（先核对目标服务器主机指纹），再完成 backup-logs 交互对话。
package bundle

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/diagrelay/internal/apperr"
	"github.com/sshcollectorpro/diagrelay/internal/console"
	"github.com/sshcollectorpro/diagrelay/pkg/logger"
)

// 默认的 SFTP 目标主机指纹白名单（RSA、ED25519）
var DefaultFingerprints = []string{
	"SHA256:acJn5OmbrtHv6jsm0tdBnOU0Cv1VOIv+G4uN6/H6akI",
	"SHA256:GtnA5oZQ0x6J+73apOIGQUse+qHVj/Jn3sJ8+XHjjW",
}

const (
	DefaultSFTPHost          = "cxd.cisco.com"
	DefaultDestinationPrefix = "TAC-"
	DefaultBundlePrefix      = "ise-support-bundle-fr"
	DefaultConfirmPrompt     = "Include Core and Heap dumps? (YES/NO):"
	DefaultConfirmAnswer     = "no"
	DefaultHostKeyTimeout    = 10 * time.Second
	DefaultConfigTimeout     = 30 * time.Second
)

// State 工作流阶段
type State string

const (
	StateCheckDestination  State = "CHECK_DESTINATION"
	StateCreateDestination State = "CREATE_DESTINATION"
	StateRunDialogue       State = "RUN_BUNDLE_DIALOGUE"
	StateRemoveDestination State = "REMOVE_DESTINATION"
	StateDone              State = "DONE"
)

// Config 工作流参数
type Config struct {
	SFTPHost          string
	Fingerprints      []string
	DestinationPrefix string
	BundlePrefix      string
	ConfirmPrompt     string
	ConfirmAnswer     string
	HostKeyTimeout    time.Duration
	ConfigTimeout     time.Duration
	// RemoveDestination 完成后删除仓库；默认保留以便重试复用
	RemoveDestination bool
}

func (c Config) withDefaults() Config {
	if c.SFTPHost == "" {
		c.SFTPHost = DefaultSFTPHost
	}
	if len(c.Fingerprints) == 0 {
		c.Fingerprints = DefaultFingerprints
	}
	if c.DestinationPrefix == "" {
		c.DestinationPrefix = DefaultDestinationPrefix
	}
	if c.BundlePrefix == "" {
		c.BundlePrefix = DefaultBundlePrefix
	}
	if c.ConfirmPrompt == "" {
		c.ConfirmPrompt = DefaultConfirmPrompt
	}
	if c.ConfirmAnswer == "" {
		c.ConfirmAnswer = DefaultConfirmAnswer
	}
	if c.HostKeyTimeout <= 0 {
		c.HostKeyTimeout = DefaultHostKeyTimeout
	}
	if c.ConfigTimeout <= 0 {
		c.ConfigTimeout = DefaultConfigTimeout
	}
	return c
}

// Credentials 案例号与上传令牌，同时作为 SFTP 仓库的账号口令
type Credentials struct {
	CaseID string
	Token  string
}

// Runner 控制台命令执行者，*console.Session 满足该接口
type Runner interface {
	Run(ctx context.Context, command string, opts console.RunOptions) (*console.Transcript, error)
}

// Workflow 诊断包工作流
type Workflow struct {
	cfg   Config
	creds Credentials
	emit  func(line string)
	now   func() time.Time
}

// New 创建工作流；emit 接收带时间戳的进度行，为 nil 时写入日志
func New(cfg Config, creds Credentials, emit func(line string)) *Workflow {
	return &Workflow{
		cfg:   cfg.withDefaults(),
		creds: creds,
		emit:  emit,
		now:   time.Now,
	}
}

// Destination 仓库名称：前缀 + 案例号
func (w *Workflow) Destination() string {
	return w.cfg.DestinationPrefix + w.creds.CaseID
}

// BundleName 设备上生成的诊断包名称
func (w *Workflow) BundleName(node string) string {
	return w.cfg.BundlePrefix + "-" + node
}

// Run 依次执行 CHECK_DESTINATION → (CREATE_DESTINATION)? → RUN_BUNDLE_DIALOGUE → DONE
func (w *Workflow) Run(ctx context.Context, r Runner, node string) error {
	log := logger.ForNode(node)
	dest := w.Destination()

	log.WithField("state", StateCheckDestination).Debug("checking repository")
	exists, err := w.destinationExists(ctx, r, dest)
	if err != nil {
		return apperr.WithNode(node, err)
	}

	if exists {
		w.progress(node, fmt.Sprintf("Repository %s already exists", dest))
	} else {
		log.WithField("state", StateCreateDestination).Info("adding repository")
		if err := w.createDestination(ctx, r, dest); err != nil {
			return apperr.WithNode(node, err)
		}
		w.progress(node, fmt.Sprintf("Added repository %s", dest))
	}

	log.WithField("state", StateRunDialogue).Info("creating diagnostic bundle, this takes ~45-90 minutes")
	if err := w.runDialogue(ctx, r, node, dest); err != nil {
		return apperr.WithNode(node, err)
	}

	if w.cfg.RemoveDestination {
		log.WithField("state", StateRemoveDestination).Info("removing repository")
		if err := w.configure(ctx, r, "no repository "+dest); err != nil {
			return apperr.WithNode(node, err)
		}
	}
	log.WithField("state", StateDone).Info("diagnostic bundle exported")
	return nil
}

func (w *Workflow) destinationExists(ctx context.Context, r Runner, dest string) (bool, error) {
	tr, err := r.Run(ctx, "show running-config repository", console.RunOptions{})
	if err != nil {
		return false, err
	}
	re := regexp.MustCompile(`(?m)^\s*repository\s+` + regexp.QuoteMeta(dest) + `\s*$`)
	return re.MatchString(tr.Text()), nil
}

// createDestination 先核对 SFTP 主机指纹，不匹配时不下发任何配置
func (w *Workflow) createDestination(ctx context.Context, r Runner, dest string) error {
	hkCtx, cancel := context.WithTimeout(ctx, w.cfg.HostKeyTimeout)
	tr, err := r.Run(hkCtx, "crypto host_key add host "+w.cfg.SFTPHost, console.RunOptions{})
	cancel()
	if err != nil {
		return err
	}
	if !w.trusted(tr.Text()) {
		return apperr.Errorf(apperr.KindSecurity, "verify host key",
			"fingerprint of %s does not match any trusted fingerprint, refusing to configure repository", w.cfg.SFTPHost)
	}

	return w.configure(ctx, r,
		"repository "+dest,
		"url sftp://"+w.cfg.SFTPHost+"/",
		fmt.Sprintf("user %s password plain %s", w.creds.CaseID, w.creds.Token),
	)
}

func (w *Workflow) trusted(output string) bool {
	for _, fp := range w.cfg.Fingerprints {
		if fp != "" && strings.Contains(output, fp) {
			return true
		}
	}
	return false
}

// configure 进入配置模式执行命令后退出
func (w *Workflow) configure(ctx context.Context, r Runner, commands ...string) error {
	cfgCtx, cancel := context.WithTimeout(ctx, w.cfg.ConfigTimeout)
	defer cancel()
	seq := append([]string{"configure terminal"}, commands...)
	seq = append(seq, "end")
	for _, cmd := range seq {
		tr, err := r.Run(cfgCtx, cmd, console.RunOptions{})
		if err != nil {
			return fmt.Errorf("configure %q: %w", redact(cmd), err)
		}
		if msg, rejected := rejection(tr.Text()); rejected {
			return apperr.Errorf(apperr.KindTransport, "configure", "device rejected %q: %s", redact(cmd), msg)
		}
	}
	return nil
}

func (w *Workflow) runDialogue(ctx context.Context, r Runner, node, dest string) error {
	cmd := fmt.Sprintf("backup-logs %s repository %s public-key", w.BundleName(node), dest)
	tr, err := r.Run(ctx, cmd, console.RunOptions{
		SkipPromptUntil: w.cfg.ConfirmPrompt,
		// 设备拒绝命令时不会出现确认提示
		AbortOn: func(line string) bool {
			_, rejected := rejection(line)
			return rejected
		},
	})
	if err != nil {
		return err
	}
	if msg, rejected := rejection(tr.Text()); rejected {
		return apperr.Errorf(apperr.KindTransport, "backup-logs", "device rejected %q: %s", cmd, msg)
	}
	w.progress(node, tr.Text())

	_, err = r.Run(ctx, w.cfg.ConfirmAnswer, console.RunOptions{
		OnChunk: func(chunk []byte) { w.progress(node, string(chunk)) },
	})
	return err
}

func (w *Workflow) progress(node, text string) {
	line := fmt.Sprintf("%s NODE: %s - %s", w.now().Format(time.RFC3339), node, text)
	if w.emit != nil {
		w.emit(line)
		return
	}
	logger.WithFields(logrus.Fields{"node": node}).Info(text)
}

// redact 隐藏包含口令的配置命令
func redact(cmd string) string {
	if i := strings.Index(cmd, " password "); i >= 0 {
		return cmd[:i] + " password ****"
	}
	return cmd
}

// rejection 查找设备的错误回显行，如 "% Invalid input detected"
func rejection(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "% Invalid") || strings.HasPrefix(line, "% Error") {
			return line, true
		}
	}
	return "", false
}
