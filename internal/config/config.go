package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sshcollectorpro/diagrelay/internal/bundle"
	"github.com/sshcollectorpro/diagrelay/internal/console"
	"github.com/sshcollectorpro/diagrelay/internal/intake"
)

// Config 应用配置结构
type Config struct {
	Intake    IntakeConfig    `mapstructure:"intake"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Console   ConsoleConfig   `mapstructure:"console"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Bundle    BundleConfig    `mapstructure:"bundle"`
	Collector CollectorConfig `mapstructure:"collector"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
}

// IntakeConfig 附件接收服务
type IntakeConfig struct {
	URL       string        `mapstructure:"url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// SSHConfig SSH配置
type SSHConfig struct {
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// SessionTimeout 单次读取的空闲上限，超时即判定该节点超时
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval"`
	// Hosts 节点名到连接地址的覆盖（节点名无法解析时使用，如 "ise-2": "10.0.0.12:22"）
	Hosts map[string]string `mapstructure:"hosts"`
}

// ConsoleConfig 控制台读取参数
type ConsoleConfig struct {
	PromptPatterns   []string      `mapstructure:"prompt_patterns"`
	TailWindow       int           `mapstructure:"tail_window"`
	MaxBytes         int           `mapstructure:"max_bytes"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	PromptNudge      time.Duration `mapstructure:"prompt_nudge"`
	PromptNudgeLimit int           `mapstructure:"prompt_nudge_limit"`
	DrainQuiet       time.Duration `mapstructure:"drain_quiet"`
}

// DiscoveryConfig 从种子节点发现集群成员
type DiscoveryConfig struct {
	Command      string `mapstructure:"command"`
	StopMarker   string `mapstructure:"stop_marker"`
	SectionTitle string `mapstructure:"section_title"`
}

// BundleConfig 诊断包工作流
type BundleConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	SFTPHost          string        `mapstructure:"sftp_host"`
	Fingerprints      []string      `mapstructure:"fingerprints"`
	DestinationPrefix string        `mapstructure:"destination_prefix"`
	BundlePrefix      string        `mapstructure:"bundle_prefix"`
	ConfirmPrompt     string        `mapstructure:"confirm_prompt"`
	ConfirmAnswer     string        `mapstructure:"confirm_answer"`
	HostKeyTimeout    time.Duration `mapstructure:"host_key_timeout"`
	ConfigTimeout     time.Duration `mapstructure:"config_timeout"`
	RemoveDestination bool          `mapstructure:"remove_destination"`
}

// CollectorConfig 采集与并发
type CollectorConfig struct {
	Command string `mapstructure:"command"`
	// Concurrent 同时处理的节点数，0 表示不限制
	Concurrent int `mapstructure:"concurrent"`
}

// ArchiveConfig 转录本的本地/对象存储副本
type ArchiveConfig struct {
	// Backend local | minio | none
	Backend string             `mapstructure:"backend"`
	Local   LocalArchiveConfig `mapstructure:"local"`
	Minio   MinioConfig        `mapstructure:"minio"`
}

// LocalArchiveConfig 本地存储配置
type LocalArchiveConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
	Compress       bool   `mapstructure:"compress"`
}

// MinioConfig 对象存储配置
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Secure    bool   `mapstructure:"secure"`
}

// DatabaseConfig 运行历史库
type DatabaseConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	SQLite  SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// EnvPrefix 环境变量前缀，如 DIAGRELAY_SSH_CONNECT_TIMEOUT
const EnvPrefix = "DIAGRELAY"

var globalConfig *Config

// Load 加载配置；configPath 为空且默认位置没有配置文件时只使用默认值与环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	normalize(&config)

	globalConfig = &config
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("intake.url", intake.DefaultURL)
	v.SetDefault("intake.user_agent", intake.DefaultUserAgent)
	v.SetDefault("intake.timeout", intake.DefaultTimeout)

	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", 10*time.Second)
	v.SetDefault("ssh.session_timeout", time.Hour)
	v.SetDefault("ssh.keep_alive_interval", 30*time.Second)
	v.SetDefault("ssh.hosts", map[string]string{})

	v.SetDefault("console.prompt_patterns", console.DefaultPromptPatterns)
	v.SetDefault("console.tail_window", console.DefaultTailWindow)
	v.SetDefault("console.max_bytes", console.DefaultMaxBytes)
	v.SetDefault("console.progress_interval", console.DefaultProgressInterval)
	v.SetDefault("console.prompt_nudge", console.DefaultPromptNudge)
	v.SetDefault("console.prompt_nudge_limit", 12)
	v.SetDefault("console.drain_quiet", 300*time.Millisecond)

	v.SetDefault("discovery.command", "show tech-support")
	v.SetDefault("discovery.stop_marker", "Displaying ISE Node Group Information")
	v.SetDefault("discovery.section_title", "Displaying ISE deployment ...")

	v.SetDefault("bundle.enabled", true)
	v.SetDefault("bundle.sftp_host", bundle.DefaultSFTPHost)
	v.SetDefault("bundle.fingerprints", bundle.DefaultFingerprints)
	v.SetDefault("bundle.destination_prefix", bundle.DefaultDestinationPrefix)
	v.SetDefault("bundle.bundle_prefix", bundle.DefaultBundlePrefix)
	v.SetDefault("bundle.confirm_prompt", bundle.DefaultConfirmPrompt)
	v.SetDefault("bundle.confirm_answer", bundle.DefaultConfirmAnswer)
	v.SetDefault("bundle.host_key_timeout", bundle.DefaultHostKeyTimeout)
	v.SetDefault("bundle.config_timeout", bundle.DefaultConfigTimeout)
	v.SetDefault("bundle.remove_destination", false)

	v.SetDefault("collector.command", "show tech-support")
	v.SetDefault("collector.concurrent", 0)

	v.SetDefault("archive.backend", "local")
	v.SetDefault("archive.local.base_dir", "./data/transcripts")
	v.SetDefault("archive.local.mkdir_if_missing", true)
	v.SetDefault("archive.local.compress", false)
	v.SetDefault("archive.minio.port", 9000)
	v.SetDefault("archive.minio.bucket", "diagrelay")
	v.SetDefault("archive.minio.prefix", "transcripts")

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.sqlite.path", "./data/diagrelay.db")
	v.SetDefault("database.sqlite.max_open_conns", 1)
	v.SetDefault("database.sqlite.max_idle_conns", 1)
	v.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file_path", "./logs/diagrelay.log")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)
}

// normalize 修正取值：去空白、统一大小写
func normalize(c *Config) {
	c.Archive.Backend = strings.ToLower(strings.TrimSpace(c.Archive.Backend))
	if c.Archive.Backend == "" {
		c.Archive.Backend = "none"
	}
	c.Log.Output = strings.ToLower(strings.TrimSpace(c.Log.Output))
	fps := c.Bundle.Fingerprints[:0]
	for _, fp := range c.Bundle.Fingerprints {
		if fp = strings.TrimSpace(fp); fp != "" {
			fps = append(fps, fp)
		}
	}
	c.Bundle.Fingerprints = fps
	if c.Collector.Concurrent < 0 {
		c.Collector.Concurrent = 0
	}
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// HostFor 节点的连接地址：优先使用 ssh.hosts 覆盖，否则为节点名本身
func (c *Config) HostFor(node string) string {
	if h, ok := c.SSH.Hosts[strings.ToLower(node)]; ok && h != "" {
		return h
	}
	return node
}
