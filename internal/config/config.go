package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了账本守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Ledger       LedgerConfig       `json:"ledger"`
	Storage      StorageConfig      `json:"storage"`
	Distribution DistributionConfig `json:"distribution"`
	Queue        QueueConfig        `json:"queue"`
	Anchor       AnchorConfig       `json:"anchor"`
	Auth         AuthConfig         `json:"auth"`
	Alerting     AlertingConfig     `json:"alerting"`
	Logging      LoggingConfig      `json:"logging"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LedgerConfig 描述创世参数与策略文件位置。
type LedgerConfig struct {
	PolicyPath      string `json:"policy_path"`
	SupplyDeg       int64  `json:"supply_deg"`
	TreasuryAccount string `json:"treasury_account"`
	FeeSinkAccount  string `json:"fee_sink_account"`
}

// StorageConfig 统一描述账本持久化后端的连接信息。
type StorageConfig struct {
	// Driver 可选 memory、journal 或 mysql。
	Driver      string      `json:"driver"`
	JournalPath string      `json:"journal_path"`
	MySQL       MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                string `json:"dsn"`
	MaxOpenConns       int    `json:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec"`
	ConnMaxIdleTimeSec int    `json:"conn_max_idle_time_sec"`
}

// DistributionConfig 指向分配参数文件与报告输出目录。
type DistributionConfig struct {
	ConfigPath string `json:"config_path"`
	ReportDir  string `json:"report_dir"`
	Workers    int    `json:"workers"`
}

// QueueConfig 描述分配运行队列的驱动与连接参数。
type QueueConfig struct {
	// Driver 可选 memory、redis 或 rabbitmq。
	Driver     string         `json:"driver"`
	BufferSize int            `json:"buffer_size"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address      string `json:"address"`
	Password     string `json:"password"`
	DB           int    `json:"db"`
	Queue        string `json:"queue"`
	BlockWaitSec int    `json:"block_wait_sec"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AnchorConfig 描述链头锚定所需的节点信息。
type AnchorConfig struct {
	Enabled     bool   `json:"enabled"`
	RPCURL      string `json:"rpc_url"`
	PrivateKey  string `json:"private_key"`
	ChainID     int64  `json:"chain_id"`
	IntervalSec int    `json:"interval_sec"`
}

// AuthConfig 控制 API 鉴权方式。
type AuthConfig struct {
	// Mode 可选 disabled 或 jwt。
	Mode         string `json:"mode"`
	JWTSecret    string `json:"jwt_secret"`
	TokenTTLMin  int    `json:"token_ttl_min"`
	SeedAccounts string `json:"seed_accounts"`
}

// AlertingConfig 控制完整性故障与分配运行失败的告警推送渠道。
type AlertingConfig struct {
	Enabled  bool                `json:"enabled"`
	Email    EmailAlertConfig    `json:"email"`
	DingTalk DingTalkAlertConfig `json:"dingtalk"`
	Slack    SlackAlertConfig    `json:"slack"`
}

// EmailAlertConfig 描述 SMTP 告警邮件参数。
type EmailAlertConfig struct {
	Enabled       bool     `json:"enabled"`
	SMTPAddr      string   `json:"smtp_addr"`
	From          string   `json:"from"`
	Password      string   `json:"password"`
	To            []string `json:"to"`
	SubjectPrefix string   `json:"subject_prefix"`
}

// DingTalkAlertConfig 描述钉钉机器人 webhook 参数。
type DingTalkAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// SlackAlertConfig 描述 Slack incoming webhook 参数。
type SlackAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

// LoggingConfig 控制诊断日志与审计日志输出。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件与轮转参数。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Ledger.PolicyPath != "" && !filepath.IsAbs(c.Ledger.PolicyPath) {
		c.Ledger.PolicyPath = filepath.Join(baseDir, c.Ledger.PolicyPath)
	}
	if c.Ledger.TreasuryAccount == "" {
		c.Ledger.TreasuryAccount = "treasury"
	}
	if c.Ledger.FeeSinkAccount == "" {
		c.Ledger.FeeSinkAccount = "fee_pool"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "journal"
	}
	if c.Storage.JournalPath == "" {
		c.Storage.JournalPath = filepath.Join(c.Runtime.DataDir, "ledger.jsonl")
	} else if !filepath.IsAbs(c.Storage.JournalPath) {
		c.Storage.JournalPath = filepath.Join(baseDir, c.Storage.JournalPath)
	}

	if c.Distribution.ConfigPath != "" && !filepath.IsAbs(c.Distribution.ConfigPath) {
		c.Distribution.ConfigPath = filepath.Join(baseDir, c.Distribution.ConfigPath)
	}
	if c.Distribution.ReportDir == "" {
		c.Distribution.ReportDir = filepath.Join(c.Runtime.DataDir, "reports")
	} else if !filepath.IsAbs(c.Distribution.ReportDir) {
		c.Distribution.ReportDir = filepath.Join(baseDir, c.Distribution.ReportDir)
	}
	if c.Distribution.Workers <= 0 {
		c.Distribution.Workers = 1
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 64
	}

	if c.Anchor.IntervalSec <= 0 {
		c.Anchor.IntervalSec = 300
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.TokenTTLMin <= 0 {
		c.Auth.TokenTTLMin = 60
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

func (c *Config) validate() error {
	if c.Ledger.PolicyPath == "" {
		return errors.New("ledger.policy_path 不能为空")
	}
	if c.Ledger.SupplyDeg <= 0 {
		return errors.New("ledger.supply_deg 必须为正整数")
	}
	switch c.Storage.Driver {
	case "memory", "journal":
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			return errors.New("storage.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("未知的存储驱动 %q", c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("queue.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("未知的队列驱动 %q", c.Queue.Driver)
	}
	switch c.Auth.Mode {
	case "disabled":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret 在 jwt 模式下不能为空")
		}
	default:
		return fmt.Errorf("未知的鉴权模式 %q", c.Auth.Mode)
	}
	if c.Anchor.Enabled && c.Anchor.RPCURL == "" {
		return errors.New("anchor.rpc_url 在启用锚定时不能为空")
	}
	if c.Alerting.Enabled {
		if c.Alerting.Email.Enabled && (c.Alerting.Email.SMTPAddr == "" || len(c.Alerting.Email.To) == 0) {
			return errors.New("alerting.email 需要 smtp_addr 与至少一个收件人")
		}
		if c.Alerting.DingTalk.Enabled && c.Alerting.DingTalk.WebhookURL == "" {
			return errors.New("alerting.dingtalk.webhook_url 不能为空")
		}
		if c.Alerting.Slack.Enabled && c.Alerting.Slack.WebhookURL == "" {
			return errors.New("alerting.slack.webhook_url 不能为空")
		}
	}
	return nil
}
