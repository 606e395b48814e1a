package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Account    AccountConfig    `json:"account"`
	Custodian  CustodianConfig  `json:"custodian"`
	Platform   PlatformConfig   `json:"platform"`
	Pricing    PricingConfig    `json:"pricing"`
	Queue      QueueConfig      `json:"queue"`
	BatchStore BatchStoreConfig `json:"batch_store"`
	Server     ServerConfig     `json:"server"`
	Alerting   AlertingConfig   `json:"alerting"`
	Logging    LoggingConfig    `json:"logging"`
}

// AccountConfig 保存操作账号的登录凭据与两个共享密钥。
// SharedSecret 用于派生一次性登录码，IdentitySecret 用于签署移动确认。
type AccountConfig struct {
	Name           string `json:"name"`
	Password       string `json:"password"`
	SharedSecret   string `json:"shared_secret"`
	IdentitySecret string `json:"identity_secret"`
}

// CustodianConfig 控制报价评估与转移流程的策略参数。
type CustodianConfig struct {
	PrivilegedID           string `json:"privileged_id"`
	DestinationID          string `json:"destination_id"`
	ThresholdCents         int64  `json:"threshold_cents"`
	BatchMessage           string `json:"batch_message"`
	SettleDelaySeconds     int    `json:"settle_delay_seconds"`
	FinalizeDelaySeconds   int    `json:"finalize_delay_seconds"`
	RefreshCoalesceSeconds int    `json:"refresh_coalesce_seconds"`
}

// PlatformConfig 选择交易平台适配器。生产适配器在部署侧注入，
// sim 驱动基于脚本化的报价文件，主要用于联调。
type PlatformConfig struct {
	Driver  string `json:"driver"`
	Fixture string `json:"fixture"`
}

// PricingConfig 描述市场价格数据源。
type PricingConfig struct {
	Provider       string `json:"provider"`
	BaseURL        string `json:"base_url"`
	Currency       int    `json:"currency"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Table          string `json:"table"`
}

// QueueConfig 统一描述结算任务队列的驱动与连接信息。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 保存 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 保存 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// BatchStoreConfig 描述在途批次状态的存储后端。
type BatchStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ServerConfig 控制运维接口的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// AlertingConfig 描述告警通知渠道。WebhookURL 为空时只写审计日志。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
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

	return &cfg, nil
}

// Validate 检查缺少时无法安全运行的字段。
func (c *Config) Validate() error {
	if c.Account.Name == "" || c.Account.Password == "" {
		return errors.New("必须配置操作账号的用户名和密码")
	}
	if c.Account.SharedSecret == "" {
		return errors.New("必须配置 shared_secret 用于派生登录码")
	}
	if c.Account.IdentitySecret == "" {
		return errors.New("必须配置 identity_secret 用于签署确认")
	}
	if c.Custodian.PrivilegedID == "" {
		return errors.New("必须配置特权身份 privileged_id")
	}
	if c.Custodian.DestinationID == "" {
		return errors.New("必须配置转移目标身份 destination_id")
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Custodian.ThresholdCents <= 0 {
		c.Custodian.ThresholdCents = 100
	}
	if c.Custodian.BatchMessage == "" {
		c.Custodian.BatchMessage = "Items were over price cap"
	}
	if c.Custodian.SettleDelaySeconds <= 0 {
		c.Custodian.SettleDelaySeconds = 3
	}
	if c.Custodian.RefreshCoalesceSeconds <= 0 {
		c.Custodian.RefreshCoalesceSeconds = 10
	}

	if c.Platform.Driver == "" {
		c.Platform.Driver = "sim"
	}
	if c.Platform.Fixture != "" && !filepath.IsAbs(c.Platform.Fixture) {
		c.Platform.Fixture = filepath.Join(baseDir, c.Platform.Fixture)
	}

	if c.Pricing.Provider == "" {
		c.Pricing.Provider = "market"
	}
	if c.Pricing.Currency <= 0 {
		c.Pricing.Currency = 1
	}
	if c.Pricing.TimeoutSeconds <= 0 {
		c.Pricing.TimeoutSeconds = 10
	}
	if c.Pricing.Table != "" && !filepath.IsAbs(c.Pricing.Table) {
		c.Pricing.Table = filepath.Join(baseDir, c.Pricing.Table)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}

	if c.BatchStore.Driver == "" {
		c.BatchStore.Driver = "memory"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
