package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 orcaflowd 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Queue        QueueConfig        `json:"queue"`
	Planner      PlannerConfig      `json:"planner"`
	Ledger       LedgerConfig       `json:"ledger"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Logging      LoggingConfig      `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述工作流与智能体目录的持久化后端。
// AgentsFile 指向启动时注入目录的智能体清单（JSON）。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	AgentsFile             string `json:"agents_file"`
}

// QueueConfig 描述步骤对账队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// PlannerConfig 选择工作流规划策略。
type PlannerConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述调用 OpenAI 规划器所需的信息。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回 OpenAI 调用超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LedgerConfig 描述支付结算核验所依赖的链配置。
type LedgerConfig struct {
	Driver       string `json:"driver"`
	ChainConfig  string `json:"chain_config"`
	RPCURL       string `json:"rpc_url"`
	DefaultChain string `json:"default_chain"`
}

// OrchestratorConfig 放置编排器的有界策略参数。
type OrchestratorConfig struct {
	MaxJobAttempts        int `json:"max_job_attempts"`
	MaxPaymentAttempts    int `json:"max_payment_attempts"`
	BackendTimeoutSeconds int `json:"backend_timeout_seconds"`
}

// BackendTimeout 返回单次远端调用的超时时间。
func (c OrchestratorConfig) BackendTimeout() time.Duration {
	if c.BackendTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}

// LoggingConfig 控制日志输出行为。
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

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.AgentsFile != "" && !filepath.IsAbs(c.Storage.AgentsFile) {
		c.Storage.AgentsFile = filepath.Join(baseDir, c.Storage.AgentsFile)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}

	if c.Planner.Provider == "" {
		c.Planner.Provider = "static"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.ChainConfig != "" && !filepath.IsAbs(c.Ledger.ChainConfig) {
		c.Ledger.ChainConfig = filepath.Join(baseDir, c.Ledger.ChainConfig)
	}

	if c.Orchestrator.MaxJobAttempts <= 0 {
		c.Orchestrator.MaxJobAttempts = 3
	}
	if c.Orchestrator.MaxPaymentAttempts <= 0 {
		c.Orchestrator.MaxPaymentAttempts = 3
	}
}
