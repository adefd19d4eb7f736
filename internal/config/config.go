package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"vaultflow/internal/chain"
	"vaultflow/internal/events"
	"vaultflow/internal/executor"
	"vaultflow/internal/logging"
	"vaultflow/internal/pricefeed"
	"vaultflow/internal/relay"
	"vaultflow/internal/retry"
	"vaultflow/internal/statuschannel"
	"vaultflow/internal/tracker"
)

// EnvDatabaseDSN 设置后从 Postgres 读取覆盖配置
const EnvDatabaseDSN = "VAULTFLOW_DB_DSN"

// Config 主配置
type Config struct {
	Chain         *chain.Config        `mapstructure:"chain"`
	Relay         *relay.Config        `mapstructure:"relay"`
	PriceFeed     *pricefeed.Config    `mapstructure:"price_feed"`
	StatusChannel *StatusChannelConfig `mapstructure:"status_channel"`
	Registry      *RegistryConfig      `mapstructure:"registry"`
	Executor      *ExecutorConfig      `mapstructure:"executor"`
	Wallet        *WalletConfig        `mapstructure:"wallet"`
	Events        *events.Config       `mapstructure:"events"`
	API           *APIConfig           `mapstructure:"api"`
	Logging       *logging.LogConfig   `mapstructure:"logging"`
}

// StatusChannelConfig 状态通道配置
type StatusChannelConfig struct {
	Type      string                        `mapstructure:"type"` // websocket, kafka
	Websocket statuschannel.WebsocketConfig `mapstructure:"websocket"`
	Kafka     statuschannel.KafkaConfig     `mapstructure:"kafka"`
}

// RegistryConfig 金库注册表配置
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	PhasePlans     map[string][]string `mapstructure:"phase_plans"`
	DisplayDelay   time.Duration       `mapstructure:"display_delay"`
	Fee            uint64              `mapstructure:"fee"`
	RefreshTimeout time.Duration       `mapstructure:"refresh_timeout"`
}

// WalletConfig 钱包桥与交易构建服务配置
type WalletConfig struct {
	BridgeURL string        `mapstructure:"bridge_url"`
	KeygenURL string        `mapstructure:"keygen_url"`
	SDKURL    string        `mapstructure:"sdk_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// APIConfig HTTP 服务配置
type APIConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	ProofServiceURL  string `mapstructure:"proof_service_url"`
	WorkerServiceURL string `mapstructure:"worker_service_url"`
}

// Addr 监听地址
func (c *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ParsedPhasePlans 解析执行器阶段计划，未配置时使用默认计划
func (c *ExecutorConfig) ParsedPhasePlans() (executor.PhasePlans, error) {
	if len(c.PhasePlans) == 0 {
		return executor.DefaultPhasePlans(), nil
	}
	return executor.ParsePhasePlans(c.PhasePlans)
}

// LoadConfig 加载配置：YAML 文件为基础，设置了数据库 DSN 时叠加数据库中的覆盖项
func LoadConfig(configPath string, logger *logrus.Logger) (*Config, error) {
	config, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	dsn := os.Getenv(EnvDatabaseDSN)
	if dsn == "" {
		dsn = config.databaseDSNFromFile()
	}
	if dsn == "" {
		return config, nil
	}

	dbConfig, err := NewDatabaseConfig(dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	defer dbConfig.Close()

	if err := dbConfig.ApplyOverrides(config); err != nil {
		return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
	}
	logger.Info("已从数据库加载覆盖配置")
	return config, nil
}

// databaseDSNFromFile 读取 configs/database.yaml 中的 dsn
func (c *Config) databaseDSNFromFile() string {
	dbConfigFile := "configs/database.yaml"
	if _, err := os.Stat(dbConfigFile); err != nil {
		return ""
	}
	dbViper := viper.New()
	dbViper.SetConfigFile(dbConfigFile)
	dbViper.SetConfigType("yaml")
	if err := dbViper.ReadInConfig(); err != nil {
		return ""
	}
	return dbViper.GetString("database.dsn")
}

// LoadConfigFromFile 从文件加载配置，缺省字段取默认值
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VAULTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Chain: &chain.Config{
			GraphQLURL: "https://api.minascan.io/node/devnet/v1/graphql",
			Timeout:    30 * time.Second,
			Retry:      retry.NetworkConfig,
		},
		Relay: &relay.Config{
			BaseURL: "http://localhost:3000",
			Timeout: 60 * time.Second,
		},
		PriceFeed: &pricefeed.Config{
			BaseURL:      "http://localhost:3000",
			PollInterval: 30 * time.Second,
			Timeout:      10 * time.Second,
			MaxBlockLag:  pricefeed.DefaultMaxBlockLag,
			Retry:        retry.NetworkConfig,
		},
		StatusChannel: &StatusChannelConfig{
			Type: "websocket",
			Websocket: statuschannel.WebsocketConfig{
				URL:     "ws://localhost:3001/status",
				Timeout: statuschannel.DefaultTimeout,
				Retry:   retry.NetworkConfig,
			},
			Kafka: statuschannel.KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   statuschannel.DefaultStatusTopic,
				Timeout: statuschannel.DefaultTimeout,
			},
		},
		Registry: &RegistryConfig{
			Path: "./data/registry.db",
		},
		Executor: &ExecutorConfig{
			DisplayDelay:   tracker.DefaultDisplayDelay,
			Fee:            100_000_000,
			RefreshTimeout: executor.DefaultRefreshTimeout,
		},
		Wallet: &WalletConfig{
			BridgeURL: "http://localhost:3002",
			KeygenURL: "http://localhost:3002/keys",
			SDKURL:    "http://localhost:3003",
			Timeout:   2 * time.Minute,
		},
		Events: &events.Config{
			Type: "none",
			Kafka: events.KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   events.DefaultTopic,
			},
			File: events.FileConfig{Dir: "./events"},
		},
		API: &APIConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ProofServiceURL:  "http://localhost:3004",
			WorkerServiceURL: "http://localhost:3005",
		},
		Logging: &logging.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Validate 校验配置完整性
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("配置为空")
	}
	if c.Chain == nil || c.Relay == nil || c.PriceFeed == nil || c.StatusChannel == nil ||
		c.Registry == nil || c.Executor == nil || c.Wallet == nil || c.Events == nil ||
		c.API == nil || c.Logging == nil {
		return fmt.Errorf("配置缺少必要的部分")
	}

	if err := validateURL("chain.graphql_url", c.Chain.GraphQLURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("relay.base_url", c.Relay.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("price_feed.base_url", c.PriceFeed.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.PriceFeed.PollInterval <= 0 {
		return fmt.Errorf("price_feed.poll_interval 必须大于0")
	}

	switch c.StatusChannel.Type {
	case "websocket":
		if err := validateURL("status_channel.websocket.url", c.StatusChannel.Websocket.URL, "ws", "wss"); err != nil {
			return err
		}
	case "kafka":
		if err := validateBrokers("status_channel.kafka.brokers", c.StatusChannel.Kafka.Brokers); err != nil {
			return err
		}
	default:
		return fmt.Errorf("不支持的状态通道类型: %s", c.StatusChannel.Type)
	}

	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path 不能为空")
	}
	if c.Executor.DisplayDelay < 0 {
		return fmt.Errorf("executor.display_delay 不能为负数")
	}
	if _, err := c.Executor.ParsedPhasePlans(); err != nil {
		return fmt.Errorf("executor.phase_plans 无效: %w", err)
	}

	if err := validateURL("wallet.bridge_url", c.Wallet.BridgeURL, "http", "https"); err != nil {
		return err
	}

	switch c.Events.Type {
	case "", "none":
	case "kafka":
		if err := validateBrokers("events.kafka.brokers", c.Events.Kafka.Brokers); err != nil {
			return err
		}
	case "file":
		if c.Events.File.Dir == "" {
			return fmt.Errorf("events.file.dir 不能为空")
		}
	default:
		return fmt.Errorf("不支持的事件输出类型: %s", c.Events.Type)
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port 无效: %d", c.API.Port)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level 无效: %w", err)
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s 不能为空", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s 格式无效: %s", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s 协议必须为 %s", field, strings.Join(schemes, "/"))
}

func validateBrokers(field string, brokers []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("%s 不能为空", field)
	}
	for _, b := range brokers {
		host, port, ok := strings.Cut(b, ":")
		if !ok || host == "" || port == "" {
			return fmt.Errorf("%s 格式无效: %s", field, b)
		}
	}
	return nil
}
