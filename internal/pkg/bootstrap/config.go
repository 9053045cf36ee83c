// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"stocknexus/internal/pkg/logger"
)

// Duration 包装 time.Duration，让其可以直接写在 YAML 里（如 "15m"、"30s"）。
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config 是全部服务共享的配置结构。
type Config struct {
	App struct {
		LogLevel string `yaml:"logLevel"`

		// 预占的默认保留时长，到期未提交的预占会被后台清理
		HoldTTL Duration `yaml:"holdTTL"`

		Sweep struct {
			Interval    Duration `yaml:"interval"`
			BatchSize   int      `yaml:"batchSize"`
			Concurrency int      `yaml:"concurrency"`
		} `yaml:"sweep"`

		Relay struct {
			Interval    Duration `yaml:"interval"`
			BatchSize   int      `yaml:"batchSize"`
			MaxAttempts int      `yaml:"maxAttempts"`
		} `yaml:"relay"`

		Allocator struct {
			// CEL 表达式，决定一个仓库是否参与分配，留空表示全部参与
			EligibilityRule string `yaml:"eligibilityRule"`
		} `yaml:"allocator"`

		// 遇到行锁冲突时的最大重试次数
		ContentionRetries int `yaml:"contentionRetries"`
	} `yaml:"app"`

	Infra struct {
		Mysql struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`

		Redis struct {
			Addr            string   `yaml:"addr"`
			AvailabilityTTL Duration `yaml:"availabilityTTL"`
		} `yaml:"redis"`

		Kafka struct {
			Brokers          []string `yaml:"brokers"`
			StockEventsTopic string   `yaml:"stockEventsTopic"`
			OrderEventsTopic string   `yaml:"orderEventsTopic"`
			DLQTopic         string   `yaml:"dlqTopic"`
			ConsumerGroup    string   `yaml:"consumerGroup"`
		} `yaml:"kafka"`

		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`

		Zookeeper struct {
			Addrs []string `yaml:"addrs"`
		} `yaml:"zookeeper"`

		Nacos struct {
			ServerAddrs string `yaml:"serverAddrs"`
			Namespace   string `yaml:"namespace"`
			Group       string `yaml:"group"`
		} `yaml:"nacos"`
	} `yaml:"infra"`
}

var currentConfig atomic.Pointer[Config]

// Init 加载配置。优先级：环境变量 > CONFIG_PATH 指定的 YAML 文件 > 默认值。
func Init() {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Logger().Fatal().Err(err).Str("path", path).Msg("failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			logger.Logger().Fatal().Err(err).Str("path", path).Msg("failed to parse config file")
		}
	}

	applyEnvOverrides(cfg)
	currentConfig.Store(cfg)
}

// GetCurrentConfig 返回当前生效的配置。必须先调用 Init。
func GetCurrentConfig() *Config {
	cfg := currentConfig.Load()
	if cfg == nil {
		panic("bootstrap.Init must be called before GetCurrentConfig")
	}
	return cfg
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.App.LogLevel = "info"
	cfg.App.HoldTTL = Duration(15 * time.Minute)
	cfg.App.Sweep.Interval = Duration(30 * time.Second)
	cfg.App.Sweep.BatchSize = 100
	cfg.App.Sweep.Concurrency = 8
	cfg.App.Relay.Interval = Duration(time.Second)
	cfg.App.Relay.BatchSize = 100
	cfg.App.Relay.MaxAttempts = 10
	cfg.App.ContentionRetries = 3

	cfg.Infra.Mysql.DSN = "root:root@tcp(localhost:3306)/stocknexus?parseTime=true&charset=utf8mb4"
	cfg.Infra.Redis.Addr = "localhost:6379"
	cfg.Infra.Redis.AvailabilityTTL = Duration(5 * time.Second)
	cfg.Infra.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Infra.Kafka.StockEventsTopic = "stock-events"
	cfg.Infra.Kafka.OrderEventsTopic = "order-events"
	cfg.Infra.Kafka.DLQTopic = "stock-events-dlq"
	cfg.Infra.Kafka.ConsumerGroup = "stock-service-group"
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	cfg.Infra.Nacos.Group = "DEFAULT_GROUP"
	return cfg
}

// applyEnvOverrides 允许容器环境直接用环境变量覆盖关键连接信息。
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.Infra.Mysql.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Infra.Redis.Addr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Infra.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		cfg.Infra.Jaeger.Endpoint = v
	}
	if v := os.Getenv("ZOOKEEPER_ADDRS"); v != "" {
		cfg.Infra.Zookeeper.Addrs = strings.Split(v, ",")
	}
	if v := os.Getenv("NACOS_SERVER_ADDRS"); v != "" {
		cfg.Infra.Nacos.ServerAddrs = v
	}
	if v := os.Getenv("NACOS_NAMESPACE"); v != "" {
		cfg.Infra.Nacos.Namespace = v
	}
	if v := os.Getenv("NACOS_GROUP"); v != "" {
		cfg.Infra.Nacos.Group = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
}
