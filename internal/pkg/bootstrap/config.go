// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/pkg/nacos"
)

type Config struct {
	App   AppConfig   `yaml:"app"`
	Infra InfraConfig `yaml:"infra"`
}

type AppConfig struct {
	Port        int               `yaml:"port"`
	LogLevel    string            `yaml:"logLevel"`
	Ledger      string            `yaml:"ledger"` // memory | redis | mysql
	Locker      string            `yaml:"locker"` // local | zookeeper
	Seed        []SeedProduct     `yaml:"seed"`
	Reservation ReservationConfig `yaml:"reservation"`
}

type SeedProduct struct {
	ProductID  string `yaml:"productId"`
	TotalStock uint   `yaml:"totalStock"`
}

type ReservationConfig struct {
	HoldTTL       time.Duration `yaml:"holdTTL"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	SweepBatch    int           `yaml:"sweepBatch"`
	LockWait      time.Duration `yaml:"lockWait"`
	HoldLimitRule string        `yaml:"holdLimitRule"` // CEL 表达式，为空表示不限购
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"` // 为空时不导出 span
	SampleRatio float64 `yaml:"sampleRatio"`
}

type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Brokers         []string `yaml:"brokers"`
	EventsTopic     string   `yaml:"eventsTopic"`
	CheckoutTopic   string   `yaml:"checkoutTopic"`
	ConsumerGroup   string   `yaml:"consumerGroup"`
	DeadLetterTopic string   `yaml:"deadLetterTopic"`
}

type RedisConfig struct {
	Addrs string `yaml:"addrs"`
}

type MySQLConfig struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type ZookeeperConfig struct {
	Servers        string        `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
}

type NacosConfig struct {
	ServerAddrs string `yaml:"serverAddrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
	DataID      string `yaml:"dataId"`
}

var (
	currentConfig atomic.Pointer[Config]
	nacosClient   *nacos.Client
)

func init() {
	currentConfig.Store(DefaultConfig())
}

// DefaultConfig 返回单机内存模式下可以直接运行的配置。
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Port:     8080,
			LogLevel: "info",
			Ledger:   "memory",
			Locker:   "local",
			Reservation: ReservationConfig{
				HoldTTL:       15 * time.Minute,
				SweepInterval: 5 * time.Second,
				SweepBatch:    256,
				LockWait:      2 * time.Second,
			},
		},
		Infra: InfraConfig{
			Jaeger: JaegerConfig{Endpoint: "http://localhost:14268/api/traces", SampleRatio: 1},
			Kafka: KafkaConfig{
				Brokers:         []string{"localhost:9092"},
				EventsTopic:     "reservation-events",
				CheckoutTopic:   "checkout-closed",
				ConsumerGroup:   "reservation-service",
				DeadLetterTopic: "checkout-closed-dlt",
			},
			Redis:     RedisConfig{Addrs: "localhost:6379"},
			MySQL:     MySQLConfig{Addr: "localhost:3306", User: "root", Database: "stockhold"},
			Zookeeper: ZookeeperConfig{Servers: "localhost:2181", SessionTimeout: 5 * time.Second},
			Nacos:     NacosConfig{Group: "DEFAULT_GROUP", DataID: "reservation-service.yaml"},
		},
	}
}

// GetCurrentConfig 返回当前生效的配置快照，Nacos 推送变更后会被整体替换。
func GetCurrentConfig() *Config {
	return currentConfig.Load()
}

// ParseConfig 在 base 之上叠加一份 YAML 文档，文档中未出现的字段保持 base 的值。
func ParseConfig(base *Config, data []byte) (*Config, error) {
	cfg := *base
	cfg.App.Seed = append([]SeedProduct(nil), base.App.Seed...)
	cfg.Infra.Kafka.Brokers = append([]string(nil), base.Infra.Kafka.Brokers...)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	r := c.App.Reservation
	if r.HoldTTL <= 0 {
		return fmt.Errorf("config: reservation.holdTTL must be positive, got %s", r.HoldTTL)
	}
	if r.SweepInterval <= 0 {
		return fmt.Errorf("config: reservation.sweepInterval must be positive, got %s", r.SweepInterval)
	}
	if r.LockWait <= 0 {
		return fmt.Errorf("config: reservation.lockWait must be positive, got %s", r.LockWait)
	}
	switch c.App.Ledger {
	case "memory", "redis", "mysql":
	default:
		return fmt.Errorf("config: unknown ledger backend %q", c.App.Ledger)
	}
	switch c.App.Locker {
	case "local", "zookeeper":
	default:
		return fmt.Errorf("config: unknown locker %q", c.App.Locker)
	}
	// 多实例共享商品锁时，账本和占用也必须是共享的
	if c.App.Locker == "zookeeper" && c.App.Ledger == "memory" {
		return fmt.Errorf("config: zookeeper locker requires a shared ledger (redis or mysql)")
	}
	if ratio := c.Infra.Jaeger.SampleRatio; ratio <= 0 || ratio > 1 {
		return fmt.Errorf("config: jaeger.sampleRatio must be in (0, 1], got %v", ratio)
	}
	return nil
}

// applyEnv 用环境变量覆盖配置，lookup 通常是 os.LookupEnv。
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	if v, ok := get("PORT"); ok {
		if _, err := fmt.Sscanf(v, "%d", &cfg.App.Port); err != nil {
			return fmt.Errorf("config: PORT: %w", err)
		}
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.App.LogLevel = v
	}
	if v, ok := get("LEDGER_BACKEND"); ok {
		cfg.App.Ledger = v
	}
	if v, ok := get("LOCKER"); ok {
		cfg.App.Locker = v
	}
	if v, ok := get("HOLD_LIMIT_RULE"); ok {
		cfg.App.Reservation.HoldLimitRule = v
	}
	if err := dur("HOLD_TTL", &cfg.App.Reservation.HoldTTL); err != nil {
		return err
	}
	if err := dur("SWEEP_INTERVAL", &cfg.App.Reservation.SweepInterval); err != nil {
		return err
	}
	if err := dur("LOCK_WAIT", &cfg.App.Reservation.LockWait); err != nil {
		return err
	}
	if v, ok := lookup("JAEGER_ENDPOINT"); ok {
		cfg.Infra.Jaeger.Endpoint = strings.TrimSpace(v)
	}
	if v, ok := get("JAEGER_SAMPLE_RATIO"); ok {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: JAEGER_SAMPLE_RATIO: %w", err)
		}
		cfg.Infra.Jaeger.SampleRatio = ratio
	}
	if v, ok := get("KAFKA_BROKERS"); ok {
		cfg.Infra.Kafka.Brokers = strings.Split(v, ",")
		cfg.Infra.Kafka.Enabled = true
	}
	if v, ok := get("REDIS_ADDRS"); ok {
		cfg.Infra.Redis.Addrs = v
	}
	if v, ok := get("MYSQL_ADDR"); ok {
		cfg.Infra.MySQL.Addr = v
	}
	if v, ok := get("MYSQL_USER"); ok {
		cfg.Infra.MySQL.User = v
	}
	if v, ok := get("MYSQL_PASSWORD"); ok {
		cfg.Infra.MySQL.Password = v
	}
	if v, ok := get("ZOOKEEPER_SERVERS"); ok {
		cfg.Infra.Zookeeper.Servers = v
	}
	if v, ok := get("NACOS_SERVER_ADDRS"); ok {
		cfg.Infra.Nacos.ServerAddrs = v
	}
	if v, ok := get("NACOS_NAMESPACE"); ok {
		cfg.Infra.Nacos.Namespace = v
	}
	if v, ok := get("NACOS_GROUP"); ok {
		cfg.Infra.Nacos.Group = v
	}
	return cfg.Validate()
}

// Init 按 默认值 → CONFIG_FILE → 环境变量 → Nacos 配置中心 的顺序加载配置。
// 配置了 Nacos 时会注册监听，远端修改后自动替换当前配置。
func Init() error {
	cfg := DefaultConfig()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		if cfg, err = ParseConfig(cfg, data); err != nil {
			return err
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return err
	}
	currentConfig.Store(cfg)

	n := cfg.Infra.Nacos
	if n.ServerAddrs == "" {
		return nil
	}
	client, err := nacos.NewNacosClient(n.ServerAddrs, n.Namespace, n.Group)
	if err != nil {
		return err
	}
	nacosClient = client

	content, err := client.GetConfig(n.DataID)
	if err != nil {
		logger.Ctx(context.Background()).Warn().Err(err).Msg("⚠️ Nacos config unavailable, keeping local configuration")
	} else if content != "" {
		if err := swapConfig(content); err != nil {
			return err
		}
	}

	return client.ListenConfig(n.DataID, func(content string) {
		if err := swapConfig(content); err != nil {
			logger.Ctx(context.Background()).Error().Err(err).Msg("Rejected configuration pushed by Nacos")
			return
		}
		logger.Ctx(context.Background()).Info().Msg("🔄 Configuration reloaded from Nacos")
	})
}

func swapConfig(content string) error {
	cfg, err := ParseConfig(GetCurrentConfig(), []byte(content))
	if err != nil {
		return err
	}
	// 环境变量始终优先于远端配置
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return err
	}
	currentConfig.Store(cfg)
	return nil
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
