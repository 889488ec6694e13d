package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
)

type Config struct {
	Env         string         `yaml:"env" env:"ENV" env-default:"local"`
	ServiceName string         `yaml:"service_name" env:"SERVICE_NAME" env-default:"order_service"`
	HTTP        HTTPConfig     `yaml:"http"`
	Postgres    PostgresConfig `yaml:"postgres"`
	Relay       RelayConfig    `yaml:"relay"`
	Broker      BrokerConfig   `yaml:"broker"`
	Breaker     BreakerConfig  `yaml:"breaker"`
	Cache       CacheConfig    `yaml:"cache"`
	Consumer    ConsumerConfig `yaml:"consumer"`
}

type HTTPConfig struct {
	Port            int           `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"5s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

type PostgresConfig struct {
	Port            string        `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	Host            string        `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	DbName          string        `yaml:"db_name" env:"POSTGRES_DB"`
	User            string        `yaml:"user" env:"POSTGRES_USER"`
	Pwd             string        `yaml:"password" env:"POSTGRES_PASSWORD"`
	SslMode         string        `yaml:"sslmode" env:"POSTGRES_SSLMODE" env-default:"disable"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"POSTGRES_MAX_OPEN_CONNS" env-default:"20"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"POSTGRES_MAX_IDLE_CONNS" env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"POSTGRES_CONN_MAX_LIFETIME" env-default:"30m"`
}

type RelayConfig struct {
	// Enabled runs the relay inside the order service process.
	Enabled        bool          `yaml:"enabled" env:"RELAY_ENABLED" env-default:"true"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"RELAY_POLL_INTERVAL" env-default:"1s"`
	BatchSize      int           `yaml:"batch_size" env:"RELAY_BATCH_SIZE" env-default:"100"`
	MaxAttempts    int           `yaml:"max_attempts" env:"RELAY_MAX_ATTEMPTS" env-default:"10"`
	BackoffBase    time.Duration `yaml:"backoff_base" env:"RELAY_BACKOFF_BASE" env-default:"1s"`
	BackoffCap     time.Duration `yaml:"backoff_cap" env:"RELAY_BACKOFF_CAP" env-default:"5m"`
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"RELAY_PUBLISH_TIMEOUT" env-default:"5s"`
	ClaimLease     time.Duration `yaml:"claim_lease" env:"RELAY_CLAIM_LEASE" env-default:"30s"`
	Workers        int           `yaml:"workers" env:"RELAY_WORKERS" env-default:"1"`
}

type BrokerConfig struct {
	Kind     string         `yaml:"kind" env:"BROKER_KIND" env-default:"kafka"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

type KafkaConfig struct {
	BrokerList []string      `yaml:"broker_list" env:"KAFKA_BROKERS" env-separator:","`
	Topic      string        `yaml:"topic" env:"KAFKA_TOPIC" env-default:"order_events"`
	ClientID   string        `yaml:"client_id" env:"KAFKA_CLIENT_ID" env-default:"order_service"`
	GroupID    string        `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"order_consumer"`
	RetryMax   int           `yaml:"retry_max" env:"KAFKA_RETRY_MAX" env-default:"3"`
	Timeout    time.Duration `yaml:"timeout" env:"KAFKA_TIMEOUT" env-default:"10s"`
}

type RabbitMQConfig struct {
	URL               string        `yaml:"url" env:"RABBITMQ_URL"`
	Exchange          string        `yaml:"exchange" env:"RABBITMQ_EXCHANGE" env-default:"orders"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout" env:"RABBITMQ_CONFIRM_TIMEOUT" env-default:"5s"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" env:"RABBITMQ_RECONNECT_ATTEMPTS" env-default:"3"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff" env:"RABBITMQ_RECONNECT_BACKOFF" env-default:"200ms"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" env:"BREAKER_CONSECUTIVE_FAILURES" env-default:"5"`
	OpenTimeout         time.Duration `yaml:"open_timeout" env:"BREAKER_OPEN_TIMEOUT" env-default:"10s"`
}

type CacheConfig struct {
	Size int           `yaml:"size" env:"CACHE_SIZE" env-default:"1024"`
	TTL  time.Duration `yaml:"ttl" env:"CACHE_TTL" env-default:"10m"`
}

// ConsumerConfig sizes the redelivery window of cmd/order_consumer.
type ConsumerConfig struct {
	DedupSize int           `yaml:"dedup_size" env:"CONSUMER_DEDUP_SIZE" env-default:"10000"`
	DedupTTL  time.Duration `yaml:"dedup_ttl" env:"CONSUMER_DEDUP_TTL" env-default:"1h"`
}

func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s password=%s sslmode=%s",
		c.Host, c.Port, c.User, c.DbName, c.Pwd, c.SslMode)
}

func InitConfig() Config {
	configPath := getConfigPath()

	if configPath == "" {
		panic("config path is not set")
	}

	cfg, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}

	return cfg
}

// Load reads the YAML file at path, applies environment overrides and
// checks the values no component can default on its own.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config file does not exist: %s", path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	switch c.Broker.Kind {
	case BrokerKafka:
		if len(c.Broker.Kafka.BrokerList) == 0 {
			errs = append(errs, errors.New("broker.kafka.broker_list is empty"))
		}
	case BrokerRabbitMQ:
		if c.Broker.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("broker.rabbitmq.url is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker.kind %q", c.Broker.Kind))
	}

	if c.Relay.MaxAttempts < 1 {
		errs = append(errs, errors.New("relay.max_attempts must be at least 1"))
	}
	if c.Relay.BackoffCap < c.Relay.BackoffBase {
		errs = append(errs, errors.New("relay.backoff_cap is below relay.backoff_base"))
	}

	return errors.Join(errs...)
}

func getConfigPath() string {
	var path string

	flag.StringVar(&path, "config", "", "path to config file")
	flag.Parse()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	return path
}
