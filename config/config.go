package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName            string `env:"APP_NAME" env-default:"duplicate-contacts" validate:"required"`
	Version            string `env:"APP_VERSION" env-default:"dev"`
	Port               int    `env:"PORT" env-default:"3010" validate:"gt=0"`
	LogLevel           string `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	PrettyLogs         bool   `env:"PRETTY_LOGS" env-default:"false"`
	StartupMaxAttempts int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5" validate:"gt=0"`
	ClientID           string `env:"CLIENT_ID" env-default:""`

	// PostgreSQL
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER" env-default:"postgres"`
	DatabasePassword              string        `env:"DB_PASS" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"duplicates"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// RabbitMQ
	RabbitUser           string        `env:"RMQ_USER" env-default:"guest"`
	RabbitPassword       string        `env:"RMQ_PASSWORD" env-default:"guest"`
	RabbitHost           string        `env:"RMQ_HOST" env-default:"localhost"`
	RabbitPort           int           `env:"RMQ_PORT" env-default:"5672"`
	RabbitVHost          string        `env:"RMQ_VHOST" env-default:""`
	BrokerPrefetch       int           `env:"BROKER_PREFETCH" env-default:"10" validate:"gt=0"`
	BrokerMaxRetries     int           `env:"BROKER_MAX_RETRIES" env-default:"3" validate:"gte=0"`
	BrokerReconnectDelay time.Duration `env:"BROKER_RECONNECT_DELAY" env-default:"10s"`
	BrokerMessageTTLMs   int           `env:"BROKER_MESSAGE_TTL_MS" env-default:"60000"`
	BrokerMaxLength      int           `env:"BROKER_MAX_LENGTH" env-default:"1000"`
	DeadLetterExchange   string        `env:"BROKER_DLX" env-default:"dlx_exchange_duplicate"`

	// RPC
	RPCTimeout     time.Duration `env:"RPC_TIMEOUT" env-default:"30s"`
	RPCTokensQueue string        `env:"RPC_TOKENS_QUEUE" env-default:"tokens_get_user"`

	// Redis
	RedisHost     string        `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int           `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int           `env:"REDIS_DB" env-default:"0"`
	TokenCacheTTL time.Duration `env:"TOKEN_CACHE_TTL" env-default:"10m"`
	MergeLockTTL  time.Duration `env:"MERGE_LOCK_TTL" env-default:"15m"`
	MergeLockWait time.Duration `env:"MERGE_LOCK_WAIT" env-default:"2m"`

	// amoCRM
	AmoCRMBaseURLTemplate string        `env:"AMOCRM_BASE_URL_TEMPLATE" env-default:"https://%s.amocrm.ru"`
	AmoCRMTimeout         time.Duration `env:"AMOCRM_TIMEOUT" env-default:"30s"`

	// Kafka producer (merge events)
	KafkaEventsEnabled    bool     `env:"KAFKA_EVENTS_ENABLED" env-default:"false"`
	KafkaBrokers          []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaMergeEventsTopic string   `env:"KAFKA_MERGE_EVENTS_TOPIC" env-default:"contact-merge-events"`
	KafkaBatchTimeoutMs   int      `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks     int      `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression      string   `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""`
	OTLPProtocol string `env:"OTEL_EXPORTER_OTLP_PROTOCOL" env-default:"http" validate:"oneof=grpc http"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN builds a lib/pq connection string.
func (c Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUserName, c.DatabasePassword, c.DatabaseName, c.DatabaseSSLMode)
}

// RabbitURL builds the AMQP connection url.
func (c Config) RabbitURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.RabbitUser, c.RabbitPassword, c.RabbitHost, c.RabbitPort, c.RabbitVHost)
}
