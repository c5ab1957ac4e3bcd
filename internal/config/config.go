package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the service, loaded once at
// startup and passed down through the factory.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Auth          AuthConfig
	Events        EventsConfig
	APIClient     APIClientConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers []string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// AuthConfig carries the session and lockout policy. The defaults are the
// interop constants the rest of the system is tested against; override them
// only in development.
type AuthConfig struct {
	SessionTimeout   time.Duration
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	MonitorInterval  time.Duration
	ActivityDebounce time.Duration
	MasterRole       string
	MasterSecret     string
	IdentifierPepper string
	StoreBackend     string // "redis" or "scylla"
}

type EventsConfig struct {
	BatchSize       int
	BatchTimeout    time.Duration
	RingCapacity    int
	KafkaTopic      string
	ClickhouseTable string
	AlertIndex      string
}

type APIClientConfig struct {
	BaseURL         string
	AuthToken       string
	Timeout         time.Duration
	RetryCount      int
	RetryDelay      time.Duration
	CacheTTL        time.Duration
	CacheMaxEntries int
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

// LoadConfig reads .env (if present) and environment variables into a Config.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", ""),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/autocert"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", "localhost:9042"),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "master_auth"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", "localhost:9092"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Database: getEnv("CLICKHOUSE_DATABASE", "security"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "us-east-1"),
		},
		Auth: AuthConfig{
			SessionTimeout:   getEnvDuration("AUTH_SESSION_TIMEOUT", 30*time.Minute),
			MaxLoginAttempts: getEnvInt("AUTH_MAX_LOGIN_ATTEMPTS", 3),
			LockoutDuration:  getEnvDuration("AUTH_LOCKOUT_DURATION", 5*time.Minute),
			MonitorInterval:  getEnvDuration("AUTH_MONITOR_INTERVAL", 60*time.Second),
			ActivityDebounce: getEnvDuration("AUTH_ACTIVITY_DEBOUNCE", 5*time.Second),
			MasterRole:       getEnv("AUTH_MASTER_ROLE", "master"),
			MasterSecret:     getEnv("AUTH_MASTER_SECRET", ""),
			IdentifierPepper: getEnv("AUTH_IDENTIFIER_PEPPER", ""),
			StoreBackend:     getEnv("AUTH_STORE_BACKEND", "redis"),
		},
		Events: EventsConfig{
			BatchSize:       getEnvInt("EVENTS_BATCH_SIZE", 50),
			BatchTimeout:    getEnvDuration("EVENTS_BATCH_TIMEOUT", 5*time.Second),
			RingCapacity:    getEnvInt("EVENTS_RING_CAPACITY", 10000),
			KafkaTopic:      getEnv("EVENTS_KAFKA_TOPIC", "security_logs"),
			ClickhouseTable: getEnv("EVENTS_CLICKHOUSE_TABLE", "security_events"),
			AlertIndex:      getEnv("EVENTS_ALERT_INDEX", "security_alerts"),
		},
		APIClient: APIClientConfig{
			BaseURL:         getEnv("API_BASE_URL", "http://localhost:9000"),
			AuthToken:       getEnv("API_AUTH_TOKEN", ""),
			Timeout:         getEnvDuration("API_TIMEOUT", 10*time.Second),
			RetryCount:      getEnvInt("API_RETRY_COUNT", 3),
			RetryDelay:      getEnvDuration("API_RETRY_DELAY", 500*time.Millisecond),
			CacheTTL:        getEnvDuration("API_CACHE_TTL", 5*time.Minute),
			CacheMaxEntries: getEnvInt("API_CACHE_MAX_ENTRIES", 100),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("BUCKETING_USER_BUCKETS", 64),
			EventBuckets: getEnvInt("BUCKETING_EVENT_BUCKETS", 16),
		},
	}

	return cfg
}

// Validate checks settings that have no safe fallback in production.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.Auth.MasterSecret == "" && !c.KMS.Enabled {
			return fmt.Errorf("AUTH_MASTER_SECRET or KMS must be configured in production")
		}
		if c.Auth.IdentifierPepper == "" {
			return fmt.Errorf("AUTH_IDENTIFIER_PEPPER must be configured in production")
		}
	}
	if c.Auth.StoreBackend != "redis" && c.Auth.StoreBackend != "scylla" {
		return fmt.Errorf("unsupported store backend: %s", c.Auth.StoreBackend)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
