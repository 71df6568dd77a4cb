package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "AURA"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DatabaseDriverSQLite
	defaultDatabasePath        = "aura.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "app_session"
	defaultIssuer              = "aura-auth"
	defaultCompactionThreshold = 50
	defaultDebounce            = 100 * time.Millisecond
	defaultMirrorInterval      = 2 * time.Second
	defaultHeartbeatInterval   = 5 * time.Second
	defaultActiveWindow        = 30 * time.Second
	defaultStaleWindow         = 60 * time.Second
	defaultSweepInterval       = 30 * time.Second
	defaultPresenceBackend     = PresenceBackendDatabase
	defaultRedisAddress        = "127.0.0.1:6379"
	defaultKafkaTopic          = "aura.collab.events"
	defaultCompactionWorkers   = 1
	defaultCompactionQueueSize = 256
	defaultCompactionMaxRetry  = 3
)

// Supported database drivers.
const (
	DatabaseDriverSQLite = "sqlite"
	DatabaseDriverMySQL  = "mysql"
)

// Supported presence backends.
const (
	PresenceBackendDatabase = "database"
	PresenceBackendRedis    = "redis"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string

	AuthSigningKey string
	AuthIssuer     string
	AuthCookieName string

	Collab     CollabConfig
	Presence   PresenceConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Compaction CompactionConfig
}

// CollabConfig tunes the update log and the sync client.
type CollabConfig struct {
	CompactionThreshold int
	Debounce            time.Duration
	MirrorInterval      time.Duration
}

// PresenceConfig tunes heartbeats and expiry.
type PresenceConfig struct {
	Backend           string
	HeartbeatInterval time.Duration
	ActiveWindow      time.Duration
	StaleWindow       time.Duration
	SweepInterval     time.Duration
}

// RedisConfig points the redis presence backend at a server.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// KafkaConfig enables document event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// CompactionConfig sizes the background compaction worker.
type CompactionConfig struct {
	Workers   int
	QueueSize int
	MaxRetry  int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("collab.compaction_threshold", defaultCompactionThreshold)
	configViper.SetDefault("collab.debounce", defaultDebounce)
	configViper.SetDefault("collab.mirror_interval", defaultMirrorInterval)
	configViper.SetDefault("presence.backend", defaultPresenceBackend)
	configViper.SetDefault("presence.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("presence.active_window", defaultActiveWindow)
	configViper.SetDefault("presence.stale_window", defaultStaleWindow)
	configViper.SetDefault("presence.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("redis.addr", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("compaction.workers", defaultCompactionWorkers)
	configViper.SetDefault("compaction.queue_size", defaultCompactionQueueSize)
	configViper.SetDefault("compaction.max_retry", defaultCompactionMaxRetry)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		AuthSigningKey: configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		AuthCookieName: configViper.GetString("auth.cookie_name"),
		Collab: CollabConfig{
			CompactionThreshold: configViper.GetInt("collab.compaction_threshold"),
			Debounce:            configViper.GetDuration("collab.debounce"),
			MirrorInterval:      configViper.GetDuration("collab.mirror_interval"),
		},
		Presence: PresenceConfig{
			Backend:           strings.ToLower(strings.TrimSpace(configViper.GetString("presence.backend"))),
			HeartbeatInterval: configViper.GetDuration("presence.heartbeat_interval"),
			ActiveWindow:      configViper.GetDuration("presence.active_window"),
			StaleWindow:       configViper.GetDuration("presence.stale_window"),
			SweepInterval:     configViper.GetDuration("presence.sweep_interval"),
		},
		Redis: RedisConfig{
			Address:  configViper.GetString("redis.addr"),
			Password: configViper.GetString("redis.password"),
			DB:       configViper.GetInt("redis.db"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(configViper.GetStringSlice("kafka.brokers")),
			Topic:   configViper.GetString("kafka.topic"),
		},
		Compaction: CompactionConfig{
			Workers:   configViper.GetInt("compaction.workers"),
			QueueSize: configViper.GetInt("compaction.queue_size"),
			MaxRetry:  configViper.GetInt("compaction.max_retry"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverMySQL:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.Collab.CompactionThreshold <= 0 {
		return fmt.Errorf("collab.compaction_threshold must be positive")
	}
	if c.Collab.Debounce <= 0 || c.Collab.MirrorInterval <= 0 {
		return fmt.Errorf("collab.debounce and collab.mirror_interval must be positive")
	}
	if c.Presence.HeartbeatInterval <= 0 || c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence.heartbeat_interval and presence.sweep_interval must be positive")
	}
	if c.Presence.ActiveWindow <= 0 || c.Presence.StaleWindow <= c.Presence.ActiveWindow {
		return fmt.Errorf("presence.stale_window must be longer than presence.active_window")
	}
	switch c.Presence.Backend {
	case PresenceBackendDatabase:
	case PresenceBackendRedis:
		if strings.TrimSpace(c.Redis.Address) == "" {
			return fmt.Errorf("redis.addr is required for the redis presence backend")
		}
	default:
		return fmt.Errorf("presence.backend %q is not supported", c.Presence.Backend)
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	if c.Compaction.Workers <= 0 || c.Compaction.QueueSize <= 0 || c.Compaction.MaxRetry < 0 {
		return fmt.Errorf("compaction.workers and compaction.queue_size must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated value,
// which is how list settings arrive from the environment.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
