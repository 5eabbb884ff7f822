package config

import (
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/dispatcher/pkg/logger"
)

type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Database      DatabaseConfig     `yaml:"database"`
	Logger        logger.Config      `yaml:"logger"`
	Dispatcher    DispatcherConfig   `yaml:"dispatcher"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Redis         RedisConfig        `yaml:"redis"`
	Notifications NotificationConfig `yaml:"notifications"`
	Sentry        SentryConfig       `yaml:"sentry"`
	Operator      OperatorConfig     `yaml:"operator"`
	Publishers    []PublisherConfig  `yaml:"publishers"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
	// AutoMigrate creates the dispatcher tables on startup. Leave it off when
	// the dashboard owns the schema.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// DispatcherConfig tunes the scheduled publish job.
type DispatcherConfig struct {
	TriggerSecret          string `yaml:"trigger_secret"`
	MaxRetries             int    `yaml:"max_retries"`
	DefaultTimezone        string `yaml:"default_timezone"`
	Concurrency            int    `yaml:"concurrency"`
	PublishTimeout         string `yaml:"publish_timeout"`
	RunTimeout             string `yaml:"run_timeout"`
	BatchSize              int    `yaml:"batch_size"`
	MaxItemsPerRun         int    `yaml:"max_items_per_run"`
	StaleDeliveryAfter     string `yaml:"stale_delivery_after"`
	HonorPermanentFailures bool   `yaml:"honor_permanent_failures"`
	RetryPublishedItems    *bool  `yaml:"retry_published_items"`
	DashboardURL           string `yaml:"dashboard_url"`
}

type SchedulerConfig struct {
	Interval string `yaml:"interval"`
	Enabled  bool   `yaml:"enabled"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LockKey  string `yaml:"lock_key"`
}

// NotificationConfig configures the optional AMQP broadcast of failure
// notifications. Notifications are always stored in the database.
type NotificationConfig struct {
	AMQPURL    string `yaml:"amqp_url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
	Release     string `yaml:"release"`
}

type OperatorConfig struct {
	TOTPSecret string `yaml:"totp_secret"`
}

// PublisherConfig binds a platform name to a relay endpoint.
type PublisherConfig struct {
	Platform string `yaml:"platform"`
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	Timeout  string `yaml:"timeout"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills in zero values.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}

	d := &cfg.Dispatcher
	if d.MaxRetries <= 0 {
		d.MaxRetries = 3
	}
	if d.DefaultTimezone == "" {
		d.DefaultTimezone = "America/New_York"
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 4
	}
	if d.PublishTimeout == "" {
		d.PublishTimeout = "30s"
	}
	if d.RunTimeout == "" {
		d.RunTimeout = "55s"
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 100
	}
	if d.MaxItemsPerRun <= 0 {
		d.MaxItemsPerRun = 500
	}
	if d.StaleDeliveryAfter == "" {
		d.StaleDeliveryAfter = "15m"
	}
	if d.RetryPublishedItems == nil {
		enabled := true
		d.RetryPublishedItems = &enabled
	}

	if cfg.Scheduler.Interval == "" {
		cfg.Scheduler.Interval = "5m"
	}
	if cfg.Redis.LockKey == "" {
		cfg.Redis.LockKey = "dispatcher:publish-scheduled"
	}
	if cfg.Notifications.Exchange == "" {
		cfg.Notifications.Exchange = "dispatcher.notifications"
	}
	if cfg.Notifications.RoutingKey == "" {
		cfg.Notifications.RoutingKey = "publish.failed"
	}

	for i := range cfg.Publishers {
		if cfg.Publishers[i].Type == "" {
			cfg.Publishers[i].Type = "webhook"
		}
		if cfg.Publishers[i].Timeout == "" {
			cfg.Publishers[i].Timeout = d.PublishTimeout
		}
	}
}

// ParseDuration parses value and falls back to def when it is empty or invalid.
func ParseDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func (d DispatcherConfig) PublishTimeoutDuration() time.Duration {
	return ParseDuration(d.PublishTimeout, 30*time.Second)
}

func (d DispatcherConfig) RunTimeoutDuration() time.Duration {
	return ParseDuration(d.RunTimeout, 55*time.Second)
}

func (d DispatcherConfig) StaleDeliveryDuration() time.Duration {
	return ParseDuration(d.StaleDeliveryAfter, 15*time.Minute)
}
