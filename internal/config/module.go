package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	GRPC          GRPCConfig          `yaml:"grpc"`
	Logging       LoggingConfig       `yaml:"logging"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Engine        EngineConfig        `yaml:"engine"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Redis         RedisConfig         `yaml:"redis"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Actions       EndpointConfig      `yaml:"actions"`
	Verification  EndpointConfig      `yaml:"verification"`
	Audit         AuditConfig         `yaml:"audit"`
	Reports       ReportsConfig       `yaml:"reports"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type GRPCConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Level    string        `yaml:"level"`
	Encoding string        `yaml:"encoding"`
	Sink     LogSinkConfig `yaml:"sink"`
}

// LogSinkConfig ships log entries at or above Level to an HTTP collector.
type LogSinkConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Source string `yaml:"source"`
	Level  string `yaml:"level"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

type EngineConfig struct {
	RetryBackoff          string `yaml:"retry_backoff"`
	MaxBackoff            string `yaml:"max_backoff"`
	MonitorInterval       string `yaml:"monitor_interval"`
	ApprovalTimeout       string `yaml:"approval_timeout"`
	EscalationTimeUnit    string `yaml:"escalation_time_unit"`
	DefaultEscalationRule string `yaml:"default_escalation_rule"`
	BreakerMaxFailures    int    `yaml:"breaker_max_failures"`
	BreakerOpenTimeout    string `yaml:"breaker_open_timeout"`
}

type CatalogConfig struct {
	Path     string `yaml:"path"`
	Builtins bool   `yaml:"builtins"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	StartID  string `yaml:"start_id"`
	Block    string `yaml:"block"`
	Count    int64  `yaml:"count"`
}

type NotificationsConfig struct {
	WebhookURL    string              `yaml:"webhook_url"`
	Timeout       string              `yaml:"timeout"`
	RatePerSecond float64             `yaml:"rate_per_second"`
	Burst         int                 `yaml:"burst"`
	Directory     map[string][]string `yaml:"directory"`
}

type EndpointConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

type AuditConfig struct {
	Path     string `yaml:"path"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

type ReportsConfig struct {
	Schedule  string `yaml:"schedule"`
	TimeFrame string `yaml:"time_frame"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8100,
		},
		GRPC: GRPCConfig{
			Host: "0.0.0.0",
			Port: 9114,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
			Sink:     LogSinkConfig{Level: "warn"},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mitigation-orchestrator",
			Insecure:    true,
		},
		Engine: EngineConfig{
			RetryBackoff:          "500ms",
			MaxBackoff:            "30s",
			MonitorInterval:       "30s",
			ApprovalTimeout:       "0s",
			EscalationTimeUnit:    "1m",
			DefaultEscalationRule: "settlement-standard",
			BreakerMaxFailures:    5,
			BreakerOpenTimeout:    "30s",
		},
		Catalog: CatalogConfig{
			Builtins: true,
		},
		Redis: RedisConfig{
			Stream:  "settlement.risk.signals",
			StartID: "$",
			Block:   "5s",
			Count:   50,
		},
		Notifications: NotificationsConfig{
			Timeout:       "5s",
			RatePerSecond: 20,
			Burst:         40,
		},
		Actions:      EndpointConfig{Timeout: "30s"},
		Verification: EndpointConfig{Timeout: "10s"},
		Audit: AuditConfig{
			Path:     "stdout",
			S3Prefix: "mitigation-audit/",
		},
		Reports: ReportsConfig{
			Schedule:  "0 6 * * *",
			TimeFrame: "DAILY",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	envString(&cfg.Server.Host, "APP_SERVER_HOST")
	envInt(&cfg.Server.Port, "APP_SERVER_PORT")
	envString(&cfg.GRPC.Host, "APP_GRPC_HOST")
	envInt(&cfg.GRPC.Port, "APP_GRPC_PORT")
	envString(&cfg.Logging.Level, "APP_LOG_LEVEL")
	envString(&cfg.Logging.Sink.URL, "APP_LOG_SINK_URL")
	envString(&cfg.Logging.Sink.APIKey, "APP_LOG_SINK_API_KEY")
	envString(&cfg.Telemetry.Endpoint, "APP_OTEL_ENDPOINT")
	if cfg.Telemetry.Endpoint != "" && os.Getenv("APP_OTEL_ENDPOINT") != "" {
		cfg.Telemetry.Enabled = true
	}
	envString(&cfg.Engine.EscalationTimeUnit, "APP_ESCALATION_TIME_UNIT")
	envString(&cfg.Engine.ApprovalTimeout, "APP_APPROVAL_TIMEOUT")
	envString(&cfg.Catalog.Path, "APP_CATALOG_PATH")
	envString(&cfg.Postgres.DSN, "APP_POSTGRES_DSN")
	envString(&cfg.Redis.Addr, "APP_REDIS_ADDR")
	envString(&cfg.Redis.Password, "APP_REDIS_PASSWORD")
	envString(&cfg.Redis.Stream, "APP_REDIS_STREAM")
	envString(&cfg.Notifications.WebhookURL, "APP_NOTIFY_WEBHOOK_URL")
	envString(&cfg.Actions.URL, "APP_ACTIONS_URL")
	envString(&cfg.Verification.URL, "APP_VERIFICATION_URL")
	envString(&cfg.Audit.Path, "APP_AUDIT_PATH")
	envString(&cfg.Audit.S3Bucket, "APP_AUDIT_S3_BUCKET")
	envString(&cfg.Audit.S3Region, "APP_AUDIT_S3_REGION")
	envString(&cfg.Reports.Schedule, "APP_REPORTS_SCHEDULE")

	return cfg, nil
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

// Duration parses a configured duration, falling back when it is empty or
// malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}
