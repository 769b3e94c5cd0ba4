package config

import (
	"time"

	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/notify"
	"github.com/openfroyo/changegov/pkg/telemetry"
)

// Config is the file configuration of the governance service.
type Config struct {
	// Database configures the SQLite store.
	Database DatabaseConfig `yaml:"database" validate:"required"`

	// Governance holds the approval tunables. Settings stored in the database
	// override these per call.
	Governance engine.GovernanceConfig `yaml:"governance"`

	// Sweeps configures the SLA sweep schedule and its distributed lock.
	Sweeps SweepsConfig `yaml:"sweeps"`

	// Notifications configures the outbound notification sinks.
	Notifications NotificationsConfig `yaml:"notifications"`

	// Policy configures the default gates module.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file, or ":memory:".
	Path string `yaml:"path" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"min=0"`
}

// SweepsConfig configures the reminder and escalation sweeps.
type SweepsConfig struct {
	// ReminderSpec and EscalationSpec are seconds-enabled cron expressions.
	ReminderSpec   string `yaml:"reminder_spec" validate:"required,cronspec"`
	EscalationSpec string `yaml:"escalation_spec" validate:"required,cronspec"`

	MaxConcurrent int           `yaml:"max_concurrent" validate:"min=1"`
	Timeout       time.Duration `yaml:"timeout" validate:"min=0"`

	// RedisAddr enables the distributed sweep lock when set.
	RedisAddr     string        `yaml:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" validate:"min=0"`
	LockTTL       time.Duration `yaml:"lock_ttl" validate:"min=0"`
}

// NotificationsConfig configures the notification sinks.
type NotificationsConfig struct {
	// Log writes every notification to the service log.
	Log bool `yaml:"log"`

	// Webhook posts notifications to an HTTP endpoint when its URL is set.
	Webhook notify.WebhookConfig `yaml:"webhook"`

	// AsyncBuffer is the queue size of asynchronous delivery; zero delivers inline.
	AsyncBuffer int `yaml:"async_buffer" validate:"min=0"`
}

// PolicyConfig configures the default gates.
type PolicyConfig struct {
	// DefaultGatesPath is a Rego module replacing the built-in default gates.
	DefaultGatesPath string `yaml:"default_gates_path"`

	// Watch reloads the module when the file changes.
	Watch bool `yaml:"watch"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`
	LogOutput string `yaml:"log_output"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddress string `yaml:"metrics_address"`

	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"min=0,max=1"`
}

// ToTelemetry converts the file section into a telemetry configuration.
func (t TelemetryConfig) ToTelemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	if t.ServiceName != "" {
		cfg.ServiceName = t.ServiceName
	}
	if t.Environment != "" {
		cfg.Environment = t.Environment
	}
	if t.LogLevel != "" {
		cfg.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		cfg.Logging.Format = t.LogFormat
	}
	if t.LogOutput != "" {
		cfg.Logging.Output = t.LogOutput
	}

	cfg.Metrics.Enabled = t.MetricsEnabled
	if t.MetricsAddress != "" {
		cfg.Metrics.ListenAddress = t.MetricsAddress
	}

	cfg.Tracing.Enabled = t.TracingEnabled
	if t.TracingExporter != "" {
		cfg.Tracing.Exporter = t.TracingExporter
	}
	cfg.Tracing.Endpoint = t.TracingEndpoint
	if t.SamplingRate > 0 {
		cfg.Tracing.SamplingRate = t.SamplingRate
	}
	return cfg
}
