package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/orchestration"
)

// EnvDBPath overrides the database path of any loaded configuration.
const EnvDBPath = "CHANGEGOV_DB_PATH"

// DefaultDBPath is used when neither the file nor the environment names a database.
const DefaultDBPath = "changegov.db"

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Notifications.Log = true
	cfg.Telemetry.MetricsEnabled = true
	applyDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file. An empty path yields the defaults.
// Zero values are filled with defaults, CHANGEGOV_DB_PATH is applied and the
// result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		applyEnv(cfg)
		return cfg, Validate(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDBPath
	}

	cfg.Governance = cfg.Governance.WithDefaults()

	if cfg.Sweeps.ReminderSpec == "" {
		cfg.Sweeps.ReminderSpec = orchestration.DefaultReminderSpec
	}
	if cfg.Sweeps.EscalationSpec == "" {
		cfg.Sweeps.EscalationSpec = orchestration.DefaultEscalationSpec
	}
	if cfg.Sweeps.MaxConcurrent == 0 {
		cfg.Sweeps.MaxConcurrent = 2
	}
	if cfg.Sweeps.Timeout == 0 {
		cfg.Sweeps.Timeout = 10 * time.Minute
	}
	if cfg.Sweeps.LockTTL == 0 {
		cfg.Sweeps.LockTTL = 5 * time.Minute
	}

	if cfg.Notifications.Webhook.Timeout == 0 {
		cfg.Notifications.Webhook.Timeout = 10 * time.Second
	}
	if cfg.Notifications.Webhook.MaxRetries == 0 {
		cfg.Notifications.Webhook.MaxRetries = 3
	}
}

func applyEnv(cfg *Config) {
	if path := strings.TrimSpace(os.Getenv(EnvDBPath)); path != "" {
		cfg.Database.Path = path
	}
}

// Validate checks the configuration and reports every failing field.
func Validate(cfg *Config) error {
	v := validator.New()
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cronParser.Parse(fl.Field().String())
		return err == nil
	})

	err := v.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return engine.NewValidationError("invalid configuration", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return engine.NewValidationError("invalid configuration: "+strings.Join(msgs, "; "), err)
}
