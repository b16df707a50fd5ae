package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ReplicationConfig holds settings for the WAL replication stream:
// the slot and publication names and the standby status cadence
// (§5: feedback_interval_secs defaults to 1s).
type ReplicationConfig struct {
	SlotName         string
	Publication      string
	FeedbackInterval time.Duration
}

// LoggingConfig holds settings for structured logging.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "console"
}

// Config is the top-level configuration for the replication client:
// one upstream connection string (the engine owns exactly one
// connection, per §5), plus replication and logging settings.
type Config struct {
	ConnectionString string
	Replication      ReplicationConfig
	Logging          LoggingConfig
}

// FromEnv builds a Config from the environment variables spec §6
// names as the contract: DB_CONNECTION_STRING (required), slot_name
// (default "sub"), pub_name (default "pub").
func FromEnv() (*Config, error) {
	connString := os.Getenv("DB_CONNECTION_STRING")
	if connString == "" {
		return nil, errors.New("DB_CONNECTION_STRING environment variable not set")
	}

	slotName := os.Getenv("slot_name")
	if slotName == "" {
		slotName = "sub"
	}
	pubName := os.Getenv("pub_name")
	if pubName == "" {
		pubName = "pub"
	}

	cfg := &Config{
		ConnectionString: connString,
		Replication: ReplicationConfig{
			SlotName:         slotName,
			Publication:      pubName,
			FeedbackInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "console"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks that required fields are present and the slot name
// is a valid replication slot identifier (§6: ASCII alphanumerics and
// '_' only, length <= 63).
func (c *Config) Validate() error {
	var errs []error

	if c.ConnectionString == "" {
		errs = append(errs, errors.New("connection string is required"))
	}
	if err := validateSlotName(c.Replication.SlotName); err != nil {
		errs = append(errs, err)
	}
	if c.Replication.Publication == "" {
		errs = append(errs, errors.New("publication name is required"))
	}
	if c.Replication.FeedbackInterval <= 0 {
		c.Replication.FeedbackInterval = time.Second
	}

	return errors.Join(errs...)
}

func validateSlotName(name string) error {
	if name == "" {
		return errors.New("replication slot name is required")
	}
	if len(name) > 63 {
		return fmt.Errorf("replication slot name %q exceeds 63 characters", name)
	}
	for _, r := range name {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum && r != '_' {
			return fmt.Errorf("replication slot name %q must be ASCII alphanumerics and '_' only", name)
		}
	}
	return nil
}
