package config

import (
	"fmt"
	"os"
	"strconv"
)

// ApplyEnv overlays DOCKHAND_* environment variables onto c and re-validates
// the result. Unset variables leave the corresponding field untouched, so
// values from .dockhand.yaml and the built-in defaults survive. Command-line
// flags are applied after this and win over everything.
//
// Environment variables:
//   - DOCKHAND_SERVE_PORT: port the reference service listens on
//   - DOCKHAND_SERVE_RATE_LIMIT: sustained requests per second per client IP
//   - DOCKHAND_SERVE_RATE_BURST: burst allowance on top of the rate limit
//   - DOCKHAND_LOG_LEVEL: debug, info, warn, error or off
//   - DOCKHAND_BACKUP_DIR: directory local dumps are written to
//   - DOCKHAND_BACKUP_KEEP: local dumps to retain per database
//   - DOCKHAND_BACKUP_S3_BUCKET: bucket dumps are uploaded to
//   - DOCKHAND_BACKUP_S3_PREFIX: key prefix inside the bucket
//   - DOCKHAND_HISTORY_KEEP: audit runs to retain in the history database
//
// Returns an error if any variable has an invalid value.
func (c *Config) ApplyEnv() error {
	if err := parseEnvInt("DOCKHAND_SERVE_PORT", &c.Serve.Port); err != nil {
		return err
	}
	if err := parseEnvFloat("DOCKHAND_SERVE_RATE_LIMIT", &c.Serve.RateLimit); err != nil {
		return err
	}
	if err := parseEnvInt("DOCKHAND_SERVE_RATE_BURST", &c.Serve.RateBurst); err != nil {
		return err
	}
	if err := parseEnvString("DOCKHAND_LOG_LEVEL", &c.Serve.LogLevel); err != nil {
		return err
	}
	if err := parseEnvString("DOCKHAND_BACKUP_DIR", &c.Backup.Dir); err != nil {
		return err
	}
	if err := parseEnvInt("DOCKHAND_BACKUP_KEEP", &c.Backup.Keep); err != nil {
		return err
	}
	if err := parseEnvString("DOCKHAND_BACKUP_S3_BUCKET", &c.Backup.S3Bucket); err != nil {
		return err
	}
	if err := parseEnvString("DOCKHAND_BACKUP_S3_PREFIX", &c.Backup.S3Prefix); err != nil {
		return err
	}
	if err := parseEnvInt("DOCKHAND_HISTORY_KEEP", &c.History.Keep); err != nil {
		return err
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return nil
}

// parseEnvInt parses an int from an environment variable.
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvFloat parses a float from an environment variable.
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable.
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}
