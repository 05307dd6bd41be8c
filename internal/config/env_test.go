package config

import (
	"strings"
	"testing"
)

// dockhandEnvKeys lists every variable ApplyEnv reads, so tests can clear
// them before overlaying their own values.
var dockhandEnvKeys = []string{
	"DOCKHAND_SERVE_PORT",
	"DOCKHAND_SERVE_RATE_LIMIT",
	"DOCKHAND_SERVE_RATE_BURST",
	"DOCKHAND_LOG_LEVEL",
	"DOCKHAND_BACKUP_DIR",
	"DOCKHAND_BACKUP_KEEP",
	"DOCKHAND_BACKUP_S3_BUCKET",
	"DOCKHAND_BACKUP_S3_PREFIX",
	"DOCKHAND_HISTORY_KEEP",
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no environment variables keeps defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				defaults := Default()
				if cfg.Serve.Port != defaults.Serve.Port {
					t.Errorf("Serve.Port = %v, want %v", cfg.Serve.Port, defaults.Serve.Port)
				}
				if cfg.History.Keep != defaults.History.Keep {
					t.Errorf("History.Keep = %v, want %v", cfg.History.Keep, defaults.History.Keep)
				}
			},
		},
		{
			name: "full override",
			envVars: map[string]string{
				"DOCKHAND_SERVE_PORT":       "9090",
				"DOCKHAND_SERVE_RATE_LIMIT": "2.5",
				"DOCKHAND_SERVE_RATE_BURST": "5",
				"DOCKHAND_LOG_LEVEL":        "debug",
				"DOCKHAND_BACKUP_DIR":       "/var/backups/app",
				"DOCKHAND_BACKUP_KEEP":      "14",
				"DOCKHAND_BACKUP_S3_BUCKET": "prod-dumps",
				"DOCKHAND_BACKUP_S3_PREFIX": "nightly",
				"DOCKHAND_HISTORY_KEEP":     "10",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Serve.Port != 9090 {
					t.Errorf("Serve.Port = %v, want 9090", cfg.Serve.Port)
				}
				if cfg.Serve.RateLimit != 2.5 {
					t.Errorf("Serve.RateLimit = %v, want 2.5", cfg.Serve.RateLimit)
				}
				if cfg.Serve.RateBurst != 5 {
					t.Errorf("Serve.RateBurst = %v, want 5", cfg.Serve.RateBurst)
				}
				if cfg.Serve.LogLevel != "debug" {
					t.Errorf("Serve.LogLevel = %v, want debug", cfg.Serve.LogLevel)
				}
				if cfg.Backup.Dir != "/var/backups/app" {
					t.Errorf("Backup.Dir = %v, want /var/backups/app", cfg.Backup.Dir)
				}
				if cfg.Backup.Keep != 14 {
					t.Errorf("Backup.Keep = %v, want 14", cfg.Backup.Keep)
				}
				if cfg.Backup.S3Bucket != "prod-dumps" {
					t.Errorf("Backup.S3Bucket = %v, want prod-dumps", cfg.Backup.S3Bucket)
				}
				if cfg.Backup.S3Prefix != "nightly" {
					t.Errorf("Backup.S3Prefix = %v, want nightly", cfg.Backup.S3Prefix)
				}
				if cfg.History.Keep != 10 {
					t.Errorf("History.Keep = %v, want 10", cfg.History.Keep)
				}
			},
		},
		{
			name: "partial override keeps remaining defaults",
			envVars: map[string]string{
				"DOCKHAND_SERVE_PORT": "3000",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Serve.Port != 3000 {
					t.Errorf("Serve.Port = %v, want 3000", cfg.Serve.Port)
				}
				defaults := Default()
				if cfg.Serve.RateLimit != defaults.Serve.RateLimit {
					t.Errorf("Serve.RateLimit = %v, want %v (default)", cfg.Serve.RateLimit, defaults.Serve.RateLimit)
				}
				if cfg.Backup.Keep != defaults.Backup.Keep {
					t.Errorf("Backup.Keep = %v, want %v (default)", cfg.Backup.Keep, defaults.Backup.Keep)
				}
			},
		},
		{
			name: "non-numeric port",
			envVars: map[string]string{
				"DOCKHAND_SERVE_PORT": "not-a-port",
			},
			wantErr: true,
		},
		{
			name: "non-numeric rate limit",
			envVars: map[string]string{
				"DOCKHAND_SERVE_RATE_LIMIT": "fast",
			},
			wantErr: true,
		},
		{
			name: "port out of range fails validation",
			envVars: map[string]string{
				"DOCKHAND_SERVE_PORT": "70000",
			},
			wantErr: true,
		},
		{
			name: "unknown log level fails validation",
			envVars: map[string]string{
				"DOCKHAND_LOG_LEVEL": "loud",
			},
			wantErr: true,
		},
		{
			name: "history keep below minimum fails validation",
			envVars: map[string]string{
				"DOCKHAND_HISTORY_KEEP": "0",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range dockhandEnvKeys {
				t.Setenv(key, "")
			}
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg := Default()
			err := cfg.ApplyEnv()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestApplyEnvErrorNamesVariable(t *testing.T) {
	t.Setenv("DOCKHAND_BACKUP_KEEP", "seven")

	err := Default().ApplyEnv()
	if err == nil {
		t.Fatal("expected error for non-numeric DOCKHAND_BACKUP_KEEP")
	}
	if !strings.Contains(err.Error(), "DOCKHAND_BACKUP_KEEP") {
		t.Errorf("error %q does not name the offending variable", err)
	}
}
