package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all intake server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	CatalogPath      string `json:"catalog_path"`
	DBPath           string `json:"db_path"`
	UploadDir        string `json:"upload_dir"`
	LogLevel         string `json:"log_level"`
	LogFormat        string `json:"log_format"`
	SessionTTL       string `json:"session_ttl"`
	SweepSchedule    string `json:"sweep_schedule"`
	WebhookURL       string `json:"webhook_url"`
	WebhookTransform string `json:"webhook_transform"`
	PublishableKey   string `json:"publishable_key"`
	PaymentActionURL string `json:"payment_action_url"`
}

func defaultConfig(dir string) Config {
	return Config{
		CatalogPath:    filepath.Join(dir, "catalog.json"),
		DBPath:         filepath.Join(dir, "intake.db"),
		UploadDir:      filepath.Join(dir, "uploads"),
		LogLevel:       "info",
		LogFormat:      "text",
		SessionTTL:     "30m",
		SweepSchedule:  "*/5 * * * *",
		PublishableKey: "pk_test_sandbox",
	}
}

func intakeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".intake"
	}
	return filepath.Join(home, ".intake")
}

func settingsPath(dir string) string {
	return filepath.Join(dir, "settings.json")
}

// envOverrides maps each INTAKE_* variable to the field it sets.
func envOverrides(cfg *Config) map[string]*string {
	return map[string]*string{
		"INTAKE_CATALOG_PATH":       &cfg.CatalogPath,
		"INTAKE_DB_PATH":            &cfg.DBPath,
		"INTAKE_UPLOAD_DIR":         &cfg.UploadDir,
		"INTAKE_LOG_LEVEL":          &cfg.LogLevel,
		"INTAKE_LOG_FORMAT":         &cfg.LogFormat,
		"INTAKE_SESSION_TTL":        &cfg.SessionTTL,
		"INTAKE_SWEEP_SCHEDULE":     &cfg.SweepSchedule,
		"INTAKE_WEBHOOK_URL":        &cfg.WebhookURL,
		"INTAKE_WEBHOOK_TRANSFORM":  &cfg.WebhookTransform,
		"INTAKE_PUBLISHABLE_KEY":    &cfg.PublishableKey,
		"INTAKE_PAYMENT_ACTION_URL": &cfg.PaymentActionURL,
	}
}

// loadConfig layers settings.json from dir and the environment over the defaults.
func loadConfig(dir string) (Config, error) {
	cfg := defaultConfig(dir)

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath(dir)); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(dir), err)
		}
	}

	// Layer 3: env vars override.
	for key, field := range envOverrides(&cfg) {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog_path is required")
	}
	if _, err := c.sessionTTL(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func (c Config) sessionTTL() (time.Duration, error) {
	ttl, err := time.ParseDuration(c.SessionTTL)
	if err != nil {
		return 0, fmt.Errorf("session_ttl: %w", err)
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("session_ttl must be positive, got %s", c.SessionTTL)
	}
	return ttl, nil
}
