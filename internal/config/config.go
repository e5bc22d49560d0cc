// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SMTPConfig holds outbound mail submission settings.
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	InsecureSkipVerify bool
	Timeout            time.Duration

	// OAuth2 client credentials for XOAUTH2. Empty TokenURL means
	// username/password PLAIN auth (or none when Username is empty).
	OAuth2TokenURL     string
	OAuth2ClientID     string
	OAuth2ClientSecret string
	OAuth2Scopes       []string
}

// OutreachConfig fills the long-form signature-failure template.
type OutreachConfig struct {
	ProviderName string
	SignupURL    string
	SupportEmail string
	Pricing      []string
}

// Config holds all configuration for the alert service.
type Config struct {
	Port     int
	LogLevel string

	// Store: exactly one of DatabaseURL / SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// Subscriber directory (optional).
	DirectoryURL       string
	RecipientOverrides map[string]string

	// Redis (optional). Without it the queue and sessions are in-memory
	// and the notification claim is disabled.
	RedisURL   string
	AlertQueue string

	// Log scanning
	TextLogDir      string
	BatchLogDir     string
	LedgerPath      string
	ScanInterval    time.Duration
	ScanConcurrency int

	Workers int

	// External tools
	CertDecoder     []string
	IdentityDecoder []string
	ToolTimeout     time.Duration

	FetchTimeout       time.Duration
	FetchRatePerSecond float64

	SMTP           SMTPConfig
	ChatWebhookURL string

	EnableAutoEmail bool
	CCEmail         string
	Outreach        OutreachConfig

	SessionTTL time.Duration
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	Database struct {
		URL        string `yaml:"url"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Directory struct {
		URL       string            `yaml:"url"`
		Overrides map[string]string `yaml:"overrides"`
	} `yaml:"directory"`
	Redis struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"redis"`
	Scan struct {
		TextDir     string `yaml:"text_dir"`
		BatchDir    string `yaml:"batch_dir"`
		LedgerPath  string `yaml:"ledger_path"`
		Interval    string `yaml:"interval"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"scan"`
	Workers int `yaml:"workers"`
	Tools   struct {
		CertDecoder     []string `yaml:"cert_decoder"`
		IdentityDecoder []string `yaml:"identity_decoder"`
		Timeout         string   `yaml:"timeout"`
	} `yaml:"tools"`
	Fetch struct {
		Timeout       string  `yaml:"timeout"`
		RatePerSecond float64 `yaml:"rate_per_second"`
	} `yaml:"fetch"`
	SMTP struct {
		Host               string `yaml:"host"`
		Port               int    `yaml:"port"`
		Username           string `yaml:"username"`
		Password           string `yaml:"password"`
		From               string `yaml:"from"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
		Timeout            string `yaml:"timeout"`
		OAuth2             struct {
			TokenURL     string   `yaml:"token_url"`
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"oauth2"`
	} `yaml:"smtp"`
	Chat struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"chat"`
	Notify struct {
		EnableAutoEmail *bool  `yaml:"enable_auto_email"`
		CCEmail         string `yaml:"cc_email"`
		Outreach        struct {
			ProviderName string   `yaml:"provider_name"`
			SignupURL    string   `yaml:"signup_url"`
			SupportEmail string   `yaml:"support_email"`
			Pricing      []string `yaml:"pricing"`
		} `yaml:"outreach"`
	} `yaml:"notify"`
	Admin struct {
		SessionTTL string `yaml:"session_ttl"`
	} `yaml:"admin"`
}

const defaultConfigPath = "/app/config/config.yaml"

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables. A missing file at the default path is not an
// error; an explicitly configured CONFIG_PATH must exist.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", defaultConfigPath)

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && os.Getenv("CONFIG_PATH") == "":
		// env-only deployment
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return fromRaw(raw)
}

func fromRaw(raw rawConfig) (*Config, error) {
	cfg := &Config{
		Port:     firstPositive(raw.Port, envOrDefaultInt("PORT", 3000)),
		LogLevel: firstNonEmpty(raw.LogLevel, envOrDefault("LOG_LEVEL", "info")),

		DatabaseURL: firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		SQLitePath:  firstNonEmpty(raw.Database.SQLitePath, os.Getenv("SQLITE_PATH")),

		DirectoryURL:       firstNonEmpty(raw.Directory.URL, os.Getenv("STILOG_DATABASE_URL")),
		RecipientOverrides: raw.Directory.Overrides,

		RedisURL:   firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		AlertQueue: firstNonEmpty(raw.Redis.Queue, envOrDefault("ALERT_QUEUE", "certalert:failures")),

		TextLogDir:      firstNonEmpty(raw.Scan.TextDir, os.Getenv("SRC_LOG_PATH")),
		BatchLogDir:     firstNonEmpty(raw.Scan.BatchDir, envOrDefault("STI_ERROR_FILE_PATH", "./logs")),
		ScanInterval:    parseDurationOr(raw.Scan.Interval, envOrDefaultDuration("SCAN_INTERVAL", 5*time.Minute)),
		ScanConcurrency: firstPositive(raw.Scan.Concurrency, envOrDefaultInt("SCAN_CONCURRENCY", 8)),

		Workers: firstPositive(raw.Workers, envOrDefaultInt("WORKERS", 4)),

		CertDecoder:     raw.Tools.CertDecoder,
		IdentityDecoder: raw.Tools.IdentityDecoder,
		ToolTimeout:     parseDurationOr(raw.Tools.Timeout, envOrDefaultDuration("TOOL_TIMEOUT", 15*time.Second)),

		FetchTimeout:       parseDurationOr(raw.Fetch.Timeout, envOrDefaultDuration("FETCH_TIMEOUT", 10*time.Second)),
		FetchRatePerSecond: raw.Fetch.RatePerSecond,

		SMTP: SMTPConfig{
			Host:               firstNonEmpty(raw.SMTP.Host, os.Getenv("FROM_MAIL_IP")),
			Port:               firstPositive(raw.SMTP.Port, envOrDefaultInt("FROM_MAIL_PORT", 25)),
			Username:           firstNonEmpty(raw.SMTP.Username, os.Getenv("FROM_EMAIL")),
			Password:           firstNonEmpty(raw.SMTP.Password, os.Getenv("FROM_MAIL_PASSPORT")),
			InsecureSkipVerify: raw.SMTP.InsecureSkipVerify,
			Timeout:            parseDurationOr(raw.SMTP.Timeout, 30*time.Second),
			OAuth2TokenURL:     raw.SMTP.OAuth2.TokenURL,
			OAuth2ClientID:     raw.SMTP.OAuth2.ClientID,
			OAuth2ClientSecret: raw.SMTP.OAuth2.ClientSecret,
			OAuth2Scopes:       raw.SMTP.OAuth2.Scopes,
		},
		ChatWebhookURL: firstNonEmpty(raw.Chat.WebhookURL, os.Getenv("MATTERMOST_URL")),

		EnableAutoEmail: envOrDefaultBool("ENABLE_AUTO_EMAIL", false),
		CCEmail:         firstNonEmpty(raw.Notify.CCEmail, os.Getenv("CC_EMAIL")),
		Outreach: OutreachConfig{
			ProviderName: raw.Notify.Outreach.ProviderName,
			SignupURL:    raw.Notify.Outreach.SignupURL,
			SupportEmail: raw.Notify.Outreach.SupportEmail,
			Pricing:      raw.Notify.Outreach.Pricing,
		},

		SessionTTL: parseDurationOr(raw.Admin.SessionTTL, 12*time.Hour),
	}
	cfg.SMTP.From = firstNonEmpty(raw.SMTP.From, cfg.SMTP.Username)
	if raw.Notify.EnableAutoEmail != nil {
		cfg.EnableAutoEmail = *raw.Notify.EnableAutoEmail
	}

	if len(cfg.CertDecoder) == 0 {
		cfg.CertDecoder = []string{"openssl", "x509", "-text", "-noout"}
	}
	if len(cfg.IdentityDecoder) == 0 {
		cfg.IdentityDecoder = []string{envOrDefault("IDENTITY_DECODER", "/opt/stirshaken/scripts/parse_identity")}
	}
	cfg.LedgerPath = firstNonEmpty(raw.Scan.LedgerPath, os.Getenv("LEDGER_PATH"))
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(cfg.BatchLogDir, "processed_file.log")
	}

	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		return nil, fmt.Errorf("no store configured: set database.url (DATABASE_URL) or database.sqlite_path (SQLITE_PATH)")
	}
	if cfg.DatabaseURL != "" && cfg.SQLitePath != "" {
		return nil, fmt.Errorf("both database.url and database.sqlite_path are set; choose one store")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
