package main

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// QuotaKindConfig is one [quota.chat]/[quota.search] section.
type QuotaKindConfig struct {
	Daily int64 `toml:"daily"`
	RPM   int64 `toml:"rpm"`
}

// ConfigFile mirrors config.toml's recognized keys.
type ConfigFile struct {
	ListenAddr string `toml:"listen_addr"`
	AdminKey   string `toml:"admin_key"`
	APIKey     string `toml:"api_key"`
	Debug      bool   `toml:"debug"`

	BlobStorePath string `toml:"blob_store_path"`
	RelStorePath  string `toml:"rel_store_path"`

	QwenOAuthClientID string `toml:"qwen_oauth_client_id"`
	DeviceAuthURL     string `toml:"qwen_device_auth_url"`
	TokenURL          string `toml:"qwen_token_url"`
	DefaultBase       string `toml:"qwen_default_base"`

	Quota struct {
		Chat   QuotaKindConfig `toml:"chat"`
		Search QuotaKindConfig `toml:"search"`
	} `toml:"quota"`

	Audit struct {
		SuccessLogs bool `toml:"success_logs"`
	} `toml:"audit"`

	Tuning struct {
		ProviderScanSeconds       int64 `toml:"provider_scan_seconds"`
		ProviderFullKVScanMinutes int64 `toml:"provider_full_kv_scan_minutes"`
	} `toml:"tuning"`

	Providers struct {
		Qwen struct {
			AuthFiles []string `toml:"auth_files"`
		} `toml:"qwen"`
	} `toml:"providers"`

	ModelMappings map[string]string `toml:"model_mappings"`

	Alert struct {
		WebhookURL   string  `toml:"webhook_url"`
		QuotaPercent float64 `toml:"quota_percent"`
	} `toml:"alert"`
}

// loadConfigFile loads config.toml if it exists. Returns nil if absent; the
// config file is optional.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// getConfigInt64 returns the config value with priority: env var > config file > default.
func getConfigInt64(envKey string, configValue int64, defaultValue int64) int64 {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// getConfigFloat64 returns the config value with priority: env var > config file > default.
func getConfigFloat64(envKey string, configValue float64, defaultValue float64) float64 {
	if v := os.Getenv(envKey); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// getConfigBool returns the config value with priority: env var > config file > default.
func getConfigBool(envKey string, configValue bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}
