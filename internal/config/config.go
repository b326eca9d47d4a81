// Package config loads server configuration from the config file,
// environment and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	Database  string          `mapstructure:"database"`
	Serve     ServeConfig     `mapstructure:"serve"`
	Anthropic ProviderConfig  `mapstructure:"anthropic"`
	OpenAI    ProviderConfig  `mapstructure:"openai"`
	Gemini    ProviderConfig  `mapstructure:"gemini"`
	Credits   CreditsConfig   `mapstructure:"credits"`
	Search    SearchConfig    `mapstructure:"search"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Log       LogConfig       `mapstructure:"log"`
	Anonymous AnonymousConfig `mapstructure:"anonymous"`
}

type ServeConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Token protects the API. Empty disables auth, which is only
	// sensible on loopback.
	Token string `mapstructure:"token"`
	// CORSOrigins are the allowed Origin values, or "*" for all.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type CreditsConfig struct {
	// InitialGrant is credited to each account on first contact.
	InitialGrant int64 `mapstructure:"initial_grant"`
	// AnonymousGrant is the smaller allowance for anonymous clients.
	AnonymousGrant int64 `mapstructure:"anonymous_grant"`
}

type SearchConfig struct {
	// SearxURL points at a SearXNG instance. Empty disables the
	// search-backed tools.
	SearxURL string `mapstructure:"searx_url"`
}

type ToolsConfig struct {
	// Catalog optionally overlays tool pricing from a YAML file.
	Catalog string `mapstructure:"catalog"`
}

type ChatConfig struct {
	// UtilityModel runs titles, suggestions and document generation.
	UtilityModel string `mapstructure:"utility_model"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AnonymousConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// RequestsPerMinute throttles each anonymous client.
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// Addr returns the host:port the server binds.
func (s ServeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetConfigDir returns the parley config directory, creating it if
// needed.
func GetConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "parley")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	viper.SetDefault("database", filepath.Join(configPath, "parley.db"))
	viper.SetDefault("serve.host", "127.0.0.1")
	viper.SetDefault("serve.port", 8740)
	viper.SetDefault("credits.initial_grant", 10000)
	viper.SetDefault("credits.anonymous_grant", 200)
	viper.SetDefault("chat.utility_model", "claude-haiku-4-5")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("anonymous.enabled", true)
	viper.SetDefault("anonymous.requests_per_minute", 5)

	// The config file is optional.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Environment variables beat the config file for credentials.
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Anthropic.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAI.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Gemini.APIKey = key
	}
	if token := os.Getenv("PARLEY_SERVE_TOKEN"); token != "" {
		cfg.Serve.Token = token
	}

	return &cfg, nil
}
