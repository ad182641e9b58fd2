// Package config loads process settings from the environment and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string

	TokenSecret     string
	TokenTTL        time.Duration
	AdminSecretKey  string // plaintext; hashed at startup
	AdminSecretHash string // bcrypt hash, preferred over AdminSecretKey

	DispatchTimeout     time.Duration
	DispatchConcurrency int
	CallbackBaseURL     string

	AgentURLsPath       string
	WatchAgentURLs      bool
	RegistryDatabaseURL string

	AllowedAPIKeys     []string
	RateLimitPerMinute int
	CORSAllowedOrigins []string

	TaskTTL      time.Duration
	ReapSchedule string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8000")
	v.SetDefault("token_secret", "")
	v.SetDefault("token_ttl", 7*24*time.Hour)
	v.SetDefault("admin_secret_key", "")
	v.SetDefault("admin_secret_hash", "")
	v.SetDefault("dispatch_timeout", 100*time.Second)
	v.SetDefault("dispatch_concurrency", 5)
	v.SetDefault("callback_base_url", "http://localhost:8000/api/callback")
	v.SetDefault("agent_urls_path", "agent_url.json")
	v.SetDefault("watch_agent_urls", true)
	v.SetDefault("registry_database_url", "")
	v.SetDefault("allowed_api_keys", "")
	v.SetDefault("rate_limit_per_minute", 100)
	v.SetDefault("cors_allowed_origins", "http://localhost:3000")
	v.SetDefault("task_ttl", 24*time.Hour)
	v.SetDefault("reap_schedule", "@every 5m")
}

// Load reads settings from environment variables (PORT, TOKEN_SECRET, ...)
// layered over the optional config file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	cfg := &Config{
		Port:                v.GetString("port"),
		TokenSecret:         v.GetString("token_secret"),
		TokenTTL:            v.GetDuration("token_ttl"),
		AdminSecretKey:      v.GetString("admin_secret_key"),
		AdminSecretHash:     v.GetString("admin_secret_hash"),
		DispatchTimeout:     v.GetDuration("dispatch_timeout"),
		DispatchConcurrency: v.GetInt("dispatch_concurrency"),
		CallbackBaseURL:     strings.TrimRight(v.GetString("callback_base_url"), "/"),
		AgentURLsPath:       v.GetString("agent_urls_path"),
		WatchAgentURLs:      v.GetBool("watch_agent_urls"),
		RegistryDatabaseURL: v.GetString("registry_database_url"),
		AllowedAPIKeys:      splitList(v.GetString("allowed_api_keys")),
		RateLimitPerMinute:  v.GetInt("rate_limit_per_minute"),
		CORSAllowedOrigins:  splitList(v.GetString("cors_allowed_origins")),
		TaskTTL:             v.GetDuration("task_ttl"),
		ReapSchedule:        v.GetString("reap_schedule"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TokenSecret == "" {
		return errors.New("TOKEN_SECRET is required")
	}
	if c.DispatchConcurrency <= 0 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be > 0, got %d", c.DispatchConcurrency)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT must be > 0, got %s", c.DispatchTimeout)
	}
	if c.CallbackBaseURL == "" {
		return errors.New("CALLBACK_BASE_URL is required")
	}
	return nil
}

// splitList parses a comma-separated setting, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
