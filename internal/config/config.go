// Package config loads coordinator and agent configuration from an
// optional YAML file with environment-variable overrides. A .env file in
// the working directory is honored when present.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the merged configuration for both binaries. Agents only read
// the Agent section; the coordinator reads everything else.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Agent    AgentConfig    `yaml:"agent"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	APIKey   string `yaml:"api_key"`
	Disabled bool   `yaml:"disabled"`
}

type AgentConfig struct {
	CoordinatorURL string        `yaml:"coordinator_url"`
	AgentID        string        `yaml:"agent_id"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// Load reads reconmc.yaml when present, then applies environment
// overrides. Missing .env and YAML files are not errors.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 3000},
		Agent:  AgentConfig{PollInterval: 5 * time.Second},
	}

	if raw, err := os.ReadFile("reconmc.yaml"); err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse reconmc.yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.Auth.Disabled {
		slog.Warn("API authentication is DISABLED (RECONMC_DISABLE_AUTH) — do not run this in production")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitTrim(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("RECONMC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("RECONMC_DISABLE_AUTH"); v != "" {
		cfg.Auth.Disabled = v == "true" || v == "1"
	}
	if v := os.Getenv("COORDINATOR_URL"); v != "" {
		cfg.Agent.CoordinatorURL = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.Agent.AgentID = v
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Agent.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}
}

func splitTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ListenAddr is host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
