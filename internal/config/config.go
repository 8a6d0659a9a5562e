package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Stream StreamConfig `yaml:"stream"`
	Client ClientConfig `yaml:"client"`
	Vision VisionConfig `yaml:"vision"`
	Agent  AgentConfig  `yaml:"agent"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
}

// StreamConfig tunes the server-side connection registry.
type StreamConfig struct {
	SendBuffer         int           `yaml:"send_buffer"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	InactivityTimeout  time.Duration `yaml:"inactivity_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	// IdleTimeout closes a connection that sends nothing (not even a ping)
	// for this long. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type ClientConfig struct {
	URL                  string        `yaml:"url"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	PingInterval         time.Duration `yaml:"ping_interval"`
}

type VisionConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AgentConfig controls the scripted agent run.
type AgentConfig struct {
	StepDelay time.Duration `yaml:"step_delay"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8000,
			Host: "0.0.0.0",
		},
		Stream: StreamConfig{
			SendBuffer:         64,
			WriteTimeout:       10 * time.Second,
			RateLimitPerMinute: 100,
			InactivityTimeout:  30 * time.Minute,
			SweepInterval:      time.Minute,
		},
		Client: ClientConfig{
			URL:                  "ws://127.0.0.1:8000/ws/chat",
			MaxReconnectAttempts: 5,
			BaseDelay:            time.Second,
			PingInterval:         30 * time.Second,
		},
		Vision: VisionConfig{
			Timeout: 15 * time.Second,
		},
		Agent: AgentConfig{
			StepDelay: 400 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error; the returned
// bool reports whether it was found.
func Load(path string) (*Config, bool, error) {
	cfg := defaultConfig()
	found := false

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			found = true
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, false, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, false, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, found, err
	}
	return cfg, found, nil
}

// LoadDotEnv loads .env files into the process environment. Existing
// variables win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		// Values copied from dashboards often arrive quoted.
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		return v, v != ""
	}

	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT value %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := get("HOST"); ok {
		c.Server.Host = v
	}
	if v, ok := get("MEDAGEN_AUTH_TOKEN"); ok {
		c.Server.AuthToken = v
	}
	if v, ok := get("MEDAGEN_ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v, ok := get("CV_ENDPOINT"); ok {
		c.Vision.Endpoint = v
	}
	if v, ok := get("MEDAGEN_WS_URL"); ok {
		c.Client.URL = v
	}
	if v, ok := get("MEDAGEN_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
