package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL    = "https://crop-disease-detector-backend-a16n.onrender.com/"
	DefaultListenAddr = "127.0.0.1:8080"

	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config holds the externally supplied settings. Network timeouts and the
// upload contract are fixed and deliberately absent here.
type Config struct {
	BaseURL       string `yaml:"base_url"`
	Transport     string `yaml:"transport"`
	GRPCAddr      string `yaml:"grpc_addr"`
	ListenAddr    string `yaml:"listen_addr"`
	TempDir       string `yaml:"temp_dir"`
	CameraCommand string `yaml:"camera_command"`
	RedisAddr     string `yaml:"redis_addr"`
	DatabaseDSN   string `yaml:"database_dsn"`
	LogLevel      string `yaml:"log_level"`

	listenSet bool
}

// Load reads the YAML file at path when it exists, applies CROPSENSE_*
// environment overrides and fills defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			var raw map[string]any
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
			_, cfg.listenSet = raw["listen_addr"]
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportHTTP:
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid base_url %q: scheme must be http or https", c.BaseURL)
		}
	case TransportGRPC:
		if c.GRPCAddr == "" {
			return errors.New("grpc_addr is required when transport is grpc")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		key    string
		target *string
	}{
		{"CROPSENSE_BASE_URL", &c.BaseURL},
		{"CROPSENSE_TRANSPORT", &c.Transport},
		{"CROPSENSE_GRPC_ADDR", &c.GRPCAddr},
		{"CROPSENSE_TEMP_DIR", &c.TempDir},
		{"CROPSENSE_CAMERA_COMMAND", &c.CameraCommand},
		{"CROPSENSE_REDIS_ADDR", &c.RedisAddr},
		{"CROPSENSE_DATABASE_DSN", &c.DatabaseDSN},
		{"CROPSENSE_LOG_LEVEL", &c.LogLevel},
	}
	for _, o := range overrides {
		if value := os.Getenv(o.key); value != "" {
			*o.target = value
		}
	}
	// An explicitly empty CROPSENSE_LISTEN_ADDR disables the HTTP surface.
	if value, ok := os.LookupEnv("CROPSENSE_LISTEN_ADDR"); ok {
		c.ListenAddr = value
		c.listenSet = true
	}
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
	if !c.listenSet && c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.TempDir == "" {
		c.TempDir = filepath.Join(os.TempDir(), "cropsense")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
