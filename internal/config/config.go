package config

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the working directory.
const FileName = "hades.yml"

// DefaultBackend is used when neither the file, env nor flags name a backend.
const DefaultBackend = "localhost:8000"

// Config models hades.yml.
type Config struct {
	Backend struct {
		// Address is host[:port] of the backend. It determines both the
		// submission endpoint and the transcript channel host.
		Address string        `yaml:"address"`
		TLS     bool          `yaml:"tls"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"backend"`
	Console struct {
		Variant string `yaml:"variant"`
	} `yaml:"console"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
	Relay struct {
		Addr     string          `yaml:"addr"`
		NATSURL  string          `yaml:"nats_url"`
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"relay"`
}

// WebhookConfig is an outbound hook the relay notifies on submissions and reports.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	addr := strings.TrimSpace(c.Backend.Address)
	if addr == "" {
		return fmt.Errorf("config.backend.address is required")
	}
	if strings.Contains(addr, "://") {
		return fmt.Errorf("config.backend.address must be host[:port], got %q", addr)
	}
	if strings.Contains(addr, "/") {
		return fmt.Errorf("config.backend.address must not contain a path, got %q", addr)
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("config.backend.timeout must not be negative")
	}
	switch c.Console.Variant {
	case "", "basic", "subnetted":
	default:
		return fmt.Errorf("config.console.variant must be 'basic' or 'subnetted'")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be 'text' or 'json'")
	}
	if c.Relay.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Relay.Addr); err != nil {
			return fmt.Errorf("config.relay.addr: %w", err)
		}
	}
	if u := strings.TrimSpace(c.Relay.NATSURL); u != "" && !strings.Contains(u, "://") {
		return fmt.Errorf("config.relay.nats_url must include a scheme, got %q", u)
	}
	for i, hook := range c.Relay.Webhooks {
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.relay.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.relay.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			switch strings.TrimSpace(evt) {
			case "inject.submitted", "inject.report":
			default:
				return fmt.Errorf("config.relay.webhooks[%d].events: unknown event %q", i, evt)
			}
		}
	}
	return nil
}

// SubmitURL is the submission endpoint. The listing endpoint shares it.
func (c *Config) SubmitURL() string {
	scheme := "http"
	if c.Backend.TLS {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: c.Backend.Address, Path: "/"}).String()
}

// ChannelURL is the transcript channel for a task id.
func (c *Config) ChannelURL(taskID string) string {
	scheme := "ws"
	if c.Backend.TLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.Backend.Address, Path: "/ws/" + taskID}
	return u.String()
}

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(backend string) string {
	if backend == "" {
		backend = DefaultBackend
	}
	return fmt.Sprintf(defaultTemplate, backend)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(""))).Decode(&cfg)
	return &cfg
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `backend:
  address: %s
  tls: false
  timeout: 10s

console:
  variant: basic

log:
  level: info
  format: text

relay:
  addr: 127.0.0.1:8000
`
