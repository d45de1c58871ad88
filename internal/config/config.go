package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models phabbridge.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Conduit struct {
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		RateLimit      float64 `yaml:"rate_limit"`
		RateBurst      int     `yaml:"rate_burst"`
		UserAgent      string  `yaml:"user_agent"`
	} `yaml:"conduit"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Projects map[string]ProjectSeed `yaml:"projects"`
	Webhooks []WebhookConfig        `yaml:"webhooks"`
}

// WebhookConfig is a receiver of audit events, e.g. the error tracker being
// told that a group was linked.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// ProjectSeed is a project's options as written in the config file. Seeds are
// imported into the store with "options import".
type ProjectSeed struct {
	Host         string   `yaml:"host"`
	Token        string   `yaml:"token"`
	ProjectPHIDs []string `yaml:"project_phids"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with phabbridge init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Conduit.TimeoutSeconds < 0 {
		return fmt.Errorf("config.conduit.timeout_seconds must not be negative")
	}
	if c.Conduit.RateLimit < 0 {
		return fmt.Errorf("config.conduit.rate_limit must not be negative")
	}
	if c.Conduit.RateBurst < 0 {
		return fmt.Errorf("config.conduit.rate_burst must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for id, p := range c.Projects {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.projects contains empty project id")
		}
		if strings.TrimSpace(p.Host) == "" {
			return fmt.Errorf("project %s: host is required", id)
		}
		u, err := url.Parse(strings.TrimSpace(p.Host))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("project %s: host must be an http(s) URL", id)
		}
		if strings.TrimSpace(p.Token) == "" {
			return fmt.Errorf("project %s: token is required", id)
		}
		for _, phid := range p.ProjectPHIDs {
			if strings.TrimSpace(phid) == "" {
				return fmt.Errorf("project %s: empty project phid", id)
			}
		}
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook %d: url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d: timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Timeout is the Conduit request timeout, defaulting to ten seconds.
func (c *Config) Timeout() time.Duration {
	if c == nil || c.Conduit.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Conduit.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phabbridge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""

conduit:
  timeout_seconds: 10
  rate_limit: 5
  rate_burst: 10
  user_agent: phabbridge

log:
  level: info
  format: text

# projects:
#   web:
#     host: https://phabricator.example.com/
#     token: keyring:web
#     project_phids: [PHID-PROJ-abc123]

# webhooks:
#   - url: https://errors.example.com/hooks/phabricator
#     events: [issue.created, issue.linked, issue.unlinked]
#     secret: change-me
`
