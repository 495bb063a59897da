package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrCredential = errors.New("no API key for the selected provider")
	ErrInvalid    = errors.New("invalid configuration")
)

const (
	fileName = "config.yaml"

	DefaultProvider        = "anthropic"
	DefaultMaxTokens       = 8192
	DefaultApprovalTimeout = 300 * time.Second
	DefaultNPMRegistry     = "https://registry.npmjs.org"
	DefaultServeAddr       = "127.0.0.1:8765"
	DefaultLogLevel        = "info"
)

type Config struct {
	Provider        string        `yaml:"provider"`
	Model           string        `yaml:"model,omitempty"`
	BaseURL         string        `yaml:"base_url,omitempty"`
	MaxTokens       int           `yaml:"max_tokens,omitempty"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout,omitempty"`
	NPMRegistry     string        `yaml:"npm_registry,omitempty"`
	LogLevel        string        `yaml:"log_level,omitempty"`
	ServeAddr       string        `yaml:"serve_addr,omitempty"`
	// ServeTokens are the bearer tokens `serve` accepts. Empty disables auth.
	ServeTokens []string `yaml:"serve_tokens,omitempty"`
	// Stages limits a full run to these stages, in order.
	Stages []string     `yaml:"stages,omitempty"`
	Notify NotifyConfig `yaml:"notify,omitempty"`
}

// NotifyConfig selects where approval and run-finished notifications go.
type NotifyConfig struct {
	Desktop  bool            `yaml:"desktop,omitempty"`
	Hook     string          `yaml:"hook,omitempty"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is one webhook target. Format is slack (default), feishu,
// dingtalk, telegram or custom.
type WebhookConfig struct {
	URL    string            `yaml:"url"`
	Format string            `yaml:"format,omitempty"`
	Extra  map[string]string `yaml:"extra,omitempty"`
}

// Enabled reports whether any target is configured.
func (n NotifyConfig) Enabled() bool {
	return n.Desktop || n.Hook != "" || len(n.Webhooks) > 0
}

// Credentials are what a model client needs to authenticate.
type Credentials struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Provider:        DefaultProvider,
		MaxTokens:       DefaultMaxTokens,
		ApprovalTimeout: DefaultApprovalTimeout,
		NPMRegistry:     DefaultNPMRegistry,
		LogLevel:        DefaultLogLevel,
		ServeAddr:       DefaultServeAddr,
	}
}

// Path returns the config file to use: config.yaml in the working directory
// if present, otherwise ~/.chbuild/config.yaml.
func Path() string {
	pwd, _ := os.Getwd()
	projectConfig := filepath.Join(pwd, fileName)
	if _, err := os.Stat(projectConfig); err == nil {
		return projectConfig
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".chbuild", fileName)
}

// Load reads path (Path() when empty) over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, goerr.Wrap(err, "parse config", goerr.V("path", path))
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, goerr.Wrap(err, "read config", goerr.V("path", path))
	}

	cfg.applyEnv()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, goerr.Wrap(err, "load config", goerr.V("path", path))
	}
	return cfg, nil
}

// LoadDotEnv loads .env from each dir that has one. Variables already set
// in the environment win.
func LoadDotEnv(dirs ...string) error {
	var files []string
	seen := map[string]bool{}
	for _, dir := range dirs {
		p := filepath.Join(dir, ".env")
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return goerr.Wrap(err, "load .env", goerr.V("files", files))
	}
	return nil
}

// Save writes cfg as YAML, creating the directory if needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return goerr.Wrap(err, "encode config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return goerr.Wrap(err, "create config dir", goerr.V("path", path))
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return goerr.Wrap(err, "write config", goerr.V("path", path))
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHBUILD_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("CHBUILD_MODEL"); v != "" {
		c.Model = v
	}
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Provider == "" {
		c.Provider = d.Provider
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = d.ApprovalTimeout
	}
	if c.NPMRegistry == "" {
		c.NPMRegistry = d.NPMRegistry
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.ServeAddr == "" {
		c.ServeAddr = d.ServeAddr
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Provider {
	case "anthropic", "openai":
	default:
		return goerr.Wrap(ErrInvalid, "unknown provider", goerr.V("provider", c.Provider))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return goerr.Wrap(ErrInvalid, "unknown log level", goerr.V("log_level", c.LogLevel))
	}
	for _, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			return goerr.Wrap(ErrInvalid, "webhook without url")
		}
		switch wh.Format {
		case "", "slack", "feishu", "dingtalk", "telegram", "custom":
		default:
			return goerr.Wrap(ErrInvalid, "unknown webhook format", goerr.V("format", wh.Format))
		}
	}
	seen := map[string]bool{}
	for _, s := range c.Stages {
		if seen[s] {
			return goerr.Wrap(ErrInvalid, "stage listed twice", goerr.V("stage", s))
		}
		seen[s] = true
	}
	return nil
}

// Credentials resolves the API key for the selected provider from the
// environment. Anthropic accepts ANTHROPIC_AUTH_TOKEN or ANTHROPIC_API_KEY.
func (c *Config) Credentials() (Credentials, error) {
	cred := Credentials{Provider: c.Provider, BaseURL: c.BaseURL}
	switch c.Provider {
	case "openai":
		cred.APIKey = os.Getenv("OPENAI_API_KEY")
		if cred.BaseURL == "" {
			cred.BaseURL = os.Getenv("OPENAI_BASE_URL")
		}
	default:
		cred.APIKey = os.Getenv("ANTHROPIC_AUTH_TOKEN")
		if cred.APIKey == "" {
			cred.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if cred.BaseURL == "" {
			cred.BaseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
	}
	if cred.APIKey == "" {
		return cred, goerr.Wrap(ErrCredential, "resolve credentials", goerr.V("provider", c.Provider))
	}
	return cred, nil
}
