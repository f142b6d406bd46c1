package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	DefaultDBFilename     = "relay.db"

	DefaultLongContextThreshold = 60000
	DefaultMaxConsecutiveErrors = 5
	DefaultMaintenanceInterval  = time.Hour
)

// Provider types understood by the transformer registry.
const (
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderAnthropic  = "anthropic-compatible"
	ProviderModelScope = "modelscope"
	ProviderMiniMax    = "minimax"
)

// DefaultProviderURLs fills in base URLs for seeded providers that leave them out.
var DefaultProviderURLs = map[string]string{
	ProviderOpenAI:     "https://api.openai.com/v1",
	ProviderGemini:     "https://generativelanguage.googleapis.com/v1beta",
	ProviderAnthropic:  "https://api.anthropic.com",
	ProviderModelScope: "https://api-inference.modelscope.cn",
	ProviderMiniMax:    "https://api.minimax.io/anthropic",
}

type StorageConfig struct {
	// Driver is one of memory, sqlite, redis, postgres.
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	// DSN is a file path for sqlite and a URL for redis and postgres.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// ClaudeConfig configures the passthrough to the official Anthropic API.
type ClaudeConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// ProviderSeed is a provider imported into storage on first start.
type ProviderSeed struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type" yaml:"type"`
	BaseURL     string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Transformer string   `json:"transformer,omitempty" yaml:"transformer,omitempty"`
	Models      []string `json:"models,omitempty" yaml:"models,omitempty"`
	Keys        []string `json:"keys,omitempty" yaml:"keys,omitempty"`
}

type TargetSeed struct {
	ProviderID string `json:"provider_id" yaml:"provider_id"`
	Model      string `json:"model" yaml:"model"`
}

// RouteConfigSeed is a route configuration imported into storage on first start. Rules are keyed
// by rule name (default, longContext, background, think, webSearch).
type RouteConfigSeed struct {
	ID                   string                `json:"id" yaml:"id"`
	Name                 string                `json:"name" yaml:"name"`
	Rules                map[string]TargetSeed `json:"rules" yaml:"rules"`
	LongContextThreshold int                   `json:"long_context_threshold,omitempty" yaml:"long_context_threshold,omitempty"`
}

type Config struct {
	Host    string        `json:"host,omitempty" yaml:"host,omitempty"`
	Port    int           `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Claude  ClaudeConfig  `json:"claude" yaml:"claude"`

	LongContextThreshold int    `json:"long_context_threshold,omitempty" yaml:"long_context_threshold,omitempty"`
	MaxConsecutiveErrors int    `json:"max_consecutive_errors,omitempty" yaml:"max_consecutive_errors,omitempty"`
	MaintenanceInterval  string `json:"maintenance_interval,omitempty" yaml:"maintenance_interval,omitempty"`
	// UpstreamTimeout bounds each upstream call; empty leaves the HTTP client default.
	UpstreamTimeout string `json:"upstream_timeout,omitempty" yaml:"upstream_timeout,omitempty"`

	Providers    []ProviderSeed    `json:"providers,omitempty" yaml:"providers,omitempty"`
	RouteConfigs []RouteConfigSeed `json:"route_configs,omitempty" yaml:"route_configs,omitempty"`
	ActiveRoute  string            `json:"active_route,omitempty" yaml:"active_route,omitempty"`
}

// Maintenance returns the key-pool maintenance interval.
func (c *Config) Maintenance() time.Duration {
	return parseDuration(c.MaintenanceInterval, DefaultMaintenanceInterval)
}

func (c *Config) Timeout() time.Duration {
	return parseDuration(c.UpstreamTimeout, 0)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// Validate lists every problem found; an empty result means the config is usable.
func (c *Config) Validate() []string {
	var issues []string

	if c.Port <= 0 || c.Port > 65535 {
		issues = append(issues, fmt.Sprintf("port %d is out of range", c.Port))
	}

	switch c.Storage.Driver {
	case "", "memory", "sqlite":
	case "redis", "postgres":
		if c.Storage.DSN == "" {
			issues = append(issues, fmt.Sprintf("storage driver %s needs a dsn", c.Storage.Driver))
		}
	default:
		issues = append(issues, fmt.Sprintf("unknown storage driver %q", c.Storage.Driver))
	}

	if _, err := time.ParseDuration(c.MaintenanceInterval); c.MaintenanceInterval != "" && err != nil {
		issues = append(issues, fmt.Sprintf("invalid maintenance_interval %q", c.MaintenanceInterval))
	}
	if _, err := time.ParseDuration(c.UpstreamTimeout); c.UpstreamTimeout != "" && err != nil {
		issues = append(issues, fmt.Sprintf("invalid upstream_timeout %q", c.UpstreamTimeout))
	}

	providers := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			issues = append(issues, fmt.Sprintf("provider %d has no id", i))
		}
		if _, ok := DefaultProviderURLs[p.Type]; !ok {
			issues = append(issues, fmt.Sprintf("provider %s has unknown type %q", p.ID, p.Type))
		}
		providers[p.ID] = true
	}

	routes := make(map[string]bool, len(c.RouteConfigs))
	for _, rc := range c.RouteConfigs {
		routes[rc.ID] = true
		if _, ok := rc.Rules["default"]; !ok {
			issues = append(issues, fmt.Sprintf("route config %s has no default rule", rc.ID))
		}
		for name, target := range rc.Rules {
			if !providers[target.ProviderID] {
				issues = append(issues, fmt.Sprintf("route config %s rule %s references unknown provider %s", rc.ID, name, target.ProviderID))
			}
			if target.Model == "" {
				issues = append(issues, fmt.Sprintf("route config %s rule %s has no model", rc.ID, name))
			}
		}
	}

	if c.ActiveRoute != "" && c.ActiveRoute != "claude" && !routes[c.ActiveRoute] {
		issues = append(issues, fmt.Sprintf("active_route %s is not a configured route", c.ActiveRoute))
	}

	return issues
}

type Manager struct {
	baseDir     string
	configPath  string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	m := &Manager{baseDir: baseDir}
	m.configPath = m.detectPath()
	return m
}

func (m *Manager) BaseDir() string { return m.baseDir }

func (m *Manager) jsonPath() string { return filepath.Join(m.baseDir, DefaultConfigFilename) }
func (m *Manager) yamlPath() string { return filepath.Join(m.baseDir, DefaultYAMLFilename) }

func (m *Manager) HasYAML() bool { return fileExists(m.yamlPath()) }
func (m *Manager) HasJSON() bool { return fileExists(m.jsonPath()) }

func (m *Manager) detectPath() string {
	if m.HasYAML() {
		return m.yamlPath()
	}
	return m.jsonPath()
}

// Load reads the config file (YAML wins over JSON), .env files and RELAY_* environment
// overrides. A missing file is not an error: defaults and the environment still apply.
func (m *Manager) Load() (*Config, error) {
	m.loadDotEnv()

	m.configPath = m.detectPath()

	var cfg Config
	data, err := os.ReadFile(m.configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	case isYAML(m.configPath):
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	m.applyDefaults(&cfg)

	m.configValue.Store(&cfg)
	return &cfg, nil
}

func (m *Manager) loadDotEnv() {
	for _, path := range []string{".env", filepath.Join(m.baseDir, ".env")} {
		if fileExists(path) {
			// existing environment variables take precedence over .env entries
			_ = godotenv.Load(path)
		}
	}
}

func (m *Manager) applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = filepath.Join(m.baseDir, DefaultDBFilename)
	}
	if cfg.LongContextThreshold <= 0 {
		cfg.LongContextThreshold = DefaultLongContextThreshold
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.BaseURL == "" {
			p.BaseURL = DefaultProviderURLs[p.Type]
		}
		if p.Name == "" {
			p.Name = p.ID
		}
	}
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"RELAY_HOST":                 &cfg.Host,
		"RELAY_API_KEY":              &cfg.APIKey,
		"RELAY_STORAGE_DRIVER":       &cfg.Storage.Driver,
		"RELAY_STORAGE_DSN":          &cfg.Storage.DSN,
		"RELAY_MAINTENANCE_INTERVAL": &cfg.MaintenanceInterval,
		"RELAY_UPSTREAM_TIMEOUT":     &cfg.UpstreamTimeout,
		"ANTHROPIC_API_KEY":          &cfg.Claude.APIKey,
		"ANTHROPIC_BASE_URL":         &cfg.Claude.BaseURL,
	}
	for env, dst := range str {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"RELAY_PORT":                   &cfg.Port,
		"RELAY_LONG_CONTEXT_THRESHOLD": &cfg.LongContextThreshold,
		"RELAY_MAX_CONSECUTIVE_ERRORS": &cfg.MaxConsecutiveErrors,
	}
	for env, dst := range ints {
		v, ok := os.LookupEnv(env)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", env, err)
		}
		*dst = n
	}

	return nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		cfg = &Config{}
		m.applyDefaults(cfg)
	}
	return cfg
}

// Save writes cfg in the format of the current config file, JSON when none exists yet.
func (m *Manager) Save(cfg *Config) error {
	if isYAML(m.configPath) {
		return m.SaveAsYAML(cfg)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return m.write(m.jsonPath(), data, cfg)
}

func (m *Manager) SaveAsYAML(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml config: %w", err)
	}
	return m.write(m.yamlPath(), data, cfg)
}

func (m *Manager) write(path string, data []byte, cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	// the file may carry provider keys
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configPath = path
	m.configValue.Store(cfg)
	return nil
}

// CreateExampleYAML writes a starter config with one provider of each dialect.
func (m *Manager) CreateExampleYAML() error {
	cfg := &Config{
		Host:   DefaultHost,
		Port:   DefaultPort,
		APIKey: "your-relay-api-key-here",
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		MaintenanceInterval: DefaultMaintenanceInterval.String(),
		Providers: []ProviderSeed{
			{ID: "openai", Name: "OpenAI", Type: ProviderOpenAI, BaseURL: DefaultProviderURLs[ProviderOpenAI], Models: []string{"gpt-4o", "gpt-4o-mini"}, Keys: []string{"sk-your-openai-key"}},
			{ID: "gemini", Name: "Gemini", Type: ProviderGemini, BaseURL: DefaultProviderURLs[ProviderGemini], Models: []string{"gemini-2.0-flash"}, Keys: []string{"your-gemini-key"}},
			{ID: "modelscope", Name: "ModelScope", Type: ProviderModelScope, BaseURL: DefaultProviderURLs[ProviderModelScope], Models: []string{"Qwen/Qwen3-Coder-480B-A35B-Instruct"}, Keys: []string{"ms-your-key"}},
		},
		RouteConfigs: []RouteConfigSeed{
			{
				ID:   "main",
				Name: "Main",
				Rules: map[string]TargetSeed{
					"default":     {ProviderID: "openai", Model: "gpt-4o"},
					"background":  {ProviderID: "openai", Model: "gpt-4o-mini"},
					"think":       {ProviderID: "modelscope", Model: "Qwen/Qwen3-Coder-480B-A35B-Instruct"},
					"longContext": {ProviderID: "gemini", Model: "gemini-2.0-flash"},
				},
				LongContextThreshold: DefaultLongContextThreshold,
			},
		},
		ActiveRoute: "main",
	}

	return m.SaveAsYAML(cfg)
}

func (m *Manager) GetPath() string {
	return m.detectPath()
}

func (m *Manager) Exists() bool {
	return m.HasYAML() || m.HasJSON()
}

func isYAML(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
