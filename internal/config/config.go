// Package config loads and validates codeask configuration.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete codeask configuration
type Config struct {
	DataDir string `json:"dataDir" mapstructure:"dataDir"`

	Repo         RepoConfig         `json:"repo" mapstructure:"repo"`
	Anthropic    AnthropicConfig    `json:"anthropic" mapstructure:"anthropic"`
	ToolServers  ToolServersConfig  `json:"toolServers" mapstructure:"toolServers"`
	Conversation ConversationConfig `json:"conversation" mapstructure:"conversation"`
	Server       ServerConfig       `json:"server" mapstructure:"server"`
	Notify       NotifyConfig       `json:"notify" mapstructure:"notify"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
}

// RepoConfig describes the mirrored repository
type RepoConfig struct {
	URL      string `json:"url" mapstructure:"url"`
	Branch   string `json:"branch" mapstructure:"branch"`
	Token    string `json:"token,omitempty" mapstructure:"token"`
	CloneDir string `json:"cloneDir" mapstructure:"cloneDir"`
	// SyncSchedule is a schedule expression, e.g. "every 5m"
	SyncSchedule string `json:"syncSchedule" mapstructure:"syncSchedule"`
	// FetchTimeoutSeconds bounds a single fetch/clone operation
	FetchTimeoutSeconds int `json:"fetchTimeoutSeconds" mapstructure:"fetchTimeoutSeconds"`
}

// AnthropicConfig describes the model backend
type AnthropicConfig struct {
	APIKey  string `json:"apiKey,omitempty" mapstructure:"apiKey"`
	Model   string `json:"model" mapstructure:"model"`
	BaseURL string `json:"baseUrl" mapstructure:"baseUrl"`

	MaxIterations  int  `json:"maxIterations" mapstructure:"maxIterations"`
	EnableThinking bool `json:"enableThinking" mapstructure:"enableThinking"`
	// ThinkingBudgetTokens is the thinking token budget per backend call
	ThinkingBudgetTokens int `json:"thinkingBudgetTokens" mapstructure:"thinkingBudgetTokens"`
	// OutputReserveTokens is added on top of the thinking budget to form max_tokens
	OutputReserveTokens   int `json:"outputReserveTokens" mapstructure:"outputReserveTokens"`
	RequestTimeoutSeconds int `json:"requestTimeoutSeconds" mapstructure:"requestTimeoutSeconds"`
}

// ToolServersConfig points at the tool server manifest
type ToolServersConfig struct {
	// ManifestPath is the TOML manifest listing tool servers
	ManifestPath string `json:"manifestPath" mapstructure:"manifestPath"`
	// CallTimeoutSeconds bounds a single tool dispatch
	CallTimeoutSeconds int `json:"callTimeoutSeconds" mapstructure:"callTimeoutSeconds"`
	// ConnectTimeoutSeconds bounds the handshake with one server
	ConnectTimeoutSeconds int `json:"connectTimeoutSeconds" mapstructure:"connectTimeoutSeconds"`
}

// ConversationConfig controls conversation history handling
type ConversationConfig struct {
	TTLSeconds     int `json:"ttlSeconds" mapstructure:"ttlSeconds"`
	MaxConcurrency int `json:"maxConcurrency" mapstructure:"maxConcurrency"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
	// APIKey is the plaintext key checked against the X-API-Key header.
	// HashedAPIKeys may hold bcrypt hashes instead; either form is accepted.
	APIKey        string   `json:"apiKey,omitempty" mapstructure:"apiKey"`
	HashedAPIKeys []string `json:"hashedApiKeys,omitempty" mapstructure:"hashedApiKeys"`
	// RateLimitPerMinute caps authenticated requests per key (0 disables)
	RateLimitPerMinute int `json:"rateLimitPerMinute" mapstructure:"rateLimitPerMinute"`
}

// NotifyConfig contains webhook notifier configuration
type NotifyConfig struct {
	// RulesPath is a YAML file mapping events to webhook targets
	RulesPath string `json:"rulesPath,omitempty" mapstructure:"rulesPath"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `json:"format" mapstructure:"format"`
	Level  string `json:"level" mapstructure:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: ".codeask",
		Repo: RepoConfig{
			Branch:              "main",
			CloneDir:            "./repo",
			SyncSchedule:        "every 5m",
			FetchTimeoutSeconds: 120,
		},
		Anthropic: AnthropicConfig{
			Model:                 "claude-sonnet-4-5-20250929",
			BaseURL:               "https://api.anthropic.com",
			MaxIterations:         25,
			EnableThinking:        false,
			ThinkingBudgetTokens:  12000,
			OutputReserveTokens:   4096,
			RequestTimeoutSeconds: 300,
		},
		ToolServers: ToolServersConfig{
			ManifestPath:          "servers.toml",
			CallTimeoutSeconds:    60,
			ConnectTimeoutSeconds: 30,
		},
		Conversation: ConversationConfig{
			TTLSeconds:     3600,
			MaxConcurrency: 2,
		},
		Server: ServerConfig{
			Addr:               ":8080",
			RateLimitPerMinute: 0,
		},
		Logging: LoggingConfig{
			Format: "human",
			Level:  "info",
		},
	}
}

// Load reads configuration from the given file (optional) and the environment.
// Environment variables use the CODEASK_ prefix with underscores for nesting,
// e.g. CODEASK_REPO_URL, CODEASK_ANTHROPIC_APIKEY.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("dataDir", defaults.DataDir)
	v.SetDefault("repo.branch", defaults.Repo.Branch)
	v.SetDefault("repo.cloneDir", defaults.Repo.CloneDir)
	v.SetDefault("repo.syncSchedule", defaults.Repo.SyncSchedule)
	v.SetDefault("repo.fetchTimeoutSeconds", defaults.Repo.FetchTimeoutSeconds)
	v.SetDefault("anthropic.model", defaults.Anthropic.Model)
	v.SetDefault("anthropic.baseUrl", defaults.Anthropic.BaseURL)
	v.SetDefault("anthropic.maxIterations", defaults.Anthropic.MaxIterations)
	v.SetDefault("anthropic.enableThinking", defaults.Anthropic.EnableThinking)
	v.SetDefault("anthropic.thinkingBudgetTokens", defaults.Anthropic.ThinkingBudgetTokens)
	v.SetDefault("anthropic.outputReserveTokens", defaults.Anthropic.OutputReserveTokens)
	v.SetDefault("anthropic.requestTimeoutSeconds", defaults.Anthropic.RequestTimeoutSeconds)
	v.SetDefault("toolServers.manifestPath", defaults.ToolServers.ManifestPath)
	v.SetDefault("toolServers.callTimeoutSeconds", defaults.ToolServers.CallTimeoutSeconds)
	v.SetDefault("toolServers.connectTimeoutSeconds", defaults.ToolServers.ConnectTimeoutSeconds)
	v.SetDefault("conversation.ttlSeconds", defaults.Conversation.TTLSeconds)
	v.SetDefault("conversation.maxConcurrency", defaults.Conversation.MaxConcurrency)
	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.rateLimitPerMinute", defaults.Server.RateLimitPerMinute)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.level", defaults.Logging.Level)

	v.SetEnvPrefix("CODEASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("codeask")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
			// No config file is fine; env vars and defaults apply.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// FetchTimeout returns the repo fetch timeout as a duration
func (c *RepoConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// RequestTimeout returns the backend request timeout as a duration
func (c *AnthropicConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CallTimeout returns the tool dispatch timeout as a duration
func (c *ToolServersConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the tool server handshake timeout as a duration
func (c *ToolServersConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// TTL returns the conversation TTL as a duration
func (c *ConversationConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// StorePath returns the sqlite store path under the data directory
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "conversations.db")
}

// ValidateAsk checks the fields required to answer questions, with or
// without the HTTP server
func (c *Config) ValidateAsk() error {
	if c.Repo.URL == "" {
		return &ConfigError{Field: "repo.url", Message: "repository URL is required"}
	}
	if c.Anthropic.APIKey == "" {
		return &ConfigError{Field: "anthropic.apiKey", Message: "API key is required"}
	}
	if c.Anthropic.MaxIterations <= 0 {
		return &ConfigError{Field: "anthropic.maxIterations", Message: "must be positive"}
	}
	if _, err := os.Stat(c.ToolServers.ManifestPath); err != nil {
		return &ConfigError{Field: "toolServers.manifestPath", Message: "manifest not found: " + c.ToolServers.ManifestPath}
	}
	return nil
}

// ValidateServe checks the fields required to run the service
func (c *Config) ValidateServe() error {
	if err := c.ValidateAsk(); err != nil {
		return err
	}
	if c.Server.APIKey == "" && len(c.Server.HashedAPIKeys) == 0 {
		return &ConfigError{Field: "server.apiKey", Message: "at least one API key is required"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
