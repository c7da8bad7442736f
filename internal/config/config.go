// Package config defines the modulex configuration model.
package config

import (
	"encoding/json"
	"time"

	"modulex-go/internal/logs"
)

const (
	defaultListen        = ":8000"
	defaultStateTTL      = 600 * time.Second
	defaultExecTimeout   = 55 * time.Second
	defaultMaxConcurrent = 25
	defaultMaxQueue      = 100
	defaultInterpreter   = "python3"
)

// Config represents the main configuration structure
type Config struct {
	Listen          string `json:"listen" mapstructure:"listen"`
	DataDir         string `json:"data_dir" mapstructure:"data-dir"`
	IntegrationsDir string `json:"integrations_dir" mapstructure:"integrations-dir"`

	// BaseURL is the externally visible URL used to construct OAuth
	// redirect URIs and form auth URLs.
	BaseURL string `json:"base_url" mapstructure:"base-url"`

	// ServerSecret is the master secret all credential encryption keys are
	// derived from. Supports secret references (env:NAME, keyring:alias).
	ServerSecret string `json:"server_secret" mapstructure:"server-secret"`

	// APIKey guards the HTTP surface when non-empty. Optional.
	APIKey string `json:"api_key,omitempty" mapstructure:"api-key"`

	Execution  *ExecutionConfig           `json:"execution,omitempty" mapstructure:"execution"`
	OAuth      *OAuthConfig               `json:"oauth,omitempty" mapstructure:"oauth"`
	ManualAuth map[string]*ManualAuthSpec `json:"manual_auth,omitempty" mapstructure:"manual-auth"`

	// Logging configuration
	Logging *logs.Config `json:"logging,omitempty" mapstructure:"logging"`
}

// ExecutionConfig holds the dispatcher tunables
type ExecutionConfig struct {
	MaxConcurrent int           `json:"max_concurrent" mapstructure:"max-concurrent"`
	MaxQueue      int           `json:"max_queue" mapstructure:"max-queue"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
	Interpreter   string        `json:"interpreter" mapstructure:"interpreter"`
}

// OAuthConfig holds OAuth flow settings and per-provider client credentials
type OAuthConfig struct {
	StateTTL  time.Duration                  `json:"state_ttl" mapstructure:"state-ttl"`
	Providers map[string]*ProviderCredential `json:"providers" mapstructure:"providers"`
}

// ProviderCredential is a client id/secret pair for one OAuth provider
type ProviderCredential struct {
	ClientID     string `json:"client_id" mapstructure:"client-id"`
	ClientSecret string `json:"client_secret" mapstructure:"client-secret"`
}

// Manual auth strategy modes
const (
	ManualAuthModeExternal = "external"
	ManualAuthModeForm     = "form"
)

// ManualAuthSpec configures a non-OAuth credential acquisition strategy
// for one tool. Mode is "external" (pre-configured endpoint polled by the
// caller) or "form" (same-origin HTML form submission).
type ManualAuthSpec struct {
	Mode    string `json:"mode" mapstructure:"mode"`
	AuthURL string `json:"auth_url,omitempty" mapstructure:"auth-url"`
}

// DefaultConfig returns a configuration with sane defaults
func DefaultConfig() *Config {
	return &Config{
		Listen:          defaultListen,
		IntegrationsDir: "integrations",
		Execution: &ExecutionConfig{
			MaxConcurrent: defaultMaxConcurrent,
			MaxQueue:      defaultMaxQueue,
			Timeout:       defaultExecTimeout,
			Interpreter:   defaultInterpreter,
		},
		OAuth: &OAuthConfig{
			StateTTL:  defaultStateTTL,
			Providers: make(map[string]*ProviderCredential),
		},
		Logging: logs.DefaultConfig(),
	}
}

// ApplyDefaults fills zero-valued fields on a loaded config
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.IntegrationsDir == "" {
		c.IntegrationsDir = "integrations"
	}
	if c.Execution == nil {
		c.Execution = &ExecutionConfig{}
	}
	if c.Execution.MaxConcurrent <= 0 {
		c.Execution.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Execution.MaxQueue <= 0 {
		c.Execution.MaxQueue = defaultMaxQueue
	}
	if c.Execution.Timeout <= 0 {
		c.Execution.Timeout = defaultExecTimeout
	}
	if c.Execution.Interpreter == "" {
		c.Execution.Interpreter = defaultInterpreter
	}
	if c.OAuth == nil {
		c.OAuth = &OAuthConfig{}
	}
	if c.OAuth.StateTTL <= 0 {
		c.OAuth.StateTTL = defaultStateTTL
	}
	if c.OAuth.Providers == nil {
		c.OAuth.Providers = make(map[string]*ProviderCredential)
	}
	if c.Logging == nil {
		c.Logging = logs.DefaultConfig()
	}
}

// Redacted returns a JSON representation safe for logging
func (c *Config) Redacted() string {
	clone := *c
	if clone.ServerSecret != "" {
		clone.ServerSecret = "***"
	}
	if clone.APIKey != "" {
		clone.APIKey = "***"
	}
	if clone.OAuth != nil {
		redactedOAuth := *clone.OAuth
		redactedOAuth.Providers = make(map[string]*ProviderCredential, len(c.OAuth.Providers))
		for name, cred := range c.OAuth.Providers {
			redactedOAuth.Providers[name] = &ProviderCredential{ClientID: cred.ClientID, ClientSecret: "***"}
		}
		clone.OAuth = &redactedOAuth
	}
	data, _ := json.Marshal(&clone)
	return string(data)
}
