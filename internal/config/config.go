package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	defaultListen = ":8080"

	// DefaultRefreshSkew is the look-ahead window before token expiry at
	// which a cached access token is considered stale.
	DefaultRefreshSkew = 5 * time.Minute

	// DefaultFlowTTL is the maximum age of a pending authorization flow
	// before its callback is rejected.
	DefaultFlowTTL = 10 * time.Minute

	// DefaultUpstreamTimeout bounds every upstream API request.
	DefaultUpstreamTimeout = 30 * time.Second
)

// Config represents the main configuration structure
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	BaseURL string `json:"base_url" mapstructure:"base_url"` // public origin for OAuth callbacks
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Multi-tenant mode: inbound MCP connections must present an API key
	// and tenants are read from the registry file.
	MultiTenant  bool   `json:"multi_tenant" mapstructure:"multi_tenant"`
	RegistryPath string `json:"registry_path,omitempty" mapstructure:"registry_path"`

	// Single-tenant OAuth client credentials. Ignored when a registry
	// entry provides per-tenant credentials.
	OAuth OAuthClientConfig `json:"oauth" mapstructure:"oauth"`

	// Upstream X API settings
	Upstream UpstreamConfig `json:"upstream" mapstructure:"upstream"`

	// Remote config-var persistence (survives ephemeral filesystems)
	RemotePersist *RemotePersistConfig `json:"remote_persist,omitempty" mapstructure:"remote_persist"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// Token lifecycle tuning
	RefreshSkew time.Duration `json:"refresh_skew,omitempty" mapstructure:"refresh_skew"`
	FlowTTL     time.Duration `json:"flow_ttl,omitempty" mapstructure:"flow_ttl"`
}

// OAuthClientConfig holds one OAuth client id/secret/callback triple.
type OAuthClientConfig struct {
	ClientID     string `json:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret string `json:"client_secret,omitempty" mapstructure:"client_secret"`
	CallbackURL  string `json:"callback_url,omitempty" mapstructure:"callback_url"`
}

// UpstreamConfig holds upstream X API endpoints and limits.
type UpstreamConfig struct {
	APIBaseURL string `json:"api_base_url,omitempty" mapstructure:"api_base_url"`
	AuthURL    string `json:"auth_url,omitempty" mapstructure:"auth_url"`
	TokenURL   string `json:"token_url,omitempty" mapstructure:"token_url"`

	// Requests per second allowed toward the upstream API, with burst.
	RateLimit float64 `json:"rate_limit,omitempty" mapstructure:"rate_limit"`
	RateBurst int     `json:"rate_burst,omitempty" mapstructure:"rate_burst"`

	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// RemotePersistConfig configures pushing token env vars to a platform
// config-vars API so they survive process restarts.
type RemotePersistConfig struct {
	APIBaseURL string `json:"api_base_url" mapstructure:"api_base_url"`
	AppID      string `json:"app_id" mapstructure:"app_id"`
	APIToken   string `json:"api_token" mapstructure:"api_token"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable_file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable_console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log_dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max_size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max_backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max_age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json_format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:  defaultListen,
		BaseURL: "http://localhost:8080",
		DataDir: "", // set to ~/.xmcp by loader

		MultiTenant: false,

		Upstream: UpstreamConfig{
			APIBaseURL: "https://api.x.com/2",
			AuthURL:    "https://x.com/i/oauth2/authorize",
			TokenURL:   "https://api.x.com/2/oauth2/token",
			RateLimit:  1,
			RateBurst:  5,
			Timeout:    DefaultUpstreamTimeout,
		},

		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},

		RefreshSkew: DefaultRefreshSkew,
		FlowTTL:     DefaultFlowTTL,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base_url %q: must include scheme and host", c.BaseURL)
		}
	}
	if c.MultiTenant && c.RegistryPath == "" {
		return fmt.Errorf("multi-tenant mode requires registry_path")
	}
	if c.Upstream.RateLimit <= 0 {
		c.Upstream.RateLimit = 1
	}
	if c.Upstream.RateBurst <= 0 {
		c.Upstream.RateBurst = 5
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}
	if c.RefreshSkew <= 0 {
		c.RefreshSkew = DefaultRefreshSkew
	}
	if c.FlowTTL <= 0 {
		c.FlowTTL = DefaultFlowTTL
	}
	if c.RemotePersist != nil {
		if c.RemotePersist.APIBaseURL == "" || c.RemotePersist.AppID == "" || c.RemotePersist.APIToken == "" {
			return fmt.Errorf("remote_persist requires api_base_url, app_id and api_token")
		}
	}
	return nil
}

// CallbackURL returns the effective OAuth callback URL for single-tenant
// mode: the configured one, or base_url + /callback.
func (c *Config) CallbackURL() string {
	if c.OAuth.CallbackURL != "" {
		return c.OAuth.CallbackURL
	}
	return c.BaseURL + "/callback"
}
