package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the YAML configuration for the tasknest server.
type AppConfig struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// Issuer is the externally visible base URL of this server.
	Issuer string `yaml:"issuer"`

	// Resource overrides the protected resource identifier. Defaults to
	// issuer + "/mcp".
	Resource string `yaml:"resource,omitempty"`

	// Scopes lists the scopes this server grants.
	Scopes []string `yaml:"scopes"`

	// DataDir holds the three encrypted store files.
	DataDir string `yaml:"data_dir"`

	// CredentialsFile maps usernames to bcrypt password hashes.
	CredentialsFile string `yaml:"credentials_file"`

	// EncryptionKey is a base64-encoded 32-byte AES key. Exactly one of
	// EncryptionKey and EncryptionPassphrase must be set.
	EncryptionKey string `yaml:"encryption_key,omitempty"`

	// EncryptionPassphrase derives the AES key when no raw key is given.
	EncryptionPassphrase string `yaml:"encryption_passphrase,omitempty"`

	// AccessTokenSigningKey signs issued access tokens.
	AccessTokenSigningKey string `yaml:"access_token_signing_key"`

	// AccessTokenTTL bounds access token lifetime. Default 1h.
	AccessTokenTTL time.Duration `yaml:"access_token_ttl,omitempty"`

	// RefreshTokenTTL bounds refresh token lifetime. Default 720h.
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl,omitempty"`

	// SessionTTL bounds login session lifetime. Default 1h.
	SessionTTL time.Duration `yaml:"session_ttl,omitempty"`

	// OfficialCallbacks are redirect URIs always accepted at registration.
	OfficialCallbacks []string `yaml:"official_callbacks,omitempty"`

	// AllowedRedirectOrigins allow-lists HTTPS redirect URI origins for
	// registration. "*" accepts any HTTPS origin.
	AllowedRedirectOrigins []string `yaml:"allowed_redirect_origins,omitempty"`

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool `yaml:"audit_enabled"`

	// MetricsEnabled turns on periodic metric export to stdout.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// LogLevel is one of debug, info, warn, error. Default info.
	LogLevel string `yaml:"log_level,omitempty"`
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *AppConfig) validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8085"
	}
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.CredentialsFile == "" {
		return fmt.Errorf("credentials_file is required")
	}
	if c.EncryptionKey == "" && c.EncryptionPassphrase == "" {
		return fmt.Errorf("one of encryption_key or encryption_passphrase is required")
	}
	if c.EncryptionKey != "" && c.EncryptionPassphrase != "" {
		return fmt.Errorf("encryption_key and encryption_passphrase are mutually exclusive")
	}
	if c.AccessTokenSigningKey == "" {
		return fmt.Errorf("access_token_signing_key is required")
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"tasks:read", "tasks:write"}
	}
	return nil
}

// StorePath returns the path of a named store file under the data dir.
func (c *AppConfig) StorePath(name string) string {
	return filepath.Join(c.DataDir, name)
}
