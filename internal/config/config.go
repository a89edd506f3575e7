// Package config defines the gateway's configuration tree and the loader
// that reads it from YAML plus environment variable overrides.
package config

import "time"

// Config is the top-level gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Policy      PolicyConfig      `yaml:"policy"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Audit       AuditConfig       `yaml:"audit"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Identity    IdentityConfig    `yaml:"identity"`
	Callback    CallbackConfig    `yaml:"callback"`
}

// ServerConfig controls the transport listeners and log verbosity.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AdminPort int    `yaml:"admin_port"`
	LogLevel  string `yaml:"log_level"`
	Stdio     bool   `yaml:"stdio"`
}

// PolicyConfig controls the policy bundle source and signature enforcement.
type PolicyConfig struct {
	File             string `yaml:"file"`
	SigPath          string `yaml:"sig_path"`
	PublicKeyB64     string `yaml:"public_key_b64"`
	RequireSignature bool   `yaml:"require_signature"`
}

// CoordinatorConfig points at the store backing rate limiting, budgets,
// approvals and pub/sub.
type CoordinatorConfig struct {
	URL string `yaml:"url"`
}

// AuditConfig points at the persistent store backing the hash chain.
type AuditConfig struct {
	URL string `yaml:"url"`
}

// ApprovalConfig controls dual-control timing.
type ApprovalConfig struct {
	SyncWaitMS int `yaml:"sync_wait_ms"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

// IdentityConfig controls OIDC verification, falling back to a dev HMAC
// mode when OIDC is not configured.
type IdentityConfig struct {
	OIDCIssuer   string `yaml:"oidc_issuer"`
	OIDCJWKSURL  string `yaml:"oidc_jwks_url"`
	OIDCAudience string `yaml:"oidc_audience"`
	DevJWTSecret string `yaml:"dev_jwt_secret"`
	DevIssuer    string `yaml:"dev_issuer"`
}

// CallbackConfig controls approval callback token signing.
type CallbackConfig struct {
	SigningSecret string `yaml:"signing_secret"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup, per spec.md §6's enumerated defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      8080,
			AdminPort: 8081,
			LogLevel:  "info",
		},
		Policy: PolicyConfig{
			File:             "./policy/bundle.yaml",
			RequireSignature: false,
		},
		Coordinator: CoordinatorConfig{
			URL: "memory://",
		},
		Audit: AuditConfig{
			URL: "memory://",
		},
		Approval: ApprovalConfig{
			SyncWaitMS: 0,
			TTLSeconds: 900,
		},
		Identity: IdentityConfig{
			DevIssuer: "toolgate-dev",
		},
	}
}

// ApprovalTTL returns the configured approval TTL as a time.Duration.
func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Approval.TTLSeconds) * time.Second
}
