// Package config provides configuration parsing and validation for the
// Auth core.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete Auth configuration.
type Config struct {
	Auth       AuthConfig       `yaml:"auth"`
	Listener   ListenerConfig   `yaml:"listener"`
	Federation FederationConfig `yaml:"federation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Entities   []EntityConfig   `yaml:"entities"`
	Peers      []PeerAuthConfig `yaml:"peers"`
	Policies   []PolicyConfig   `yaml:"policies"`
}

// AuthConfig identifies this Auth and its RSA signing/decryption identity.
type AuthConfig struct {
	ID                      int32  `yaml:"id"`
	PrivateKey              string `yaml:"private_key"`     // PEM file path
	PrivateKeyPEM           string `yaml:"private_key_pem"` // inline PEM, takes precedence
	RequestTimeoutMillis    int    `yaml:"request_timeout_millis"`
	FederationTimeoutMillis int    `yaml:"federation_timeout_millis"`
}

// GetPrivateKeyPEM returns the Auth's RSA private key PEM, reading from
// file if PrivateKeyPEM is not set inline.
func (a *AuthConfig) GetPrivateKeyPEM() ([]byte, error) {
	if a.PrivateKeyPEM != "" {
		return []byte(a.PrivateKeyPEM), nil
	}
	if a.PrivateKey != "" {
		return os.ReadFile(a.PrivateKey)
	}
	return nil, fmt.Errorf("config: auth.private_key or auth.private_key_pem is required")
}

// RequestTimeout returns the per-connection request deadline.
func (a *AuthConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutMillis) * time.Millisecond
}

// FederationTimeout returns the per-request federation RPC deadline.
func (a *AuthConfig) FederationTimeout() time.Duration {
	return time.Duration(a.FederationTimeoutMillis) * time.Millisecond
}

// ListenerConfig configures the TCP listener entities connect to.
type ListenerConfig struct {
	Address string `yaml:"address"`
}

// FederationConfig configures the mTLS identity this Auth presents when
// fetching session keys from peer Auths.
type FederationConfig struct {
	CA    string `yaml:"ca"`
	CAPEM string `yaml:"ca_pem"`

	Cert    string `yaml:"cert"`
	CertPEM string `yaml:"cert_pem"`
	Key     string `yaml:"key"`
	KeyPEM  string `yaml:"key_pem"`

	RequestsPerSecondPerPeer float64 `yaml:"requests_per_second_per_peer"`
}

// GetCAPEM returns the CA pool PEM used to verify peer Auth server certs.
func (f *FederationConfig) GetCAPEM() ([]byte, error) {
	if f.CAPEM != "" {
		return []byte(f.CAPEM), nil
	}
	if f.CA != "" {
		return os.ReadFile(f.CA)
	}
	return nil, nil
}

// GetCertPEM returns this Auth's federation client certificate PEM.
func (f *FederationConfig) GetCertPEM() ([]byte, error) {
	if f.CertPEM != "" {
		return []byte(f.CertPEM), nil
	}
	if f.Cert != "" {
		return os.ReadFile(f.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns this Auth's federation client private key PEM.
func (f *FederationConfig) GetKeyPEM() ([]byte, error) {
	if f.KeyPEM != "" {
		return []byte(f.KeyPEM), nil
	}
	if f.Key != "" {
		return os.ReadFile(f.Key)
	}
	return nil, nil
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HealthConfig configures the health/metrics HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// EntityConfig describes one registered entity.
type EntityConfig struct {
	Name  string `yaml:"name"`
	Group string `yaml:"group"`

	PublicKey    string `yaml:"public_key"`
	PublicKeyPEM string `yaml:"public_key_pem"`

	DistCipherAlgo        string `yaml:"dist_cipher_algo"`
	DistCipherKeyBits     int    `yaml:"dist_cipher_key_bits"`
	DistHashAlgo          string `yaml:"dist_hash_algo"`
	DistKeyValidityMillis int64  `yaml:"dist_key_validity_millis"`

	MaxSessionKeysPerRequest int `yaml:"max_session_keys_per_request"`

	UsePermanentDistKey bool   `yaml:"use_permanent_dist_key"`
	PermanentDistKeyHex string `yaml:"permanent_dist_key_hex"`
}

// GetPublicKeyPEM returns the entity's RSA public key PEM.
func (e *EntityConfig) GetPublicKeyPEM() ([]byte, error) {
	if e.PublicKeyPEM != "" {
		return []byte(e.PublicKeyPEM), nil
	}
	if e.PublicKey != "" {
		return os.ReadFile(e.PublicKey)
	}
	if e.UsePermanentDistKey {
		return nil, nil
	}
	return nil, fmt.Errorf("config: entity %q has no public_key configured", e.Name)
}

// DistKeyValidity returns the distribution-key lifetime for this entity.
func (e *EntityConfig) DistKeyValidity() time.Duration {
	return time.Duration(e.DistKeyValidityMillis) * time.Millisecond
}

// PeerAuthConfig describes a trusted peer Auth reachable for federation.
type PeerAuthConfig struct {
	ID   int32  `yaml:"id"`
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	ClientCert    string `yaml:"client_cert"`
	ClientCertPEM string `yaml:"client_cert_pem"`
	ClientKey     string `yaml:"client_key"`
	ClientKeyPEM  string `yaml:"client_key_pem"`
}

// GetClientCertPEM returns the TLS client certificate PEM used to
// authenticate to this peer.
func (p *PeerAuthConfig) GetClientCertPEM() ([]byte, error) {
	if p.ClientCertPEM != "" {
		return []byte(p.ClientCertPEM), nil
	}
	if p.ClientCert != "" {
		return os.ReadFile(p.ClientCert)
	}
	return nil, fmt.Errorf("config: peer %d has no client_cert configured", p.ID)
}

// GetClientKeyPEM returns the TLS client private key PEM paired with
// GetClientCertPEM.
func (p *PeerAuthConfig) GetClientKeyPEM() ([]byte, error) {
	if p.ClientKeyPEM != "" {
		return []byte(p.ClientKeyPEM), nil
	}
	if p.ClientKey != "" {
		return os.ReadFile(p.ClientKey)
	}
	return nil, fmt.Errorf("config: peer %d has no client_key configured", p.ID)
}

// PolicyConfig describes one communication policy.
type PolicyConfig struct {
	RequesterGroup string `yaml:"requester_group"`
	TargetKind     string `yaml:"target_kind"` // "group" | "pubTopic" | "subTopic"
	TargetName     string `yaml:"target_name"`

	CipherAlgo    string `yaml:"cipher_algo"`
	CipherKeyBits int    `yaml:"cipher_key_bits"`
	HashAlgo      string `yaml:"hash_algo"`
	KeyBits       int    `yaml:"key_bits"`

	AbsValidityMillis      int64 `yaml:"abs_validity_millis"`
	RelValidityMillis      int64 `yaml:"rel_validity_millis"`
	MaxNumSessionKeyOwners int   `yaml:"max_num_session_key_owners"`
}

// AbsValidity returns the session-key absolute validity window.
func (p *PolicyConfig) AbsValidity() time.Duration {
	return time.Duration(p.AbsValidityMillis) * time.Millisecond
}

// RelValidity returns the session-key relative validity window.
func (p *PolicyConfig) RelValidity() time.Duration {
	return time.Duration(p.RelValidityMillis) * time.Millisecond
}

// Default returns a Config with conservative defaults; callers layer a
// parsed file on top of it.
func Default() *Config {
	return &Config{
		Auth: AuthConfig{
			RequestTimeoutMillis:    5000,
			FederationTimeoutMillis: 5000,
		},
		Listener: ListenerConfig{
			Address: ":21900",
		},
		Federation: FederationConfig{
			RequestsPerSecondPerPeer: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled: true,
			Address: ":21901",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding environment
// variable references first.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default}, or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Auth.ID == 0 {
		return fmt.Errorf("auth.id is required and must be non-zero")
	}
	if c.Auth.PrivateKey == "" && c.Auth.PrivateKeyPEM == "" {
		return fmt.Errorf("auth.private_key or auth.private_key_pem is required")
	}
	if c.Listener.Address == "" {
		return fmt.Errorf("listener.address is required")
	}
	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if !isValidLogFormat(c.Logging.Format) {
		return fmt.Errorf("invalid logging.format: %q", c.Logging.Format)
	}

	seenEntities := make(map[string]bool, len(c.Entities))
	for i, e := range c.Entities {
		if e.Name == "" {
			return fmt.Errorf("entities[%d]: name is required", i)
		}
		if seenEntities[e.Name] {
			return fmt.Errorf("entities[%d]: duplicate entity name %q", i, e.Name)
		}
		seenEntities[e.Name] = true
		if e.Group == "" {
			return fmt.Errorf("entities[%d] (%s): group is required", i, e.Name)
		}
		if !e.UsePermanentDistKey && e.PublicKey == "" && e.PublicKeyPEM == "" {
			return fmt.Errorf("entities[%d] (%s): public_key or public_key_pem is required unless use_permanent_dist_key is set", i, e.Name)
		}
	}

	seenPeers := make(map[int32]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == 0 {
			return fmt.Errorf("peers[%d]: id is required and must be non-zero", i)
		}
		if seenPeers[p.ID] {
			return fmt.Errorf("peers[%d]: duplicate peer auth id %d", i, p.ID)
		}
		seenPeers[p.ID] = true
		if p.Host == "" || p.Port == "" {
			return fmt.Errorf("peers[%d] (id=%d): host and port are required", i, p.ID)
		}
	}

	for i, p := range c.Policies {
		if p.TargetKind != "group" && p.TargetKind != "pubTopic" && p.TargetKind != "subTopic" {
			return fmt.Errorf("policies[%d]: target_kind must be one of group/pubTopic/subTopic, got %q", i, p.TargetKind)
		}
		if p.KeyBits <= 0 {
			return fmt.Errorf("policies[%d]: key_bits must be positive", i)
		}
		if p.MaxNumSessionKeyOwners <= 0 {
			return fmt.Errorf("policies[%d]: max_num_session_key_owners must be positive", i)
		}
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}

// Redacted returns a copy of the config with private key material removed,
// safe to log at startup.
func (c *Config) Redacted() *Config {
	redacted := *c
	redacted.Auth.PrivateKeyPEM = ""
	if redacted.Auth.PrivateKey == "" {
		redacted.Auth.PrivateKey = "<inline>"
	}
	redacted.Federation.KeyPEM = ""
	if redacted.Federation.Key == "" && redacted.Federation.KeyPEM == "" {
		redacted.Federation.Key = "<inline>"
	}

	peers := make([]PeerAuthConfig, len(c.Peers))
	for i, p := range c.Peers {
		peers[i] = p
		peers[i].ClientKeyPEM = ""
		if peers[i].ClientKey == "" {
			peers[i].ClientKey = "<inline>"
		}
	}
	redacted.Peers = peers

	return &redacted
}
