// Package config loads the service's YAML configuration document, the
// way the teacher loads its agent/controller config: a plain struct
// decoded with gopkg.in/yaml.v3 and validated after load.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document for the sync service.
type Config struct {
	Listen       string             `yaml:"listen"`
	LogLevel     string             `yaml:"log_level"`
	Storage      StorageConfig      `yaml:"storage"`
	Replication  ReplicationConfig  `yaml:"replication"`
	Auth         AuthConfig         `yaml:"auth"`
	Sync         SyncConfig         `yaml:"sync"`
}

// StorageConfig describes the persistent storage adapter (spec.md §6).
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "dqlite"
	DSN    string `yaml:"dsn"`
}

// ReplicationConfig describes the upstream replication source.
type ReplicationConfig struct {
	Source string `yaml:"source"` // "mongo", "postgres", "mysql"
	URI    string `yaml:"uri"`
	GroupID string `yaml:"group_id"`
}

// AuthConfig configures the JWT auth key store (component H).
type AuthConfig struct {
	Audience       []string          `yaml:"audience"`
	MaxLifetime    time.Duration     `yaml:"max_lifetime"`
	StaticKeys     []StaticKeyConfig `yaml:"static_keys"`
	JWKSCollectors []JWKSConfig      `yaml:"jwks_collectors"`
	Supabase       *SupabaseConfig   `yaml:"supabase,omitempty"`
}

// StaticKeyConfig is one key given directly in configuration, either as
// a PEM-encoded asymmetric key or (for HMAC algorithms) a raw secret.
type StaticKeyConfig struct {
	KeyID     string `yaml:"kid"`
	Algorithm string `yaml:"alg"`
	PEM       string `yaml:"pem"`
	Secret    string `yaml:"secret"`
}

// JWKSConfig is one remote JWKS endpoint to poll.
type JWKSConfig struct {
	URL           string        `yaml:"url"`
	RefreshPeriod time.Duration `yaml:"refresh_period"`
}

// SupabaseConfig enables the Supabase shared-secret shim collector; its
// presence in the decoded document (a non-nil pointer) is the enable
// switch.
type SupabaseConfig struct {
	ProjectRef string `yaml:"project_ref"`
	JWTSecret  string `yaml:"jwt_secret"`
	Issuer     string `yaml:"issuer"`
}

// SyncConfig tunes the sync stream orchestrator (components E, F, G).
type SyncConfig struct {
	MaxBucketsPerConnection  int `yaml:"max_buckets_per_connection"`
	MaxParameterQueryResults int `yaml:"max_parameter_query_results"`
	MaxActiveConnections     int `yaml:"max_active_connections"`
	PreemptionOpsThreshold   int `yaml:"preemption_ops_threshold"`
	SemaphoreTimeoutSeconds  int `yaml:"semaphore_timeout_seconds"`
	ChecksumCacheCapacity    int `yaml:"checksum_cache_capacity"`
}

// Default returns the configuration defaults named throughout spec.md.
func Default() Config {
	return Config{
		Listen:   ":8080",
		LogLevel: "INFO",
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "file:sync.db",
		},
		Sync: SyncConfig{
			MaxBucketsPerConnection:  1_000_000,
			MaxParameterQueryResults: 10_000,
			MaxActiveConnections:     10,
			PreemptionOpsThreshold:   1000,
			SemaphoreTimeoutSeconds:  30,
			ChecksumCacheCapacity:    10_000,
		},
	}
}

// Load reads and decodes a YAML config file, applying defaults for any
// zero-valued field the document omits.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "opening config file %q", path)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Annotatef(err, "decoding config file %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks that the configuration is self-consistent.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.NotValidf("empty listen address")
	}
	if len(c.Auth.Audience) == 0 {
		return errors.NotValidf("auth.audience must not be empty")
	}
	if c.Sync.MaxActiveConnections <= 0 {
		return errors.NotValidf("sync.max_active_connections must be positive")
	}
	return nil
}
