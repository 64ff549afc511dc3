// Package config provides configuration management for the event store
// node: a YAML file with environment-variable overrides, matching how
// values are expected to be layered in a container deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a node's full configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Schema   SchemaConfig   `yaml:"schema"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// NodeConfig identifies this node and the rest of the cluster it belongs to.
type NodeConfig struct {
	ID      string   `yaml:"id"`
	Cluster []string `yaml:"cluster"` // host:port of every known node, including self
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	RequestTimeoutMS  int    `yaml:"request_timeout_ms"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Type is one of "local", "remote", or "hybrid".
	Type      string          `yaml:"type"`
	DBPath    string          `yaml:"db_path"`
	Cassandra CassandraConfig `yaml:"cassandra"`
	Workers   int             `yaml:"workers"`
	QueueDepth int            `yaml:"queue_depth"`
}

// CassandraConfig represents remote wide-column cluster configuration.
type CassandraConfig struct {
	URI      string `yaml:"uri"`
	Keyspace string `yaml:"keyspace"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SchemaConfig controls schema validation policy.
type SchemaConfig struct {
	ValidationPolicy string `yaml:"validation_policy"` // soft-fail, hard-fail
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// SecurityConfig represents transport and request security.
type SecurityConfig struct {
	TLS       TLSConfig `yaml:"tls"`
	AuthToken string    `yaml:"auth_token"`
}

// TLSConfig represents TLS configuration.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	MinVersion string `yaml:"min_version"`
	ClientAuth string `yaml:"client_auth"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			RequestTimeoutMS: 5000,
		},
		Storage: StorageConfig{
			Type:       "local",
			DBPath:     "./data/events.db",
			Workers:    32,
			QueueDepth: 256,
		},
		Schema: SchemaConfig{
			ValidationPolicy: "soft-fail",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file (optional) and then applies
// environment variable overrides, which always win over the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path is from command-line argument, user-controlled input is expected
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("CLUSTER_NODES"); v != "" {
		c.Node.Cluster = strings.Split(v, ",")
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("REQUEST_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Server.RequestTimeoutMS = ms
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("SCYLLA_URI"); v != "" {
		c.Storage.Cassandra.URI = v
		if c.Storage.Type == "local" {
			c.Storage.Type = "hybrid"
		}
	}
	if v := os.Getenv("SCYLLA_KEYSPACE"); v != "" {
		c.Storage.Cassandra.Keyspace = v
	}
	if v := os.Getenv("AUTH_TOKEN"); v != "" {
		c.Security.AuthToken = v
	}
	if v := os.Getenv("TLS_CERT_PATH"); v != "" {
		c.Security.TLS.CertFile = v
		c.Security.TLS.Enabled = true
	}
	if v := os.Getenv("TLS_KEY_PATH"); v != "" {
		c.Security.TLS.KeyFile = v
	}
	if v := os.Getenv("SCHEMA_VALIDATION_POLICY"); v != "" {
		c.Schema.ValidationPolicy = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Node.ID == "" {
		return fmt.Errorf("node id is required (set NODE_ID or node.id)")
	}

	validStorageTypes := map[string]bool{"local": true, "remote": true, "hybrid": true}
	if !validStorageTypes[c.Storage.Type] {
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}
	if (c.Storage.Type == "remote" || c.Storage.Type == "hybrid") && c.Storage.Cassandra.URI == "" {
		return fmt.Errorf("storage type %q requires storage.cassandra.uri (or SCYLLA_URI)", c.Storage.Type)
	}

	validPolicies := map[string]bool{"soft-fail": true, "hard-fail": true}
	if !validPolicies[c.Schema.ValidationPolicy] {
		return fmt.Errorf("invalid schema validation policy: %s", c.Schema.ValidationPolicy)
	}
	return nil
}

// Address returns the server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RequestTimeout returns the configured per-request timeout as a Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutMS) * time.Millisecond
}
