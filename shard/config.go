package shard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

const (
	// EnvVar selects the config section when LoadConfig is called with an empty env.
	EnvVar = "ANCHORAGE_ENV"

	// DefaultEnv is used when neither an env argument nor EnvVar is set.
	DefaultEnv = "development"
)

// ConnectionConfig holds the connection parameters of one store.
type ConnectionConfig struct {
	// Driver names the Opener registered with the Registry (e.g., "sqlite", "badger", "dynamodb").
	Driver string `yaml:"driver"`

	// DSN is the driver-specific data source name or path.
	DSN string `yaml:"dsn"`

	// Address is the host:port (or comma-separated hosts) for networked stores.
	Address string `yaml:"address"`

	// Database is the database, keyspace or table namespace to use.
	Database string `yaml:"database"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Options carries driver-specific settings (region, profile, endpoint, in_memory, ...).
	Options map[string]string `yaml:"options"`
}

// Option returns the named driver option, or fallback when unset.
func (c ConnectionConfig) Option(name, fallback string) string {
	if v, ok := c.Options[name]; ok && v != "" {
		return v
	}
	return fallback
}

// envRef matches ${VAR} references. Bare $ text is left untouched.
var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces every ${VAR} in data with the value of VAR.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

// ShardConfig is one configured shard.
type ShardConfig struct {
	Key Key
	ConnectionConfig
}

// ShardList is a list of shards in declaration order.
// In YAML it is written as a mapping from key to connection config.
type ShardList []ShardConfig

// UnmarshalYAML decodes a mapping node while keeping the key order of the document.
func (l *ShardList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("shards: expected a mapping at line %d", node.Line)
	}
	out := make(ShardList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key string
		if err := node.Content[i].Decode(&key); err != nil {
			return fmt.Errorf("shards: decode key at line %d: %w", node.Content[i].Line, err)
		}
		var cc ConnectionConfig
		if err := node.Content[i+1].Decode(&cc); err != nil {
			return fmt.Errorf("shards: decode %q: %w", key, err)
		}
		out = append(out, ShardConfig{Key: Key(key), ConnectionConfig: cc})
	}
	*l = out
	return nil
}

// Config holds the stores known to a Registry.
type Config struct {
	// Default is the non-sharded master store. Optional; required by FullTransaction.
	Default *ConnectionConfig `yaml:"default"`

	// Shards lists every shard. Order defines the default order of all-shard operations.
	Shards ShardList `yaml:"shards"`
}

// Keys returns the configured shard keys in declaration order.
func (c Config) Keys() []Key {
	keys := make([]Key, len(c.Shards))
	for i, s := range c.Shards {
		keys[i] = s.Key
	}
	return keys
}

// Get returns the connection config for key.
func (c Config) Get(key Key) (ConnectionConfig, bool) {
	for _, s := range c.Shards {
		if s.Key == key {
			return s.ConnectionConfig, true
		}
	}
	return ConnectionConfig{}, false
}

// validate ensures keys are non-empty and unique and every entry names a driver.
func (c *Config) validate() error {
	seen := make(map[Key]struct{}, len(c.Shards))
	for i, s := range c.Shards {
		if s.Key == "" {
			return fmt.Errorf("anchorage: shard #%d has an empty key", i)
		}
		if _, dup := seen[s.Key]; dup {
			return fmt.Errorf("anchorage: duplicate shard key %q", string(s.Key))
		}
		seen[s.Key] = struct{}{}
		if s.Driver == "" {
			return &ConfigurationError{Key: s.Key, Reason: errors.New("driver is empty")}
		}
	}
	if c.Default != nil && c.Default.Driver == "" {
		return &ConfigurationError{Key: defaultKey, Reason: errors.New("driver is empty")}
	}
	return nil
}

// ParseConfig decodes an environment-keyed YAML document and returns the section for env.
// ${VAR} references are expanded from the process environment before decoding;
// any other $ is kept literally.
func ParseConfig(data []byte, env string) (Config, error) {
	if env == "" {
		env = os.Getenv(EnvVar)
	}
	if env == "" {
		env = DefaultEnv
	}

	var file map[string]Config
	if err := yaml.Unmarshal(expandEnv(data), &file); err != nil {
		return Config{}, fmt.Errorf("anchorage: parse config: %w", err)
	}
	cfg, ok := file[env]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrEnvironmentNotFound, env)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads the config file at path and returns the section for env.
func LoadConfig(path, env string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("anchorage: read config: %w", err)
	}
	return ParseConfig(data, env)
}
