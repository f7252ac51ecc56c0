package shard

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

const sampleConfig = `
development:
  default:
    driver: sqlite
    dsn: file:master.db
  shards:
    gamma:
      driver: sqlite
      dsn: file:gamma.db
    alpha:
      driver: sqlite
      dsn: file:alpha.db
      options:
        max_open_conns: "4"
    beta:
      driver: dynamodb
      database: articles-beta
      options:
        region: eu-west-1

test:
  shards:
    blue:
      driver: badger
      options:
        in_memory: "true"
`

// --- ParseConfig ---

func TestParseConfig_KeepsDeclarationOrder(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig), "development")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if keys := cfg.Keys(); !slices.Equal(keys, []Key{"gamma", "alpha", "beta"}) {
		t.Errorf("expected keys [gamma alpha beta], got %v", keys)
	}
	if cfg.Default == nil {
		t.Fatal("expected a default store")
	}
	if cfg.Default.DSN != "file:master.db" {
		t.Errorf("expected default DSN 'file:master.db', got %q", cfg.Default.DSN)
	}

	alpha, ok := cfg.Get("alpha")
	if !ok {
		t.Fatal("expected alpha to be configured")
	}
	if alpha.Driver != "sqlite" {
		t.Errorf("expected driver 'sqlite', got %q", alpha.Driver)
	}
	if v := alpha.Option("max_open_conns", "0"); v != "4" {
		t.Errorf("expected max_open_conns '4', got %q", v)
	}

	beta, ok := cfg.Get("beta")
	if !ok {
		t.Fatal("expected beta to be configured")
	}
	if beta.Database != "articles-beta" {
		t.Errorf("expected database 'articles-beta', got %q", beta.Database)
	}
	if v := beta.Option("region", ""); v != "eu-west-1" {
		t.Errorf("expected region 'eu-west-1', got %q", v)
	}

	if _, ok := cfg.Get("delta"); ok {
		t.Error("expected delta to be unknown")
	}
}

func TestParseConfig_SectionWithoutDefault(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig), "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Default != nil {
		t.Errorf("expected no default store, got %+v", cfg.Default)
	}
	if keys := cfg.Keys(); !slices.Equal(keys, []Key{"blue"}) {
		t.Errorf("expected keys [blue], got %v", keys)
	}
}

func TestParseConfig_EnvironmentFromVariable(t *testing.T) {
	t.Setenv(EnvVar, "test")
	cfg, err := ParseConfig([]byte(sampleConfig), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keys := cfg.Keys(); !slices.Equal(keys, []Key{"blue"}) {
		t.Errorf("expected keys [blue], got %v", keys)
	}
}

func TestParseConfig_DefaultEnvironment(t *testing.T) {
	t.Setenv(EnvVar, "")
	cfg, err := ParseConfig([]byte(sampleConfig), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keys := cfg.Keys(); !slices.Equal(keys, []Key{"gamma", "alpha", "beta"}) {
		t.Errorf("expected keys [gamma alpha beta], got %v", keys)
	}
}

func TestParseConfig_MissingEnvironment(t *testing.T) {
	_, err := ParseConfig([]byte(sampleConfig), "production")
	if !errors.Is(err, ErrEnvironmentNotFound) {
		t.Errorf("expected ErrEnvironmentNotFound, got %v", err)
	}
}

func TestParseConfig_ExpandsVariables(t *testing.T) {
	t.Setenv("ANCHORAGE_TEST_DSN", "file:expanded.db")
	doc := `
development:
  shards:
    blue:
      driver: sqlite
      dsn: ${ANCHORAGE_TEST_DSN}
`
	cfg, err := ParseConfig([]byte(doc), "development")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	blue, _ := cfg.Get("blue")
	if blue.DSN != "file:expanded.db" {
		t.Errorf("expected DSN 'file:expanded.db', got %q", blue.DSN)
	}
}

func TestParseConfig_KeepsLiteralDollar(t *testing.T) {
	t.Setenv("ANCHORAGE_TEST_USER", "app")
	t.Setenv("w0rd", "leaked")
	t.Setenv("x", "leaked")
	doc := `
development:
  shards:
    blue:
      driver: cassandra
      username: ${ANCHORAGE_TEST_USER}
      password: "pa$$w0rd$x"
      options:
        note: "costs $5 or $ 6"
`
	cfg, err := ParseConfig([]byte(doc), "development")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	blue, _ := cfg.Get("blue")
	if blue.Username != "app" {
		t.Errorf("expected username 'app', got %q", blue.Username)
	}
	if blue.Password != "pa$$w0rd$x" {
		t.Errorf("expected password 'pa$$w0rd$x', got %q", blue.Password)
	}
	if v := blue.Option("note", ""); v != "costs $5 or $ 6" {
		t.Errorf("expected note 'costs $5 or $ 6', got %q", v)
	}
}

func TestParseConfig_UnsetVariableExpandsEmpty(t *testing.T) {
	t.Setenv("ANCHORAGE_TEST_UNSET", "")
	doc := `
development:
  shards:
    blue:
      driver: sqlite
      dsn: "file:${ANCHORAGE_TEST_UNSET}blue.db"
`
	cfg, err := ParseConfig([]byte(doc), "development")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	blue, _ := cfg.Get("blue")
	if blue.DSN != "file:blue.db" {
		t.Errorf("expected DSN 'file:blue.db', got %q", blue.DSN)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "development: [unclosed"},
		{"shards is a list", "development:\n  shards:\n    - blue\n"},
		{"empty driver", "development:\n  shards:\n    blue:\n      dsn: x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tt.doc), "development"); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParseConfig_EmptyDriverIsConfigurationError(t *testing.T) {
	_, err := ParseConfig([]byte("development:\n  shards:\n    blue:\n      dsn: x\n"), "development")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if cfgErr.Key != "blue" {
		t.Errorf("expected key 'blue', got %q", cfgErr.Key)
	}
}

// --- LoadConfig ---

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shards.yml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path, "development")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Shards) != 3 {
		t.Errorf("expected 3 shards, got %d", len(cfg.Shards))
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"), "development")
	if !errors.Is(err, ErrConfigFileNotFound) {
		t.Errorf("expected ErrConfigFileNotFound, got %v", err)
	}
}

// --- validate ---

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", testConfig("blue", "green"), false},
		{"no shards", Config{}, false},
		{"empty key", Config{Shards: ShardList{{ConnectionConfig: ConnectionConfig{Driver: "fake"}}}}, true},
		{"duplicate key", testConfig("blue", "blue"), true},
		{"default without driver", Config{Default: &ConnectionConfig{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestConnectionConfigOption(t *testing.T) {
	cc := ConnectionConfig{Options: map[string]string{"region": "us-east-1", "blank": ""}}
	tests := []struct {
		name     string
		cc       ConnectionConfig
		option   string
		expected string
	}{
		{"set", cc, "region", "us-east-1"},
		{"blank falls back", cc, "blank", "fallback"},
		{"missing falls back", cc, "missing", "fallback"},
		{"nil options", ConnectionConfig{}, "missing", "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cc.Option(tt.option, "fallback"); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}
