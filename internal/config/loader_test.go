package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, yamlBody string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
version: 1
data_dir: /tmp/deaddrop-data
network:
  listen_addresses:
    - /ip4/0.0.0.0/tcp/0
content_store:
  base_url: http://127.0.0.1:5001/api/v0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/deaddrop-data" {
		t.Errorf("got DataDir %q", cfg.DataDir)
	}
	if cfg.ContentStore.BaseURL != "http://127.0.0.1:5001/api/v0" {
		t.Errorf("got BaseURL %q", cfg.ContentStore.BaseURL)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "version: 99\n")

	_, err := Load(path)
	if !errors.Is(err, ErrConfigVersionTooNew) {
		t.Fatalf("got %v, want ErrConfigVersionTooNew", err)
	}
}

func TestLoadRejectsWorldReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("version: 1\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for world-readable config file")
	}
}

func TestValidateMissingFields(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing data dir", Config{Network: NetworkConfig{ListenAddresses: []string{"x"}}, ContentStore: ContentStoreConfig{BaseURL: "y"}}},
		{"missing listen addresses", Config{DataDir: "d", ContentStore: ContentStoreConfig{BaseURL: "y"}}},
		{"missing content store", Config{DataDir: "d", Network: NetworkConfig{ListenAddresses: []string{"x"}}}},
		{"relay enabled without addresses", Config{DataDir: "d", Network: NetworkConfig{ListenAddresses: []string{"x"}}, ContentStore: ContentStoreConfig{BaseURL: "y"}, Relay: RelayConfig{Enabled: true}}},
		{"gating without authorized keys", Config{DataDir: "d", Network: NetworkConfig{ListenAddresses: []string{"x"}}, ContentStore: ContentStoreConfig{BaseURL: "y"}, Security: SecurityConfig{EnableConnectionGating: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(&tc.cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := Default(filepath.Join(dir, "data"))

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("got perm %o, want 0600", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ContentStore.BaseURL != cfg.ContentStore.BaseURL {
		t.Errorf("got %q, want %q", loaded.ContentStore.BaseURL, cfg.ContentStore.BaseURL)
	}
	if loaded.Drop.DefaultThreshold != cfg.Drop.DefaultThreshold {
		t.Errorf("got threshold %d, want %d", loaded.Drop.DefaultThreshold, cfg.Drop.DefaultThreshold)
	}
}

func TestFindConfigFileExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "version: 1\n")

	got, err := FindConfigFile(path)
	if err != nil {
		t.Fatalf("FindConfigFile: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestFindConfigFileMissingExplicitPath(t *testing.T) {
	_, err := FindConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("got %v, want ErrConfigNotFound", err)
	}
}

func TestResolveConfigPaths(t *testing.T) {
	cfg := &Config{
		DataDir:  "data",
		Security: SecurityConfig{AuthorizedKeysFile: "authorized_keys"},
	}
	ResolveConfigPaths(cfg, "/home/user/.config/deaddrop")

	if cfg.DataDir != filepath.Join("/home/user/.config/deaddrop", "data") {
		t.Errorf("got DataDir %q", cfg.DataDir)
	}
	if cfg.Security.AuthorizedKeysFile != filepath.Join("/home/user/.config/deaddrop", "authorized_keys") {
		t.Errorf("got AuthorizedKeysFile %q", cfg.Security.AuthorizedKeysFile)
	}
}
