package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions returns an error if a config file has overly
// permissive permissions (group/world readable). The config can name an
// authorized_keys allowlist and data directory layout, so treat it like
// the identity record it sits next to.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade deaddrop", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename config into place: %w", err)
	}
	return nil
}

// Validate checks that cfg has the fields required to start a node.
func Validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must contain at least one address")
	}
	if cfg.ContentStore.BaseURL == "" {
		return fmt.Errorf("content_store.base_url is required")
	}
	if cfg.Relay.Enabled && len(cfg.Relay.Addresses) == 0 {
		return fmt.Errorf("relay.addresses must contain at least one address when relay.enabled is true")
	}
	if cfg.Security.EnableConnectionGating && cfg.Security.AuthorizedKeysFile == "" {
		return fmt.Errorf("security.authorized_keys_file is required when connection gating is enabled")
	}
	return nil
}

// FindConfigFile searches for a deaddrop config file in standard
// locations. Search order: explicitPath (if given), ./deaddrop.yaml,
// ~/.config/deaddrop/config.yaml, /etc/deaddrop/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"deaddrop.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "deaddrop", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "deaddrop", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'deaddrop init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns the default deaddrop config directory
// (~/.config/deaddrop).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "deaddrop"), nil
}

// ResolveConfigPaths resolves relative file paths in cfg to be relative to
// the config file's own directory, so a config in ~/.config/deaddrop/ can
// reference an authorized_keys file using a relative path.
func ResolveConfigPaths(cfg *Config, configDir string) {
	if cfg.Security.AuthorizedKeysFile != "" && !filepath.IsAbs(cfg.Security.AuthorizedKeysFile) {
		cfg.Security.AuthorizedKeysFile = filepath.Join(configDir, cfg.Security.AuthorizedKeysFile)
	}
	if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(configDir, cfg.DataDir)
	}
}

// Default returns a Config with sane defaults for a freshly initialized
// node: a local public IPFS-style gateway, TCP+QUIC listening on any port,
// mDNS discovery on, and a 3-of-5 default drop split.
func Default(dataDir string) *Config {
	return &Config{
		Version: CurrentConfigVersion,
		DataDir: dataDir,
		Network: NetworkConfig{
			ListenAddresses: []string{"/ip4/0.0.0.0/tcp/0", "/ip4/0.0.0.0/udp/0/quic-v1"},
		},
		ContentStore: ContentStoreConfig{BaseURL: "http://127.0.0.1:5001/api/v0"},
		Drop:         DropConfig{DefaultThreshold: 3, DefaultShares: 5},
	}
}
