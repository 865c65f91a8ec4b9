package config

import (
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is the unified on-disk configuration for a deaddrop node: where
// its identity and drop working files live, how its libp2p host listens
// and relays, and which content-addressed store backs its drops.
type Config struct {
	Version     int               `yaml:"version,omitempty"`
	DataDir     string            `yaml:"data_dir"`
	Network     NetworkConfig     `yaml:"network"`
	Relay       RelayConfig       `yaml:"relay,omitempty"`
	Discovery   DiscoveryConfig   `yaml:"discovery,omitempty"`
	Security    SecurityConfig    `yaml:"security,omitempty"`
	ContentStore ContentStoreConfig `yaml:"content_store"`
	Drop        DropConfig        `yaml:"drop,omitempty"`
	Telemetry   TelemetryConfig   `yaml:"telemetry,omitempty"`
}

// NetworkConfig holds libp2p listen/transport configuration.
type NetworkConfig struct {
	ListenAddresses          []string `yaml:"listen_addresses"`
	ForcePrivateReachability bool     `yaml:"force_private_reachability,omitempty"`
}

// RelayConfig holds circuit-relay configuration used when direct
// connectivity or hole punching fails.
type RelayConfig struct {
	Enabled            bool     `yaml:"enabled,omitempty"`
	Addresses          []string `yaml:"addresses,omitempty"`
	EnableHolePunching bool     `yaml:"enable_hole_punching,omitempty"`
	EnableNATPortMap   bool     `yaml:"enable_nat_port_map,omitempty"`
}

// DiscoveryConfig controls how a node finds ghost-mode peers.
type DiscoveryConfig struct {
	MDNSEnabled *bool `yaml:"mdns_enabled,omitempty"` // LAN discovery; default true
}

// IsMDNSEnabled reports whether LAN mDNS discovery is enabled, defaulting
// to true when unset.
func (d *DiscoveryConfig) IsMDNSEnabled() bool {
	if d.MDNSEnabled == nil {
		return true
	}
	return *d.MDNSEnabled
}

// SecurityConfig holds optional connection-gating settings. Gossip is open
// by default; setting EnableConnectionGating restricts direct connections
// to an authorized-keys allowlist.
type SecurityConfig struct {
	AuthorizedKeysFile     string `yaml:"authorized_keys_file,omitempty"`
	EnableConnectionGating bool   `yaml:"enable_connection_gating,omitempty"`
}

// ContentStoreConfig points at the content-addressed storage backend drops
// are uploaded to and fetched from.
type ContentStoreConfig struct {
	BaseURL string `yaml:"base_url"`
}

// DropConfig holds defaults applied when a drop command omits explicit
// threshold/share-count flags.
type DropConfig struct {
	DefaultThreshold int `yaml:"default_threshold,omitempty"`
	DefaultShares    int `yaml:"default_shares,omitempty"`
}

// TelemetryConfig controls observability endpoints. Disabled by default.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"` // default: "127.0.0.1:9091"
}

// ReservationInterval is how often the relay client refreshes a reservation.
// Kept as a package constant rather than a config field: the reference
// client never needed to tune it per deployment.
const ReservationInterval = 30 * time.Minute
