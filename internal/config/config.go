// Package config resolves where felund keeps its state and how the current
// run is tuned. Resolution order: environment variables, then the optional
// config.yaml inside the state directory, then the values recorded in the
// state snapshot. The snapshot stays the durable record; config.yaml only
// overrides the current run.
package config

// CurrentConfigVersion is the latest config.yaml schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// FileName is the tuning file looked up inside the state directory.
const FileName = "config.yaml"

// File is the config.yaml schema. Every field is optional; zero values mean
// "use the snapshot value" (or the built-in default where no snapshot field
// exists).
type File struct {
	Version    int               `yaml:"version,omitempty"`
	Network    NetworkSection    `yaml:"network,omitempty"`
	Rendezvous RendezvousSection `yaml:"rendezvous,omitempty"`
	Discovery  DiscoverySection  `yaml:"discovery,omitempty"`
	Metrics    MetricsSection    `yaml:"metrics,omitempty"`
}

// NetworkSection overrides the gossip listener endpoint.
type NetworkSection struct {
	Bind string `yaml:"bind,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// RendezvousSection points at a rendezvous server. FELUND_API_BASE wins
// over this when set.
type RendezvousSection struct {
	BaseURL string `yaml:"base_url,omitempty"`
}

// DiscoverySection tunes LAN discovery. MDNS is a pointer so an absent key
// keeps the default (enabled) while an explicit false turns it off.
type DiscoverySection struct {
	MDNS *bool `yaml:"mdns,omitempty"`
}

// MetricsSection exposes the prometheus endpoint. Empty listen address
// keeps metrics in-process only.
type MetricsSection struct {
	Listen string `yaml:"listen,omitempty"`
}

// MDNSEnabled reports whether LAN discovery should run.
func (f *File) MDNSEnabled() bool {
	if f.Discovery.MDNS == nil {
		return true
	}
	return *f.Discovery.MDNS
}
