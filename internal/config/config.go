// Package config loads the rig's static harness configuration: which
// host interfaces serve the device under test, and the wireless
// network parameters.
package config

import (
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// DefaultPath is where the config file lives unless NETAP_CONFIG
// points elsewhere.
const DefaultPath = "/etc/netap/config.yaml"

// Config is the on-disk configuration. Each mode section is optional;
// an absent section disables that mode.
type Config struct {
	Wired    *Wired    `json:"wired,omitempty"`
	Wireless *Wireless `json:"wireless,omitempty"`
}

// Wired configures the wired access point.
type Wired struct {
	Interface string `json:"interface"`

	// NAT defaults to true: share the upstream link toward the DUT.
	NAT *bool `json:"nat,omitempty"`
}

// Wireless configures the Wi-Fi access point.
type Wireless struct {
	Interface string `json:"interface"`
	SSID      string `json:"ssid"`

	// PSK is optional; empty provisions an open network.
	PSK string `json:"psk,omitempty"`

	// NAT defaults to true, as for wired.
	NAT *bool `json:"nat,omitempty"`
}

// Path resolves the config file location from the environment.
func Path() string {
	if p := os.Getenv("NETAP_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates raw YAML config bytes.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that each present mode is complete and at least one
// mode is configured.
func (c Config) Validate() error {
	if c.Wired == nil && c.Wireless == nil {
		return errors.New("config: no wired or wireless section")
	}
	if c.Wired != nil && c.Wired.Interface == "" {
		return errors.New("config: wired.interface is required")
	}
	if c.Wireless != nil {
		if c.Wireless.Interface == "" {
			return errors.New("config: wireless.interface is required")
		}
		if c.Wireless.SSID == "" {
			return errors.New("config: wireless.ssid is required")
		}
	}
	return nil
}

// NATEnabled reports the effective NAT setting for the wired section.
func (w *Wired) NATEnabled() bool {
	return w.NAT == nil || *w.NAT
}

// NATEnabled reports the effective NAT setting for the wireless section.
func (w *Wireless) NATEnabled() bool {
	return w.NAT == nil || *w.NAT
}
