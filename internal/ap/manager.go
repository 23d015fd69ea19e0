// Package ap manages the lifecycle of transient access points for a
// device under test: at most one wired and one wireless connection at
// a time, each guaranteed to be reversed before the next bring-up and
// at process shutdown.
package ap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/hwrig/netap/internal/eventlog"
	"github.com/hwrig/netap/internal/nm"
)

// Mode is the connection class a bring-up targets. State is tracked
// independently per mode.
type Mode string

const (
	ModeWired    Mode = "wired"
	ModeWireless Mode = "wireless"
)

// NATMode selects how the provisioned link serves IPv4 to the device
// under test. The zero value is invalid: callers must decide.
type NATMode string

const (
	// NATEnabled shares the upstream connection (NAT plus DHCP).
	NATEnabled NATMode = "shared"
	// NATDisabled assigns link-local addressing only.
	NATDisabled NATMode = "link-local"
)

// NATFromBool maps a config-level boolean onto a NATMode.
func NATFromBool(nat bool) NATMode {
	if nat {
		return NATEnabled
	}
	return NATDisabled
}

func (m NATMode) ipv4Method() (nm.IPv4Method, error) {
	switch m {
	case NATEnabled:
		return nm.IPv4Shared, nil
	case NATDisabled:
		return nm.IPv4LinkLocal, nil
	default:
		return "", fmt.Errorf("%w: NAT mode not set", ErrNotConfigured)
	}
}

// ErrNotConfigured covers missing static configuration and missing
// call-time parameters. It always fails before any bus interaction.
var ErrNotConfigured = errors.New("configuration missing")

// InterfaceConfig is the static per-mode configuration supplied at
// manager construction.
type InterfaceConfig struct {
	Interface string
}

// Options holds the static configuration for both modes. A nil mode
// means bring-ups for that mode fail with ErrNotConfigured.
type Options struct {
	Wired    *InterfaceConfig
	Wireless *InterfaceConfig
}

// WiredParams are the per-call parameters for a wired bring-up.
type WiredParams struct {
	NAT NATMode
}

// WirelessParams are the per-call parameters for a wireless bring-up.
// An empty PSK provisions an open network.
type WirelessParams struct {
	NAT  NATMode
	SSID string
	PSK  string
}

// ConnectionRegistry is the slice of the settings service the manager
// needs. *nm.SettingsClient implements it; tests use fakes.
type ConnectionRegistry interface {
	AddConnection(ctx context.Context, settings nm.ConnectionSettings) (dbus.ObjectPath, error)
	RemoveConnection(ctx context.Context, profile dbus.ObjectPath) error
	ListConnections(ctx context.Context) ([]dbus.ObjectPath, error)
	ConnectionID(ctx context.Context, profile dbus.ObjectPath) (string, error)
}

// DeviceActivator is the slice of the device/activation service the
// manager needs. *nm.DeviceClient implements it.
type DeviceActivator interface {
	DeviceByInterface(ctx context.Context, name string) (dbus.ObjectPath, error)
	Activate(ctx context.Context, profile, device dbus.ObjectPath) (dbus.ObjectPath, error)
	Deactivate(ctx context.Context, active dbus.ObjectPath) error
}

var (
	_ ConnectionRegistry = (*nm.SettingsClient)(nil)
	_ DeviceActivator    = (*nm.DeviceClient)(nil)
)

// ManagerConfig holds the collaborators for creating a Manager.
type ManagerConfig struct {
	Options  Options
	Registry ConnectionRegistry
	Devices  DeviceActivator

	// Events receives lifecycle events; defaults to eventlog.Discard.
	Events eventlog.Log

	// Bus, when set, is closed at the end of Teardown. The manager
	// owns it for the rest of the process lifetime.
	Bus io.Closer
}

// modeState is the per-mode slice of the manager. The mutex serializes
// bring-up and teardown for one mode; the two modes never contend.
type modeState struct {
	mode     Mode
	mu       sync.Mutex
	teardown holder
}

// Manager orchestrates access-point lifecycles. It owns the bus handle
// and one teardown holder per mode.
type Manager struct {
	opts     Options
	registry ConnectionRegistry
	devices  DeviceActivator
	events   eventlog.Log

	bus      io.Closer
	busOnce  sync.Once
	wired    modeState
	wireless modeState
}

// NewManager creates a Manager with the given configuration.
func NewManager(cfg ManagerConfig) *Manager {
	events := cfg.Events
	if events == nil {
		events = eventlog.Discard
	}
	return &Manager{
		opts:     cfg.Options,
		registry: cfg.Registry,
		devices:  cfg.Devices,
		events:   events,
		bus:      cfg.Bus,
		wired:    modeState{mode: ModeWired},
		wireless: modeState{mode: ModeWireless},
	}
}

// AddWired reverses any live wired connection, then creates and
// activates a fresh one on the configured interface. Returns the
// interface name serving the device under test.
func (m *Manager) AddWired(ctx context.Context, params WiredParams) (string, error) {
	cfg := m.opts.Wired
	if cfg == nil {
		return "", fmt.Errorf("%w: wired mode has no interface", ErrNotConfigured)
	}
	method, err := params.NAT.ipv4Method()
	if err != nil {
		return "", fmt.Errorf("wired: %w", err)
	}

	st := &m.wired
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.reverse(ctx, st); err != nil {
		return "", fmt.Errorf("tearing down previous wired connection: %w", err)
	}
	return m.bringUp(ctx, st, cfg.Interface, nm.WiredSettings(method))
}

// AddWireless reverses any live wireless connection, then creates and
// activates a fresh access point on the configured interface.
func (m *Manager) AddWireless(ctx context.Context, params WirelessParams) (string, error) {
	cfg := m.opts.Wireless
	if cfg == nil {
		return "", fmt.Errorf("%w: wireless mode has no interface", ErrNotConfigured)
	}
	if params.SSID == "" {
		return "", fmt.Errorf("%w: wireless SSID not set", ErrNotConfigured)
	}
	method, err := params.NAT.ipv4Method()
	if err != nil {
		return "", fmt.Errorf("wireless: %w", err)
	}

	st := &m.wireless
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.reverse(ctx, st); err != nil {
		return "", fmt.Errorf("tearing down previous wireless connection: %w", err)
	}
	return m.bringUp(ctx, st, cfg.Interface, nm.WirelessSettings(method, params.SSID, params.PSK))
}

// bringUp registers, resolves, and activates. If anything after
// registration fails, the profile is removed best-effort so no orphan
// outlives the call; that cleanup never masks the primary error.
func (m *Manager) bringUp(ctx context.Context, st *modeState, iface string, settings nm.ConnectionSettings) (string, error) {
	profile, err := m.registry.AddConnection(ctx, settings)
	if err != nil {
		return "", err
	}

	device, err := m.devices.DeviceByInterface(ctx, iface)
	if err != nil {
		m.discard(ctx, st.mode, profile)
		return "", err
	}

	active, err := m.devices.Activate(ctx, profile, device)
	if err != nil {
		m.discard(ctx, st.mode, profile)
		return "", err
	}

	st.teardown.register(record{Profile: profile, Active: active})
	eventlog.EmitUp(m.events, string(st.mode), iface, string(profile))
	return iface, nil
}

// discard removes a profile that never reached activation. Failures
// are reported and swallowed.
func (m *Manager) discard(ctx context.Context, mode Mode, profile dbus.ObjectPath) {
	if err := m.registry.RemoveConnection(ctx, profile); err != nil {
		slog.Error("removing orphaned connection profile",
			"mode", mode, "profile", profile, "error", err)
		eventlog.EmitCleanupFailed(m.events, string(mode), string(profile), err)
	}
}

// reverse runs the mode's pending teardown, if any. The holder is
// cleared before the reversal executes, so a failed reversal is
// reported but never retried. Deactivation precedes deletion, as the
// service's dependency rules require; both are attempted.
func (m *Manager) reverse(ctx context.Context, st *modeState) error {
	rec, ok := st.teardown.take()
	if !ok {
		return nil
	}

	var errs []error
	if err := m.devices.Deactivate(ctx, rec.Active); err != nil {
		errs = append(errs, err)
	}
	if err := m.registry.RemoveConnection(ctx, rec.Profile); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		eventlog.EmitTeardownFailed(m.events, string(st.mode), string(rec.Profile), err)
		return err
	}

	eventlog.EmitDown(m.events, string(st.mode), string(rec.Profile))
	return nil
}

// Teardown reverses both modes and releases the bus handle. Reversal
// failures are logged, never returned, so shutdown always completes.
// Safe to call any number of times.
func (m *Manager) Teardown(ctx context.Context) {
	for _, st := range []*modeState{&m.wired, &m.wireless} {
		st.mu.Lock()
		err := m.reverse(ctx, st)
		st.mu.Unlock()
		if err != nil {
			slog.Error("access point teardown failed", "mode", st.mode, "error", err)
		}
	}

	if m.bus != nil {
		m.busOnce.Do(func() {
			if err := m.bus.Close(); err != nil {
				slog.Error("closing bus handle", "error", err)
			}
		})
	}
}

// Sweep deletes profiles left behind by earlier runs, recognized by
// the netap identifier prefix. Deleting a still-active profile makes
// the service deactivate it first, so a plain delete suffices here.
// Returns the number of profiles removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	profiles, err := m.registry.ListConnections(ctx)
	if err != nil {
		return 0, err
	}

	var swept int
	var errs []error
	for _, profile := range profiles {
		id, err := m.registry.ConnectionID(ctx, profile)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !strings.HasPrefix(id, nm.IDPrefix) {
			continue
		}
		if err := m.registry.RemoveConnection(ctx, profile); err != nil {
			errs = append(errs, err)
			continue
		}
		eventlog.EmitSwept(m.events, id, string(profile))
		swept++
	}
	return swept, errors.Join(errs...)
}
