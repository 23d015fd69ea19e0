package nm

import (
	"context"
	"fmt"
	"slices"

	"github.com/godbus/dbus/v5"
)

// SettingsClient wraps the settings half of the NetworkManager service:
// registering, enumerating, and deleting connection profiles.
type SettingsClient struct {
	bus *Bus
}

// NewSettingsClient creates a SettingsClient on the given bus handle.
func NewSettingsClient(bus *Bus) *SettingsClient {
	return &SettingsClient{bus: bus}
}

// AddConnection registers an unsaved profile with the service. The
// profile lives in NetworkManager's memory only and is never written
// to disk.
func (c *SettingsClient) AddConnection(ctx context.Context, settings ConnectionSettings) (dbus.ObjectPath, error) {
	var profile dbus.ObjectPath
	err := c.bus.settings().
		CallWithContext(ctx, settingsIface+".AddConnectionUnsaved", 0, settings).
		Store(&profile)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrRegistration, settings.ID(), err)
	}
	return profile, nil
}

// ListConnections enumerates all profiles known to the service.
func (c *SettingsClient) ListConnections(ctx context.Context) ([]dbus.ObjectPath, error) {
	var profiles []dbus.ObjectPath
	err := c.bus.settings().
		CallWithContext(ctx, settingsIface+".ListConnections", 0).
		Store(&profiles)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	return profiles, nil
}

// ConnectionID reads back the human-readable identifier of a profile.
func (c *SettingsClient) ConnectionID(ctx context.Context, profile dbus.ObjectPath) (string, error) {
	var settings ConnectionSettings
	err := c.bus.object(profile).
		CallWithContext(ctx, connectionIface+".GetSettings", 0).
		Store(&settings)
	if err != nil {
		return "", fmt.Errorf("reading settings of %s: %w", profile, err)
	}
	return settings.ID(), nil
}

// RemoveConnection deletes a profile if the service still knows it.
// A reference to an already-deleted profile is a silent no-op, which
// keeps teardown safe to repeat after partial failures.
func (c *SettingsClient) RemoveConnection(ctx context.Context, profile dbus.ObjectPath) error {
	known, err := c.ListConnections(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(known, profile) {
		return nil
	}
	err = c.bus.object(profile).
		CallWithContext(ctx, connectionIface+".Delete", 0).
		Err
	if err != nil {
		return fmt.Errorf("deleting connection %s: %w", profile, err)
	}
	return nil
}
