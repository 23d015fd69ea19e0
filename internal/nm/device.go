package nm

import (
	"context"
	"fmt"
	"slices"

	"github.com/godbus/dbus/v5"
)

// DeviceClient wraps the device and activation half of the
// NetworkManager service.
type DeviceClient struct {
	bus *Bus
}

// NewDeviceClient creates a DeviceClient on the given bus handle.
func NewDeviceClient(bus *Bus) *DeviceClient {
	return &DeviceClient{bus: bus}
}

// DeviceByInterface resolves an interface name to a device reference.
func (c *DeviceClient) DeviceByInterface(ctx context.Context, name string) (dbus.ObjectPath, error) {
	var device dbus.ObjectPath
	err := c.bus.manager().
		CallWithContext(ctx, managerIface+".GetDeviceByIpIface", 0, name).
		Store(&device)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrDeviceNotFound, name, err)
	}
	return device, nil
}

// Activate activates a registered profile on a device and returns the
// reference to the resulting active connection.
func (c *DeviceClient) Activate(ctx context.Context, profile, device dbus.ObjectPath) (dbus.ObjectPath, error) {
	var active dbus.ObjectPath
	err := c.bus.manager().
		CallWithContext(ctx, managerIface+".ActivateConnection", 0,
			profile, device, dbus.ObjectPath("/")).
		Store(&active)
	if err != nil {
		return "", fmt.Errorf("%w: %s on %s: %w", ErrActivation, profile, device, err)
	}
	return active, nil
}

// ActiveConnections enumerates the currently active connections.
func (c *DeviceClient) ActiveConnections(ctx context.Context) ([]dbus.ObjectPath, error) {
	var value dbus.Variant
	err := c.bus.manager().
		CallWithContext(ctx, propertiesIface+".Get", 0, managerIface, "ActiveConnections").
		Store(&value)
	if err != nil {
		return nil, fmt.Errorf("listing active connections: %w", err)
	}
	active, ok := value.Value().([]dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("listing active connections: unexpected type %T", value.Value())
	}
	return active, nil
}

// Deactivate deactivates an active connection if it is still live.
// References that already went away are a silent no-op, mirroring
// SettingsClient.RemoveConnection.
func (c *DeviceClient) Deactivate(ctx context.Context, active dbus.ObjectPath) error {
	live, err := c.ActiveConnections(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(live, active) {
		return nil
	}
	err = c.bus.manager().
		CallWithContext(ctx, managerIface+".DeactivateConnection", 0, active).
		Err
	if err != nil {
		return fmt.Errorf("deactivating connection %s: %w", active, err)
	}
	return nil
}
