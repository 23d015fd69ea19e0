package nm

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	busName = "org.freedesktop.NetworkManager"

	managerPath  = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	settingsPath = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")

	managerIface    = "org.freedesktop.NetworkManager"
	settingsIface   = "org.freedesktop.NetworkManager.Settings"
	connectionIface = "org.freedesktop.NetworkManager.Settings.Connection"

	propertiesIface = "org.freedesktop.DBus.Properties"
	localIface      = "org.freedesktop.DBus.Local"
)

// Bus is a managed handle to the system message bus, shared by the
// NetworkManager clients for the lifetime of the process.
type Bus struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
}

// ConnectSystem opens a private connection to the system bus and
// completes the authentication handshake.
func ConnectSystem() (*Bus, error) {
	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticating on system bus: %w", err)
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registering on system bus: %w", err)
	}

	b := &Bus{
		conn:    conn,
		signals: make(chan *dbus.Signal, 16),
	}
	conn.Signal(b.signals)
	go b.watch()

	return b, nil
}

// watch logs transport-level failures. They are surfaced here rather
// than thrown into in-flight calls; the channel is closed when the
// connection shuts down.
func (b *Bus) watch() {
	for sig := range b.signals {
		if sig.Name == localIface+".Disconnected" {
			slog.Warn("system bus connection lost")
		}
	}
}

// Close releases the bus handle. Safe to call more than once; the
// second close reports the underlying transport error, which callers
// during shutdown may ignore.
func (b *Bus) Close() error {
	return b.conn.Close()
}

// manager returns the NetworkManager root object.
func (b *Bus) manager() dbus.BusObject {
	return b.conn.Object(busName, managerPath)
}

// settings returns the settings service object.
func (b *Bus) settings() dbus.BusObject {
	return b.conn.Object(busName, settingsPath)
}

// object returns an arbitrary object on the NetworkManager service.
func (b *Bus) object(path dbus.ObjectPath) dbus.BusObject {
	return b.conn.Object(busName, path)
}
