package nm

import "errors"

// Error taxonomy for the NetworkManager boundary. Callers match with
// errors.Is; the wrapped cause carries the D-Bus detail.
var (
	// ErrRegistration means the settings service rejected a new profile.
	ErrRegistration = errors.New("connection registration rejected")

	// ErrActivation means NetworkManager refused to activate a profile
	// on a device (device busy, incompatible settings, ...).
	ErrActivation = errors.New("connection activation rejected")

	// ErrDeviceNotFound means no host device backs the interface name.
	ErrDeviceNotFound = errors.New("network device not found")
)
