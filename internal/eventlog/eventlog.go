// Package eventlog records the lifecycle of provisioned access points
// as structured events. The default sink is systemd-journald so the
// rig's history survives the harness process; without journald the
// events go to stderr.
package eventlog

import "maps"

// Log is the sink for lifecycle events.
type Log interface {
	// Emit writes one structured entry.
	Emit(message string, fields map[string]string) error

	// Close releases any resources held by the sink.
	Close() error
}

// Event kinds.
const (
	EventUp             = "ap-up"
	EventDown           = "ap-down"
	EventTeardownFailed = "teardown-failed"
	EventCleanupFailed  = "cleanup-failed"
	EventSwept          = "swept"
)

// Field names attached to netap events.
const (
	FieldEvent     = "NETAP_EVENT"
	FieldMode      = "NETAP_MODE"
	FieldInterface = "NETAP_IFACE"
	FieldProfile   = "NETAP_PROFILE"
	FieldError     = "NETAP_ERROR"
)

// EmitUp records a successful bring-up of an access point.
func EmitUp(log Log, mode, iface, profile string) error {
	return log.Emit("Access point up", map[string]string{
		FieldEvent:     EventUp,
		FieldMode:      mode,
		FieldInterface: iface,
		FieldProfile:   profile,
	})
}

// EmitDown records a completed reversal for a mode.
func EmitDown(log Log, mode, profile string) error {
	return log.Emit("Access point down", map[string]string{
		FieldEvent:   EventDown,
		FieldMode:    mode,
		FieldProfile: profile,
	})
}

// EmitTeardownFailed records a reversal that did not fully succeed.
func EmitTeardownFailed(log Log, mode, profile string, cause error) error {
	return log.Emit("Access point teardown failed", map[string]string{
		FieldEvent:   EventTeardownFailed,
		FieldMode:    mode,
		FieldProfile: profile,
		FieldError:   cause.Error(),
	})
}

// EmitCleanupFailed records a failed best-effort removal of a profile
// that never reached activation.
func EmitCleanupFailed(log Log, mode, profile string, cause error) error {
	return log.Emit("Orphaned profile cleanup failed", map[string]string{
		FieldEvent:   EventCleanupFailed,
		FieldMode:    mode,
		FieldProfile: profile,
		FieldError:   cause.Error(),
	})
}

// EmitSwept records removal of a profile leaked by an earlier run.
func EmitSwept(log Log, id, profile string) error {
	return log.Emit("Stale profile swept", map[string]string{
		FieldEvent:   EventSwept,
		FieldProfile: profile,
		"NETAP_ID":   id,
	})
}

// Discard is a Log that drops every event.
var Discard Log = discard{}

type discard struct{}

func (discard) Emit(string, map[string]string) error { return nil }
func (discard) Close() error                         { return nil }

func cloneFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	maps.Copy(out, fields)
	return out
}
