package ap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/hwrig/netap/internal/eventlog"
	"github.com/hwrig/netap/internal/nm"
	"github.com/hwrig/netap/internal/shutdown"
)

// fakeRegistry implements ConnectionRegistry in memory with call
// counting, mirroring the real client's silent-no-op removal.
type fakeRegistry struct {
	mu          sync.Mutex
	addCalls    int
	removeCalls int
	nextProfile int
	profiles    map[dbus.ObjectPath]nm.ConnectionSettings

	addErr    error
	removeErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{profiles: make(map[dbus.ObjectPath]nm.ConnectionSettings)}
}

func (f *fakeRegistry) AddConnection(_ context.Context, settings nm.ConnectionSettings) (dbus.ObjectPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.addErr != nil {
		return "", f.addErr
	}
	f.nextProfile++
	profile := dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/NetworkManager/Settings/%d", f.nextProfile))
	f.profiles[profile] = settings
	return profile, nil
}

func (f *fakeRegistry) RemoveConnection(_ context.Context, profile dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.profiles, profile)
	return nil
}

func (f *fakeRegistry) ListConnections(context.Context) ([]dbus.ObjectPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dbus.ObjectPath
	for profile := range f.profiles {
		out = append(out, profile)
	}
	return out, nil
}

func (f *fakeRegistry) ConnectionID(_ context.Context, profile dbus.ObjectPath) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	settings, ok := f.profiles[profile]
	if !ok {
		return "", fmt.Errorf("unknown profile %s", profile)
	}
	return settings.ID(), nil
}

func (f *fakeRegistry) count(profile dbus.ObjectPath) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.profiles[profile]
	return ok
}

// fakeActivator implements DeviceActivator with one known device per
// registered interface name.
type fakeActivator struct {
	mu              sync.Mutex
	deviceCalls     int
	activateCalls   int
	deactivateCalls int
	nextActive      int
	devices         map[string]dbus.ObjectPath
	active          map[dbus.ObjectPath]dbus.ObjectPath // active ref -> profile

	activateErr   error
	deactivateErr error
}

func newFakeActivator(ifaces ...string) *fakeActivator {
	devices := make(map[string]dbus.ObjectPath, len(ifaces))
	for i, name := range ifaces {
		devices[name] = dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/NetworkManager/Devices/%d", i+1))
	}
	return &fakeActivator{
		devices: devices,
		active:  make(map[dbus.ObjectPath]dbus.ObjectPath),
	}
}

func (f *fakeActivator) DeviceByInterface(_ context.Context, name string) (dbus.ObjectPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceCalls++
	device, ok := f.devices[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", nm.ErrDeviceNotFound, name)
	}
	return device, nil
}

func (f *fakeActivator) Activate(_ context.Context, profile, _ dbus.ObjectPath) (dbus.ObjectPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activateCalls++
	if f.activateErr != nil {
		return "", f.activateErr
	}
	f.nextActive++
	active := dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/NetworkManager/ActiveConnection/%d", f.nextActive))
	f.active[active] = profile
	return active, nil
}

func (f *fakeActivator) Deactivate(_ context.Context, active dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivateCalls++
	if f.deactivateErr != nil {
		return f.deactivateErr
	}
	delete(f.active, active)
	return nil
}

func (f *fakeActivator) activeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

func testOptions() Options {
	return Options{
		Wired:    &InterfaceConfig{Interface: "eth1"},
		Wireless: &InterfaceConfig{Interface: "wlan0"},
	}
}

func newTestManager(opts Options) (*Manager, *fakeRegistry, *fakeActivator, *eventlog.FakeLog) {
	registry := newFakeRegistry()
	devices := newFakeActivator("eth1", "wlan0")
	events := eventlog.NewFakeLog()
	mgr := NewManager(ManagerConfig{
		Options:  opts,
		Registry: registry,
		Devices:  devices,
		Events:   events,
	})
	return mgr, registry, devices, events
}

func TestAddWired_MissingNATFailsFast(t *testing.T) {
	mgr, registry, devices, _ := newTestManager(testOptions())

	_, err := mgr.AddWired(context.Background(), WiredParams{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if registry.addCalls != 0 || devices.deviceCalls != 0 || devices.activateCalls != 0 {
		t.Errorf("bus clients were called before validation: add=%d device=%d activate=%d",
			registry.addCalls, devices.deviceCalls, devices.activateCalls)
	}
}

func TestAddWired_ModeAbsentFromOptions(t *testing.T) {
	mgr, registry, _, _ := newTestManager(Options{
		Wireless: &InterfaceConfig{Interface: "wlan0"},
	})

	_, err := mgr.AddWired(context.Background(), WiredParams{NAT: NATEnabled})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if got := err.Error(); !strings.Contains(got, "wired") {
		t.Errorf("error %q does not name the wired mode", got)
	}
	if registry.addCalls != 0 {
		t.Errorf("registry called %d times despite missing configuration", registry.addCalls)
	}
}

func TestAddWireless_MissingSSIDFailsFast(t *testing.T) {
	mgr, registry, _, _ := newTestManager(testOptions())

	_, err := mgr.AddWireless(context.Background(), WirelessParams{NAT: NATEnabled})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if registry.addCalls != 0 {
		t.Errorf("registry called despite missing SSID")
	}
}

func TestAddWired_ReturnsInterfaceName(t *testing.T) {
	mgr, registry, devices, events := newTestManager(testOptions())

	iface, err := mgr.AddWired(context.Background(), WiredParams{NAT: NATEnabled})
	if err != nil {
		t.Fatalf("AddWired: %v", err)
	}
	if iface != "eth1" {
		t.Errorf("iface = %q, want eth1", iface)
	}
	if devices.activeCount() != 1 {
		t.Errorf("active connections = %d, want 1", devices.activeCount())
	}
	if registry.addCalls != 1 {
		t.Errorf("addCalls = %d, want 1", registry.addCalls)
	}
	if got := events.ByEvent(eventlog.EventUp); len(got) != 1 {
		t.Errorf("ap-up events = %d, want 1", len(got))
	}
}

func TestAddWired_AtMostOneActive(t *testing.T) {
	mgr, registry, devices, _ := newTestManager(testOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := mgr.AddWired(ctx, WiredParams{NAT: NATEnabled}); err != nil {
			t.Fatalf("AddWired #%d: %v", i+1, err)
		}
		if devices.activeCount() != 1 {
			t.Fatalf("after call %d: active connections = %d, want 1", i+1, devices.activeCount())
		}
	}

	// Two reversals happened: each replaced connection was deactivated
	// and its profile deleted.
	if devices.deactivateCalls != 2 {
		t.Errorf("deactivateCalls = %d, want 2", devices.deactivateCalls)
	}
	registry.mu.Lock()
	remaining := len(registry.profiles)
	registry.mu.Unlock()
	if remaining != 1 {
		t.Errorf("stored profiles = %d, want 1", remaining)
	}
}

func TestModesAreIndependent(t *testing.T) {
	mgr, _, devices, _ := newTestManager(testOptions())
	ctx := context.Background()

	if _, err := mgr.AddWired(ctx, WiredParams{NAT: NATEnabled}); err != nil {
		t.Fatalf("AddWired: %v", err)
	}
	if _, err := mgr.AddWireless(ctx, WirelessParams{NAT: NATEnabled, SSID: "rig"}); err != nil {
		t.Fatalf("AddWireless: %v", err)
	}
	if devices.activeCount() != 2 {
		t.Errorf("active connections = %d, want one per mode", devices.activeCount())
	}
	if devices.deactivateCalls != 0 {
		t.Errorf("deactivateCalls = %d; a wireless bring-up must not touch wired state", devices.deactivateCalls)
	}
}

func TestAddWired_ActivationFailureCleansProfile(t *testing.T) {
	mgr, registry, devices, _ := newTestManager(testOptions())
	devices.activateErr = fmt.Errorf("%w: device busy", nm.ErrActivation)

	_, err := mgr.AddWired(context.Background(), WiredParams{NAT: NATEnabled})
	if !errors.Is(err, nm.ErrActivation) {
		t.Fatalf("err = %v, want ErrActivation", err)
	}

	registry.mu.Lock()
	orphans := len(registry.profiles)
	registry.mu.Unlock()
	if orphans != 0 {
		t.Errorf("orphaned profiles = %d, want 0", orphans)
	}

	// The mode stayed idle: teardown performs no reversal calls.
	before := devices.deactivateCalls
	mgr.Teardown(context.Background())
	if devices.deactivateCalls != before {
		t.Errorf("teardown after failed bring-up performed reversal calls")
	}
}

func TestAddWired_CleanupFailureKeepsPrimaryError(t *testing.T) {
	mgr, registry, devices, events := newTestManager(testOptions())
	devices.activateErr = fmt.Errorf("%w: device busy", nm.ErrActivation)
	registry.removeErr = errors.New("service went away")

	_, err := mgr.AddWired(context.Background(), WiredParams{NAT: NATEnabled})
	if !errors.Is(err, nm.ErrActivation) {
		t.Fatalf("err = %v, want the activation error, not the cleanup error", err)
	}
	if got := events.ByEvent(eventlog.EventCleanupFailed); len(got) != 1 {
		t.Errorf("cleanup-failed events = %d, want 1", len(got))
	}
}

func TestAddWired_DeviceNotFoundCleansProfile(t *testing.T) {
	mgr, registry, _, _ := newTestManager(Options{
		Wired: &InterfaceConfig{Interface: "eth7"},
	})

	_, err := mgr.AddWired(context.Background(), WiredParams{NAT: NATEnabled})
	if !errors.Is(err, nm.ErrDeviceNotFound) {
		t.Fatalf("err = %v, want ErrDeviceNotFound", err)
	}
	registry.mu.Lock()
	orphans := len(registry.profiles)
	registry.mu.Unlock()
	if orphans != 0 {
		t.Errorf("orphaned profiles = %d, want 0", orphans)
	}
}

func TestTeardown_Idempotent(t *testing.T) {
	mgr, registry, devices, _ := newTestManager(testOptions())
	ctx := context.Background()

	if _, err := mgr.AddWired(ctx, WiredParams{NAT: NATEnabled}); err != nil {
		t.Fatalf("AddWired: %v", err)
	}

	mgr.Teardown(ctx)
	if devices.activeCount() != 0 {
		t.Fatalf("active connections after teardown = %d, want 0", devices.activeCount())
	}
	deactivations := devices.deactivateCalls
	removals := registry.removeCalls

	// Second teardown performs no duplicate reversal calls.
	mgr.Teardown(ctx)
	if devices.deactivateCalls != deactivations || registry.removeCalls != removals {
		t.Errorf("second teardown repeated reversal calls: deactivate %d->%d remove %d->%d",
			deactivations, devices.deactivateCalls, removals, registry.removeCalls)
	}
}

func TestTeardown_OnIdleManagerIsNoOp(t *testing.T) {
	mgr, registry, devices, _ := newTestManager(testOptions())

	mgr.Teardown(context.Background())
	if devices.deactivateCalls != 0 || registry.removeCalls != 0 {
		t.Errorf("teardown on idle manager made reversal calls")
	}
}

func TestTeardown_FailureResetsState(t *testing.T) {
	mgr, _, devices, events := newTestManager(testOptions())
	ctx := context.Background()

	if _, err := mgr.AddWired(ctx, WiredParams{NAT: NATEnabled}); err != nil {
		t.Fatalf("AddWired: %v", err)
	}

	devices.deactivateErr = errors.New("service unreachable")
	mgr.Teardown(ctx) // must not panic or retry
	if got := events.ByEvent(eventlog.EventTeardownFailed); len(got) != 1 {
		t.Fatalf("teardown-failed events = %d, want 1", len(got))
	}

	// The failed reversal was consumed: another teardown is a no-op.
	calls := devices.deactivateCalls
	mgr.Teardown(ctx)
	if devices.deactivateCalls != calls {
		t.Errorf("failed reversal was retried")
	}
}

func TestTeardown_ClosesBusOnce(t *testing.T) {
	closer := &countingCloser{}
	mgr := NewManager(ManagerConfig{
		Options:  testOptions(),
		Registry: newFakeRegistry(),
		Devices:  newFakeActivator("eth1", "wlan0"),
		Bus:      closer,
	})

	mgr.Teardown(context.Background())
	mgr.Teardown(context.Background())
	if closer.calls != 1 {
		t.Errorf("bus closed %d times, want 1", closer.calls)
	}
}

func TestSweep_RemovesOnlyOwnProfiles(t *testing.T) {
	mgr, registry, _, _ := newTestManager(testOptions())
	ctx := context.Background()

	// One profile of ours and one foreign profile.
	if _, err := registry.AddConnection(ctx, nm.WiredSettings(nm.IPv4Shared)); err != nil {
		t.Fatal(err)
	}
	foreign, err := registry.AddConnection(ctx, nm.ConnectionSettings{
		"connection": map[string]dbus.Variant{"id": dbus.MakeVariant("office-lan")},
	})
	if err != nil {
		t.Fatal(err)
	}

	swept, err := mgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}
	if !registry.count(foreign) {
		t.Errorf("foreign profile was deleted")
	}
}

func TestSignalDrivenTeardown(t *testing.T) {
	mgr, _, devices, _ := newTestManager(testOptions())
	ctx := context.Background()

	if _, err := mgr.AddWired(ctx, WiredParams{NAT: NATEnabled}); err != nil {
		t.Fatalf("AddWired: %v", err)
	}
	if _, err := mgr.AddWireless(ctx, WirelessParams{NAT: NATEnabled, SSID: "rig"}); err != nil {
		t.Fatalf("AddWireless: %v", err)
	}

	var code int
	coord := shutdown.NewWithExit(func(n int) { code = n })
	coord.Register("access points", mgr.Teardown)

	coord.Trigger(syscall.SIGTERM)
	coord.Trigger(syscall.SIGTERM)

	if devices.activeCount() != 0 {
		t.Errorf("active connections after signal = %d, want 0", devices.activeCount())
	}
	if devices.deactivateCalls != 2 {
		t.Errorf("deactivateCalls = %d, want exactly one reversal per mode", devices.deactivateCalls)
	}
	if code != 128+int(syscall.SIGTERM) {
		t.Errorf("exit code = %d, want %d", code, 128+int(syscall.SIGTERM))
	}
}

type countingCloser struct{ calls int }

func (c *countingCloser) Close() error {
	c.calls++
	return nil
}
