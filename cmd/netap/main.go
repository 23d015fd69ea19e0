// netap - transient access-point provisioning for device test rigs
//
// Usage:
//
//	netap up                     Bring up configured APs, hold until signalled
//	netap run -- <command...>    Bring up APs, run command, tear down
//	netap sweep                  Remove profiles leaked by earlier runs
//
// The wired and wireless sections of the config file decide which
// access points exist. Teardown is guaranteed: on SIGINT or SIGTERM
// every live connection is deactivated and deleted before the process
// exits with 128 plus the signal number.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/hwrig/netap/internal/ap"
	"github.com/hwrig/netap/internal/config"
	"github.com/hwrig/netap/internal/eventlog"
	"github.com/hwrig/netap/internal/nm"
	"github.com/hwrig/netap/internal/runner"
	"github.com/hwrig/netap/internal/shutdown"
)

// Global flags
var (
	configFlag  string
	modeFlag    string
	ssidFlag    string
	pskFlag     string
	verboseFlag bool
)

func main() {
	flag.StringVarP(&configFlag, "config", "c", config.Path(), "Config file (overrides NETAP_CONFIG)")
	flag.StringVar(&modeFlag, "mode", "all", "Which modes to provision: wired, wireless, all")
	flag.StringVar(&ssidFlag, "ssid", "", "Override the configured wireless SSID")
	flag.StringVar(&pskFlag, "psk", "", "Override the configured wireless PSK")
	flag.BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `netap - transient access-point provisioning for device test rigs

Usage:
  netap up                     Bring up configured APs, hold until signalled
  netap run [flags] -- <cmd>   Bring up APs, run command, tear down
  netap sweep                  Remove profiles leaked by earlier runs

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if verboseFlag {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch cmd, cmdArgs := args[0], args[1:]; cmd {
	case "up":
		cmdUp()
	case "run":
		if len(cmdArgs) == 0 {
			fatal("usage: netap run -- <command...>")
		}
		cmdRun(cmdArgs)
	case "sweep":
		cmdSweep()
	default:
		fatal("unknown command: %s", cmd)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() config.Config {
	cfg, err := config.Load(configFlag)
	if err != nil {
		fatal("%v", err)
	}
	if cfg.Wireless != nil {
		if ssidFlag != "" {
			cfg.Wireless.SSID = ssidFlag
		}
		if pskFlag != "" {
			cfg.Wireless.PSK = pskFlag
		}
	}
	return cfg
}

// buildManager connects to the system bus and assembles the lifecycle
// manager around it. The manager owns the bus handle from here on.
func buildManager(opts ap.Options) *ap.Manager {
	bus, err := nm.ConnectSystem()
	if err != nil {
		fatal("%v", err)
	}
	return ap.NewManager(ap.ManagerConfig{
		Options:  opts,
		Registry: nm.NewSettingsClient(bus),
		Devices:  nm.NewDeviceClient(bus),
		Events:   eventlog.Open(),
		Bus:      bus,
	})
}

func options(cfg config.Config) ap.Options {
	var opts ap.Options
	if cfg.Wired != nil && modeWanted("wired") {
		opts.Wired = &ap.InterfaceConfig{Interface: cfg.Wired.Interface}
	}
	if cfg.Wireless != nil && modeWanted("wireless") {
		opts.Wireless = &ap.InterfaceConfig{Interface: cfg.Wireless.Interface}
	}
	return opts
}

func modeWanted(mode string) bool {
	return modeFlag == "all" || modeFlag == mode
}

// provision brings up every wanted mode, failing on the first error.
func provision(ctx context.Context, mgr *ap.Manager, cfg config.Config, opts ap.Options) error {
	if opts.Wired != nil {
		iface, err := mgr.AddWired(ctx, ap.WiredParams{
			NAT: ap.NATFromBool(cfg.Wired.NATEnabled()),
		})
		if err != nil {
			return err
		}
		fmt.Printf("wired access point up on %s\n", iface)
	}
	if opts.Wireless != nil {
		iface, err := mgr.AddWireless(ctx, ap.WirelessParams{
			NAT:  ap.NATFromBool(cfg.Wireless.NATEnabled()),
			SSID: cfg.Wireless.SSID,
			PSK:  cfg.Wireless.PSK,
		})
		if err != nil {
			return err
		}
		fmt.Printf("wireless access point %q up on %s\n", cfg.Wireless.SSID, iface)
	}
	return nil
}

func cmdUp() {
	cfg := loadConfig()
	opts := options(cfg)
	mgr := buildManager(opts)

	coord := shutdown.New()
	coord.Register("access points", mgr.Teardown)
	coord.Install()

	ctx := context.Background()
	if err := provision(ctx, mgr, cfg, opts); err != nil {
		mgr.Teardown(ctx)
		fatal("%v", err)
	}

	fmt.Println("holding; SIGINT or SIGTERM tears down")
	select {}
}

func cmdRun(argv []string) {
	cfg := loadConfig()
	opts := options(cfg)
	mgr := buildManager(opts)

	// Signals during the run still tear everything down first.
	coord := shutdown.New()
	coord.Register("access points", mgr.Teardown)
	coord.Install()

	ctx := context.Background()
	if err := provision(ctx, mgr, cfg, opts); err != nil {
		mgr.Teardown(ctx)
		fatal("%v", err)
	}

	code, err := runner.Run(ctx, argv)
	mgr.Teardown(ctx)
	if err != nil {
		fatal("%v", err)
	}
	os.Exit(code)
}

func cmdSweep() {
	// Sweep needs no mode configuration, only the bus.
	mgr := buildManager(ap.Options{})

	ctx := context.Background()
	swept, err := mgr.Sweep(ctx)
	mgr.Teardown(ctx)
	if err != nil {
		fatal("sweep incomplete (%d removed): %v", swept, err)
	}
	fmt.Printf("swept %d stale profile(s)\n", swept)
}
