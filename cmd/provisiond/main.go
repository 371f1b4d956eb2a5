// provisiond CLI
//
// On-device BLE + QR Wi-Fi provisioning daemon for headless single-board
// computers. Advertises owner setup and Wi-Fi credential exchange over
// BLE, renders a QR code and status banner to the local framebuffer, and
// drives the provisioning state machine until the device is connected.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rockpi/provisiond/pkg/ble"
	"github.com/rockpi/provisiond/pkg/config"
	"github.com/rockpi/provisiond/pkg/crypto"
	"github.com/rockpi/provisiond/pkg/display"
	"github.com/rockpi/provisiond/pkg/eventbus"
	"github.com/rockpi/provisiond/pkg/gpio"
	"github.com/rockpi/provisiond/pkg/health"
	"github.com/rockpi/provisiond/pkg/identity"
	"github.com/rockpi/provisiond/pkg/logger"
	"github.com/rockpi/provisiond/pkg/network"
	"github.com/rockpi/provisiond/pkg/orchestrator"
	"github.com/rockpi/provisiond/pkg/ownership"
	"github.com/rockpi/provisiond/pkg/store"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "provisiond",
		Short:   "provisiond - on-device BLE + QR Wi-Fi provisioning daemon",
		Long:    "provisiond advertises a BLE GATT provisioning service and a QR-coded pairing payload, taking a headless device from first boot through owner registration to a connected Wi-Fi network.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./provisiond.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newResetCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRunCmd creates the run command.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the provisioning daemon",
		Long:  "Run the provisioning daemon until terminated, driving owner setup, BLE/QR provisioning, Wi-Fi connect, and the GPIO factory-reset button.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

// daemon bundles every long-lived component this command wires
// together, so run/status/reset share one construction path.
type daemon struct {
	cfg    *config.Config
	log    *logger.Logger
	store  *store.Store
	orch   *orchestrator.Orchestrator
	health *health.Watchdog
	gpioMon *gpio.Monitor
	bleSrv *ble.Server
	bus    *eventbus.Bus
}

// build constructs every component from configuration without starting
// any of them, so status/reset can reuse it without running the daemon.
func build(cfgPath string, verboseOverride bool) (*daemon, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verboseOverride {
		cfg.Logging.Level = "debug"
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	logger.SetGlobal(log)

	st, err := store.Open(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	id, err := identity.Resolve(st.DeviceIDPath())
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	cs := crypto.NewService()

	ownSvc, err := ownership.NewService(ownership.Config{
		Required:          cfg.Ownership.Required,
		SetupTimeout:      cfg.Ownership.SetupTimeout,
		MaxFailedAttempts: cfg.Ownership.MaxFailedAttempts,
		LockoutDuration:   cfg.Ownership.LockoutDuration,
	}, st, cs)
	if err != nil {
		return nil, fmt.Errorf("construct ownership service: %w", err)
	}

	nmConnector, err := network.NewNMConnector("wlan0")
	if err != nil {
		return nil, fmt.Errorf("connect to NetworkManager: %w", err)
	}
	netSvc := network.NewService(network.Config{
		ScanCacheTTL:    cfg.Network.ScanCacheTTL,
		BaseTimeout:     cfg.Network.BaseTimeout,
		MaxTimeout:      cfg.Network.MaxTimeout,
		MaxRetries:      cfg.Network.MaxRetries,
		BackoffBase:     cfg.Network.BackoffBase,
		BackoffCap:      cfg.Network.BackoffCap,
		ProbeEndpoint:   cfg.Network.ProbeEndpoint,
		FreshnessWindow: cfg.Network.FreshnessWindow,
	}, nmConnector, log.Component("network"))

	fb := display.NewFramebufferDevice("/dev/fb0", 320, 240)
	dispSvc := display.NewService(fb, log.Component("display"))

	pairingSecret, err := os.ReadFile(cfg.BLE.PairingSecretPath)
	if err != nil {
		return nil, fmt.Errorf("read pairing secret: %w", err)
	}

	bus := eventbus.New(0)

	bleSrv := ble.NewServer(ble.Config{
		LocalName: "RockPi-" + id.DeviceID,
		Info: ble.DeviceInfo{
			DeviceID:     id.DeviceID,
			MAC:          id.MACAddress,
			ProtoVersion: "1",
			FirmwareVer:  version,
		},
		PairingSecret:              pairingSecret,
		IdleTimeout:                cfg.BLE.IdleTimeout,
		ReconnectWindow:            cfg.BLE.ReconnectWindow,
		RateLimitMax:               cfg.BLE.RateLimitCount,
		RateLimitWindow:            cfg.BLE.RateLimitWindow,
		RequireAuthForFactoryReset: !cfg.AllowAuthenticatedReset,
	}, cs, bus, log.Component("ble"))

	orch := orchestrator.New(bus, log.Component("orchestrator"), st, ownSvc, netSvc, dispSvc, bleSrv, id)

	gpioLine, err := gpio.NewSysfsLine(cfg.GPIO.Pin, true)
	if err != nil {
		log.Warn("gpio: reset button unavailable, continuing without it", "error", err)
	}
	var gpioMon *gpio.Monitor
	if gpioLine != nil {
		gpioMon = gpio.NewMonitor(gpioLine, gpio.Config{
			HoldThreshold: cfg.GPIO.HoldThreshold,
			Debounce:      cfg.GPIO.Debounce,
		}, log.Component("gpio"), orchestrator.GPIOResetPublisher(bus))
	}

	watchdog := health.New(health.Config{Interval: cfg.Health.Interval}, orch.Machine(), bleSrv, dispSvc, netSvc, bus, log.Component("health"))

	return &daemon{
		cfg:     cfg,
		log:     log,
		store:   st,
		orch:    orch,
		health:  watchdog,
		gpioMon: gpioMon,
		bleSrv:  bleSrv,
		bus:     bus,
	}, nil
}

func runDaemon() error {
	d, err := build(cfgFile, verbose)
	if err != nil {
		return err
	}

	if err := d.bleSrv.Start(); err != nil {
		return fmt.Errorf("start ble server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 3)
	go func() { errCh <- d.orch.Run(ctx) }()
	go func() { errCh <- d.health.Run(ctx) }()
	if d.gpioMon != nil {
		go func() { errCh <- d.gpioMon.Run(ctx) }()
	}

	d.log.Info("provisiond running", "version", version)

	select {
	case <-sigCh:
		d.log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			d.log.Error("component exited with error", "error", err)
		}
	}

	cancel()
	return nil
}

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current provisioning state",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := build(cfgFile, false)
			if err != nil {
				return err
			}
			fmt.Printf("Provisioning state: %s\n", d.orch.Machine().Current())
			wifi, _ := d.store.LoadWifi()
			if wifi != nil {
				fmt.Printf("Wi-Fi profile:      %s (saved %s)\n", wifi.SSID, wifi.SavedAt)
			} else {
				fmt.Println("Wi-Fi profile:      none")
			}
			return nil
		},
	}
}

// newResetCmd creates the reset command.
func newResetCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Factory-reset the device's provisioning state",
		Long:  "Clears the owner record, saved Wi-Fi profile, and lockout state. Requires --confirm since this cannot be undone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("refusing to reset without --confirm")
			}
			d, err := build(cfgFile, false)
			if err != nil {
				return err
			}
			if err := d.store.ClearAll(); err != nil {
				return fmt.Errorf("clear store: %w", err)
			}
			fmt.Println("Provisioning state cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the destructive reset")
	return cmd
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("provisiond %s\n", version)
			fmt.Printf("  Commit:  %s\n", gitCommit)
			fmt.Printf("  Built:   %s\n", buildTime)
		},
	}
}
