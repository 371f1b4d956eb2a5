// Package health implements the periodic liveness watchdog over C5
// (display), C6 (BLE), and C7 (network) (spec.md §4.12, C12). It only
// observes and emits recovery events onto the bus; it never acts on
// the components directly.
package health

import (
	"context"
	"time"

	"github.com/rockpi/provisiond/pkg/eventbus"
	"github.com/rockpi/provisiond/pkg/logger"
	"github.com/rockpi/provisiond/pkg/metrics"
	"github.com/rockpi/provisiond/pkg/provisioning"
)

// Recovery event kinds (spec.md §4.12).
const (
	EventBleRestartNeeded     = "BleRestartNeeded"
	EventDisplayReinitNeeded  = "DisplayReinitNeeded"
	EventNetworkReprobeNeeded = "NetworkReprobeNeeded"
)

// BLEProbe reports whether advertising is active when the current
// provisioning state (by name, e.g. "Provisioning") expects it to be.
// State is passed by name rather than provisioning.State so C6 need
// not import the state-machine package to satisfy this interface.
type BLEProbe interface {
	AdvertisingExpected(stateName string) bool
	AdvertisingActive() bool
}

// DisplayProbe reports whether the display service is responsive.
type DisplayProbe interface {
	Responsive() bool
}

// NetworkProbe reports whether the link state is consistent with the
// current provisioning state (by name).
type NetworkProbe interface {
	LinkConsistent(stateName string) bool
}

// Config holds the watchdog cadence (default 30s, spec.md §4.12).
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the spec default interval.
func DefaultConfig() Config { return Config{Interval: 30 * time.Second} }

// Watchdog periodically probes C5/C6/C7 and emits recovery events.
type Watchdog struct {
	cfg     Config
	machine *provisioning.Machine
	ble     BLEProbe
	display DisplayProbe
	network NetworkProbe
	bus     *eventbus.Bus
	logger  *logger.Logger
}

// New constructs the watchdog.
func New(cfg Config, machine *provisioning.Machine, ble BLEProbe, disp DisplayProbe, net NetworkProbe, bus *eventbus.Bus, log *logger.Logger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Watchdog{cfg: cfg, machine: machine, ble: ble, display: disp, network: net, bus: bus, logger: log}
}

// Run ticks at cfg.Interval until ctx is cancelled, probing every
// component once per tick.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.probeOnce()
		}
	}
}

func (w *Watchdog) probeOnce() {
	stateName := w.machine.Current().String()

	if w.ble != nil && w.ble.AdvertisingExpected(stateName) && !w.ble.AdvertisingActive() {
		w.emit(EventBleRestartNeeded)
	}
	if w.display != nil && !w.display.Responsive() {
		w.emit(EventDisplayReinitNeeded)
	}
	if w.network != nil && !w.network.LinkConsistent(stateName) {
		w.emit(EventNetworkReprobeNeeded)
	}
}

func (w *Watchdog) emit(kind string) {
	metrics.RecoveryEvents.WithLabelValues(kind).Inc()
	w.logger.Warn("health: recovery event", "kind", kind)
	w.bus.Publish(eventbus.Event{Kind: kind})
}
