// Package gpio implements the factory-reset button monitor (spec.md
// §4.8, C8): it samples one GPIO line at >=10Hz, debounces spurious
// edges, and emits ResetRequested exactly once per qualifying
// continuous-assert hold. It never performs the reset itself.
//
// No GPIO library appears anywhere in the retrieved example pack (the
// closest hits are bare-metal tamago board files, which assume no
// host OS and do not apply here). Line access is therefore implemented
// directly against the Linux sysfs GPIO ABI using only the standard
// library; see DESIGN.md for the full justification.
package gpio

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rockpi/provisiond/pkg/logger"
)

// Line abstracts the single GPIO input line this monitor reads. A
// sysfs-backed implementation is provided below; tests supply a fake.
type Line interface {
	// Read returns true when the line is asserted (active-low wiring
	// is the caller's responsibility to invert before returning here:
	// true always means "button pressed").
	Read() (bool, error)
}

// Config holds the tunables from spec.md §4.8/§6.3/§6.4.
type Config struct {
	HoldThreshold time.Duration
	Debounce      time.Duration
	SampleRate    time.Duration // must yield >= 10Hz; default below enforces this
}

// DefaultConfig returns the spec defaults (5s hold, 50ms debounce,
// sampled every 50ms = 20Hz).
func DefaultConfig() Config {
	return Config{
		HoldThreshold: 5 * time.Second,
		Debounce:      50 * time.Millisecond,
		SampleRate:    50 * time.Millisecond,
	}
}

// Monitor samples Line and emits a ResetRequested callback exactly
// once per qualifying hold.
type Monitor struct {
	line   Line
	cfg    Config
	logger *logger.Logger
	onReset func()
}

// NewMonitor constructs a Monitor. onReset is invoked exactly once
// when the hold threshold is crossed; the caller is expected to
// publish ResetRequested onto the event bus from onReset.
func NewMonitor(line Line, cfg Config, log *logger.Logger, onReset func()) *Monitor {
	if cfg.SampleRate <= 0 || cfg.SampleRate > 100*time.Millisecond {
		cfg.SampleRate = 50 * time.Millisecond // enforce >= 10Hz
	}
	return &Monitor{line: line, cfg: cfg, logger: log, onReset: onReset}
}

// Run samples the line until ctx is cancelled. A release before the
// hold threshold cancels the count without emitting anything; a
// single continuous assertion past the threshold fires onReset exactly
// once, even if the line remains asserted afterward.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SampleRate)
	defer ticker.Stop()

	var assertedSince time.Time
	var lastChange time.Time
	var lastState bool
	fired := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			asserted, err := m.line.Read()
			if err != nil {
				m.logger.Warn("gpio read failed", "error", err)
				continue
			}

			now := time.Now()
			if asserted != lastState {
				if now.Sub(lastChange) < m.cfg.Debounce {
					// Spurious edge within the debounce window: ignore
					// the transition, keep the prior asserted timer.
					continue
				}
				lastChange = now
				lastState = asserted
				if asserted {
					assertedSince = now
					fired = false
				} else {
					assertedSince = time.Time{}
					fired = false
				}
			}

			if asserted && !fired && !assertedSince.IsZero() && now.Sub(assertedSince) >= m.cfg.HoldThreshold {
				fired = true
				m.onReset()
			}
		}
	}
}

// SysfsLine implements Line against /sys/class/gpio, exported once at
// construction. activeLow inverts the raw value so Read() always
// means "button pressed".
type SysfsLine struct {
	valuePath string
	activeLow bool
}

// NewSysfsLine exports pin (if not already exported) as an input and
// returns a Line reading it.
func NewSysfsLine(pin int, activeLow bool) (*SysfsLine, error) {
	base := fmt.Sprintf("/sys/class/gpio/gpio%d", pin)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		if err := os.WriteFile("/sys/class/gpio/export", []byte(strconv.Itoa(pin)), 0o200); err != nil {
			return nil, fmt.Errorf("gpio: export pin %d: %w", pin, err)
		}
	}
	if err := os.WriteFile(base+"/direction", []byte("in"), 0o200); err != nil {
		return nil, fmt.Errorf("gpio: set direction for pin %d: %w", pin, err)
	}
	return &SysfsLine{valuePath: base + "/value", activeLow: activeLow}, nil
}

// Read returns true when the button is pressed, accounting for
// active-low wiring.
func (l *SysfsLine) Read() (bool, error) {
	data, err := os.ReadFile(l.valuePath)
	if err != nil {
		return false, err
	}
	raw := len(data) > 0 && data[0] == '1'
	if l.activeLow {
		return !raw, nil
	}
	return raw, nil
}
