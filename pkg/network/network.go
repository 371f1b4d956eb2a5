// Package network implements scan, connect, persisted auto-connect,
// and quality probing over the OS Wi-Fi stack (spec.md §4.7, C7). The
// OS Wi-Fi stack itself is out of core scope (spec.md §1); Connector
// is the narrow interface this package consumes, with a
// NetworkManager-backed implementation in networkmanager.go.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rockpi/provisiond/pkg/logger"
	"github.com/rockpi/provisiond/pkg/metrics"
)

// SecurityType mirrors store.WifiProfile.SecurityType's domain.
type SecurityType string

const (
	SecurityOpen       SecurityType = "OPEN"
	SecurityWPA2       SecurityType = "WPA2"
	SecurityWPA3       SecurityType = "WPA3"
	SecurityEnterprise SecurityType = "ENTERPRISE"
)

// NetworkInfo is one scan result.
type NetworkInfo struct {
	SSID         string
	Signal       int
	SecurityType SecurityType
	BSSID        string
}

// FailureKind enumerates spec.md §4.7/§7's connect failure kinds.
type FailureKind string

const (
	FailureBadCredentials FailureKind = "bad_credentials"
	FailureTimeout        FailureKind = "timeout"
	FailureNoSuchNetwork  FailureKind = "no_such_network"
	FailureAuthFailed     FailureKind = "auth_failed"
	FailureDHCPFailed     FailureKind = "dhcp_failed"
	FailureProbeFailed    FailureKind = "probe_failed"
)

// UserCorrectable reports whether the state machine should treat this
// failure as user-correctable (back to Provisioning) rather than
// transient (retry per policy).
func (k FailureKind) UserCorrectable() bool {
	return k == FailureBadCredentials || k == FailureAuthFailed
}

// ConnectError wraps a FailureKind with context.
type ConnectError struct {
	Kind FailureKind
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("network: %s: %v", e.Kind, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// Profile is the result of a successful connect.
type Profile struct {
	SSID         string
	Password     string
	SecurityType SecurityType
	ConnectedAt  time.Time
}

// Quality reports the current link quality for C12.
type Quality struct {
	RSSI                int
	ThroughputEstimate  float64 // bits/sec, 0 if unknown
}

// Connector is the thin boundary onto the OS Wi-Fi manager.
type Connector interface {
	Scan(ctx context.Context) ([]NetworkInfo, error)
	Connect(ctx context.Context, ssid, password string, sec SecurityType) error
	Disconnect(ctx context.Context) error
	IsLinkUp() (bool, error)
	Probe(ctx context.Context, endpoint string) error
	Quality() (Quality, error)
}

// Config holds the tunables from spec.md §4.7.
type Config struct {
	ScanCacheTTL    time.Duration
	BaseTimeout     time.Duration
	MaxTimeout      time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	ProbeEndpoint   string
	FreshnessWindow time.Duration
}

// Service implements C7. Connect and Disconnect are mutually exclusive
// via connMu. Scan, IsConnected, Quality and LinkConsistent do not take
// connMu and may run while a Connect is in flight; concurrent Scan
// calls are collapsed behind a single-flight.
type Service struct {
	cfg       Config
	connector Connector
	logger    *logger.Logger

	connMu sync.Mutex

	scanGroup singleflight.Group
	scanMu    sync.Mutex
	scanCache []NetworkInfo
	scanAt    time.Time

	consecutiveFailures int

	lastProbeOK bool
	lastProbeAt time.Time
}

// NewService constructs the network service.
func NewService(cfg Config, connector Connector, log *logger.Logger) *Service {
	return &Service{cfg: cfg, connector: connector, logger: log}
}

// Scan returns cached scan results within ScanCacheTTL, otherwise
// performs a fresh scan with concurrent callers collapsed onto one
// in-flight request.
func (s *Service) Scan(ctx context.Context) ([]NetworkInfo, error) {
	s.scanMu.Lock()
	if time.Since(s.scanAt) < s.cfg.ScanCacheTTL && s.scanCache != nil {
		cached := s.scanCache
		s.scanMu.Unlock()
		return cached, nil
	}
	s.scanMu.Unlock()

	v, err, _ := s.scanGroup.Do("scan", func() (interface{}, error) {
		results, err := s.connector.Scan(ctx)
		if err != nil {
			return nil, err
		}
		s.scanMu.Lock()
		s.scanCache = results
		s.scanAt = time.Now()
		s.scanMu.Unlock()
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]NetworkInfo), nil
}

// Connect attempts to join ssid with an adaptive timeout and
// exponential-backoff retry policy, returning a Profile only after an
// IP is assigned and a liveness probe succeeds.
func (s *Service) Connect(ctx context.Context, ssid, password string, sec SecurityType) (*Profile, error) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	timeout := s.adaptiveTimeout()
	var lastErr error

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := s.connector.Connect(attemptCtx, ssid, password, sec)
		cancel()

		if err == nil {
			if perr := s.probe(ctx); perr != nil {
				lastErr = &ConnectError{Kind: FailureProbeFailed, Err: perr}
			} else {
				s.consecutiveFailures = 0
				metrics.ConnectAttempts.WithLabelValues("success").Inc()
				return &Profile{SSID: ssid, Password: password, SecurityType: sec, ConnectedAt: time.Now()}, nil
			}
		} else {
			lastErr = err
		}

		if ce, ok := lastErr.(*ConnectError); ok {
			metrics.ConnectAttempts.WithLabelValues(string(ce.Kind)).Inc()
			if ce.Kind.UserCorrectable() {
				s.consecutiveFailures++
				return nil, lastErr
			}
		}

		s.consecutiveFailures++
		if attempt < s.cfg.MaxRetries {
			backoff := s.backoffFor(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, lastErr
}

func (s *Service) adaptiveTimeout() time.Duration {
	timeout := s.cfg.BaseTimeout
	for i := 0; i < s.consecutiveFailures; i++ {
		timeout *= 2
		if timeout >= s.cfg.MaxTimeout {
			return s.cfg.MaxTimeout
		}
	}
	return timeout
}

func (s *Service) backoffFor(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	return d
}

func (s *Service) probe(ctx context.Context) error {
	err := s.connector.Probe(ctx, s.cfg.ProbeEndpoint)
	s.lastProbeAt = time.Now()
	s.lastProbeOK = err == nil
	return err
}

// Disconnect tears down the active connection.
func (s *Service) Disconnect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connector.Disconnect(ctx)
}

// IsConnected reports link state, qualified by probe freshness.
func (s *Service) IsConnected() bool {
	up, err := s.connector.IsLinkUp()
	if err != nil || !up {
		return false
	}
	return time.Since(s.lastProbeAt) < s.cfg.FreshnessWindow && s.lastProbeOK
}

// Quality returns current RSSI/throughput for C12.
func (s *Service) Quality() (Quality, error) {
	return s.connector.Quality()
}

// LinkConsistent reports whether the link layer's up/down state matches
// what the given provisioning state name implies it should be, for the
// health watchdog (C12): Connected implies the link should be up, and
// every other state implies it should not be.
func (s *Service) LinkConsistent(stateName string) bool {
	up, err := s.connector.IsLinkUp()
	if err != nil {
		return false
	}
	if stateName == "Connected" {
		return up
	}
	return !up
}
