// Package ble implements the provisioning GATT peripheral (spec.md
// §4.6/§6.1, C6): advertising, the C_INFO/C_STATUS/C_HANDSHAKE/
// C_CREDENTIALS/C_CONTROL characteristics, the single-active-session
// handshake and rate-limit policy, and the credential decrypt-validate-
// publish pipeline. The orchestrator starts advertising on entering
// OwnerSetup or Provisioning and stops it on entering Connected or
// FactoryReset. C_CREDENTIALS carries
// either Wi-Fi credentials or, while in OwnerSetup, an owner-name/PIN
// registration payload; both travel over the same encrypted,
// authenticated channel.
package ble

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/rockpi/provisiond/pkg/crypto"
	"github.com/rockpi/provisiond/pkg/eventbus"
	"github.com/rockpi/provisiond/pkg/logger"
)

// UUIDs are fixed 128-bit values, stable across releases (spec.md
// §6.1). The base is arbitrary but must never change once shipped.
var (
	ServiceUUID        = bluetooth.NewUUID([16]byte{0x52, 0x4f, 0x43, 0x4b, 0x00, 0x00, 0x50, 0x52, 0x4f, 0x56, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00})
	CharInfoUUID       = bluetooth.NewUUID([16]byte{0x52, 0x4f, 0x43, 0x4b, 0x00, 0x00, 0x50, 0x52, 0x4f, 0x56, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01})
	CharStatusUUID     = bluetooth.NewUUID([16]byte{0x52, 0x4f, 0x43, 0x4b, 0x00, 0x00, 0x50, 0x52, 0x4f, 0x56, 0x00, 0x00, 0x00, 0x01, 0x00, 0x02})
	CharHandshakeUUID  = bluetooth.NewUUID([16]byte{0x52, 0x4f, 0x43, 0x4b, 0x00, 0x00, 0x50, 0x52, 0x4f, 0x56, 0x00, 0x00, 0x00, 0x01, 0x00, 0x03})
	CharCredentialUUID = bluetooth.NewUUID([16]byte{0x52, 0x4f, 0x43, 0x4b, 0x00, 0x00, 0x50, 0x52, 0x4f, 0x56, 0x00, 0x00, 0x00, 0x01, 0x00, 0x04})
	CharControlUUID    = bluetooth.NewUUID([16]byte{0x52, 0x4f, 0x43, 0x4b, 0x00, 0x00, 0x50, 0x52, 0x4f, 0x56, 0x00, 0x00, 0x00, 0x01, 0x00, 0x05})
)

// Control opcodes (spec.md §6.1).
const (
	OpClearSession byte = 0x01
	OpFactoryReset byte = 0x02
)

// EventOwnerSetupReceived is the bus event kind for a decrypted
// C_CREDENTIALS write carrying an owner-registration payload rather
// than Wi-Fi credentials. It deliberately is not one of
// provisioning's transition-table event kinds: only the orchestrator
// may turn it into OwnerRegistered, and only after ownership.Register
// has actually succeeded, so a rejected name/PIN leaves the machine in
// OwnerSetup for the client to retry.
const EventOwnerSetupReceived = "OwnerSetupReceived"

// OwnerSetupEvent is the payload of an OwnerSetupReceived bus event.
// PIN is held as a byte slice so the orchestrator can zeroise the copy
// it actually consumes once registration completes.
type OwnerSetupEvent struct {
	OwnerName string
	PIN       []byte
	Valid     bool
}

// Handshake result byte.
const handshakeOK byte = 0x01

// DeviceInfo is the non-secret payload served from C_INFO.
type DeviceInfo struct {
	DeviceID      string `json:"device_id"`
	MAC           string `json:"mac"`
	ProtoVersion  string `json:"proto_version"`
	FirmwareVer   string `json:"fw_version"`
}

// Config holds the tunables from spec.md §4.6.
type Config struct {
	LocalName        string
	Info             DeviceInfo
	PairingSecret    []byte
	IdleTimeout      time.Duration
	ReconnectWindow  time.Duration
	RateLimitMax     int
	RateLimitWindow  time.Duration
	RequireAuthForFactoryReset bool
}

// DefaultConfig returns the spec.md defaults (5 min idle, 10s
// reconnection window, 10 failures/60s rate limit).
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     5 * time.Minute,
		ReconnectWindow: 10 * time.Second,
		RateLimitMax:    10,
		RateLimitWindow: 60 * time.Second,
		RequireAuthForFactoryReset: true,
	}
}

// CredentialMessage is the decrypted C_CREDENTIALS plaintext
// (spec.md §6.1). The same characteristic doubles as the
// owner-registration channel while the device sits in OwnerSetup: a
// registration write carries OwnerName (and a PIN to set, not to
// authenticate against) instead of ssid/password, and is routed to
// publishOwnerSetup instead of the normal credentials path.
//
// Password and PIN are decoded into byte slices rather than strings:
// a Go string's backing array can never be wiped in place, so holding
// these fields as []byte is what lets the orchestrator actually
// zeroise the copy it retains after use (crypto.Zeroise only works on
// bytes it's given direct access to).
type CredentialMessage struct {
	SSID      string
	Password  []byte
	Security  string
	PIN       []byte
	OwnerName *string
}

// UnmarshalJSON decodes the wire's plain-string ssid/password/pin
// fields into CredentialMessage's byte-backed ones. A default
// []byte field would instead expect base64, which is not what
// spec.md §6.1 puts on the wire.
func (m *CredentialMessage) UnmarshalJSON(data []byte) error {
	var wire struct {
		SSID      string  `json:"ssid"`
		Password  string  `json:"password"`
		Security  string  `json:"security"`
		PIN       *string `json:"pin,omitempty"`
		OwnerName *string `json:"owner_name,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.SSID = wire.SSID
	m.Password = []byte(wire.Password)
	m.Security = wire.Security
	if wire.PIN != nil {
		m.PIN = []byte(*wire.PIN)
	}
	m.OwnerName = wire.OwnerName
	return nil
}

// Server is the BLE GATT peripheral. A single Server instance owns
// the adapter for the process lifetime; advertising is started and
// stopped by the orchestrator as the provisioning state changes.
type Server struct {
	adapter *bluetooth.Adapter
	cfg     Config
	crypto  *crypto.Service
	bus     *eventbus.Bus
	logger  *logger.Logger

	statusHandle     bluetooth.Characteristic
	handshakeHandle  bluetooth.Characteristic

	mu          sync.Mutex
	session     *session
	lastSession *closedSession // retained only within ReconnectWindow
	advertising bool
	epoch       byte
}

// closedSession is the minimal state needed to allow a reconnecting
// peer to resume within the reconnection window.
type closedSession struct {
	id       string
	closedAt time.Time
}

// NewServer constructs the BLE GATT peripheral against the default
// Bluetooth adapter.
func NewServer(cfg Config, cs *crypto.Service, bus *eventbus.Bus, log *logger.Logger) *Server {
	return &Server{
		adapter: bluetooth.DefaultAdapter,
		cfg:     cfg,
		crypto:  cs,
		bus:     bus,
		logger:  log,
	}
}

// Start enables the adapter, wires the connect/disconnect handler that
// owns session lifecycle, and registers the provisioning service. It
// does not begin advertising; call StartAdvertising once the
// orchestrator enters OwnerSetup or Provisioning.
func (s *Server) Start() error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	s.adapter.SetConnectHandler(s.handleConnectEvent)

	infoJSON, err := json.Marshal(s.cfg.Info)
	if err != nil {
		return fmt.Errorf("ble: marshal device info: %w", err)
	}

	err = s.adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  CharInfoUUID,
				Value: infoJSON,
				Flags: bluetooth.CharacteristicReadPermission,
			},
			{
				UUID:   CharStatusUUID,
				Value:  []byte{0, 0},
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
				Handle: &s.statusHandle,
			},
			{
				UUID:       CharHandshakeUUID,
				Flags:      bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicNotifyPermission,
				Handle:     &s.handshakeHandle,
				WriteEvent: s.handleHandshakeWrite,
			},
			{
				UUID:       CharCredentialUUID,
				Flags:      bluetooth.CharacteristicWritePermission,
				WriteEvent: s.handleCredentialsWrite,
			},
			{
				UUID:       CharControlUUID,
				Flags:      bluetooth.CharacteristicWritePermission,
				WriteEvent: s.handleControlWrite,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ble: register service: %w", err)
	}
	return nil
}

// StartAdvertising begins advertising the provisioning service.
// Idempotent.
func (s *Server) StartAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advertising {
		return nil
	}
	adv := s.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    s.cfg.LocalName,
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertisement: %w", err)
	}
	s.advertising = true
	return nil
}

// StopAdvertising stops advertising (entering Connected or
// FactoryReset, per spec.md §4.6). Idempotent.
func (s *Server) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advertising {
		return nil
	}
	if err := s.adapter.DefaultAdvertisement().Stop(); err != nil {
		return fmt.Errorf("ble: stop advertisement: %w", err)
	}
	s.advertising = false
	return nil
}

// AdvertisingActive reports whether the adapter is currently
// advertising, for the health watchdog (C12).
func (s *Server) AdvertisingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// AdvertisingExpected reports whether the given provisioning state
// expects advertising to be active (spec.md §4.6).
func (s *Server) AdvertisingExpected(stateName string) bool {
	return stateName == "OwnerSetup" || stateName == "Provisioning"
}

// UpdateStatus writes and notifies the 2-byte C_STATUS value:
// state_code(1) || epoch(1 mod 256).
func (s *Server) UpdateStatus(stateCode byte) {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()
	s.statusHandle.Write([]byte{stateCode, epoch})
}

// ClearSession zeroises and drops the active session, used on
// disconnect, explicit ClearSession, idle timeout, or FactoryReset.
func (s *Server) ClearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearSessionLocked()
}

func (s *Server) clearSessionLocked() {
	if s.session == nil {
		return
	}
	s.session.zeroise()
	s.lastSession = &closedSession{id: s.session.id, closedAt: time.Now()}
	s.session = nil
}

// handleConnectEvent owns BleSession lifecycle: exactly one active
// session is held at a time (spec.md §4.6 "accept exactly one active
// client"), so a connect while one is already open is refused at the
// radio level by simply not starting a second session; a disconnect
// zeroises the session and, if it occurred inside the reconnection
// window boundary, keeps its id available for the next connect to
// resume against.
func (s *Server) handleConnectEvent(device bluetooth.Device, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !connected {
		s.clearSessionLocked()
		return
	}

	if s.session != nil {
		s.logger.Warn("ble: connect refused, session already active")
		return
	}

	sess := newSession()
	if s.lastSession != nil && time.Since(s.lastSession.closedAt) <= s.cfg.ReconnectWindow {
		sess.resumedFrom = s.lastSession.id
	}
	s.session = sess

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		s.logger.Error("ble: challenge generation failed", "error", err)
		return
	}
	sess.challenge = challenge
	s.handshakeHandle.Write(challenge)
}
