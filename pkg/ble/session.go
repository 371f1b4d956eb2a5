package ble

import (
	"encoding/json"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/google/uuid"

	"github.com/rockpi/provisiond/pkg/crypto"
	"github.com/rockpi/provisiond/pkg/eventbus"
	"github.com/rockpi/provisiond/pkg/metrics"
	"github.com/rockpi/provisiond/pkg/provisioning"
	"github.com/rockpi/provisiond/pkg/validate"
)

// session is the single active BLE session's state (spec.md §4.6,
// §6.1). Server's connect handler owns its creation and teardown;
// session carries its own mutex so a long-running credential decrypt
// doesn't block the Server-level lock used for lifecycle checks.
type session struct {
	mu sync.Mutex

	id         string
	createdAt  time.Time
	lastActive time.Time

	challenge   []byte
	sessionKey  []byte
	authed      bool
	resumedFrom string

	failedAttempts int
	windowStart    time.Time
}

func newSession() *session {
	now := time.Now()
	return &session{
		id:          uuid.NewString(),
		createdAt:   now,
		lastActive:  now,
		windowStart: now,
	}
}

func (sess *session) zeroise() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	crypto.Zeroise(sess.challenge)
	crypto.Zeroise(sess.sessionKey)
	sess.challenge = nil
	sess.sessionKey = nil
	sess.authed = false
}

func (sess *session) touch() { sess.lastActive = time.Now() }

func (sess *session) idleExpired(timeout time.Duration) bool {
	return time.Since(sess.lastActive) > timeout
}

// rateLimited reports whether the session is currently blocked by the
// failure rate limit, rolling the window forward if it has elapsed.
func (sess *session) rateLimited(max int, window time.Duration) bool {
	if time.Since(sess.windowStart) > window {
		sess.windowStart = time.Now()
		sess.failedAttempts = 0
		return false
	}
	return sess.failedAttempts >= max
}

func (sess *session) recordFailure() {
	sess.failedAttempts++
}

// currentSession returns the active session, clearing it first if it
// has gone idle past IdleTimeout.
func (s *Server) currentSession() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && s.session.idleExpired(s.cfg.IdleTimeout) {
		s.clearSessionLocked()
	}
	return s.session
}

// handleHandshakeWrite processes a C_HANDSHAKE write:
// peer_nonce(32) || hmac_sha256(pairing_secret, challenge||peer_nonce)(32).
// The challenge itself was already issued by the connect handler; a
// session with no in-flight challenge (already authenticated, or
// cleared) silently ignores further writes.
func (s *Server) handleHandshakeWrite(peer bluetooth.Connection, offset int, value []byte) {
	if offset != 0 {
		return
	}

	sess := s.currentSession()
	if sess == nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.touch()

	if len(sess.challenge) == 0 || sess.authed {
		return
	}

	if sess.rateLimited(s.cfg.RateLimitMax, s.cfg.RateLimitWindow) {
		s.logger.Warn("ble: handshake rate limited", "session", sess.id)
		return
	}

	if len(value) != 64 {
		sess.recordFailure()
		metrics.BLEAuthFailures.WithLabelValues("malformed_handshake").Inc()
		return
	}
	peerNonce, mac := value[:32], value[32:]

	hmacInput := sess.challenge
	if sess.resumedFrom != "" {
		hmacInput = append(append([]byte{}, sess.challenge...), []byte(sess.resumedFrom)...)
	}

	if !crypto.VerifyHMAC(s.cfg.PairingSecret, hmacInput, peerNonce, mac) {
		sess.recordFailure()
		metrics.BLEAuthFailures.WithLabelValues("hmac_mismatch").Inc()
		s.logger.Warn("ble: handshake HMAC mismatch", "session", sess.id)
		return
	}

	key, err := s.crypto.DeriveSessionKey(sess.challenge, peerNonce)
	if err != nil {
		s.logger.Error("ble: session key derivation failed", "error", err)
		return
	}
	sess.sessionKey = key
	sess.authed = true
	s.handshakeHandle.Write([]byte{handshakeOK})
}

// handleCredentialsWrite processes a C_CREDENTIALS write: rejects
// plaintext-looking payloads without attempting decryption, otherwise
// decrypts, validates, and publishes CredentialsReceived. The
// plaintext buffer is zeroised on every return path.
func (s *Server) handleCredentialsWrite(peer bluetooth.Connection, offset int, value []byte) {
	if offset != 0 {
		return
	}

	sess := s.currentSession()
	if sess == nil || !sess.authed {
		metrics.BLEAuthFailures.WithLabelValues("not_authenticated").Inc()
		s.logger.Warn("ble: credentials write before authentication")
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.touch()

	if sess.rateLimited(s.cfg.RateLimitMax, s.cfg.RateLimitWindow) {
		s.logger.Warn("ble: credentials write rate limited", "session", sess.id)
		return
	}

	if len(value) < 1+12 {
		sess.recordFailure()
		return
	}
	framed := value[1:] // skip ver(1); framing is ver||nonce||ct_and_tag

	if crypto.LooksLikePlaintextCredentials(framed) {
		sess.recordFailure()
		metrics.BLEAuthFailures.WithLabelValues("plaintext_rejected").Inc()
		s.logger.Warn("ble: rejected plaintext-looking credentials write")
		return
	}

	plaintext, err := s.crypto.Decrypt(sess.sessionKey, framed)
	if err != nil {
		sess.recordFailure()
		metrics.BLEAuthFailures.WithLabelValues("decrypt_failed").Inc()
		s.logger.Warn("ble: credential decrypt failed", "error", err)
		return
	}
	defer crypto.Zeroise(plaintext)

	var msg CredentialMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		sess.recordFailure()
		s.logger.Warn("ble: credential payload malformed", "error", err)
		return
	}

	if msg.OwnerName != nil {
		s.publishOwnerSetup(msg)
		return
	}

	valid := true
	if err := validate.SSID(msg.SSID); err != nil {
		valid = false
	}
	if msg.Security != "OPEN" {
		if err := validate.WPA2Password(string(msg.Password)); err != nil {
			valid = false
		}
	}
	if len(msg.PIN) > 0 {
		if err := validate.PIN(string(msg.PIN)); err != nil {
			valid = false
		}
	}

	// msg.Password/msg.PIN are the caller's only handle on these bytes
	// from here on; the event carries the same backing array, so it is
	// the orchestrator's job to zeroise it once it has consumed the
	// credentials (see orchestrator.attemptConnect/checkPIN). Zeroing a
	// local copy here, after Publish, would be a no-op on the array the
	// subscriber actually reads.
	s.bus.Publish(eventbus.Event{
		Kind: provisioning.EventCredentialsReceived,
		Data: CredentialsEvent{
			Message: msg,
			Valid:   valid,
		},
	})
}

// publishOwnerSetup validates and forwards an owner-registration
// payload received over C_CREDENTIALS while the device is in
// OwnerSetup. It never calls ownership.Register itself: the
// orchestrator is the sole owner of that service, so registration
// happens there, driven by this event.
func (s *Server) publishOwnerSetup(msg CredentialMessage) {
	valid := validate.OwnerName(*msg.OwnerName) == nil &&
		len(msg.PIN) > 0 && validate.PIN(string(msg.PIN)) == nil

	s.bus.Publish(eventbus.Event{
		Kind: EventOwnerSetupReceived,
		Data: OwnerSetupEvent{
			OwnerName: *msg.OwnerName,
			PIN:       msg.PIN,
			Valid:     valid,
		},
	})
}

// handleControlWrite processes a C_CONTROL write: opcode(1) [||args].
func (s *Server) handleControlWrite(peer bluetooth.Connection, offset int, value []byte) {
	if offset != 0 || len(value) < 1 {
		return
	}

	sess := s.currentSession()

	switch value[0] {
	case OpClearSession:
		s.ClearSession()
	case OpFactoryReset:
		if s.cfg.RequireAuthForFactoryReset && (sess == nil || !sess.authed) {
			s.logger.Warn("ble: factory reset requested without authentication")
			return
		}
		s.bus.Publish(eventbus.Event{Kind: provisioning.EventResetRequested, Data: "ble_control"})
	}
}

// CredentialsEvent is the payload of a CredentialsReceived bus event.
type CredentialsEvent struct {
	Message CredentialMessage
	Valid   bool
}
