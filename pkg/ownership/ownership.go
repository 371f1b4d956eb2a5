// Package ownership implements single-owner registration, PIN
// authentication, and lockout (spec.md §4.3, C3).
package ownership

import (
	"fmt"
	"time"

	"github.com/rockpi/provisiond/pkg/crypto"
	"github.com/rockpi/provisiond/pkg/store"
	"github.com/rockpi/provisiond/pkg/validate"
)

// AuthResult is the outcome of an authenticate call.
type AuthResult int

const (
	AuthOK AuthResult = iota
	AuthPinMismatch
	AuthLockedOut
)

// Error kinds from spec.md §7's Auth taxonomy.
var (
	ErrOwnerExists    = fmt.Errorf("ownership: owner already registered")
	ErrSetupExpired   = fmt.Errorf("ownership: setup window expired")
	ErrNotRegistering = fmt.Errorf("ownership: no owner record to clear")
)

// Config holds the tunables from spec.md §4.3/§6.4.
type Config struct {
	Required          bool
	SetupTimeout      time.Duration
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// Service implements registration, authentication, and lockout. It
// owns the in-memory LockoutState and checkpoints it to the Store on
// every change, so a crash never loses lockout progress.
type Service struct {
	cfg    Config
	store  *store.Store
	crypto *crypto.Service

	owner   *store.OwnerRecord
	lockout store.LockoutState

	setupDeadline time.Time
	now           func() time.Time
}

// NewService constructs the ownership service, loading any persisted
// owner record and lockout state.
func NewService(cfg Config, st *store.Store, cs *crypto.Service) (*Service, error) {
	s := &Service{cfg: cfg, store: st, crypto: cs, now: time.Now}

	owner, err := st.LoadOwner()
	if err != nil {
		return nil, err
	}
	s.owner = owner

	lockout, err := st.LoadLockout()
	if err != nil {
		return nil, err
	}
	if lockout != nil {
		s.lockout = *lockout
	}
	return s, nil
}

// OwnerRequired reports whether owner setup is required before
// provisioning may begin.
func (s *Service) OwnerRequired() bool { return s.cfg.Required }

// OwnerPresent reports whether an owner has already been registered.
func (s *Service) OwnerPresent() bool { return s.owner != nil }

// BeginSetup opens the owner-registration window: once SetupTimeout has
// passed after this call, Register fails. Before the first BeginSetup
// no window applies and Register is not time-limited.
func (s *Service) BeginSetup() {
	s.setupDeadline = s.now().Add(s.cfg.SetupTimeout)
}

// SetupExpired reports whether the registration window has lapsed.
func (s *Service) SetupExpired() bool {
	return !s.setupDeadline.IsZero() && s.now().After(s.setupDeadline)
}

// SetupTimeout returns the configured registration window, so callers
// that drive BeginSetup (the orchestrator's OwnerSetup timer) know how
// long to wait before treating it as expired.
func (s *Service) SetupTimeout() time.Duration { return s.cfg.SetupTimeout }

// Register creates the single OwnerRecord. Fails if an owner already
// exists, if name/PIN fail validation, or if the setup window expired.
func (s *Service) Register(deviceID, name, pin string) error {
	if s.owner != nil {
		return ErrOwnerExists
	}
	if s.SetupExpired() {
		return ErrSetupExpired
	}
	if err := validate.OwnerName(name); err != nil {
		return err
	}
	if err := validate.PIN(pin); err != nil {
		return err
	}

	hash, err := s.crypto.HashPIN(pin)
	if err != nil {
		return err
	}

	rec := store.OwnerRecord{
		OwnerName:    name,
		PinHash:      hash,
		RegisteredAt: s.now(),
		DeviceID:     deviceID,
	}
	if err := s.store.StoreOwner(rec); err != nil {
		return err
	}
	s.owner = &rec
	return nil
}

// Authenticate checks pin against the stored owner PIN, applying
// lockout rules. Counter/locked_until changes are persisted before
// this call returns, so a crash never loses lockout state.
func (s *Service) Authenticate(pin string) (AuthResult, error) {
	now := s.now()
	if now.Before(s.lockout.LockedUntil) {
		return AuthLockedOut, nil
	}
	if s.owner == nil {
		return AuthPinMismatch, nil
	}

	if s.crypto.VerifyPIN(pin, s.owner.PinHash) {
		s.lockout.FailedAttempts = 0
		s.lockout.LockedUntil = time.Time{}
		if err := s.store.StoreLockout(s.lockout); err != nil {
			return AuthOK, err
		}
		return AuthOK, nil
	}

	s.lockout.FailedAttempts++
	if s.lockout.FailedAttempts >= s.cfg.MaxFailedAttempts {
		s.lockout.LockedUntil = now.Add(s.cfg.LockoutDuration)
	}
	if err := s.store.StoreLockout(s.lockout); err != nil {
		return AuthPinMismatch, err
	}
	return AuthPinMismatch, nil
}

// RetryAfter returns the duration until lockout clears, or zero if not
// locked out.
func (s *Service) RetryAfter() time.Duration {
	now := s.now()
	if now.Before(s.lockout.LockedUntil) {
		return s.lockout.LockedUntil.Sub(now)
	}
	return 0
}

// ClearOwner removes the owner record and resets lockout counters.
// Only callable via the factory-reset path.
func (s *Service) ClearOwner() error {
	s.owner = nil
	s.lockout = store.LockoutState{}
	return nil
}
