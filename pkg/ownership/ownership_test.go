package ownership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rockpi/provisiond/pkg/crypto"
	"github.com/rockpi/provisiond/pkg/store"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	cs := crypto.NewService()
	svc, err := NewService(Config{
		Required:          true,
		SetupTimeout:      time.Hour,
		MaxFailedAttempts: 3,
		LockoutDuration:   time.Minute,
	}, st, cs)
	require.NoError(t, err)
	return svc, dir
}

func TestRegister_SucceedsOnceThenRejectsSecondOwner(t *testing.T) {
	svc, _ := newTestService(t)
	svc.BeginSetup()

	require.NoError(t, svc.Register("dev-1", "alice", "482913"))
	assert.True(t, svc.OwnerPresent())

	err := svc.Register("dev-1", "bob", "111222")
	assert.ErrorIs(t, err, ErrOwnerExists)
}

func TestRegister_RejectsAfterSetupWindowExpires(t *testing.T) {
	svc, _ := newTestService(t)
	start := time.Now()
	svc.now = func() time.Time { return start }
	svc.BeginSetup()

	svc.now = func() time.Time { return start.Add(2 * time.Hour) }
	err := svc.Register("dev-1", "alice", "482913")
	assert.ErrorIs(t, err, ErrSetupExpired)
}

func TestAuthenticate_CorrectPINSucceedsAndResetsCounter(t *testing.T) {
	svc, _ := newTestService(t)
	svc.BeginSetup()
	require.NoError(t, svc.Register("dev-1", "alice", "482913"))

	result, err := svc.Authenticate("482913")
	require.NoError(t, err)
	assert.Equal(t, AuthOK, result)
}

func TestAuthenticate_LocksOutAfterMaxFailedAttemptsAndPersists(t *testing.T) {
	svc, dir := newTestService(t)
	svc.BeginSetup()
	require.NoError(t, svc.Register("dev-1", "alice", "482913"))

	for i := 0; i < 3; i++ {
		result, err := svc.Authenticate("000000")
		require.NoError(t, err)
		assert.Equal(t, AuthPinMismatch, result)
	}

	result, err := svc.Authenticate("482913")
	require.NoError(t, err)
	assert.Equal(t, AuthLockedOut, result, "even the correct PIN is rejected while locked out")
	assert.Greater(t, svc.RetryAfter(), time.Duration(0))

	reloaded, err := store.Open(dir)
	require.NoError(t, err)
	lockout, err := reloaded.LoadLockout()
	require.NoError(t, err)
	require.NotNil(t, lockout, "lockout counter must be persisted before Authenticate returns")
	assert.Equal(t, 3, lockout.FailedAttempts)
}

func TestClearOwner_RemovesOwnerAndResetsLockout(t *testing.T) {
	svc, _ := newTestService(t)
	svc.BeginSetup()
	require.NoError(t, svc.Register("dev-1", "alice", "482913"))
	svc.Authenticate("000000")

	require.NoError(t, svc.ClearOwner())
	assert.False(t, svc.OwnerPresent())
	assert.Equal(t, time.Duration(0), svc.RetryAfter())
}
