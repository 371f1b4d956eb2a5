package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesDirWithOwnerOnlyMode(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s, err := Open(dir)
	require.NoError(t, err)
	require.NotNil(t, s)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestOwnerRecord_RoundTripAndFileMode(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	rec := OwnerRecord{OwnerName: "alice", PinHash: "salt:hash", RegisteredAt: time.Now(), DeviceID: "dev-1"}
	require.NoError(t, s.StoreOwner(rec))

	got, err := s.LoadOwner()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.OwnerName, got.OwnerName)
	assert.Equal(t, rec.PinHash, got.PinHash)

	info, err := os.Stat(s.path(ownerFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "owner record must be owner-only readable")
}

func TestLoadOwner_AbsentReturnsNilNotError(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	got, err := s.LoadOwner()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadOwner_QuarantinesMalformedFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.path(ownerFile), []byte("not json"), 0o600))

	got, err := s.LoadOwner()
	require.NoError(t, err)
	assert.Nil(t, got)

	_, statErr := os.Stat(s.path(ownerFile) + ".corrupt")
	assert.NoError(t, statErr, "malformed file should be quarantined, not deleted")
}

func TestLoadOwner_QuarantinesWrongSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.path(ownerFile), []byte(`{"version":99,"owner_name":"x"}`), 0o600))

	got, err := s.LoadOwner()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWifiProfile_RoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	rec := WifiProfile{SSID: "home-net", Password: "hunter2222", SecurityType: "WPA2", SavedAt: time.Now()}
	require.NoError(t, s.StoreWifi(rec))

	got, err := s.LoadWifi()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.SSID, got.SSID)
}

func TestClearAll_RemovesEveryRecordAndIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.StoreOwner(OwnerRecord{OwnerName: "alice"}))
	require.NoError(t, s.StoreWifi(WifiProfile{SSID: "net"}))
	require.NoError(t, s.StoreLockout(LockoutState{FailedAttempts: 2}))

	require.NoError(t, s.ClearAll())

	owner, err := s.LoadOwner()
	require.NoError(t, err)
	assert.Nil(t, owner)

	require.NoError(t, s.ClearAll(), "clearing an already-empty store must not error")
}
