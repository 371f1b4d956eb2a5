package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	s := NewService()
	key := make([]byte, 32)
	plaintext := []byte(`{"ssid":"home","password":"hunter2222"}`)

	framed, err := s.Encrypt(key, plaintext)
	require.NoError(t, err)

	got, err := s.Decrypt(key, framed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecrypt_TamperedCiphertextFailsAuth(t *testing.T) {
	s := NewService()
	key := make([]byte, 32)
	framed, err := s.Encrypt(key, []byte("hello"))
	require.NoError(t, err)

	framed[len(framed)-1] ^= 0xFF

	_, err = s.Decrypt(key, framed)
	require.Error(t, err)
	cerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, FailureAuthTagMismatch, cerr.Kind)
}

func TestEncrypt_NeverReusesNonce(t *testing.T) {
	s := NewService()
	key := make([]byte, 32)
	a, _ := s.Encrypt(key, []byte("x"))
	b, _ := s.Encrypt(key, []byte("x"))
	assert.NotEqual(t, a[:nonceSize], b[:nonceSize])
}

func TestDeriveSessionKey_DeterministicAndCorrectSize(t *testing.T) {
	s := NewService()
	challenge := []byte("challenge-bytes-0000000000000000")
	peerNonce := []byte("peer-nonce-bytes-000000000000000")

	k1, err := s.DeriveSessionKey(challenge, peerNonce)
	require.NoError(t, err)
	k2, err := s.DeriveSessionKey(challenge, peerNonce)
	require.NoError(t, err)

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2)
}

func TestDeriveSessionKey_RejectsEmptyInputs(t *testing.T) {
	s := NewService()
	_, err := s.DeriveSessionKey(nil, []byte("x"))
	assert.Error(t, err)
}

func TestHashPINVerifyPIN_RoundTrip(t *testing.T) {
	s := NewService()
	hash, err := s.HashPIN("482913")
	require.NoError(t, err)

	assert.True(t, s.VerifyPIN("482913", hash))
	assert.False(t, s.VerifyPIN("000000", hash))
}

func TestHashPIN_DistinctSaltsPerCall(t *testing.T) {
	s := NewService()
	h1, _ := s.HashPIN("482913")
	h2, _ := s.HashPIN("482913")
	assert.NotEqual(t, h1, h2)
}

func TestVerifyHMAC_MatchesOnlyExpectedInput(t *testing.T) {
	secret := []byte("pairing-secret")
	challenge := []byte("challenge-32-bytes-000000000000")
	peerNonce := []byte("peer-nonce-32-bytes-0000000000000")

	h := hmacFor(t, secret, challenge, peerNonce)
	assert.True(t, VerifyHMAC(secret, challenge, peerNonce, h))
	assert.False(t, VerifyHMAC(secret, challenge, peerNonce, append([]byte{}, h[:len(h)-1]...)))
}

func TestLooksLikePlaintextCredentials_DetectsKeyValueAndJSONMarkers(t *testing.T) {
	assert.True(t, LooksLikePlaintextCredentials([]byte(`SSID=home PASSWORD=hunter2`)))
	assert.True(t, LooksLikePlaintextCredentials([]byte(`{"ssid":"home","password":"hunter2"}`)))
}

func TestLooksLikePlaintextCredentials_AcceptsHighEntropyCiphertext(t *testing.T) {
	s := NewService()
	key := make([]byte, 32)
	framed, err := s.Encrypt(key, []byte(`{"ssid":"home","password":"hunter2222222"}`))
	require.NoError(t, err)
	assert.False(t, LooksLikePlaintextCredentials(framed))
}

func TestZeroise_OverwritesBuffer(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zeroise(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}

func hmacFor(t *testing.T, secret, challenge, peerNonce []byte) []byte {
	t.Helper()
	h := hmac.New(sha256.New, secret)
	h.Write(challenge)
	h.Write(peerNonce)
	return h.Sum(nil)
}
