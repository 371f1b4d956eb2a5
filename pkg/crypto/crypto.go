// Package crypto implements the symmetric encryption, key derivation,
// and PIN hashing used by the BLE credential exchange. No key ever
// touches disk; this package owns zeroisation of any intermediate
// buffer before returning on an error path.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Failure enumerates the crypto-kind errors from spec.md §7.
type Failure string

const (
	FailureAuthTagMismatch   Failure = "auth_tag_mismatch"
	FailureNonceReused       Failure = "nonce_reused"
	FailureKeyMissing        Failure = "key_missing"
	FailureWeakEntropy       Failure = "weak_entropy"
	FailureKeyDerivation     Failure = "key_derivation_failed"
)

// Error wraps a Failure kind with context.
type Error struct {
	Kind Failure
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("crypto: %s: %s", e.Kind, e.Msg) }

const (
	sessionKeySize  = 32
	saltSize        = 16
	pbkdf2Iter      = 100_000
	nonceSize       = chacha20poly1305.NonceSize // 12 bytes, matches spec.md's wire format
	entropyWindow   = 32
	entropyBitsFloor = 3.5
)

// Service implements session key derivation, AEAD encryption, and PIN
// hashing. It is stateless and safe for concurrent use. It keeps no
// record of nonces it has seen, so a replayed nonce is not detected
// here.
type Service struct{}

// NewService constructs the crypto service.
func NewService() *Service { return &Service{} }

// DeriveSessionKey derives a 256-bit session key via HKDF-SHA256 over
// the handshake's challenge and peer nonce, as specified for C_HANDSHAKE.
func (s *Service) DeriveSessionKey(challenge, peerNonce []byte) ([]byte, error) {
	if len(challenge) == 0 || len(peerNonce) == 0 {
		return nil, &Error{Kind: FailureKeyDerivation, Msg: "empty handshake material"}
	}
	ikm := append(append([]byte{}, challenge...), peerNonce...)
	defer Zeroise(ikm)
	reader := hkdf.New(sha256.New, ikm, nil, []byte("rockpi-provisiond-session-key"))
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		Zeroise(key)
		return nil, &Error{Kind: FailureKeyDerivation, Msg: err.Error()}
	}
	return key, nil
}

// Encrypt authenticated-encrypts plaintext under key, returning
// nonce || ciphertext || tag. A fresh random nonce is generated for
// every call so the same key is never reused with a repeated nonce.
func (s *Service) Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, &Error{Kind: FailureKeyMissing, Msg: err.Error()}
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, &Error{Kind: FailureWeakEntropy, Msg: err.Error()}
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ct...), nil
}

// Decrypt authenticates and decrypts a nonce||ciphertext||tag buffer.
// Any authentication failure returns FailureAuthTagMismatch; the
// service's own intermediates are discarded by the garbage collector
// on every path, plaintext ownership passes to the caller.
func (s *Service) Decrypt(key, framed []byte) ([]byte, error) {
	if len(framed) < nonceSize {
		return nil, &Error{Kind: FailureAuthTagMismatch, Msg: "frame too short"}
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, &Error{Kind: FailureKeyMissing, Msg: err.Error()}
	}
	nonce, ct := framed[:nonceSize], framed[nonceSize:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, &Error{Kind: FailureAuthTagMismatch, Msg: "authentication failed"}
	}
	return pt, nil
}

// Zeroise overwrites a buffer in place. Callers holding plaintext or
// key material call this on every return path, success or error.
func Zeroise(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// HashPIN returns "<salt_hex>:<hash_hex>" using PBKDF2-HMAC-SHA256 with
// a fresh >=16-byte random salt and >=100000 iterations.
func (s *Service) HashPIN(pin string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", &Error{Kind: FailureWeakEntropy, Msg: err.Error()}
	}
	hash := pbkdf2.Key([]byte(pin), salt, pbkdf2Iter, sha256.Size, sha256.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// VerifyPIN performs a constant-time comparison of pin against a
// "<salt_hex>:<hash_hex>" record produced by HashPIN.
func (s *Service) VerifyPIN(pin, stored string) bool {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(pin), salt, pbkdf2Iter, sha256.Size, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// VerifyHMAC performs a constant-time comparison of the BLE handshake
// HMAC (see spec.md §6.1, C_HANDSHAKE).
func VerifyHMAC(pairingSecret, challenge, peerNonce, mac []byte) bool {
	h := hmac.New(sha256.New, pairingSecret)
	h.Write(challenge)
	h.Write(peerNonce)
	expected := h.Sum(nil)
	return hmac.Equal(expected, mac)
}

var plaintextMarkers = []string{
	"SSID=", "password=", "PSK=",
	`"ssid"`, `"password"`,
	"-----BEGIN ", "PuTTY-User-Key-File",
}

// LooksLikePlaintextCredentials applies conservative heuristics to the
// raw inbound C_CREDENTIALS payload *before* any decryption is
// attempted: literal key=value/JSON markers, PEM headers, or low
// Shannon entropy over a long-enough window.
func LooksLikePlaintextCredentials(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	s := string(raw)
	for _, marker := range plaintextMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	if len(raw) >= entropyWindow && shannonEntropy(raw) < entropyBitsFloor {
		return true
	}
	return false
}

// shannonEntropy computes bits-per-byte Shannon entropy over buf.
func shannonEntropy(buf []byte) float64 {
	var counts [256]int
	for _, b := range buf {
		counts[b]++
	}
	entropy := 0.0
	n := float64(len(buf))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
