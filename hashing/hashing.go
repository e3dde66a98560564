// Package hashing derives privacy-preserving keys from raw user identifiers.
//
// Two distinct hashes are produced for every user: a day-scoped UserKey
// used for distinct-count sketches (unlinkable across salt rotation
// boundaries) and an epoch-stable UserRoot used to index erasure
// requests across the full activity log.
package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// UserKey is a day-salted HMAC of a user identifier. Two calls for the
// same user on days within the same rotation epoch produce the same
// key; calls across an epoch boundary do not.
type UserKey [32]byte

// UserRoot is an epoch-stable HMAC of a user identifier, used solely to
// locate all activity rows belonging to a user for erasure.
type UserRoot [32]byte

// String renders a short hex prefix suitable for log lines. The full
// key is never logged.
func (k UserKey) String() string { return shortHex(k[:]) }

// String renders a short hex prefix suitable for log lines.
func (r UserRoot) String() string { return shortHex(r[:]) }

func shortHex(b []byte) string {
	n := 6
	if len(b) < n {
		n = len(b)
	}
	buf := make([]byte, n*2)
	const hexdigits = "0123456789abcdef"
	for i := 0; i < n; i++ {
		buf[i*2] = hexdigits[b[i]>>4]
		buf[i*2+1] = hexdigits[b[i]&0x0f]
	}
	return string(buf)
}

func secretBytes(secret string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(secret, "b64:"); ok {
		decoded, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("hashing: decode b64 secret: %w", err)
		}
		return decoded, nil
	}
	return []byte(secret), nil
}

// SaltManager derives a day-scoped HMAC salt on a fixed rotation
// cadence: every rotationDays, the salt changes, which bounds how long
// a given UserKey remains linkable across days.
type SaltManager struct {
	secret       []byte
	rotationDays int
}

// NewSaltManager builds a SaltManager from a configured secret (plain
// text, or base64 with a "b64:" prefix) and a rotation cadence in days.
func NewSaltManager(secret string, rotationDays int) (*SaltManager, error) {
	raw, err := secretBytes(secret)
	if err != nil {
		return nil, err
	}
	if rotationDays < 1 {
		rotationDays = 1
	}
	return &SaltManager{secret: raw, rotationDays: rotationDays}, nil
}

// SaltForDay returns the HMAC salt in effect for the given day, keyed
// by the rotation epoch (day ordinal divided by the rotation cadence).
func (m *SaltManager) SaltForDay(day Day) []byte {
	epoch := day.Ordinal() / m.rotationDays
	message := strconv.Itoa(epoch)
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// HashUserID derives the UserKey for a user on a given day using the
// manager's rotation-scoped salt.
func HashUserID(manager *SaltManager, userID string, day Day) UserKey {
	salt := manager.SaltForDay(day)
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(userID))
	var out UserKey
	copy(out[:], mac.Sum(nil))
	return out
}

// HashUserRoot derives the epoch-stable UserRoot for a user, independent
// of salt rotation, so erasure requests can find every activity row the
// user has ever produced regardless of which salt epoch recorded it.
func HashUserRoot(secret string, userID string) (UserRoot, error) {
	raw, err := secretBytes(secret)
	if err != nil {
		return UserRoot{}, err
	}
	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(userID))
	var out UserRoot
	copy(out[:], mac.Sum(nil))
	return out, nil
}

// GenerateRandomSecret mints a fresh 32-byte secret, base64-encoded
// with the "b64:" prefix accepted by NewSaltManager and HashUserRoot.
// Intended for process-local use only: a secret minted this way does
// not survive a restart, so any UserKey or UserRoot it produces is only
// stable for the lifetime of the process.
func GenerateRandomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("hashing: generate random secret: %w", err)
	}
	return "b64:" + base64.StdEncoding.EncodeToString(buf), nil
}

// TruncateKey truncates a hashed key to the given length, or returns it
// unchanged when length is zero or negative or not shorter than the key.
// The sketch backends do not call it; they hash keys with their own
// 64-bit hash functions.
func TruncateKey(key []byte, length int) []byte {
	if length <= 0 || length >= len(key) {
		return key
	}
	return key[:length]
}
