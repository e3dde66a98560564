package hashing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashUserIDStableWithinRotationEpoch(t *testing.T) {
	mgr, err := NewSaltManager("test-secret", 30)
	require.NoError(t, err)

	day1, _ := ParseDay("2025-10-01")
	day2, _ := ParseDay("2025-10-02")
	k1 := HashUserID(mgr, "alice", day1)
	k2 := HashUserID(mgr, "alice", day2)
	require.Equal(t, k1, k2, "same rotation epoch must produce the same key")
}

func TestHashUserIDChangesAcrossRotationEpoch(t *testing.T) {
	mgr, err := NewSaltManager("test-secret", 30)
	require.NoError(t, err)

	before, _ := ParseDay("2025-10-01")
	after := before.AddDays(40)
	k1 := HashUserID(mgr, "alice", before)
	k2 := HashUserID(mgr, "alice", after)
	require.NotEqual(t, k1, k2)
}

func TestHashUserRootStableAcrossRotation(t *testing.T) {
	day1, _ := ParseDay("2025-10-01")
	day2 := day1.AddDays(400)
	mgr, err := NewSaltManager("test-secret", 30)
	require.NoError(t, err)

	// UserKey rotates...
	require.NotEqual(t, HashUserID(mgr, "alice", day1), HashUserID(mgr, "alice", day2))

	// ...but UserRoot never does, since erasure must find every row
	// regardless of which salt epoch recorded it.
	r1, err := HashUserRoot("test-secret", "alice")
	require.NoError(t, err)
	r2, err := HashUserRoot("test-secret", "alice")
	require.NoError(t, err)
	require.Equal(t, r1, r2)
}

func TestSecretBytesDecodesBase64Prefix(t *testing.T) {
	secret, err := GenerateRandomSecret()
	require.NoError(t, err)
	require.Contains(t, secret, "b64:")

	root, err := HashUserRoot(secret, "alice")
	require.NoError(t, err)
	require.NotEqual(t, UserRoot{}, root)
}

func TestDayRoundTripsISO(t *testing.T) {
	d, err := ParseDay("2025-10-09")
	require.NoError(t, err)
	require.Equal(t, "2025-10-09", d.ISO())
	require.True(t, d.Before(d.AddDays(1)))
	require.True(t, d.AddDays(1).Equal(d.AddDays(1)))
}
