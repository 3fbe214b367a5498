package cipher

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMaster = bytes.Repeat([]byte{0x42}, MinMasterKeySize)

func TestChunkRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	c, err := ForFile(testMaster, salt)
	require.NoError(t, err)

	plain := []byte("hello chunk")
	sealed := c.Seal(3, plain)
	assert.Len(t, sealed, len(plain)+Overhead)

	got, err := c.Open(3, sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	// chunks cannot be reordered
	_, err = c.Open(4, sealed)
	assert.Error(t, err)
}

func TestFileKeysDifferPerSalt(t *testing.T) {
	a, err := NewSalt()
	require.NoError(t, err)
	b, err := NewSalt()
	require.NoError(t, err)

	ka, err := DeriveFileKey(testMaster, a)
	require.NoError(t, err)
	kb, err := DeriveFileKey(testMaster, b)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kb)

	again, err := DeriveFileKey(testMaster, a)
	require.NoError(t, err)
	assert.Equal(t, ka, again)

	ca, _ := NewChunkCipher(ka)
	cb, _ := NewChunkCipher(kb)
	_, err = cb.Open(0, ca.Seal(0, []byte("x")))
	assert.Error(t, err)
}

func TestDeriveFileKeyRejectsBadInput(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	_, err = DeriveFileKey([]byte("short"), salt)
	assert.ErrorIs(t, err, ErrShortMasterKey)

	_, err = DeriveFileKey(testMaster, "!!not base64!!")
	assert.ErrorIs(t, err, ErrBadSalt)

	_, err = DeriveFileKey(testMaster, "c2FsdA")
	assert.ErrorIs(t, err, ErrBadSalt)
}

func TestSignerRoundTrip(t *testing.T) {
	s, err := NewSigner(testMaster)
	require.NoError(t, err)

	d := Download{Name: "a.png", Path: "/pics", Hash: "abc"}
	token, err := s.Sign(d, 0)
	require.NoError(t, err)

	got, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, d, *got)

	// tampering is detected
	tampered := []byte(token)
	tampered[len(tampered)/2] ^= 'A' ^ 'B'
	_, err = s.Verify(string(tampered))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewSigner(bytes.Repeat([]byte{0x01}, MinMasterKeySize))
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSignerExpiry(t *testing.T) {
	s, err := NewSigner(testMaster)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	token, err := s.Sign(Download{Name: "a", Path: "/", Hash: "h"}, time.Minute)
	require.NoError(t, err)

	_, err = s.Verify(token)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
