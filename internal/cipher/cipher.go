// Package cipher encrypts file chunks and seals signed-download tokens.
//
// Every file gets its own key, derived with HKDF from the master key and a
// random per-upload salt. Chunks are sealed with ChaCha20-Poly1305 using the
// chunk index as nonce, which is safe because each key seals each index once.
package cipher

import (
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// SaltSize is the length of a per-upload salt.
	SaltSize = 16
	// Overhead is how many bytes sealing adds to a chunk.
	Overhead = chacha20poly1305.Overhead
	// MinMasterKeySize is the shortest accepted master key.
	MinMasterKeySize = 32

	fileKeyInfo = "chunkvault file key v1"
)

var (
	ErrShortMasterKey = fmt.Errorf("master key must be at least %d bytes", MinMasterKeySize)
	ErrBadSalt        = errors.New("invalid key salt")
)

// NewSalt returns a fresh random salt, base64url encoded for storage.
func NewSalt() (string, error) {
	b := make([]byte, SaltSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeriveFileKey derives the key for one file from the master key and its salt.
func DeriveFileKey(master []byte, salt string) ([]byte, error) {
	if len(master) < MinMasterKeySize {
		return nil, ErrShortMasterKey
	}
	raw, err := base64.RawURLEncoding.DecodeString(salt)
	if err != nil || len(raw) != SaltSize {
		return nil, ErrBadSalt
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, raw, []byte(fileKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive file key: %w", err)
	}
	return key, nil
}

// ChunkCipher seals and opens the chunks of one file.
type ChunkCipher struct {
	aead gocipher.AEAD
}

// NewChunkCipher creates a cipher for a derived file key.
func NewChunkCipher(key []byte) (*ChunkCipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create chunk cipher: %w", err)
	}
	return &ChunkCipher{aead: aead}, nil
}

// ForFile derives the file key and returns its chunk cipher.
func ForFile(master []byte, salt string) (*ChunkCipher, error) {
	key, err := DeriveFileKey(master, salt)
	if err != nil {
		return nil, err
	}
	return NewChunkCipher(key)
}

func chunkNonce(index int) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], uint64(index))
	return nonce
}

// Seal encrypts chunk number index.
func (c *ChunkCipher) Seal(index int, plain []byte) []byte {
	return c.aead.Seal(nil, chunkNonce(index), plain, nil)
}

// Open decrypts chunk number index. It fails if the chunk was tampered with
// or belongs to a different position.
func (c *ChunkCipher) Open(index int, sealed []byte) ([]byte, error) {
	plain, err := c.aead.Open(nil, chunkNonce(index), sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open chunk %d: %w", index, err)
	}
	return plain, nil
}
