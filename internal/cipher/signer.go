package cipher

import (
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const signerInfo = "chunkvault signed download v1"

var (
	ErrInvalidToken = errors.New("invalid download token")
	ErrExpiredToken = errors.New("download token expired")
)

// Download is what a signed-download token carries. Hash pins the token to
// the file content it was issued for.
type Download struct {
	Name    string `json:"n"`
	Path    string `json:"p"`
	Hash    string `json:"h"`
	Expires int64  `json:"e,omitempty"`
}

// Signer issues and opens signed-download tokens.
type Signer struct {
	aead gocipher.AEAD
	now  func() time.Time
}

// NewSigner derives the token key from the master key.
func NewSigner(master []byte) (*Signer, error) {
	if len(master) < MinMasterKeySize {
		return nil, ErrShortMasterKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(signerInfo)), key); err != nil {
		return nil, fmt.Errorf("derive signer key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Signer{aead: aead, now: time.Now}, nil
}

// Sign seals d into a URL-safe token. A zero ttl never expires.
func (s *Signer) Sign(d Download, ttl time.Duration) (string, error) {
	if ttl > 0 {
		d.Expires = s.now().Add(ttl).Unix()
	}
	plain, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Verify opens a token.
func (s *Signer) Verify(token string) (*Download, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return nil, ErrInvalidToken
	}
	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var d Download
	if err := json.Unmarshal(plain, &d); err != nil {
		return nil, ErrInvalidToken
	}
	if d.Expires != 0 && s.now().Unix() > d.Expires {
		return nil, ErrExpiredToken
	}
	return &d, nil
}
