package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ivSize matches the envelope written by earlier deployments (16-byte IV)
const ivSize = 16

var (
	// ErrInvalidEnvelope is returned when ciphertext is not iv:tag:data hex
	ErrInvalidEnvelope = errors.New("credential: invalid encrypted envelope")
	// ErrDecrypt is returned when no configured key opens the envelope
	ErrDecrypt = errors.New("credential: failed to decrypt, encryption key may be wrong")
)

var hkdfInfo = []byte("invoicesync credential store v1")

// Cipher encrypts credential payloads with AES-256-GCM using the
// "hex(iv):hex(tag):hex(ciphertext)" envelope.
//
// A 64 character hex key is used as raw key material. Any other passphrase is
// expanded with HKDF-SHA256. Envelopes written with the older SHA-256
// passphrase digest are still accepted on read.
type Cipher struct {
	primary cipher.AEAD
	legacy  []cipher.AEAD
}

// NewCipher builds a Cipher from the configured key
func NewCipher(key string) (*Cipher, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("credential: encryption key is empty")
	}

	if raw, err := hex.DecodeString(key); err == nil && len(raw) == 32 {
		aead, err := newAEAD(raw)
		if err != nil {
			return nil, err
		}
		return &Cipher{primary: aead}, nil
	}

	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), nil, hkdfInfo), derived); err != nil {
		return nil, fmt.Errorf("credential: derive key: %w", err)
	}
	primary, err := newAEAD(derived)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256([]byte(key))
	legacy, err := newAEAD(digest[:])
	if err != nil {
		return nil, err
	}

	return &Cipher{primary: primary, legacy: []cipher.AEAD{legacy}}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, ivSize)
}

// Encrypt seals plaintext into an envelope
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("credential: generate iv: %w", err)
	}

	sealed := c.primary.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - c.primary.Overhead()
	data, tag := sealed[:tagStart], sealed[tagStart:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(data), nil
}

// Decrypt opens an envelope
func (c *Cipher) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(envelope), ":")
	if len(parts) != 3 {
		return nil, ErrInvalidEnvelope
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return nil, ErrInvalidEnvelope
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	data, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidEnvelope
	}

	sealed := make([]byte, 0, len(data)+len(tag))
	sealed = append(sealed, data...)
	sealed = append(sealed, tag...)

	for _, aead := range append([]cipher.AEAD{c.primary}, c.legacy...) {
		if len(tag) != aead.Overhead() {
			continue
		}
		if plain, err := aead.Open(nil, iv, sealed, nil); err == nil {
			return plain, nil
		}
	}
	return nil, ErrDecrypt
}

// IsEnvelope reports whether data looks like an encrypted envelope rather than
// plain JSON.
func IsEnvelope(data []byte) bool {
	s := strings.TrimSpace(string(data))
	return s != "" && !strings.HasPrefix(s, "{") && strings.Count(s, ":") == 2
}
