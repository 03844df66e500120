// Package crypto implements the at-rest payload envelope: any persisted
// action payload is wrapped as ENC[<version>;<kid?>;<iv>;<ciphertext>]
// with AES-256-GCM. kid selects the key for rotation; decryption tries
// the matching key first and falls back to the rest of the keyring.
// Plain legacy values pass through decryption unchanged.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const envelopeVersion = "1"

// Key is one master key with its rotation id.
type Key struct {
	KID    string
	Master []byte // 32 bytes
}

// Keyring encrypts with its primary key and decrypts with any key.
type Keyring struct {
	primary Key
	keys    []Key
}

// NewKeyring builds a keyring. The first key is the primary used for new
// encryptions.
func NewKeyring(keys ...Key) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("crypto: keyring needs at least one key")
	}
	for _, k := range keys {
		if len(k.Master) != 32 {
			return nil, fmt.Errorf("crypto: key %q must be 32 bytes, got %d", k.KID, len(k.Master))
		}
	}
	return &Keyring{primary: keys[0], keys: keys}, nil
}

// derive expands the master key through HKDF-SHA256 bound to the
// envelope version, so rotating the format never reuses key material.
func derive(master []byte) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte("acteon-payload-envelope-v"+envelopeVersion))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: derive: %w", err)
	}
	return out, nil
}

func gcmFor(master []byte) (cipher.AEAD, error) {
	key, err := derive(master)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt wraps plaintext in the ENC[…] envelope using the primary key.
func (kr *Keyring) Encrypt(plaintext []byte) (string, error) {
	aead, err := gcmFor(kr.primary.Master)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: read iv: %w", err)
	}
	ct := aead.Seal(nil, iv, plaintext, []byte(kr.primary.KID))
	return fmt.Sprintf("ENC[%s;%s;%s;%s]",
		envelopeVersion,
		kr.primary.KID,
		base64.RawStdEncoding.EncodeToString(iv),
		base64.RawStdEncoding.EncodeToString(ct),
	), nil
}

// IsEncrypted reports whether s carries the ENC[…] envelope.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, "ENC[") && strings.HasSuffix(s, "]")
}

// Decrypt unwraps an ENC[…] envelope. Values without the envelope are
// returned unchanged, so legacy plaintext reads keep working.
func (kr *Keyring) Decrypt(s string) ([]byte, error) {
	if !IsEncrypted(s) {
		return []byte(s), nil
	}
	body := s[len("ENC[") : len(s)-1]
	parts := strings.Split(body, ";")
	if len(parts) != 4 {
		return nil, fmt.Errorf("crypto: malformed envelope")
	}
	version, kid, ivB64, ctB64 := parts[0], parts[1], parts[2], parts[3]
	if version != envelopeVersion {
		return nil, fmt.Errorf("crypto: unsupported envelope version %q", version)
	}
	iv, err := base64.RawStdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("crypto: malformed iv: %w", err)
	}
	ct, err := base64.RawStdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, fmt.Errorf("crypto: malformed ciphertext: %w", err)
	}

	// Try the kid's key first, then fall back to the rest of the ring.
	ordered := make([]Key, 0, len(kr.keys))
	for _, k := range kr.keys {
		if k.KID == kid {
			ordered = append(ordered, k)
		}
	}
	for _, k := range kr.keys {
		if k.KID != kid {
			ordered = append(ordered, k)
		}
	}
	var lastErr error
	for _, k := range ordered {
		aead, err := gcmFor(k.Master)
		if err != nil {
			lastErr = err
			continue
		}
		pt, err := aead.Open(nil, iv, ct, []byte(kid))
		if err == nil {
			return pt, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("crypto: decryption failed with all keys: %v", lastErr)
}
