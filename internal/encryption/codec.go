package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"group-chat/internal/apperrors"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM nonce length used for every envelope.
	IVSize = 16
	// TagSize is the GCM authentication tag length.
	TagSize = 16

	separator = ":"
)

// Codec encrypts message content into envelopes of the form
// hex(iv):hex(tag):hex(ciphertext). A disabled codec is the identity.
type Codec struct {
	aead    cipher.AEAD
	enabled bool
}

// NewCodec builds a codec from the configured key. A key of exactly 64 hex
// characters is used as raw key material, anything else is hashed with
// SHA-256 down to 32 bytes.
func NewCodec(key string, enabled bool) (*Codec, error) {
	if !enabled {
		return &Codec{}, nil
	}
	if key == "" {
		return nil, fmt.Errorf("encryption enabled but no key configured")
	}

	block, err := aes.NewCipher(NormalizeKey(key))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Codec{aead: aead, enabled: true}, nil
}

// Disabled returns a codec that passes content through unchanged.
func Disabled() *Codec {
	return &Codec{}
}

// NormalizeKey maps arbitrary key input onto a fixed 32-byte AES key.
func NormalizeKey(key string) []byte {
	if len(key) == hex.EncodedLen(KeySize) {
		if raw, err := hex.DecodeString(key); err == nil {
			return raw
		}
	}
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

// Enabled reports whether content is actually encrypted.
func (c *Codec) Enabled() bool {
	return c != nil && c.enabled
}

// Encrypt seals plaintext into an envelope. Empty content stays empty so
// media-only messages do not carry a ciphertext of nothing.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if !c.Enabled() || plaintext == "" {
		return plaintext, nil
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("%w: generate iv: %v", apperrors.ErrEncryption, err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, separator), nil
}

// Decrypt opens an envelope. Text that is not shaped like an envelope is
// returned as-is (legacy plaintext rows); a well-formed envelope that fails
// authentication yields ErrEncryption.
func (c *Codec) Decrypt(envelope string) (string, error) {
	if !c.Enabled() || envelope == "" {
		return envelope, nil
	}
	if !LooksEncrypted(envelope) {
		if damagedEnvelope(envelope) {
			return "", fmt.Errorf("%w: malformed envelope", apperrors.ErrEncryption)
		}
		return envelope, nil
	}

	parts := strings.Split(envelope, separator)
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: malformed iv", apperrors.ErrEncryption)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: malformed tag", apperrors.ErrEncryption)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", apperrors.ErrEncryption)
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", apperrors.ErrEncryption)
	}
	return string(plain), nil
}

// LooksEncrypted is a structural check only: three colon separated fields
// with the first two being exactly 32 hex characters. The ciphertext field is
// not inspected, a corrupt one surfaces from Decrypt instead.
func LooksEncrypted(text string) bool {
	parts := strings.Split(text, separator)
	if len(parts) != 3 {
		return false
	}
	if len(parts[0]) != hex.EncodedLen(IVSize) || len(parts[1]) != hex.EncodedLen(TagSize) {
		return false
	}
	return isHex(parts[0]) && isHex(parts[1])
}

// damagedEnvelope reports text that has an envelope's layout but fails
// LooksEncrypted: the iv or tag field holds non-hex characters, or a
// separator was overwritten by a non-hex character while the fields still are.
func damagedEnvelope(text string) bool {
	ivLen, tagLen := hex.EncodedLen(IVSize), hex.EncodedLen(TagSize)
	if parts := strings.Split(text, separator); len(parts) == 3 {
		return len(parts[0]) == ivLen && len(parts[1]) == tagLen
	}
	if len(text) <= ivLen+tagLen+2 {
		return false
	}
	sep1, sep2 := text[ivLen:ivLen+1], text[ivLen+1+tagLen:ivLen+2+tagLen]
	if isHex(sep1) || isHex(sep2) {
		return false
	}
	iv, tag, ct := text[:ivLen], text[ivLen+1:ivLen+1+tagLen], text[ivLen+tagLen+2:]
	return isHex(iv) && isHex(tag) && isHex(ct)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= '0' && ch <= '9', ch >= 'a' && ch <= 'f', ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}
