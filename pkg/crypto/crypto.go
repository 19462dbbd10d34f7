package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidPhone      = errors.New("invalid phone number")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,15}$`)

// NormalizePhone converts a raw phone number to E.164-like form. A leading
// trunk "0" is replaced with the default country code; numbers without a
// leading "+" get the default code prefixed.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	phone := strings.Join(strings.Fields(raw), "")
	phone = strings.ReplaceAll(phone, "-", "")
	if phone == "" {
		return "", ErrInvalidPhone
	}

	switch {
	case strings.HasPrefix(phone, "+"):
		// already international
	case strings.HasPrefix(phone, "0") && defaultCountryCode != "":
		phone = defaultCountryCode + phone[1:]
	case defaultCountryCode != "":
		phone = defaultCountryCode + phone
	}

	if !e164Pattern.MatchString(phone) {
		return "", ErrInvalidPhone
	}
	return phone, nil
}

// DigitsOnly strips everything but decimal digits. Used for phone-derived
// PIN values.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Hash returns hex(SHA-256(value || salt)). One-way; used for all indexed
// lookups so raw contact values never appear in an index.
func Hash(value, salt string) string {
	sum := sha256.Sum256([]byte(value + salt))
	return hex.EncodeToString(sum[:])
}

// Encrypt seals plaintext with AES-GCM under the base64-encoded key. The
// random 96-bit nonce is prepended to the ciphertext and the whole blob is
// base64-encoded for storage.
func Encrypt(plaintext []byte, base64Key string) (string, error) {
	gcm, err := newGCM(base64Key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. The first 12 bytes of the decoded blob are the
// nonce.
func Decrypt(encoded, base64Key string) ([]byte, error) {
	gcm, err := newGCM(base64Key)
	if err != nil {
		return nil, err
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(blob) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(base64Key string) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	return cipher.NewGCM(block)
}
