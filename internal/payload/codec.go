// Package payload encodes and decodes the encrypted string carried by a
// student's personal QR code.
//
// The plaintext is "eventlog-<eventDateID>-<studentIDNumber>". It is sealed
// with XChaCha20-Poly1305 under a key derived from the station secret, and the
// nonce plus ciphertext travel as standard base64.
package payload

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const prefix = "eventlog"

var (
	ErrMalformedTransport = errors.New("payload: malformed transport encoding")
	ErrDecryption         = errors.New("payload: decryption failed")
	ErrSchemaMismatch     = errors.New("payload: schema mismatch")
	ErrInvalidIdentifier  = errors.New("payload: invalid identifier")
)

// Scan identifies one student at one event-date.
type Scan struct {
	EventDateID     int64 `json:"event_date_id"`
	StudentIDNumber int64 `json:"student_id_number"`
}

// IsInvalid reports whether err came from decoding a code that is not a valid EventLog payload.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrMalformedTransport) ||
		errors.Is(err, ErrDecryption) ||
		errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrInvalidIdentifier)
}

// Encode returns the transport string for a student's code at an event-date.
func Encode(eventDateID, studentIDNumber int64, secret string) (string, error) {
	text := fmt.Sprintf("%s-%d-%d", prefix, eventDateID, studentIDNumber)
	return seal(secret, text)
}

// Decode parses raw back into a Scan. It has no side effects.
func Decode(raw, secret string) (Scan, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return Scan{}, fmt.Errorf("%w: %v", ErrMalformedTransport, err)
	}

	aead, err := newAEAD(secret)
	if err != nil {
		return Scan{}, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return Scan{}, fmt.Errorf("%w: payload too short", ErrDecryption)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Scan{}, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if !utf8.Valid(plain) {
		return Scan{}, fmt.Errorf("%w: plaintext is not utf-8", ErrDecryption)
	}
	return parse(string(plain))
}

func parse(text string) (Scan, error) {
	if !strings.HasPrefix(text, prefix) {
		return Scan{}, fmt.Errorf("%w: missing %q prefix", ErrSchemaMismatch, prefix)
	}
	parts := strings.Split(text, "-")
	if len(parts) != 3 || parts[0] != prefix {
		return Scan{}, fmt.Errorf("%w: want 3 fields, got %d", ErrSchemaMismatch, len(parts))
	}
	eventDateID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Scan{}, fmt.Errorf("%w: event date id %q", ErrInvalidIdentifier, parts[1])
	}
	studentIDNumber, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Scan{}, fmt.Errorf("%w: student id number %q", ErrInvalidIdentifier, parts[2])
	}
	return Scan{EventDateID: eventDateID, StudentIDNumber: studentIDNumber}, nil
}

func seal(secret, text string) (string, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(text)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("payload: nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, []byte(text), nil)), nil
}

// newAEAD derives a fixed 256-bit key from the secret so the same secret always opens the same codes.
func newAEAD(secret string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("eventlog qr payload v1")), key); err != nil {
		return nil, fmt.Errorf("payload: derive key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}
