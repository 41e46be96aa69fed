// Package encryption seals pkg/audit's log file at rest. BoltD has
// exactly one encryption use case — EncryptedLogWriter/DecryptingLogReader
// wrapping the audit log stream — so this package carries a single
// AES-256-GCM key derived from an operator-supplied password rather than
// a full key-rotation/KMS surface. There is no per-field or
// multi-version key store anywhere in this repo for that surface to
// serve.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidData      = errors.New("encryption: invalid encrypted data")
	ErrDecryptionFailed = errors.New("encryption: decryption failed (authentication error)")
)

// Config controls key derivation for NewEncryptorWithPassword.
type Config struct {
	// Enabled controls whether Encryptor actually encrypts. A disabled
	// Encryptor's Encrypt/Decrypt just base64-encode/decode, so callers
	// don't need to branch on whether encryption is configured.
	Enabled bool

	// Salt for PBKDF2 key derivation; should be unique per installation.
	Salt []byte

	// Iterations is the PBKDF2 iteration count (default 600000, the
	// 2023 OWASP recommendation).
	Iterations int
}

// DefaultConfig returns secure default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Iterations: 600000,
	}
}

// Encryptor seals/opens audit log records under a single AES-256-GCM
// key.
type Encryptor struct {
	key     []byte // 32 bytes; nil when disabled
	enabled bool
}

// NewEncryptorWithPassword derives a 32-byte key from password via
// PBKDF2 and returns an Encryptor sealing with it.
func NewEncryptorWithPassword(password string, config Config) (*Encryptor, error) {
	if !config.Enabled {
		return &Encryptor{enabled: false}, nil
	}

	salt := config.Salt
	if len(salt) == 0 {
		salt = []byte("boltd-default-salt-change-me")
	}
	iterations := config.Iterations
	if iterations <= 0 {
		iterations = 600000
	}

	return &Encryptor{
		key:     pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New),
		enabled: true,
	}, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns a base64-encoded
// (nonce || ciphertext).
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	if !e.enabled {
		return base64.StdEncoding.EncodeToString(plaintext), nil
	}
	sealed, err := seal(plaintext, e.key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidData
	}
	if !e.enabled {
		return data, nil
	}
	return open(data, e.key)
}

// EncryptString is Encrypt for a string input.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	return e.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt returning a string.
func (e *Encryptor) DecryptString(ciphertext string) (string, error) {
	data, err := e.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// IsEnabled reports whether this Encryptor actually encrypts, or just
// round-trips its input through base64.
func (e *Encryptor) IsEnabled() bool {
	return e.enabled
}

func seal(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidData
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptedLogWriter wraps an io.Writer (an audit log file, normally)
// so every line written to it is sealed with the Encryptor first. Each
// record is written as a 4-byte big-endian length prefix followed by
// the AES-256-GCM ciphertext returned by Encrypt, so the underlying
// file never holds plaintext audit entries at rest.
type EncryptedLogWriter struct {
	enc *Encryptor
	w   io.Writer
}

// NewEncryptedLogWriter wraps w with enc. Writes of plaintext lines
// (newline included or not, callers' choice) are sealed individually.
func NewEncryptedLogWriter(w io.Writer, enc *Encryptor) *EncryptedLogWriter {
	return &EncryptedLogWriter{enc: enc, w: w}
}

// Write implements io.Writer. p is treated as one complete record.
func (w *EncryptedLogWriter) Write(p []byte) (int, error) {
	sealed, err := w.enc.Encrypt(p)
	if err != nil {
		return 0, fmt.Errorf("encryption: sealing audit record: %w", err)
	}
	var lengthPrefix [4]byte
	binary.BigEndian.PutUint32(lengthPrefix[:], uint32(len(sealed)))
	if _, err := w.w.Write(lengthPrefix[:]); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(w.w, sealed); err != nil {
		return 0, err
	}
	return len(p), nil
}

// DecryptingLogReader reads records written by an EncryptedLogWriter
// back out as plaintext, one record per ReadRecord call.
type DecryptingLogReader struct {
	enc *Encryptor
	r   io.Reader
}

// NewDecryptingLogReader wraps r with enc.
func NewDecryptingLogReader(r io.Reader, enc *Encryptor) *DecryptingLogReader {
	return &DecryptingLogReader{enc: enc, r: r}
}

// ReadRecord reads and decrypts the next record, or io.EOF when the
// underlying reader is exhausted at a record boundary.
func (r *DecryptingLogReader) ReadRecord() ([]byte, error) {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(r.r, lengthPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lengthPrefix[:])
	sealed := make([]byte, n)
	if _, err := io.ReadFull(r.r, sealed); err != nil {
		return nil, fmt.Errorf("encryption: truncated audit record: %w", err)
	}
	return r.enc.Decrypt(string(sealed))
}
