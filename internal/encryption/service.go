// Package encryption handles the opaque key blobs TapeDevice.SetEncryption
// toggles drive-level hardware encryption with, plus the optional
// software-side AEAD stream wrapping ArchiveWriter can be layered under
// (stream.go). This package never generates, rotates, or stores
// cryptographic key material:
// a key blob is supplied externally (a config field, an operator-provided
// file, or an external KMS) and is only ever fingerprinted for audit
// logging, never persisted in cleartext by this service.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tapevault/tapebackarr/internal/logging"
)

// pbkdf2Iterations: enough rounds to be expensive to brute-force, cheap
// enough to run once at process startup.
const pbkdf2Iterations = 200000

// Algorithm identifies the AEAD construction a key blob is used with.
type Algorithm string

const (
	AlgorithmAES256GCM Algorithm = "aes-256-gcm"
	// KeyLength is the required raw key blob length for AlgorithmAES256GCM.
	KeyLength = 32
)

// Service wraps an opaquely-supplied key blob to toggle hardware encryption
// and optionally wrap archive streams in software. It holds no database
// handle: the core is not in the business of storing keys.
type Service struct {
	logger *logging.Logger
}

// NewService constructs a Service. logger may be nil.
func NewService(logger *logging.Logger) *Service {
	return &Service{logger: logger}
}

// DecodeBlob decodes a base64-encoded key blob (as an operator would supply
// via config or a CLI flag) and validates its length for AlgorithmAES256GCM.
func DecodeBlob(base64Key string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid key blob encoding: %w", err)
	}
	if len(key) != KeyLength {
		return nil, fmt.Errorf("key blob must be %d bytes (256 bits), got %d", KeyLength, len(key))
	}
	return key, nil
}

// DeriveKeyFromPassphrase derives a 32-byte AES-256 key from an operator
// passphrase and salt via PBKDF2-HMAC-SHA256, for deployments that would
// rather configure a passphrase than manage a raw key blob. salt should be
// unique per deployment and is not itself secret.
func DeriveKeyFromPassphrase(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, KeyLength, sha256.New)
}

// Fingerprint computes a SHA-256 fingerprint of a key blob for audit
// logging and OperationLog details — it never reveals the key itself.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// Use logs (at info level) that a key blob with the given fingerprint was
// handed to the drive for hardware encryption, without ever logging the key
// material itself. Callers pass the raw blob straight through to
// tapedevice.Device.SetEncryption; this method only writes the log line and
// records no OperationLog row.
func (s *Service) Use(keyBlob []byte, purpose string) {
	if s.logger == nil {
		return
	}
	s.logger.Info("hardware encryption key applied", map[string]interface{}{
		"fingerprint": Fingerprint(keyBlob),
		"purpose":     purpose,
	})
}

// Encrypt encrypts plaintext with a one-shot AES-256-GCM seal, prepending
// the generated nonce to the ciphertext. Used for small payloads (e.g. TOC
// trailers); large archive streams should use EncryptReader instead.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:n], ciphertext[n:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptReader wraps r so its output is an AES-256-GCM chunked ciphertext
// stream (see stream.go), for software-side archive encryption layered
// under ArchiveWriter when hardware encryption is unavailable or disabled.
func EncryptReader(key []byte, r io.Reader) (io.Reader, error) {
	return NewEncryptingReader(r, key)
}

// DecryptReader reverses EncryptReader.
func DecryptReader(key []byte, r io.Reader) (io.Reader, error) {
	return NewDecryptingReader(r, key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
