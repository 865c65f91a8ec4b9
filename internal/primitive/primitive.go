// Package primitive implements the cryptographic building blocks shared by
// the identity store, the dead-drop pipeline, and the messaging actor:
// password-based key derivation, the two AEAD constructions used at rest
// and in transit, ECDH key agreement, and buffer zeroization.
package primitive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Argon2id parameters. Fixed by the wire format: changing any of these
// values changes every derived key for existing on-disk identities.
const (
	argonTime    = 3
	argonMemory  = 16 * 1024 // 16 MiB, in KiB
	argonThreads = 1
	argonKeyLen  = 32
)

// SaltLen is the length in bytes of the Argon2id salt stored alongside a
// sealed identity.
const SaltLen = 16

// NonceLen is the nonce length used by both AEAD constructions below.
const NonceLen = 12

// messageKeyLabel domain-separates the message-key KDF from any other use
// of SHA-256 in this module. Must match byte-for-byte between peers.
const messageKeyLabel = "deaddrop-message-key"

var (
	// ErrBadParams is returned when caller-supplied key/nonce material has
	// the wrong length.
	ErrBadParams = errors.New("primitive: bad parameters")
	// ErrAuthFailure is returned when AEAD authentication fails on open.
	ErrAuthFailure = errors.New("primitive: authentication failed")
)

// DeriveKey runs Argon2id over passphrase and salt, producing a 32-byte key
// suitable for use with either AEAD construction below. salt must be
// SaltLen bytes.
func DeriveKey(passphrase []byte, salt []byte) ([]byte, error) {
	if len(salt) != SaltLen {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrBadParams, SaltLen, len(salt))
	}
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen), nil
}

// NewSalt returns a fresh random Argon2id salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("primitive: generating salt: %w", err)
	}
	return salt, nil
}

// NewNonce returns a fresh random 12-byte AEAD nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("primitive: generating nonce: %w", err)
	}
	return nonce, nil
}

// SealChaCha20Poly1305 encrypts plaintext under key with the standard
// (12-byte nonce) ChaCha20-Poly1305 construction. Used for messages and
// dead-drop file chunks.
func SealChaCha20Poly1305(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrBadParams, chacha20poly1305.KeySize)
	}
	if len(nonce) != NonceLen {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrBadParams, NonceLen)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("primitive: building aead: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenChaCha20Poly1305 decrypts and authenticates ciphertext produced by
// SealChaCha20Poly1305. Returns ErrAuthFailure on tag mismatch.
func OpenChaCha20Poly1305(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrBadParams, chacha20poly1305.KeySize)
	}
	if len(nonce) != NonceLen {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrBadParams, NonceLen)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("primitive: building aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// SealAESGCM encrypts plaintext under key with AES-256-GCM. Used only for
// the identity-at-rest envelope, a deliberately distinct AEAD family from
// SealChaCha20Poly1305.
func SealAESGCM(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes", ErrBadParams)
	}
	if len(nonce) != NonceLen {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrBadParams, NonceLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("primitive: building aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("primitive: building gcm: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenAESGCM decrypts and authenticates ciphertext produced by SealAESGCM.
// Returns ErrAuthFailure on tag mismatch.
func OpenAESGCM(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes", ErrBadParams)
	}
	if len(nonce) != NonceLen {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrBadParams, NonceLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("primitive: building aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("primitive: building gcm: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// GenerateX25519 returns a fresh X25519 private/public key pair.
func GenerateX25519() (private, public []byte, err error) {
	private = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, fmt.Errorf("primitive: generating private key: %w", err)
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("primitive: deriving public key: %w", err)
	}
	return private, public, nil
}

// PublicFromPrivate derives the X25519 public key corresponding to a
// private scalar, e.g. when reloading a private key from sealed storage.
func PublicFromPrivate(privateKey []byte) ([]byte, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrBadParams, curve25519.ScalarSize)
	}
	public, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("primitive: deriving public key: %w", err)
	}
	return public, nil
}

// ECDH computes the X25519 shared secret between a local private key and a
// remote public key.
func ECDH(privateKey, peerPublicKey []byte) ([]byte, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrBadParams, curve25519.ScalarSize)
	}
	if len(peerPublicKey) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrBadParams, curve25519.PointSize)
	}
	secret, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("primitive: computing shared secret: %w", err)
	}
	return secret, nil
}

// DeriveMessageKey derives the symmetric key used to encrypt a single
// ghost message from an ECDH shared secret: SHA-256(label || secret).
// The label must match byte-for-byte between sender and recipient.
func DeriveMessageKey(sharedSecret []byte) []byte {
	h := sha256.New()
	h.Write([]byte(messageKeyLabel))
	h.Write(sharedSecret)
	return h.Sum(nil)
}

// Zeroize overwrites b with zeros in place. Safe to call on a nil or empty
// slice.
func Zeroize(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.XORBytes(b, b, b)
}
