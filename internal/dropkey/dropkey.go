// Package dropkey implements the per-drop session key and the chunked
// streaming file AEAD used to seal dead-drop payloads before they are
// uploaded to content-addressed storage.
package dropkey

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/shurlinet/deaddrop/internal/primitive"
)

// ChunkSize is the size, in bytes, of each plaintext window encrypted
// independently during streaming. Not bound to any other chunk: truncating
// a stream at a chunk boundary is indistinguishable from a short file.
const ChunkSize = 4 * 1024 * 1024

// maxChunkCiphertext bounds a single frame's ciphertext length so a
// corrupt or hostile length prefix can't force an unbounded allocation.
const maxChunkCiphertext = ChunkSize + 64

var (
	// ErrTruncated is returned when a stream ends in the middle of a frame.
	ErrTruncated = errors.New("dropkey: truncated stream")
	// ErrBadParams is returned for malformed session key material.
	ErrBadParams = errors.New("dropkey: bad parameters")
)

const keyLen = 32

// SessionKey is the symmetric key used to encrypt a single dead-drop's
// payload. Destroy zeroizes it; callers must not retain key bytes handed
// out by Bytes beyond their own use.
type SessionKey struct {
	key []byte
}

// GenerateSessionKey returns a fresh random SessionKey.
func GenerateSessionKey() (*SessionKey, error) {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("dropkey: generating session key: %w", err)
	}
	return &SessionKey{key: key}, nil
}

// SessionKeyFromBytes reconstructs a SessionKey from raw bytes, e.g. after
// recovering it from Shamir shares.
func SessionKeyFromBytes(b []byte) (*SessionKey, error) {
	if len(b) != keyLen {
		return nil, fmt.Errorf("%w: session key must be %d bytes, got %d", ErrBadParams, keyLen, len(b))
	}
	key := make([]byte, keyLen)
	copy(key, b)
	return &SessionKey{key: key}, nil
}

// Bytes returns the raw key bytes. Callers that copy them out are
// responsible for zeroizing their own copy when done.
func (sk *SessionKey) Bytes() []byte {
	out := make([]byte, keyLen)
	copy(out, sk.key)
	return out
}

// Destroy zeroizes the key. The SessionKey must not be used afterward.
func (sk *SessionKey) Destroy() {
	primitive.Zeroize(sk.key)
}

// EncryptFile seals a single buffer as nonce || ciphertext.
func (sk *SessionKey) EncryptFile(plaintext []byte) ([]byte, error) {
	nonce, err := primitive.NewNonce()
	if err != nil {
		return nil, err
	}
	ciphertext, err := primitive.SealChaCha20Poly1305(sk.key, nonce, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("dropkey: encrypting: %w", err)
	}
	return append(nonce, ciphertext...), nil
}

// DecryptFile opens a buffer produced by EncryptFile.
func (sk *SessionKey) DecryptFile(data []byte) ([]byte, error) {
	if len(data) < primitive.NonceLen {
		return nil, fmt.Errorf("%w: encrypted data shorter than nonce", ErrTruncated)
	}
	nonce, ciphertext := data[:primitive.NonceLen], data[primitive.NonceLen:]
	plaintext, err := primitive.OpenChaCha20Poly1305(sk.key, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("dropkey: decrypting: %w", err)
	}
	return plaintext, nil
}

// StreamEncrypt reads plaintext from r in ChunkSize windows and writes
// u32_le(len) || nonce || ciphertext frames to w for each chunk, so a file
// of any size can be sealed without buffering it whole. Returns the total
// number of bytes written to w.
func StreamEncrypt(w io.Writer, r io.Reader, sk *SessionKey) (int64, error) {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			frame, err := sk.EncryptFile(buf[:n])
			if err != nil {
				return written, err
			}
			var lenPrefix [4]byte
			binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(frame)))
			if _, err := w.Write(lenPrefix[:]); err != nil {
				return written, fmt.Errorf("dropkey: writing frame length: %w", err)
			}
			if _, err := w.Write(frame); err != nil {
				return written, fmt.Errorf("dropkey: writing frame: %w", err)
			}
			written += int64(len(lenPrefix)) + int64(len(frame))
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("dropkey: reading plaintext: %w", readErr)
		}
	}
}

// StreamDecrypt reads frames produced by StreamEncrypt from r and writes
// the recovered plaintext to w. A partial length prefix or a short
// ciphertext frame is reported as ErrTruncated; AEAD tag mismatch is
// reported as primitive.ErrAuthFailure.
func StreamDecrypt(w io.Writer, r io.Reader, sk *SessionKey) (int64, error) {
	var lenPrefix [4]byte
	var written int64
	for {
		_, err := io.ReadFull(r, lenPrefix[:])
		if err == io.EOF {
			return written, nil
		}
		if err == io.ErrUnexpectedEOF {
			return written, fmt.Errorf("%w: partial frame length prefix", ErrTruncated)
		}
		if err != nil {
			return written, fmt.Errorf("dropkey: reading frame length: %w", err)
		}

		frameLen := binary.LittleEndian.Uint32(lenPrefix[:])
		if frameLen > maxChunkCiphertext {
			return written, fmt.Errorf("%w: frame length %d exceeds maximum", ErrTruncated, frameLen)
		}
		frame := make([]byte, frameLen)
		if _, err := io.ReadFull(r, frame); err != nil {
			return written, fmt.Errorf("%w: short frame body: %v", ErrTruncated, err)
		}

		plaintext, err := sk.DecryptFile(frame)
		if err != nil {
			return written, err
		}
		if _, err := w.Write(plaintext); err != nil {
			return written, fmt.Errorf("dropkey: writing plaintext: %w", err)
		}
		written += int64(len(plaintext))
	}
}
