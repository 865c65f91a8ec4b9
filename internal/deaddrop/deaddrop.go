// Package deaddrop orchestrates the dead-drop pipeline: encrypt a file
// under a fresh session key, upload the ciphertext to content-addressed
// storage, split the session key into Shamir shares — and, symmetrically,
// recover a key from shares, fetch the ciphertext, and decrypt it back to
// a file. Every exit path, success or failure, zeroizes key material and
// removes any temp file it created.
package deaddrop

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/shurlinet/deaddrop/internal/contentstore"
	"github.com/shurlinet/deaddrop/internal/dropkey"
	"github.com/shurlinet/deaddrop/internal/primitive"
	"github.com/shurlinet/deaddrop/internal/threshold"
)

// ErrBadParams is returned for an invalid threshold/total-shards
// combination or other malformed caller input.
var ErrBadParams = errors.New("deaddrop: bad parameters")

// Created describes the artifacts produced by CreateDeadDrop: the content
// id the ciphertext is addressed by, and the hex-encoded Shamir shares of
// the session key that decrypts it.
type Created struct {
	ContentID string
	Shares    []string
}

// CreateDeadDrop encrypts the file at filePath under a fresh session key,
// uploads the ciphertext to store, and splits the session key into
// totalShares shares of which threshold reconstruct it.
func CreateDeadDrop(ctx context.Context, store *contentstore.Client, filePath string, thresholdN, totalShares int) (*Created, error) {
	if thresholdN < 2 || thresholdN > totalShares || totalShares > 255 {
		return nil, fmt.Errorf("%w: need 2 <= threshold <= total <= 255, got threshold=%d total=%d", ErrBadParams, thresholdN, totalShares)
	}

	in, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("deaddrop: opening %s: %w", filePath, err)
	}
	defer in.Close()

	sessionKey, err := dropkey.GenerateSessionKey()
	if err != nil {
		return nil, fmt.Errorf("deaddrop: generating session key: %w", err)
	}
	defer sessionKey.Destroy()

	tmp, err := os.CreateTemp("", "deaddrop-encrypted-*")
	if err != nil {
		return nil, fmt.Errorf("deaddrop: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := dropkey.StreamEncrypt(tmp, in, sessionKey); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("deaddrop: encrypting file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("deaddrop: closing temp file: %w", err)
	}

	contentID, err := store.Put(ctx, tmpPath)
	if err != nil {
		return nil, fmt.Errorf("deaddrop: uploading ciphertext: %w", err)
	}

	keyBytes := sessionKey.Bytes()
	shares, err := threshold.Split(keyBytes, thresholdN, totalShares)
	primitive.Zeroize(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("deaddrop: splitting session key: %w", err)
	}

	shareStrings := make([]string, len(shares))
	for i, s := range shares {
		shareStrings[i] = hex.EncodeToString(s)
	}

	return &Created{ContentID: contentID, Shares: shareStrings}, nil
}

// RetrieveDeadDrop recovers the session key from shareStrings, downloads
// the ciphertext identified by contentID from store, and decrypts it to
// outputPath.
func RetrieveDeadDrop(ctx context.Context, store *contentstore.Client, contentID string, shareStrings []string, outputPath string) error {
	shares := make([][]byte, len(shareStrings))
	for i, s := range shareStrings {
		decoded, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("%w: share %d is not valid hex: %v", threshold.ErrBadShare, i, err)
		}
		shares[i] = decoded
	}

	keyBytes, err := threshold.Recover(shares)
	if err != nil {
		return fmt.Errorf("deaddrop: recovering session key: %w", err)
	}
	defer primitive.Zeroize(keyBytes)

	sessionKey, err := dropkey.SessionKeyFromBytes(keyBytes)
	if err != nil {
		return fmt.Errorf("deaddrop: building session key: %w", err)
	}
	defer sessionKey.Destroy()

	tmp, err := os.CreateTemp("", "deaddrop-download-*")
	if err != nil {
		return fmt.Errorf("deaddrop: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := store.Get(ctx, contentID, tmpPath); err != nil {
		return fmt.Errorf("deaddrop: downloading ciphertext: %w", err)
	}

	encrypted, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("deaddrop: reopening downloaded file: %w", err)
	}
	defer encrypted.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("deaddrop: creating output file %s: %w", outputPath, err)
	}
	defer out.Close()

	if _, err := dropkey.StreamDecrypt(out, encrypted, sessionKey); err != nil {
		return fmt.Errorf("deaddrop: decrypting file: %w", err)
	}
	return nil
}
