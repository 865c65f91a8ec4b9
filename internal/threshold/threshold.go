// Package threshold implements Shamir secret sharing over GF(2^8): a
// secret is split into n shares such that any t of them reconstruct it
// exactly, while fewer than t reveal no information about it. Each share
// encodes its own threshold, so Recover needs no out-of-band parameter.
package threshold

import (
	"crypto/rand"
	"errors"
	"fmt"
)

var (
	// ErrBadParams is returned for an invalid threshold/total combination.
	ErrBadParams = errors.New("threshold: bad parameters")
	// ErrInsufficientShares is returned when fewer distinct shares than
	// the embedded threshold are supplied to Recover.
	ErrInsufficientShares = errors.New("threshold: insufficient shares")
	// ErrBadShare is returned when a share is malformed, inconsistent
	// with the others (different threshold or secret length), or two
	// shares disagree despite claiming the same index.
	ErrBadShare = errors.New("threshold: bad share")
)

// shareHeaderLen is the number of framing bytes ([threshold, index])
// preceding the y-values in every share.
const shareHeaderLen = 2

// Split divides secret into total shares such that any threshold of them
// reconstruct it exactly. Requires 2 <= threshold <= total <= 255.
func Split(secret []byte, threshold, total int) ([][]byte, error) {
	if threshold < 2 || threshold > total || total > 255 {
		return nil, fmt.Errorf("%w: need 2 <= threshold <= total <= 255, got threshold=%d total=%d", ErrBadParams, threshold, total)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret must not be empty", ErrBadParams)
	}

	// coeffs[byteIdx] holds the threshold-1 random coefficients for the
	// degree (threshold-1) polynomial whose constant term is that byte
	// of the secret.
	coeffs := make([][]byte, len(secret))
	for i := range coeffs {
		c := make([]byte, threshold-1)
		if _, err := rand.Read(c); err != nil {
			return nil, fmt.Errorf("threshold: generating coefficients: %w", err)
		}
		coeffs[i] = c
	}

	shares := make([][]byte, total)
	for shareIdx := 0; shareIdx < total; shareIdx++ {
		x := byte(shareIdx + 1) // x=0 would directly expose the secret byte
		share := make([]byte, shareHeaderLen+len(secret))
		share[0] = byte(threshold)
		share[1] = x
		for byteIdx, secretByte := range secret {
			share[shareHeaderLen+byteIdx] = evalPolynomial(secretByte, coeffs[byteIdx], x)
		}
		shares[shareIdx] = share
	}
	return shares, nil
}

// evalPolynomial evaluates, at point x, the polynomial over GF(2^8) whose
// constant term is a0 and whose remaining coefficients are coeffs (lowest
// degree first), using Horner's method.
func evalPolynomial(a0 byte, coeffs []byte, x byte) byte {
	result := byte(0)
	for i := len(coeffs) - 1; i >= 0; i-- {
		result = gfAdd(gfMul(result, x), coeffs[i])
	}
	return gfAdd(gfMul(result, x), a0)
}

// Recover reconstructs the secret from a set of shares produced by Split.
// Each share must encode the same threshold and secret length; duplicate
// indices must agree byte-for-byte. Returns ErrInsufficientShares if fewer
// distinct shares than the embedded threshold are present.
func Recover(shares [][]byte) ([]byte, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares supplied", ErrBadShare)
	}
	if len(shares[0]) <= shareHeaderLen {
		return nil, fmt.Errorf("%w: share too short", ErrBadShare)
	}

	threshold := int(shares[0][0])
	secretLen := -1
	for _, s := range shares {
		if len(s) <= shareHeaderLen {
			return nil, fmt.Errorf("%w: share too short", ErrBadShare)
		}
		if int(s[0]) != threshold {
			return nil, fmt.Errorf("%w: inconsistent threshold across shares", ErrBadShare)
		}
		if secretLen == -1 {
			secretLen = len(s) - shareHeaderLen
		} else if len(s)-shareHeaderLen != secretLen {
			return nil, fmt.Errorf("%w: inconsistent secret length across shares", ErrBadShare)
		}
	}

	byIndex := make(map[byte][]byte, len(shares))
	for _, s := range shares {
		idx := s[1]
		if idx == 0 {
			return nil, fmt.Errorf("%w: share index must not be zero", ErrBadShare)
		}
		if existing, ok := byIndex[idx]; ok {
			if !bytesEqual(existing, s) {
				return nil, fmt.Errorf("%w: two shares with index %d disagree", ErrBadShare, idx)
			}
			continue
		}
		byIndex[idx] = s
	}

	if len(byIndex) < threshold {
		return nil, fmt.Errorf("%w: have %d distinct shares, need %d", ErrInsufficientShares, len(byIndex), threshold)
	}

	// Use exactly `threshold` distinct shares for interpolation; any valid
	// subset of that size reconstructs the same polynomial.
	used := make([][]byte, 0, threshold)
	for _, s := range byIndex {
		used = append(used, s)
		if len(used) == threshold {
			break
		}
	}

	secret := make([]byte, secretLen)
	for byteIdx := 0; byteIdx < secretLen; byteIdx++ {
		points := make([]point, len(used))
		for i, s := range used {
			points[i] = point{x: s[1], y: s[shareHeaderLen+byteIdx]}
		}
		secret[byteIdx] = lagrangeInterpolateAtZero(points)
	}
	return secret, nil
}

type point struct {
	x, y byte
}

// lagrangeInterpolateAtZero evaluates the unique degree-(len(points)-1)
// polynomial through points at x=0, recovering the constant term (the
// secret byte) without needing any other point on the curve.
func lagrangeInterpolateAtZero(points []point) byte {
	var result byte
	for i, pi := range points {
		num := byte(1)
		den := byte(1)
		for j, pj := range points {
			if i == j {
				continue
			}
			// At x=0: numerator *= (0 - x_j) = x_j (GF(2^8) subtraction is XOR)
			num = gfMul(num, pj.x)
			den = gfMul(den, gfAdd(pi.x, pj.x))
		}
		term := gfMul(pi.y, gfDiv(num, den))
		result = gfAdd(result, term)
	}
	return result
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
