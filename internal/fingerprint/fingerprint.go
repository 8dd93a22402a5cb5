// Package fingerprint computes the deterministic content identity used for
// deduplication. Identical bytes always produce the identical fingerprint,
// across calls and across process restarts.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidContent is returned when the submitted bytes cannot be
// fingerprinted (empty or implausibly small payloads).
var ErrInvalidContent = errors.New("invalid content")

// MinImageSize is the smallest payload accepted as a real image. Anything
// below this is a truncated upload or a stray request body, not a screenshot.
const MinImageSize = 64

// Fingerprint is the dedup identity of one byte sequence.
type Fingerprint struct {
	// Hash is the lowercase hex SHA-256 of the raw bytes. This is the value
	// stored in the records table's unique column.
	Hash string

	// Size is the byte length of the fingerprinted content.
	Size int
}

// RecordID derives a stable UUID from the fingerprint. Because it is built
// from the hash, concurrent first-time submissions of the same bytes derive
// the same candidate ID; the store's uniqueness constraint picks the winner.
func (f Fingerprint) RecordID() string {
	sum, err := hex.DecodeString(f.Hash)
	if err != nil || len(sum) < 16 {
		// Hash came from Compute, so this only happens on a hand-built
		// Fingerprint; fall back to a random ID rather than panic.
		return uuid.NewString()
	}
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Compute fingerprints raw image bytes. Pure and deterministic; fails only
// on malformed input.
func Compute(data []byte) (Fingerprint, error) {
	if len(data) == 0 {
		return Fingerprint{}, fmt.Errorf("%w: empty payload", ErrInvalidContent)
	}
	if len(data) < MinImageSize {
		return Fingerprint{}, fmt.Errorf("%w: payload too small (%d bytes)", ErrInvalidContent, len(data))
	}
	sum := sha256.Sum256(data)
	return Fingerprint{
		Hash: hex.EncodeToString(sum[:]),
		Size: len(data),
	}, nil
}
