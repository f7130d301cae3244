// Package blob stores evidence bytes behind an opaque locator. Local
// deployments back it with the filesystem; production deployments swap in
// an object store behind the same contract without the callers noticing.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Store is the write/read contract for evidence blobs. Locators are opaque
// to callers; only the backing implementation interprets them.
type Store interface {
	// Put writes data and returns its locator. Writing the same locator
	// twice with identical bytes is a no-op; differing bytes are an error
	// because evidence is immutable.
	Put(ctx context.Context, locator string, data []byte) error

	// Get returns the bytes at locator.
	Get(ctx context.Context, locator string) ([]byte, error)
}

// Locator builds the canonical evidence key for a thumbnail:
// {session_id}/thumb-{event_id}.jpg
func Locator(sessionID, eventID string) string {
	return sessionID + "/thumb-" + eventID + ".jpg"
}

// SHA256Hex returns the lowercase hex digest of data, the format stored on
// Evidence rows.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
