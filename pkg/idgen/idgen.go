// Package idgen mints the opaque identifiers used throughout contextd: run,
// event, episode, pack, and batch ids via uuid, and milestone-token nonces
// via crypto/rand — mirroring the split the teacher draws between node/task
// ids (uuid.New) and join-token credentials (crypto/rand + hex).
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// New mints an opaque identifier suitable for run/event/episode/pack/batch
// ids and memory item ids.
func New() string {
	return uuid.New().String()
}

// NewPrefixed mints an identifier with a human-readable kind prefix, e.g.
// "run-3f9a..." or "ep-3f9a...", matching the teacher's convention of
// prefixing generated ids with their resource kind in CLI output.
func NewPrefixed(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

// Token mints a bearer credential (not an identifier) for the one-shot
// milestone token, the same crypto/rand+hex shape as the teacher's
// TokenManager.GenerateToken.
func Token() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
