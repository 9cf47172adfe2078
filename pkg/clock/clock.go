// Package clock centralizes the core's notion of "now" and its opaque
// identifier and bearer-token generation, grounded on the join-token
// generator in the teacher's pkg/manager/token.go.
package clock

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Now returns the current time normalized to UTC. Every timestamp the core
// persists goes through Now so that stored values are always comparable
// regardless of the local system timezone.
func Now() time.Time {
	return time.Now().UTC()
}

// NewWorkerID returns a fresh opaque worker identifier.
func NewWorkerID() string {
	return "wkr_" + uuid.New().String()
}

// NewTaskID returns a fresh opaque task identifier.
func NewTaskID() string {
	return "tsk_" + uuid.New().String()
}

// tokenEntropyBytes is 256 bits, per the store's collision-resistance
// invariant (spec.md §3, invariant 7).
const tokenEntropyBytes = 32

// NewBearerToken generates a fresh high-entropy bearer token. The raw value
// is returned exactly once to the caller; only its hash is ever persisted.
func NewBearerToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate bearer token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the one-way hash of a raw bearer token, the only form
// of the token the store is allowed to persist.
func HashToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
