// Package ids centralizes identifier generation: run ids, branch-suffix
// randomness, and lock/intervention tokens. Grounded on the id generators
// used across the retrieval pack (oklog/ulid in tgruben-circuit-percy,
// google/uuid in NeboLoop-nebo) rather than hand-rolled math/rand strings.
package ids

import (
	"crypto/rand"
	"encoding/base32"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewRunID returns a sortable run identifier, e.g. "run-01J8Q3ZC9X...".
// ULIDs are lexicographically sortable by creation time, which keeps
// `ls lanes/../pof/` output in chronological order without parsing names.
func NewRunID() string {
	return "run-" + ulid.Make().String()
}

// NewCheckpointID returns a sortable checkpoint identifier.
func NewCheckpointID() string {
	return ulid.Make().String()
}

// NewToken returns a short random token suitable for lock-file ownership
// markers and intervention-request ids.
func NewToken() string {
	return uuid.NewString()
}

// Base36Timestamp returns the current unix-ms timestamp encoded in base36,
// used for pipeline branch names
// ("<branchPrefix><base36-unix-ms>-<5-char-rand>").
func Base36Timestamp(t time.Time) string {
	return strings.ToLower(big.NewInt(t.UnixMilli()).Text(36))
}

// RandSuffix returns an n-character lowercase alphanumeric random suffix.
func RandSuffix(n int) string {
	// base32 avoids ambiguous characters and is branch-name safe.
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is effectively unrecoverable; fall back to a
		// fixed suffix rather than panicking in a long-running orchestrator.
		return strings.Repeat("x", n)
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	enc = strings.ToLower(enc)
	if len(enc) < n {
		return enc
	}
	return enc[:n]
}
