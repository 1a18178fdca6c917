// Package uid mints the opaque identifiers BleepStore hands out to clients
// and uses internally: multipart upload IDs, temp-file suffixes for the
// atomic write path, and per-request trace IDs.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New mints an opaque identifier suitable for a multipart upload ID or a
// scratch filename. The glossary calls an upload ID "an opaque identifier",
// so this returns a canonical UUID rather than a hand-rolled hex blob —
// any S3 client treats it as an opaque string either way.
func New() string {
	return uuid.New().String()
}

// RequestID mints the 16-character uppercase hex string BleepStore attaches
// to every response as x-amz-request-id/x-amz-id-2. It intentionally does
// not reuse New(): AWS's own request IDs are short hex tokens, not UUIDs,
// and callers compare them case-sensitively against that convention.
func RequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively unreachable on any real target;
		// fall back to a timestamp so callers never see an empty ID.
		return fmt.Sprintf("%016X", time.Now().UnixNano())
	}
	return strings.ToUpper(hex.EncodeToString(b))
}
