package receipt

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Number builds a receipt number of the form INV-YYYYMMDD-XXXXXX where
// the suffix is six uppercase hex characters of random entropy.
// Uniqueness is enforced by the store; collisions within a day are
// vanishingly rare and surface as a retryable insert error.
func Number(at time.Time) string {
	id := uuid.New()
	suffix := strings.ToUpper(hex.EncodeToString(id[:3]))
	return fmt.Sprintf("INV-%s-%s", at.UTC().Format("20060102"), suffix)
}

// Token returns a prefixed opaque identifier, used for client
// idempotency keys and hold ids.
func Token(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
