package issuer

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// keyCounter makes keys unpredictable across issuances for the same input.
// Seeded from the clock so restarts never reuse a counter value.
var keyCounter atomic.Int64

func init() {
	keyCounter.Store(time.Now().UnixNano())
}

// deriveKey produces a license key of the form XXXX-XXXX-XXXX-XXXX from the
// transaction hash, the server signing secret and a monotonic counter. The
// key is an opaque credential; validity always comes from the stored record,
// never from the key itself.
func deriveKey(txHash, secret string, counter int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", txHash, secret, counter)))
	hex := strings.ToUpper(fmt.Sprintf("%x", sum[:8]))
	return fmt.Sprintf("%s-%s-%s-%s", hex[0:4], hex[4:8], hex[8:12], hex[12:16])
}

// nextKey derives a fresh key for a transaction hash.
func nextKey(txHash, secret string) string {
	return deriveKey(txHash, secret, keyCounter.Add(1))
}
