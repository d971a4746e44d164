package audit

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"
)

const (
	prefixSession   = "sess"
	prefixRequest   = "req"
	prefixToolCall  = "tool"
	prefixViolation = "viol"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// newID returns prefix-<unix millis base36>-<6 random base36 chars>.
func newID(prefix string, now time.Time) string {
	suffix := make([]byte, 6)
	max := big.NewInt(int64(len(base36)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			suffix[i] = base36[now.UnixNano()%int64(len(base36))]
			continue
		}
		suffix[i] = base36[n.Int64()]
	}
	return prefix + "-" + strconv.FormatInt(now.UnixMilli(), 36) + "-" + string(suffix)
}
