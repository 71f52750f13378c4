package outbox

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/money"
)

// KeySignificantFigures controls how coarse size and price are before hashing.
// Retries that differ only past the fourth significant figure collide.
const KeySignificantFigures = 4

// GenerateIdempotencyKey hashes the coarse order intent. When bucket is
// positive the signal timestamp, truncated to the bucket, is part of the key
// so the same intent can legitimately recur in a later bucket.
func GenerateIdempotencyKey(symbol string, side model.Side, size, price decimal.Decimal, signalTS time.Time, bucket time.Duration) string {
	var slot int64
	if bucket > 0 && !signalTS.IsZero() {
		slot = signalTS.UTC().Truncate(bucket).Unix()
	}
	data := fmt.Sprintf("%s|%s|%s|%s|%d",
		symbol,
		side,
		money.RoundSignificant(size, KeySignificantFigures).String(),
		money.RoundSignificant(price, KeySignificantFigures).String(),
		slot,
	)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:16])
}
