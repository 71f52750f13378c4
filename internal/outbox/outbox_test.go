package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

func sampleResult(id string) Result {
	return Result{
		OrderID:  id,
		Symbol:   "ETHUSDTM",
		Side:     model.Long,
		Size:     decimal.RequireFromString("0.5"),
		Price:    decimal.RequireFromString("3100.25"),
		Status:   "filled",
		PlacedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRecordIsWriteOnce(t *testing.T) {
	ob, err := Open(filepath.Join(t.TempDir(), "idem.jsonl"), fastRetry)
	require.NoError(t, err)

	stored, dup, err := ob.Record(context.Background(), "k1", sampleResult("first"))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "first", stored.OrderID)

	stored, dup, err = ob.Record(context.Background(), "k1", sampleResult("second"))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "first", stored.OrderID, "the original result is returned")

	got, ok := ob.Check("k1")
	require.True(t, ok)
	assert.Equal(t, "first", got.OrderID)
	assert.Equal(t, 1, ob.Len())
}

func TestStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "idem.jsonl")
	ob, err := Open(path, fastRetry)
	require.NoError(t, err)
	_, _, err = ob.Record(context.Background(), "k1", sampleResult("ord-1"))
	require.NoError(t, err)

	// Simulate a crash mid-write of a later entry.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"key":"k2","result":{"order_`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, fastRetry)
	require.NoError(t, err)
	got, ok := reopened.Check("k1")
	require.True(t, ok)
	assert.Equal(t, "ord-1", got.OrderID)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("3100.25")))
	_, ok = reopened.Check("k2")
	assert.False(t, ok)

	_, dup, err := reopened.Record(context.Background(), "k1", sampleResult("ord-2"))
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestClaimBlocksConcurrentIntent(t *testing.T) {
	ob, err := Open(filepath.Join(t.TempDir(), "idem.jsonl"), fastRetry)
	require.NoError(t, err)

	require.NoError(t, ob.Claim("k1"))
	assert.True(t, ob.Pending("k1"))
	assert.ErrorIs(t, ob.Claim("k1"), ErrPending)

	ob.Release("k1")
	assert.False(t, ob.Pending("k1"))
	require.NoError(t, ob.Claim("k1"))
	_, _, err = ob.Record(context.Background(), "k1", sampleResult("a"))
	require.NoError(t, err)

	var rej *model.RejectError
	require.True(t, errors.As(ob.Claim("k1"), &rej))
	assert.Equal(t, model.CodeDuplicateOrder, rej.Code)
}

func TestRecordKeepsEntryWhenDiskFails(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(filepath.Join(dir, "idem.jsonl"), fastRetry)
	require.NoError(t, err)
	// Point the store at a directory so every append fails.
	ob.path = dir

	_, dup, err := ob.Record(context.Background(), "k1", sampleResult("a"))
	assert.Error(t, err)
	assert.False(t, dup)
	_, ok := ob.Check("k1")
	assert.True(t, ok)
}

// tornFile writes half of the first line it is given and then fails, like a
// disk that fills up mid-write.
type tornFile struct {
	*os.File
	torn        bool
	truncatedTo int64
}

func (f *tornFile) Write(p []byte) (int, error) {
	if f.torn {
		return f.File.Write(p)
	}
	f.torn = true
	n, _ := f.File.Write(p[:len(p)/2])
	return n, errors.New("no space left on device")
}

func (f *tornFile) Truncate(size int64) error {
	f.truncatedTo = size
	return f.File.Truncate(size)
}

func TestFailedAppendLeavesNoTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.jsonl")
	ob, err := Open(path, fastRetry)
	require.NoError(t, err)
	_, _, err = ob.Record(context.Background(), "k1", sampleResult("ord-1"))
	require.NoError(t, err)

	raw, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer raw.Close()
	info, err := raw.Stat()
	require.NoError(t, err)
	f := &tornFile{File: raw}

	line := []byte(`{"key":"k2","result":{"order_id":"ord-2"},"created_at":"2026-01-02T03:04:05Z"}` + "\n")
	require.Error(t, appendLine(f, info.Size(), line))
	assert.Equal(t, info.Size(), f.truncatedTo)

	require.NoError(t, appendLine(f, info.Size(), line))

	reopened, err := Open(path, fastRetry)
	require.NoError(t, err)
	assert.Equal(t, 0, reopened.skipped)
	got, ok := reopened.Check("k2")
	require.True(t, ok, "the retried entry loads")
	assert.Equal(t, "ord-2", got.OrderID)
	_, ok = reopened.Check("k1")
	assert.True(t, ok)
}

func TestGenerateIdempotencyKey(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 7, 0, 0, time.UTC)
	size := decimal.RequireFromString("0.03125")
	price := decimal.RequireFromString("64001.5")
	base := GenerateIdempotencyKey("BTCUSDTM", model.Long, size, price, ts, 15*time.Minute)

	testCases := []struct {
		name    string
		key     string
		collide bool
	}{
		{"same intent", GenerateIdempotencyKey("BTCUSDTM", model.Long, size, price, ts, 15*time.Minute), true},
		{"price jitter", GenerateIdempotencyKey("BTCUSDTM", model.Long, size, decimal.RequireFromString("64003"), ts, 15*time.Minute), true},
		{"same bucket", GenerateIdempotencyKey("BTCUSDTM", model.Long, size, price, ts.Add(5*time.Minute), 15*time.Minute), true},
		{"other side", GenerateIdempotencyKey("BTCUSDTM", model.Short, size, price, ts, 15*time.Minute), false},
		{"other symbol", GenerateIdempotencyKey("ETHUSDTM", model.Long, size, price, ts, 15*time.Minute), false},
		{"other price", GenerateIdempotencyKey("BTCUSDTM", model.Long, size, decimal.RequireFromString("65000"), ts, 15*time.Minute), false},
		{"other size", GenerateIdempotencyKey("BTCUSDTM", model.Long, decimal.RequireFromString("0.0625"), price, ts, 15*time.Minute), false},
		{"next bucket", GenerateIdempotencyKey("BTCUSDTM", model.Long, size, price, ts.Add(10*time.Minute), 15*time.Minute), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.collide {
				assert.Equal(t, base, tc.key)
			} else {
				assert.NotEqual(t, base, tc.key)
			}
		})
	}

	noBucket := GenerateIdempotencyKey("BTCUSDTM", model.Long, size, price, ts, 0)
	assert.Equal(t, noBucket, GenerateIdempotencyKey("BTCUSDTM", model.Long, size, price, ts.Add(48*time.Hour), 0))
}
