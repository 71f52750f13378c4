package outbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/observ"
	"github.com/Rajchodisetti/futures-guard/internal/retry"
)

// Result is what the exchange returned for the order an idempotency key guards.
type Result struct {
	OrderID       string          `json:"order_id"`
	Symbol        string          `json:"symbol"`
	Side          model.Side      `json:"side"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	Status        string          `json:"status"`
	CorrelationID string          `json:"correlation_id"`
	PlacedAt      time.Time       `json:"placed_at"`
}

type Entry struct {
	Key       string    `json:"key"`
	Result    Result    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrPending is returned by Claim when another attempt for the key is in flight.
var ErrPending = errors.New("idempotency key has an order in flight")

// Outbox is the append-only idempotency store. Every entry is loaded at Open
// and every Record is fsynced before it returns.
type Outbox struct {
	mu      sync.Mutex
	path    string
	policy  retry.Policy
	entries map[string]Entry
	pending map[string]time.Time
	skipped int
	now     func() time.Time
}

func Open(path string, policy retry.Policy) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	o := &Outbox{
		path:    path,
		policy:  policy,
		entries: make(map[string]Entry),
		pending: make(map[string]time.Time),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := o.load(); err != nil {
		return nil, fmt.Errorf("load idempotency store %s: %w", path, err)
	}
	observ.Log("idempotency_store_loaded", map[string]any{
		"path": path, "entries": len(o.entries), "skipped_lines": o.skipped,
	})
	return o, nil
}

func (o *Outbox) load() error {
	f, err := os.Open(o.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Key == "" {
			// A torn final line after a crash is expected.
			o.skipped++
			continue
		}
		if _, dup := o.entries[e.Key]; !dup {
			o.entries[e.Key] = e
		}
	}
	return scanner.Err()
}

func (o *Outbox) Check(key string) (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[key]
	return e.Result, ok
}

// Claim marks key as in flight so a concurrent intent with the same key is
// refused while the first waits on the exchange.
func (o *Outbox) Claim(key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.entries[key]; ok {
		return model.Reject(model.CodeDuplicateOrder, "order already recorded")
	}
	if _, ok := o.pending[key]; ok {
		return ErrPending
	}
	o.pending[key] = o.now()
	return nil
}

// Pending reports whether an order for key is in flight.
func (o *Outbox) Pending(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[key]
	return ok
}

// Release drops an in-flight claim after a failed placement.
func (o *Outbox) Release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, key)
}

// Record stores result under key. A second Record for the same key does not
// write and returns the first stored result with dup set. A persistence error
// is returned after bounded retries, but the entry stays in memory so this
// process still refuses a replay.
func (o *Outbox) Record(ctx context.Context, key string, result Result) (stored Result, dup bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, key)
	if e, ok := o.entries[key]; ok {
		return e.Result, true, nil
	}
	e := Entry{Key: key, Result: result, CreatedAt: o.now()}
	o.entries[key] = e

	err = retry.Do(ctx, o.policy, func() error { return o.appendEntry(e) })
	if err != nil {
		observ.LogError("idempotency_write_failed", err, map[string]any{"key": key, "path": o.path})
	}
	return result, false, err
}

func (o *Outbox) appendEntry(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if err := appendLine(f, info.Size(), append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type appendFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
}

// appendLine writes one line at the end of f. A failed write or sync cuts the
// file back to offset so a retry never lands behind a torn fragment.
func appendLine(f appendFile, offset int64, line []byte) error {
	_, err := f.Write(line)
	if err == nil {
		err = f.Sync()
	}
	if err == nil {
		return nil
	}
	if terr := f.Truncate(offset); terr != nil {
		return errors.Join(err, fmt.Errorf("truncate torn entry: %w", terr))
	}
	return err
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
